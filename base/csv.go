// Copyright 2025 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package base

import (
	"bufio"
	"io"
	"strings"

	"github.com/juju/errors"
	"github.com/samber/lo"
)

// Escape quotes a csv field if it contains a separator, a quote or a line break.
func Escape(text string) string {
	if !strings.ContainsAny(text, ",\"\r\n") {
		return text
	}
	return "\"" + strings.ReplaceAll(text, "\"", "\"\"") + "\""
}

// WriteRow writes escaped fields as a csv line.
func WriteRow(w io.Writer, fields ...string) error {
	_, err := io.WriteString(w, strings.Join(lo.Map(fields, func(f string, _ int) string {
		return Escape(f)
	}), ",")+"\n")
	return errors.Trace(err)
}

// ReadLines parses the fields of each csv record. Quoted fields may span
// lines. The handler stops reading by returning false.
func ReadLines(sc *bufio.Scanner, sep string, handler func(int, []string) bool) error {
	var (
		lineCount int
		fields    []string
		builder   strings.Builder
		quoted    bool
	)
	for sc.Scan() {
		line := []rune(sc.Text())
		if quoted {
			builder.WriteString("\r\n")
		}
		for i := 0; i < len(line); i++ {
			switch {
			case string(line[i]) == sep && !quoted:
				fields = append(fields, builder.String())
				builder.Reset()
			case line[i] == '"' && !quoted:
				quoted = true
			case line[i] == '"' && i+1 < len(line) && line[i+1] == '"':
				// escaped quote
				i++
				builder.WriteRune('"')
			case line[i] == '"':
				quoted = false
			default:
				builder.WriteRune(line[i])
			}
		}
		if !quoted {
			fields = append(fields, builder.String())
			builder.Reset()
			if !handler(lineCount, fields) {
				return nil
			}
			fields = nil
		}
		lineCount++
	}
	return sc.Err()
}
