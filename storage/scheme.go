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

package storage

import (
	"net/url"
	"strings"

	"github.com/juju/errors"
	"github.com/samber/lo"
)

const SQLitePrefix = "sqlite://"

// AppendURLParams adds query parameters to a data source name.
func AppendURLParams(rawURL string, params []lo.Tuple2[string, string]) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.Trace(err)
	}
	q := parsed.Query()
	for _, tuple := range params {
		q.Add(tuple.A, tuple.B)
	}
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

// TablePrefix lets several launchers share one database.
type TablePrefix string

func (tp TablePrefix) RunsTable() string {
	return string(tp) + "runs"
}

func (tp TablePrefix) KeyValuesTable() string {
	return string(tp) + "key_values"
}

// ValidPrefix returns true if the prefix is usable in table names.
func (tp TablePrefix) ValidPrefix() bool {
	return !strings.ContainsFunc(string(tp), func(r rune) bool {
		return !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	})
}
