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

package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// Override is a single `key=value` argument. A key without a dot selects a
// config group, e.g. `optimizer=adafactor`.
type Override struct {
	Key   string
	Value string
}

// ParseOverride parses `key=value`.
func ParseOverride(s string) (Override, error) {
	key, value, ok := strings.Cut(s, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return Override{}, errors.NotValidf("override %q", s)
	}
	if strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") || strings.Contains(key, "..") {
		return Override{}, errors.NotValidf("override key %q", key)
	}
	return Override{Key: strings.ToLower(key), Value: strings.TrimSpace(value)}, nil
}

func ParseOverrides(args []string) ([]Override, error) {
	overrides := make([]Override, 0, len(args))
	for _, arg := range args {
		o, err := ParseOverride(arg)
		if err != nil {
			return nil, errors.Trace(err)
		}
		overrides = append(overrides, o)
	}
	return overrides, nil
}

// IsGroup reports whether the override selects a config group.
func (o Override) IsGroup() bool {
	return !strings.Contains(o.Key, ".")
}

func (o Override) String() string {
	return o.Key + "=" + o.Value
}

// MarshalYAML writes an override as a plain `key=value` scalar.
func (o Override) MarshalYAML() (any, error) {
	return o.String(), nil
}

func (o *Override) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return errors.Trace(err)
	}
	parsed, err := ParseOverride(s)
	if err != nil {
		return errors.Trace(err)
	}
	*o = parsed
	return nil
}

func formatValue(value any) string {
	switch v := value.(type) {
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}
