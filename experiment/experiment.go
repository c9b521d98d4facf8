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

package experiment

import (
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/gorse-io/flora/config"
	"github.com/juju/errors"
	"github.com/samber/lo"
)

const DefaultEntrypoint = "enc_dec_s2s.py"

// Experiment is a named list of dotted overrides passed to the entry point.
type Experiment struct {
	Name      string            `yaml:"name"`
	Overrides []config.Override `yaml:"overrides"`
}

// Config resolves the overrides against the default configuration.
func (e Experiment) Config() (*config.Config, error) {
	cfg, err := config.GetDefaultConfig().Apply(e.Overrides...)
	if err != nil {
		return nil, errors.Annotatef(err, "experiment %s", e.Name)
	}
	return cfg, nil
}

func (e Experiment) String() string {
	return strings.Join(lo.Map(e.Overrides, func(o config.Override, _ int) string {
		return o.String()
	}), " ")
}

// Command describes how the entry point is invoked.
type Command struct {
	Python  string
	Script  string
	WorkDir string
	Env     []string
}

func NewCommand(script string) Command {
	return Command{Python: "python", Script: script}
}

// Args returns the script followed by one `key=value` argument per override,
// in the order they were written.
func (c Command) Args(exp Experiment) []string {
	args := make([]string, 0, len(exp.Overrides)+1)
	if c.Script != "" {
		args = append(args, c.Script)
	}
	for _, o := range exp.Overrides {
		args = append(args, o.String())
	}
	return args
}

// Line renders the full command line of an experiment.
func (c Command) Line(exp Experiment) string {
	return strings.Join(append([]string{c.Python}, c.Args(exp)...), " ")
}

func (c Command) build(ctx context.Context, exp Experiment) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.Python, c.Args(exp)...)
	cmd.Dir = c.WorkDir
	cmd.Env = append(os.Environ(), c.Env...)
	return cmd
}
