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
	"bytes"
	_ "embed"
	"io"
	"os"
	"slices"

	"github.com/expr-lang/expr"
	"github.com/gorse-io/flora/config"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

//go:embed plan.yaml
var defaultPlan []byte

// Plan is a set of experiments sharing base overrides.
type Plan struct {
	Entrypoint  string            `yaml:"entrypoint"`
	Base        []config.Override `yaml:"base"`
	Experiments []Experiment      `yaml:"experiments"`
	// Overrides are given on the command line and replace the values of
	// every experiment.
	Overrides []config.Override `yaml:"-"`
}

// DefaultPlan returns the replication plan: the Adafactor baseline, LoRA
// ranks, compressed gradient accumulation and Flora momentum.
func DefaultPlan() *Plan {
	return lo.Must(LoadPlan(bytes.NewReader(defaultPlan)))
}

func LoadPlan(r io.Reader) (*Plan, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	var plan Plan
	if err := decoder.Decode(&plan); err != nil {
		return nil, errors.NewNotValid(err, "failed to decode plan")
	}
	if plan.Entrypoint == "" {
		plan.Entrypoint = DefaultEntrypoint
	}
	return &plan, nil
}

func LoadPlanFile(path string) (*Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer f.Close()
	plan, err := LoadPlan(f)
	if err != nil {
		return nil, errors.Annotatef(err, "load %s", path)
	}
	return plan, nil
}

// Resolve returns every experiment with the base overrides merged in. The
// precedence is base, then experiment, then command line overrides.
func (p *Plan) Resolve() []Experiment {
	return lo.Map(p.Experiments, func(e Experiment, _ int) Experiment {
		return Experiment{Name: e.Name, Overrides: merge(p.Base, e.Overrides, p.Overrides)}
	})
}

// merge puts group selections before dotted keys. A repeated key replaces the
// earlier value in place.
func merge(layers ...[]config.Override) []config.Override {
	var groups, keys []config.Override
	for _, layer := range layers {
		for _, o := range layer {
			target := &keys
			if o.IsGroup() {
				target = &groups
			}
			if _, i, ok := lo.FindIndexOf(*target, func(x config.Override) bool { return x.Key == o.Key }); ok {
				(*target)[i] = o
			} else {
				*target = append(*target, o)
			}
		}
	}
	return append(groups, keys...)
}

// ValidatePlan checks that every override names a key accepted by the entry
// point and every experiment resolves to a valid configuration.
func ValidatePlan(plan *Plan) error {
	if len(plan.Experiments) == 0 {
		return errors.NotValidf("empty plan")
	}
	names := make(map[string]struct{})
	for _, o := range append(slices.Clone(plan.Base), plan.Overrides...) {
		if !config.IsKnownKey(o.Key) {
			return errors.NotValidf("base override %s", o)
		}
	}
	for _, e := range plan.Experiments {
		if e.Name == "" {
			return errors.NotValidf("experiment without name")
		}
		if _, exist := names[e.Name]; exist {
			return errors.NotValidf("duplicate experiment %s", e.Name)
		}
		names[e.Name] = struct{}{}
		for _, o := range e.Overrides {
			if !config.IsKnownKey(o.Key) {
				return errors.NotValidf("override %s of experiment %s", o, e.Name)
			}
		}
	}
	for _, e := range plan.Resolve() {
		if _, err := e.Config(); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func filterEnv(name string, cfg *config.Config) map[string]any {
	return map[string]any{
		"name":           name,
		"optimizer":      cfg.Optimizer.Name,
		"lr":             float64(cfg.Optimizer.LearningRate),
		"tau":            cfg.Optimizer.Tau,
		"kappa":          cfg.Optimizer.Kappa,
		"grad_acc_impl":  cfg.GradAcc.Impl,
		"grad_acc_steps": cfg.GradAcc.Steps,
		"grad_acc_tau":   cfg.GradAcc.Tau,
		"rank":           cfg.LoRA.Rank,
		"lora":           !cfg.LoRA.Disabled,
	}
}

// Filter returns the resolved experiments matching a boolean expression, e.g.
// `optimizer == "flora" && tau >= 64`. An empty expression matches all.
func Filter(plan *Plan, filter string) ([]Experiment, error) {
	experiments := plan.Resolve()
	if filter == "" {
		return experiments, nil
	}
	program, err := expr.Compile(filter, expr.Env(filterEnv("", config.GetDefaultConfig())), expr.AsBool())
	if err != nil {
		return nil, errors.NewNotValid(err, "invalid filter")
	}
	var matched []Experiment
	for _, e := range experiments {
		cfg, err := e.Config()
		if err != nil {
			return nil, errors.Trace(err)
		}
		result, err := expr.Run(program, filterEnv(e.Name, cfg))
		if err != nil {
			return nil, errors.Trace(err)
		}
		if result.(bool) {
			matched = append(matched, e)
		}
	}
	return matched, nil
}
