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

package gradacc

import (
	"math/rand"

	"github.com/chewxy/math32"
	"github.com/gorse-io/flora/common/floats"
	"github.com/gorse-io/flora/common/nn"
	"github.com/gorse-io/flora/config"
	"github.com/juju/errors"
	"github.com/samber/lo"
)

// Accumulator sums the gradients of micro-batches until an optimizer step.
type Accumulator interface {
	// Add accumulates the gradients of one micro-batch.
	Add(grads []*nn.Tensor) error
	// Ready returns true once the configured number of micro-batches was added.
	Ready() bool
	// Result returns the mean gradient and starts a new cycle.
	Result() ([]*nn.Tensor, error)
	// Count returns the number of micro-batches in the current cycle.
	Count() int
	// StateSize returns the number of float32 values held between micro-batches.
	StateSize() int
}

// New creates the accumulator selected by `grad_acc.impl`. A single step
// never compresses since every micro-batch is an optimizer step.
func New(cfg config.GradAccConfig, params []*nn.Tensor, seed int64) (Accumulator, error) {
	if cfg.Steps < 1 {
		return nil, errors.NotValidf("grad_acc.steps %d", cfg.Steps)
	}
	if cfg.Steps == 1 {
		return NewDefault(params, 1), nil
	}
	switch cfg.Impl {
	case config.GradAccDefault, "":
		return NewDefault(params, cfg.Steps), nil
	case config.GradAccCompressed:
		if cfg.Tau < 1 {
			return nil, errors.NotValidf("grad_acc.tau %d", cfg.Tau)
		}
		return NewCompressed(params, cfg.Steps, cfg.Tau, seed), nil
	default:
		return nil, errors.NotSupportedf("grad_acc.impl %s", cfg.Impl)
	}
}

type counter struct {
	steps int
	count int
}

func (c *counter) Ready() bool {
	return c.count >= c.steps
}

func (c *counter) Count() int {
	return c.count
}

func (c *counter) check(grads []*nn.Tensor, n int) error {
	if len(grads) != n {
		return errors.NotValidf("%d gradients for %d parameters", len(grads), n)
	}
	if c.Ready() {
		return errors.Errorf("%d gradients accumulated, the result must be taken first", c.count)
	}
	return nil
}

type dense struct {
	counter
	sums []*nn.Tensor
}

// NewDefault accumulates full gradients.
func NewDefault(params []*nn.Tensor, steps int) Accumulator {
	return &dense{
		counter: counter{steps: steps},
		sums:    lo.Map(params, func(p *nn.Tensor, _ int) *nn.Tensor { return nn.ZerosLike(p) }),
	}
}

func (d *dense) Add(grads []*nn.Tensor) error {
	if err := d.check(grads, len(d.sums)); err != nil {
		return errors.Trace(err)
	}
	for i, g := range grads {
		floats.Add(d.sums[i].Data(), g.Data())
	}
	d.count++
	return nil
}

func (d *dense) Result() ([]*nn.Tensor, error) {
	if !d.Ready() {
		return nil, errors.Errorf("%d of %d gradients accumulated", d.count, d.steps)
	}
	result := d.sums
	for _, r := range result {
		floats.MulConst(r.Data(), 1/float32(d.steps))
	}
	d.sums = lo.Map(result, func(r *nn.Tensor, _ int) *nn.Tensor { return nn.ZerosLike(r) })
	d.count = 0
	return result, nil
}

func (d *dense) StateSize() int {
	return lo.SumBy(d.sums, func(s *nn.Tensor) int { return s.Len() })
}

// compression of one parameter. A (rows, cols) matrix is projected on its
// larger side by proj: G proj^T when cols >= rows, otherwise proj G.
type compression struct {
	shape []int
	dense bool
	right bool
	proj  *nn.Tensor
	sum   *nn.Tensor
}

type compressed struct {
	counter
	tau   int
	seed  int64
	cycle int
	comps []*compression
}

// NewCompressed accumulates random projections of gradients. The projections
// P ~ N(0, 1/tau) are drawn per cycle from seed + cycle, so that the expected
// decompressed sum is the full sum. Matrices whose smaller side is not larger
// than tau and other tensors are accumulated densely.
func NewCompressed(params []*nn.Tensor, steps, tau int, seed int64) Accumulator {
	c := &compressed{
		counter: counter{steps: steps},
		tau:     tau,
		seed:    seed,
		comps:   make([]*compression, len(params)),
	}
	for i, p := range params {
		shape := p.Shape()
		comp := &compression{shape: shape}
		if len(shape) == 2 && min(shape[0], shape[1]) > tau {
			comp.right = shape[1] >= shape[0]
			if comp.right {
				comp.sum = nn.Zeros(shape[0], tau)
			} else {
				comp.sum = nn.Zeros(tau, shape[1])
			}
		} else {
			comp.dense = true
			comp.sum = nn.ZerosLike(p)
		}
		c.comps[i] = comp
	}
	return c
}

func (c *compressed) sample() {
	rng := rand.New(rand.NewSource(c.seed + int64(c.cycle)))
	std := 1 / math32.Sqrt(float32(c.tau))
	for _, comp := range c.comps {
		if comp.dense {
			continue
		}
		if comp.right {
			comp.proj = nn.NewNormal(rng, 0, std, c.tau, comp.shape[1])
		} else {
			comp.proj = nn.NewNormal(rng, 0, std, c.tau, comp.shape[0])
		}
	}
}

func (c *compressed) Add(grads []*nn.Tensor) error {
	if err := c.check(grads, len(c.comps)); err != nil {
		return errors.Trace(err)
	}
	if c.count == 0 {
		c.sample()
	}
	for i, g := range grads {
		comp := c.comps[i]
		switch {
		case comp.dense:
			floats.Add(comp.sum.Data(), g.Data())
		case comp.right:
			floats.Add(comp.sum.Data(), nn.MatMulNoGrad(g, comp.proj, false, true).Data())
		default:
			floats.Add(comp.sum.Data(), nn.MatMulNoGrad(comp.proj, g, false, false).Data())
		}
	}
	c.count++
	return nil
}

func (c *compressed) Result() ([]*nn.Tensor, error) {
	if !c.Ready() {
		return nil, errors.Errorf("%d of %d gradients accumulated", c.count, c.steps)
	}
	result := make([]*nn.Tensor, len(c.comps))
	for i, comp := range c.comps {
		switch {
		case comp.dense:
			result[i] = comp.sum.Clone()
		case comp.right:
			result[i] = nn.MatMulNoGrad(comp.sum, comp.proj, false, false)
		default:
			result[i] = nn.MatMulNoGrad(comp.proj, comp.sum, true, false)
		}
		floats.MulConst(result[i].Data(), 1/float32(c.steps))
		floats.Zero(comp.sum.Data())
	}
	c.count = 0
	c.cycle++
	return result, nil
}

// StateSize counts the compressed sums and the projections of the cycle.
func (c *compressed) StateSize() int {
	return lo.SumBy(c.comps, func(comp *compression) int {
		if comp.proj != nil {
			return comp.sum.Len() + comp.proj.Len()
		}
		return comp.sum.Len()
	})
}
