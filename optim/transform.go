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

package optim

import (
	"github.com/chewxy/math32"
	"github.com/gorse-io/flora/common/floats"
	"github.com/gorse-io/flora/common/nn"
	"github.com/samber/lo"
)

// Transform is a gradient transformation. Update receives the raw gradients,
// the running updates produced by the previous transformation and the
// parameters, and returns the new updates. Implementations may modify updates
// in place.
type Transform interface {
	Init(params []*nn.Tensor)
	Update(grads, updates, params []*nn.Tensor) []*nn.Tensor
	// StateSize returns the number of float32 values held in state.
	StateSize() int
}

// MemoryFootprint returns the number of bytes held in optimizer state.
func MemoryFootprint(tx Transform) int64 {
	return int64(tx.StateSize()) * 4
}

type chain struct {
	txs []Transform
}

// Chain applies transformations in order. Updates start as a copy of the
// gradients when none are given.
func Chain(txs ...Transform) Transform {
	return &chain{txs: txs}
}

func (c *chain) Init(params []*nn.Tensor) {
	for _, tx := range c.txs {
		tx.Init(params)
	}
}

func (c *chain) Update(grads, updates, params []*nn.Tensor) []*nn.Tensor {
	if updates == nil {
		updates = lo.Map(grads, func(g *nn.Tensor, _ int) *nn.Tensor { return g.Clone() })
	}
	for _, tx := range c.txs {
		updates = tx.Update(grads, updates, params)
	}
	return updates
}

func (c *chain) StateSize() int {
	return lo.SumBy(c.txs, func(tx Transform) int { return tx.StateSize() })
}

// stateless adapts an element-wise function of the updates.
type stateless func(grads, updates, params []*nn.Tensor) []*nn.Tensor

func (f stateless) Init([]*nn.Tensor) {}

func (f stateless) Update(grads, updates, params []*nn.Tensor) []*nn.Tensor {
	return f(grads, updates, params)
}

func (f stateless) StateSize() int {
	return 0
}

// Scale multiplies updates by a constant.
func Scale(step float32) Transform {
	return stateless(func(_, updates, _ []*nn.Tensor) []*nn.Tensor {
		for _, u := range updates {
			floats.MulConst(u.Data(), step)
		}
		return updates
	})
}

// ClipByBlockRMS scales each update so its root mean square does not exceed threshold.
func ClipByBlockRMS(threshold float32) Transform {
	return stateless(func(_, updates, _ []*nn.Tensor) []*nn.Tensor {
		for _, u := range updates {
			if rms := floats.RMS(u.Data()); rms > threshold {
				floats.MulConst(u.Data(), threshold/rms)
			}
		}
		return updates
	})
}

// ScaleByParamBlockRMS scales each update by the root mean square of its
// parameter, bounded below by minScale.
func ScaleByParamBlockRMS(minScale float32) Transform {
	return stateless(func(_, updates, params []*nn.Tensor) []*nn.Tensor {
		for i, u := range updates {
			floats.MulConst(u.Data(), math32.Max(floats.RMS(params[i].Data()), minScale))
		}
		return updates
	})
}

// AddDecayedWeights adds rate * params to updates.
func AddDecayedWeights(rate float32) Transform {
	return stateless(func(_, updates, params []*nn.Tensor) []*nn.Tensor {
		for i, u := range updates {
			floats.MulConstAdd(params[i].Data(), rate, u.Data())
		}
		return updates
	})
}

// ScaleBySign replaces updates by their signs.
func ScaleBySign() Transform {
	return stateless(func(_, updates, _ []*nn.Tensor) []*nn.Tensor {
		for _, u := range updates {
			floats.Sign(u.Data())
		}
		return updates
	})
}

type scaleByLearningRate struct {
	schedule Schedule
	count    int
}

// ScaleByLearningRate multiplies updates by the scheduled learning rate of the
// current step. The sign is kept, so chains end with Scale(-1).
func ScaleByLearningRate(schedule Schedule) Transform {
	return &scaleByLearningRate{schedule: schedule}
}

func (s *scaleByLearningRate) Init([]*nn.Tensor) {
	s.count = 0
}

func (s *scaleByLearningRate) Update(_, updates, _ []*nn.Tensor) []*nn.Tensor {
	lr := s.schedule(s.count)
	for _, u := range updates {
		floats.MulConst(u.Data(), lr)
	}
	s.count++
	return updates
}

func (s *scaleByLearningRate) StateSize() int {
	return 0
}

type ema struct {
	decay float32
	mu    []*nn.Tensor
}

// EMA keeps an exponential moving average of updates without bias correction.
func EMA(decay float32) Transform {
	return &ema{decay: decay}
}

func (e *ema) Init(params []*nn.Tensor) {
	e.mu = lo.Map(params, func(p *nn.Tensor, _ int) *nn.Tensor { return nn.ZerosLike(p) })
}

func (e *ema) Update(_, updates, _ []*nn.Tensor) []*nn.Tensor {
	for i, u := range updates {
		floats.MulConstAddTo(u.Data(), e.decay, e.mu[i].Data())
		copy(u.Data(), e.mu[i].Data())
	}
	return updates
}

func (e *ema) StateSize() int {
	return lo.SumBy(e.mu, func(m *nn.Tensor) int { return m.Len() })
}

type scaleByAdam struct {
	b1, b2, eps float32
	count       int
	mu, nu      []*nn.Tensor
}

// ScaleByAdam rescales updates by bias-corrected first and second moments.
func ScaleByAdam(b1, b2, eps float32) Transform {
	return &scaleByAdam{b1: b1, b2: b2, eps: eps}
}

func (a *scaleByAdam) Init(params []*nn.Tensor) {
	a.count = 0
	a.mu = lo.Map(params, func(p *nn.Tensor, _ int) *nn.Tensor { return nn.ZerosLike(p) })
	a.nu = lo.Map(params, func(p *nn.Tensor, _ int) *nn.Tensor { return nn.ZerosLike(p) })
}

func (a *scaleByAdam) Update(_, updates, _ []*nn.Tensor) []*nn.Tensor {
	a.count++
	fix1 := 1 - math32.Pow(a.b1, float32(a.count))
	fix2 := 1 - math32.Pow(a.b2, float32(a.count))
	for i, u := range updates {
		m, v, data := a.mu[i].Data(), a.nu[i].Data(), u.Data()
		for j, g := range data {
			m[j] = a.b1*m[j] + (1-a.b1)*g
			v[j] = a.b2*v[j] + (1-a.b2)*g*g
			data[j] = (m[j] / fix1) / (math32.Sqrt(v[j]/fix2) + a.eps)
		}
	}
	return updates
}

func (a *scaleByAdam) StateSize() int {
	return 2 * lo.SumBy(a.mu, func(m *nn.Tensor) int { return m.Len() })
}
