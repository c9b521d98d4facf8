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
	"github.com/gorse-io/flora/common/floats"
	"github.com/gorse-io/flora/common/nn"
	"github.com/gorse-io/flora/config"
	"github.com/juju/errors"
	"github.com/samber/lo"
)

// New creates the gradient transformation selected by `optimizer=<name>`.
func New(cfg config.OptimizerConfig, schedule Schedule, seed int64) (Transform, error) {
	switch cfg.Name {
	case config.OptimizerAdafactor:
		return Adafactor(AdafactorConfig{
			MinDimSizeToFactor:       cfg.MinDimSizeToFactor,
			DecayRate:                cfg.DecayRate,
			MultiplyByParameterScale: cfg.MultiplyByParameterScale,
			ClippingThreshold:        cfg.ClippingThreshold,
			Momentum:                 cfg.Momentum,
			WeightDecay:              cfg.WeightDecay,
			Eps:                      cfg.Eps,
			Factored:                 cfg.Factored,
			Sign:                     cfg.Sign,
		}, schedule), nil
	case config.OptimizerFlora:
		return Flora(FloraConfig{
			B1:                       cfg.B1,
			B2:                       cfg.B2,
			Tau:                      cfg.Tau,
			Seed:                     seed,
			Kappa:                    cfg.Kappa,
			ClippingThreshold:        cfg.ClippingThreshold,
			MultiplyByParameterScale: cfg.MultiplyByParameterScale,
			WeightDecay:              cfg.WeightDecay,
			Eps:                      cfg.Eps,
			RNGOnly:                  cfg.RNGOnly,
			MinDimSizeToFactor:       cfg.MinDimSizeToFactor,
			FactoredSecondMoment:     cfg.Factored,
			Side:                     cfg.Side,
		}, schedule)
	case config.OptimizerAdam:
		txs := []Transform{ScaleByAdam(cfg.B1, cfg.B2, cfg.Eps)}
		if cfg.WeightDecay > 0 {
			txs = append(txs, AddDecayedWeights(cfg.WeightDecay))
		}
		return Chain(append(txs, ScaleByLearningRate(schedule), Scale(-1))...), nil
	case config.OptimizerSGD:
		var txs []Transform
		if cfg.Momentum > 0 {
			txs = append(txs, EMA(cfg.Momentum))
		}
		return Chain(append(txs, ScaleByLearningRate(schedule), Scale(-1))...), nil
	default:
		return nil, errors.NotSupportedf("optimizer %s", cfg.Name)
	}
}

// Optimizer applies a gradient transformation to parameters. It implements
// nn.Optimizer so that it can drive models built from common/nn.
type Optimizer struct {
	params []*nn.Tensor
	tx     Transform
	wd     float32
}

func NewOptimizer(params []*nn.Tensor, tx Transform) *Optimizer {
	tx.Init(params)
	return &Optimizer{params: params, tx: tx}
}

// SetWeightDecay adds an L2 penalty to gradients before the transformation.
func (o *Optimizer) SetWeightDecay(rate float32) {
	o.wd = rate
}

func (o *Optimizer) ZeroGrad() {
	for _, p := range o.params {
		p.SetGrad(nil)
	}
}

// Step applies the gradients held by the parameters.
func (o *Optimizer) Step() {
	o.Apply(lo.Map(o.params, func(p *nn.Tensor, _ int) *nn.Tensor { return p.Grad() }))
}

// Apply updates parameters with externally accumulated gradients. A parameter
// with a nil gradient is frozen: the transformation sees zeros for it and the
// parameter is left unchanged.
func (o *Optimizer) Apply(grads []*nn.Tensor) {
	if len(grads) != len(o.params) {
		panic("optim: the number of gradients does not match the number of parameters")
	}
	frozen := make([]bool, len(grads))
	grads = lo.Map(grads, func(g *nn.Tensor, i int) *nn.Tensor {
		if g == nil {
			frozen[i] = true
			return nn.ZerosLike(o.params[i])
		}
		if o.wd > 0 {
			g = g.Clone()
			floats.MulConstAdd(o.params[i].Data(), o.wd, g.Data())
		}
		return g
	})
	updates := lo.Map(grads, func(g *nn.Tensor, _ int) *nn.Tensor { return g.Clone() })
	updates = o.tx.Update(grads, updates, o.params)
	for i, p := range o.params {
		if !frozen[i] {
			floats.Add(p.Data(), updates[i].Data())
		}
	}
}

// StateSize returns the number of float32 values held by the transformation.
func (o *Optimizer) StateSize() int {
	return o.tx.StateSize()
}
