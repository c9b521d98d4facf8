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
	"math/rand"

	"github.com/chewxy/math32"
	"github.com/gorse-io/flora/common/floats"
	"github.com/gorse-io/flora/common/nn"
	"github.com/juju/errors"
	"github.com/samber/lo"
)

const (
	SideAuto  = "auto"
	SideLeft  = "left"
	SideRight = "right"
	SideBoth  = "both"
)

type FloraConfig struct {
	B1   float32
	B2   float32
	Tau  int
	Seed int64
	// Kappa is the number of steps between projection resamplings.
	Kappa                    int
	ClippingThreshold        float32
	MultiplyByParameterScale bool
	WeightDecay              float32
	Eps                      float32
	// RNGOnly keeps seeds instead of projection matrices.
	RNGOnly              bool
	MinDimSizeToFactor   int
	FactoredSecondMoment bool
	Side                 string
}

func DefaultFloraConfig() FloraConfig {
	return FloraConfig{
		B1:                       0.9,
		B2:                       0.99,
		Tau:                      4,
		Kappa:                    1000,
		ClippingThreshold:        1.0,
		MultiplyByParameterScale: true,
		Eps:                      1e-30,
		MinDimSizeToFactor:       128,
		FactoredSecondMoment:     true,
		Side:                     SideAuto,
	}
}

func (cfg FloraConfig) Validate() error {
	if cfg.Kappa < 1 {
		return errors.NotValidf("kappa %d", cfg.Kappa)
	}
	if cfg.Tau < 0 {
		return errors.NotValidf("tau %d", cfg.Tau)
	}
	if cfg.B1 < 0 || cfg.B1 >= 1 {
		return errors.NotValidf("b1 %v", cfg.B1)
	}
	switch cfg.Side {
	case SideAuto, SideLeft, SideRight, SideBoth:
	default:
		return errors.NotValidf("side %s", cfg.Side)
	}
	return nil
}

// Flora chains compressed momentum with factored second moment scaling.
func Flora(cfg FloraConfig, schedule Schedule) (Transform, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	txs := []Transform{
		ScaleByFlora(cfg),
		ScaleByFactoredRMS(cfg.FactoredSecondMoment, cfg.B2, 0, cfg.MinDimSizeToFactor, cfg.Eps),
	}
	if cfg.ClippingThreshold > 0 {
		txs = append(txs, ClipByBlockRMS(cfg.ClippingThreshold))
	}
	txs = append(txs, ScaleByLearningRate(schedule))
	if cfg.MultiplyByParameterScale {
		txs = append(txs, ScaleByParamBlockRMS(1e-3))
	}
	if cfg.WeightDecay > 0 {
		txs = append(txs, AddDecayedWeights(cfg.WeightDecay))
	}
	txs = append(txs, Scale(-1))
	return Chain(txs...), nil
}

// decomposition is the momentum of one parameter. A factorized parameter of
// shape (in, out) keeps lData (tau, in) projected by lProj (out, tau) and/or
// rData (out, tau) projected by rProj (tau, in). Other parameters keep data.
type decomposition struct {
	side  string
	data  *nn.Tensor
	lData *nn.Tensor
	lProj *nn.Tensor
	lSeed int64
	rData *nn.Tensor
	rProj *nn.Tensor
	rSeed int64
}

type scaleByFlora struct {
	cfg    FloraConfig
	count  int
	dcomps []*decomposition
}

// ScaleByFlora emits b1 * momentum + (1 - b1) * grad, where the momentum of
// large matrices lives in a random tau-dimensional subspace. The subspace is
// resampled every kappa steps and the momentum is carried into the new basis.
func ScaleByFlora(cfg FloraConfig) Transform {
	return &scaleByFlora{cfg: cfg}
}

func (f *scaleByFlora) shouldFactorize(shape []int) bool {
	if f.cfg.Tau <= 0 || len(shape) != 2 {
		return false
	}
	small, large := min(shape[0], shape[1]), max(shape[0], shape[1])
	// embeddings are not factorized
	if large > small*16 {
		return false
	}
	return small >= f.cfg.MinDimSizeToFactor
}

func (f *scaleByFlora) side(shape []int) string {
	if f.cfg.Side != SideAuto {
		return f.cfg.Side
	}
	if shape[1] > shape[0] {
		return SideRight
	}
	return SideLeft
}

func (f *scaleByFlora) Init(params []*nn.Tensor) {
	f.count = 0
	rng := rand.New(rand.NewSource(f.cfg.Seed))
	f.dcomps = make([]*decomposition, len(params))
	for i, p := range params {
		shape := p.Shape()
		lSeed, rSeed := rng.Int63(), rng.Int63()
		if !f.shouldFactorize(shape) {
			f.dcomps[i] = &decomposition{data: nn.ZerosLike(p)}
			continue
		}
		in, out := shape[0], shape[1]
		d := &decomposition{side: f.side(shape), lSeed: lSeed, rSeed: rSeed}
		if d.side != SideRight {
			d.lData = nn.Zeros(f.cfg.Tau, in)
			if !f.cfg.RNGOnly {
				d.lProj = projection(lSeed, out, f.cfg.Tau)
			}
		}
		if d.side != SideLeft {
			d.rData = nn.Zeros(out, f.cfg.Tau)
			if !f.cfg.RNGOnly {
				d.rProj = projection(rSeed, f.cfg.Tau, in)
			}
		}
		f.dcomps[i] = d
	}
}

func (f *scaleByFlora) Update(grads, updates, _ []*nn.Tensor) []*nn.Tensor {
	beta := f.cfg.B1
	full := f.count%f.cfg.Kappa == 0
	for i, g := range grads {
		d := f.dcomps[i]
		m := f.query(d, g.Shape())
		u := updates[i].Data()
		for j, gj := range g.Data() {
			u[j] = m.Data()[j]*beta + gj*(1-beta)
		}
		if d.data != nil {
			floats.MulConstAddTo(g.Data(), beta, d.data.Data())
		} else if full {
			f.resample(d, g)
		} else {
			f.accumulate(d, g)
		}
	}
	f.count++
	return updates
}

func (f *scaleByFlora) leftProj(d *decomposition, out int) *nn.Tensor {
	if d.lProj != nil {
		return d.lProj
	}
	return projection(d.lSeed, out, f.cfg.Tau)
}

func (f *scaleByFlora) rightProj(d *decomposition, in int) *nn.Tensor {
	if d.rProj != nil {
		return d.rProj
	}
	return projection(d.rSeed, f.cfg.Tau, in)
}

// query decompresses the momentum into the parameter shape.
func (f *scaleByFlora) query(d *decomposition, shape []int) *nn.Tensor {
	if d.data != nil {
		return d.data
	}
	in, out := shape[0], shape[1]
	switch d.side {
	case SideLeft:
		// (lProj lData)^T
		return nn.MatMulNoGrad(d.lData, f.leftProj(d, out), true, true)
	case SideRight:
		// (rData rProj)^T
		return nn.MatMulNoGrad(f.rightProj(d, in), d.rData, true, true)
	default:
		left := nn.MatMulNoGrad(d.lData, f.leftProj(d, out), true, true)
		right := nn.MatMulNoGrad(f.rightProj(d, in), d.rData, true, true)
		floats.Add(left.Data(), right.Data())
		floats.MulConst(left.Data(), 0.5)
		return left
	}
}

// accumulate updates the momentum within the current subspace.
func (f *scaleByFlora) accumulate(d *decomposition, g *nn.Tensor) {
	beta := f.cfg.B1
	in, out := g.Shape()[0], g.Shape()[1]
	if d.side != SideRight {
		// lProj^T g^T
		proj := nn.MatMulNoGrad(f.leftProj(d, out), g, true, true)
		floats.MulConstAddTo(proj.Data(), beta, d.lData.Data())
	}
	if d.side != SideLeft {
		// g^T rProj^T
		proj := nn.MatMulNoGrad(g, f.rightProj(d, in), true, true)
		floats.MulConstAddTo(proj.Data(), beta, d.rData.Data())
	}
}

// resample draws new projections and carries the momentum into them.
func (f *scaleByFlora) resample(d *decomposition, g *nn.Tensor) {
	beta := f.cfg.B1
	in, out := g.Shape()[0], g.Shape()[1]
	if d.side != SideRight {
		oldProj := f.leftProj(d, out)
		d.lSeed = nextSeed(d.lSeed)
		newProj := projection(d.lSeed, out, f.cfg.Tau)
		// newProj^T oldProj lData
		history := nn.MatMulNoGrad(nn.MatMulNoGrad(newProj, oldProj, true, false), d.lData, false, false)
		proj := nn.MatMulNoGrad(newProj, g, true, true)
		floats.MulConstAddTo(proj.Data(), beta, history.Data())
		d.lData = history
		if !f.cfg.RNGOnly {
			d.lProj = newProj
		}
	}
	if d.side != SideLeft {
		oldProj := f.rightProj(d, in)
		d.rSeed = nextSeed(d.rSeed)
		newProj := projection(d.rSeed, f.cfg.Tau, in)
		// rData oldProj newProj^T
		history := nn.MatMulNoGrad(d.rData, nn.MatMulNoGrad(oldProj, newProj, false, true), false, false)
		proj := nn.MatMulNoGrad(g, newProj, true, true)
		floats.MulConstAddTo(proj.Data(), beta, history.Data())
		d.rData = history
		if !f.cfg.RNGOnly {
			d.rProj = newProj
		}
	}
}

func (f *scaleByFlora) StateSize() int {
	return lo.SumBy(f.dcomps, func(d *decomposition) int {
		n := 0
		for _, t := range []*nn.Tensor{d.data, d.lData, d.lProj, d.rData, d.rProj} {
			if t != nil {
				n += t.Len()
			}
		}
		return n
	})
}

// projection returns a (rows, cols) matrix of N(0, 1) / sqrt(min(rows, cols)) entries.
func projection(seed int64, rows, cols int) *nn.Tensor {
	std := 1 / math32.Sqrt(float32(min(rows, cols)))
	return nn.NewNormal(rand.New(rand.NewSource(seed)), 0, std, rows, cols)
}

// nextSeed derives a new seed with the splitmix64 finalizer.
func nextSeed(seed int64) int64 {
	z := uint64(seed) + 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return int64(z ^ (z >> 31))
}
