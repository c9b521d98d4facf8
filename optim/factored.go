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
	"github.com/gorse-io/flora/common/nn"
	"github.com/samber/lo"
)

type factoredRMS struct {
	factored           bool
	decayRate          float32
	stepOffset         int
	minDimSizeToFactor int
	eps                float32

	count int
	vRow  []*nn.Tensor
	vCol  []*nn.Tensor
	v     []*nn.Tensor
}

// ScaleByFactoredRMS divides updates by the root of a second moment estimated
// from the raw gradients. The moment of a matrix whose smaller dimension is at
// least minDimSizeToFactor is stored as row and column means. The decay of step
// t is 1 - (t+1)^-decayRate.
func ScaleByFactoredRMS(factored bool, decayRate float32, stepOffset, minDimSizeToFactor int, eps float32) Transform {
	return &factoredRMS{
		factored:           factored,
		decayRate:          decayRate,
		stepOffset:         stepOffset,
		minDimSizeToFactor: minDimSizeToFactor,
		eps:                eps,
	}
}

func (f *factoredRMS) shouldFactor(shape []int) bool {
	return f.factored && len(shape) == 2 && min(shape[0], shape[1]) >= f.minDimSizeToFactor
}

func (f *factoredRMS) Init(params []*nn.Tensor) {
	f.count = 0
	f.vRow = make([]*nn.Tensor, len(params))
	f.vCol = make([]*nn.Tensor, len(params))
	f.v = make([]*nn.Tensor, len(params))
	for i, p := range params {
		if shape := p.Shape(); f.shouldFactor(shape) {
			f.vRow[i] = nn.Zeros(shape[0])
			f.vCol[i] = nn.Zeros(shape[1])
		} else {
			f.v[i] = nn.ZerosLike(p)
		}
	}
}

func (f *factoredRMS) decay() float32 {
	t := max(f.count-f.stepOffset, 0)
	return 1 - math32.Pow(float32(t+1), -f.decayRate)
}

func (f *factoredRMS) Update(grads, updates, _ []*nn.Tensor) []*nn.Tensor {
	beta := f.decay()
	for i, g := range grads {
		if f.v[i] != nil {
			v, gd, u := f.v[i].Data(), g.Data(), updates[i].Data()
			for j := range v {
				v[j] = beta*v[j] + (1-beta)*(gd[j]*gd[j]+f.eps)
				u[j] /= math32.Sqrt(v[j])
			}
			continue
		}

		rows, cols := g.Shape()[0], g.Shape()[1]
		gd, u := g.Data(), updates[i].Data()
		vRow, vCol := f.vRow[i].Data(), f.vCol[i].Data()
		rowMean := make([]float32, rows)
		colMean := make([]float32, cols)
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				sq := gd[r*cols+c]*gd[r*cols+c] + f.eps
				rowMean[r] += sq / float32(cols)
				colMean[c] += sq / float32(rows)
			}
		}
		var meanRow float32
		for r := range vRow {
			vRow[r] = beta*vRow[r] + (1-beta)*rowMean[r]
			meanRow += vRow[r] / float32(rows)
		}
		for c := range vCol {
			vCol[c] = beta*vCol[c] + (1-beta)*colMean[c]
		}
		// u / sqrt(vRow * vCol / mean(vRow))
		for r := 0; r < rows; r++ {
			rowFactor := 1 / math32.Sqrt(vRow[r]/meanRow)
			for c := 0; c < cols; c++ {
				u[r*cols+c] *= rowFactor / math32.Sqrt(vCol[c])
			}
		}
	}
	f.count++
	return updates
}

func (f *factoredRMS) StateSize() int {
	size := func(t *nn.Tensor) int {
		if t == nil {
			return 0
		}
		return t.Len()
	}
	return lo.SumBy(f.v, size) + lo.SumBy(f.vRow, size) + lo.SumBy(f.vCol, size)
}
