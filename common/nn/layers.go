// Copyright 2024 gorse Project Authors
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

package nn

import (
	"math/rand"

	"github.com/chewxy/math32"
	"github.com/gorse-io/flora/common/floats"
	"github.com/samber/lo"
)

type Layer interface {
	Parameters() []*Tensor
	Forward(x *Tensor) *Tensor
}

// Trainable filters parameters that collect gradients.
func Trainable(params []*Tensor) []*Tensor {
	return lo.Filter(params, func(p *Tensor, _ int) bool {
		return p.IsTrainable()
	})
}

// CountParameters returns the number of scalar values in params.
func CountParameters(params []*Tensor) int {
	return lo.SumBy(params, func(p *Tensor) int {
		return len(p.data)
	})
}

type LinearLayer struct {
	W *Tensor
	B *Tensor
}

// NewLinearWithRand creates a linear layer initialized from rng.
func NewLinearWithRand(rng *rand.Rand, in, out int) *LinearLayer {
	return &LinearLayer{
		W: NewNormal(rng, 0, 1.0/math32.Sqrt(float32(in)), in, out).RequireGrad(),
		B: Zeros(out).RequireGrad(),
	}
}

func (l *LinearLayer) Forward(x *Tensor) *Tensor {
	return Add(MatMul(x, l.W), l.B)
}

func (l *LinearLayer) Parameters() []*Tensor {
	return []*Tensor{l.W, l.B}
}

// LoRALayer adapts a frozen linear layer with a trainable low-rank update:
// y = x W + b + scale * (x A) B.
type LoRALayer struct {
	Base  *LinearLayer
	A     *Tensor
	B     *Tensor
	Rank  int
	scale float32
}

// NewLoRALinear wraps base with a rank-r adapter. B starts at zero so the
// adapted layer initially computes the same function as base. The base weight
// is frozen; the base bias stays trainable only if tuneBias is set.
func NewLoRALinear(rng *rand.Rand, base *LinearLayer, rank int, alpha float32, tuneBias bool) *LoRALayer {
	in, out := base.W.shape[0], base.W.shape[1]
	base.W.NoGrad()
	if !tuneBias {
		base.B.NoGrad()
	}
	return &LoRALayer{
		Base:  base,
		A:     NewNormal(rng, 0, 1.0/math32.Sqrt(float32(in)), in, rank).RequireGrad(),
		B:     Zeros(rank, out).RequireGrad(),
		Rank:  rank,
		scale: alpha / float32(rank),
	}
}

func (l *LoRALayer) Forward(x *Tensor) *Tensor {
	delta := MatMul(MatMul(x, l.A), l.B)
	return Add(l.Base.Forward(x), Mul(delta, NewScalar(l.scale)))
}

func (l *LoRALayer) Parameters() []*Tensor {
	return []*Tensor{l.Base.W, l.Base.B, l.A, l.B}
}

// Merge folds the adapter into the base weight and returns the base layer.
func (l *LoRALayer) Merge() *LinearLayer {
	delta := l.A.matMul(l.B, false, false)
	floats.MulConstAdd(delta.data, l.scale, l.Base.W.data)
	return l.Base
}
