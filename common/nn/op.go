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
	"fmt"

	"github.com/chewxy/math32"
)

// op is a node of the computation graph. backward returns the gradients of
// the inputs given the gradient of the output.
type op interface {
	fmt.Stringer
	forward(inputs ...*Tensor) *Tensor
	backward(dy *Tensor) []*Tensor
	inputsAndOutput() ([]*Tensor, *Tensor)
	bind(inputs []*Tensor, output *Tensor)
}

type node struct {
	inputs []*Tensor
	output *Tensor
}

func (n *node) inputsAndOutput() ([]*Tensor, *Tensor) {
	return n.inputs, n.output
}

func (n *node) bind(inputs []*Tensor, output *Tensor) {
	n.inputs = inputs
	n.output = output
}

func apply(f op, inputs ...*Tensor) *Tensor {
	y := f.forward(inputs...)
	f.bind(inputs, y)
	y.op = f
	return y
}

// elementwise applies f to every element and scales the upstream gradient by
// its derivative df.
type elementwise struct {
	node
	name string
	f    func(x float32) float32
	df   func(x float32) float32
}

func (e *elementwise) String() string {
	return e.name
}

func (e *elementwise) forward(inputs ...*Tensor) *Tensor {
	y := inputs[0].clone()
	for i, x := range y.data {
		y.data[i] = e.f(x)
	}
	return y
}

func (e *elementwise) backward(dy *Tensor) []*Tensor {
	dx := dy.clone()
	for i, x := range e.inputs[0].data {
		dx.data[i] *= e.df(x)
	}
	return []*Tensor{dx}
}

// broadcast combines two tensors whose second shape is a suffix of the first.
// The gradient of the second tensor is summed over the repeated leading axes.
type broadcast struct {
	node
	name string
	f    func(a, b float32) float32
	da   func(a, b float32) float32
	db   func(a, b float32) float32
}

func (b *broadcast) String() string {
	return b.name
}

func (b *broadcast) forward(inputs ...*Tensor) *Tensor {
	x0, x1 := inputs[0], inputs[1]
	y := x0.clone()
	n := len(x1.data)
	for i := range y.data {
		y.data[i] = b.f(x0.data[i], x1.data[i%n])
	}
	return y
}

func (b *broadcast) backward(dy *Tensor) []*Tensor {
	x0, x1 := b.inputs[0], b.inputs[1]
	gx0 := ZerosLike(x0)
	gx1 := ZerosLike(x1)
	n := len(x1.data)
	for i, g := range dy.data {
		u, v := x0.data[i], x1.data[i%n]
		gx0.data[i] = g * b.da(u, v)
		gx1.data[i%n] += g * b.db(u, v)
	}
	return []*Tensor{gx0, gx1}
}

type mean struct {
	node
}

func (m *mean) String() string {
	return "Mean"
}

func (m *mean) forward(inputs ...*Tensor) *Tensor {
	x := inputs[0]
	return NewScalar(x.sum() / float32(len(x.data)))
}

func (m *mean) backward(dy *Tensor) []*Tensor {
	dx := ZerosLike(m.inputs[0])
	for i := range dx.data {
		dx.data[i] = dy.data[0] / float32(len(dx.data))
	}
	return []*Tensor{dx}
}

type matMul struct {
	node
}

func (m *matMul) String() string {
	return "MatMul"
}

func (m *matMul) forward(inputs ...*Tensor) *Tensor {
	return inputs[0].matMul(inputs[1], false, false)
}

func (m *matMul) backward(dy *Tensor) []*Tensor {
	return []*Tensor{
		dy.matMul(m.inputs[1], false, true),
		m.inputs[0].matMul(dy, true, false),
	}
}

func one(_, _ float32) float32 { return 1 }

func mustSuffix(x0, x1 *Tensor) {
	offset := len(x0.shape) - len(x1.shape)
	if offset < 0 {
		panic(fmt.Sprintf("nn: shape %v is not a suffix of %v", x1.shape, x0.shape))
	}
	for i, d := range x1.shape {
		if x0.shape[offset+i] != d {
			panic(fmt.Sprintf("nn: shape %v is not a suffix of %v", x1.shape, x0.shape))
		}
	}
}

// Add returns x0 + x1. Either shape may be a suffix of the other.
func Add(x0, x1 *Tensor) *Tensor {
	if len(x0.shape) < len(x1.shape) {
		x0, x1 = x1, x0
	}
	mustSuffix(x0, x1)
	return apply(&broadcast{
		name: "Add",
		f:    func(a, b float32) float32 { return a + b },
		da:   one,
		db:   one,
	}, x0, x1)
}

// Sub returns x0 - x1. The shape of x1 must be a suffix of the shape of x0.
func Sub(x0, x1 *Tensor) *Tensor {
	mustSuffix(x0, x1)
	return apply(&broadcast{
		name: "Sub",
		f:    func(a, b float32) float32 { return a - b },
		da:   one,
		db:   func(_, _ float32) float32 { return -1 },
	}, x0, x1)
}

// Mul returns the element-wise product. Either shape may be a suffix of the other.
func Mul(x0, x1 *Tensor) *Tensor {
	if len(x0.shape) < len(x1.shape) {
		x0, x1 = x1, x0
	}
	mustSuffix(x0, x1)
	return apply(&broadcast{
		name: "Mul",
		f:    func(a, b float32) float32 { return a * b },
		da:   func(_, b float32) float32 { return b },
		db:   func(a, _ float32) float32 { return a },
	}, x0, x1)
}

func Square(x *Tensor) *Tensor {
	return apply(&elementwise{
		name: "Square",
		f:    func(x float32) float32 { return x * x },
		df:   func(x float32) float32 { return 2 * x },
	}, x)
}

func ReLu(x *Tensor) *Tensor {
	return apply(&elementwise{
		name: "ReLU",
		f:    func(x float32) float32 { return math32.Max(x, 0) },
		df: func(x float32) float32 {
			if x > 0 {
				return 1
			}
			return 0
		},
	}, x)
}

// Mean returns the mean of all elements as a scalar.
func Mean(x *Tensor) *Tensor {
	return apply(&mean{}, x)
}

// MatMul multiplies two matrices.
func MatMul(x, y *Tensor) *Tensor {
	return apply(&matMul{}, x, y)
}

// MeanSquareError returns mean((x - y)^2).
func MeanSquareError(x, y *Tensor) *Tensor {
	return Mean(Square(Sub(x, y)))
}
