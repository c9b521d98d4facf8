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
	"math/rand"
	"slices"
	"strings"

	"github.com/gorse-io/flora/common/floats"
)

type Tensor struct {
	data        []float32
	shape       []int
	grad        *Tensor
	op          op
	requireGrad bool
}

func NewTensor(data []float32, shape ...int) *Tensor {
	if len(data) != size(shape) {
		panic(fmt.Sprintf("nn: %d elements do not fit shape %v", len(data), shape))
	}
	return &Tensor{
		data:  data,
		shape: shape,
	}
}

func NewScalar(data float32) *Tensor {
	return &Tensor{
		data:  []float32{data},
		shape: []int{},
	}
}

func LinSpace(start, end float32, shape ...int) *Tensor {
	n := size(shape)
	data := make([]float32, n)
	delta := (end - start) / float32(n-1)
	for i := range data {
		data[i] = start + delta*float32(i)
	}
	return &Tensor{
		data:  data,
		shape: shape,
	}
}

// Rand creates a tensor filled with uniform random values in [0, 1).
func Rand(shape ...int) *Tensor {
	data := make([]float32, size(shape))
	for i := range data {
		data[i] = rand.Float32()
	}
	return &Tensor{
		data:  data,
		shape: shape,
	}
}

// RandN creates a tensor filled with standard normal random values.
func RandN(shape ...int) *Tensor {
	data := make([]float32, size(shape))
	for i := range data {
		data[i] = float32(rand.NormFloat64())
	}
	return &Tensor{
		data:  data,
		shape: shape,
	}
}

// NewNormal creates a tensor filled with normal random values drawn from rng.
func NewNormal(rng *rand.Rand, mean, std float32, shape ...int) *Tensor {
	data := make([]float32, size(shape))
	for i := range data {
		data[i] = float32(rng.NormFloat64())*std + mean
	}
	return &Tensor{
		data:  data,
		shape: shape,
	}
}

// Ones creates a tensor filled with ones.
func Ones(shape ...int) *Tensor {
	data := make([]float32, size(shape))
	for i := range data {
		data[i] = 1
	}
	return &Tensor{
		data:  data,
		shape: shape,
	}
}

// Zeros creates a tensor filled with zeros.
func Zeros(shape ...int) *Tensor {
	return &Tensor{
		data:  make([]float32, size(shape)),
		shape: shape,
	}
}

// ZerosLike creates a tensor of zeros with the same shape as t.
func ZerosLike(t *Tensor) *Tensor {
	return Zeros(slices.Clone(t.shape)...)
}

// RequireGrad marks a leaf tensor as a trainable parameter.
func (t *Tensor) RequireGrad() *Tensor {
	t.requireGrad = true
	return t
}

// NoGrad detaches a tensor from the graph and freezes it.
func (t *Tensor) NoGrad() *Tensor {
	t.op = nil
	t.requireGrad = false
	t.grad = nil
	return t
}

// IsTrainable reports whether gradients are collected for the tensor.
func (t *Tensor) IsTrainable() bool {
	return t.requireGrad
}

func (t *Tensor) Shape() []int {
	return t.shape
}

func (t *Tensor) Data() []float32 {
	return t.data
}

// Len returns the number of elements.
func (t *Tensor) Len() int {
	return len(t.data)
}

// Get returns the element at the given index.
func (t *Tensor) Get(indices ...int) float32 {
	if len(indices) != len(t.shape) {
		panic("the number of indices does not match the shape of the tensor")
	}
	index := 0
	for i := range indices {
		if indices[i] < 0 || indices[i] >= t.shape[i] {
			panic("index out of range")
		}
		index = index*t.shape[i] + indices[i]
	}
	return t.data[index]
}

// Set updates the element at the given index.
func (t *Tensor) Set(value float32, indices ...int) {
	if len(indices) != len(t.shape) {
		panic("the number of indices does not match the shape of the tensor")
	}
	index := 0
	for i := range indices {
		index = index*t.shape[i] + indices[i]
	}
	t.data[index] = value
}

// Slice returns a copy of rows [start, end) along the first axis.
func (t *Tensor) Slice(start, end int) *Tensor {
	if len(t.shape) == 0 || start < 0 || end > t.shape[0] || start > end {
		panic("slice out of range")
	}
	rowSize := size(t.shape[1:])
	shape := append([]int{end - start}, t.shape[1:]...)
	data := make([]float32, (end-start)*rowSize)
	copy(data, t.data[start*rowSize:end*rowSize])
	return &Tensor{
		data:  data,
		shape: shape,
	}
}

// Rows gathers rows by index along the first axis.
func (t *Tensor) Rows(indices []int) *Tensor {
	rowSize := size(t.shape[1:])
	shape := append([]int{len(indices)}, t.shape[1:]...)
	data := make([]float32, len(indices)*rowSize)
	for i, index := range indices {
		copy(data[i*rowSize:(i+1)*rowSize], t.data[index*rowSize:(index+1)*rowSize])
	}
	return &Tensor{
		data:  data,
		shape: shape,
	}
}

func (t *Tensor) String() string {
	// Print scalar value
	if len(t.shape) == 0 {
		return fmt.Sprint(t.data[0])
	}

	builder := strings.Builder{}
	builder.WriteString("[")
	if len(t.data) <= 10 {
		for i := 0; i < len(t.data); i++ {
			builder.WriteString(fmt.Sprint(t.data[i]))
			if i != len(t.data)-1 {
				builder.WriteString(", ")
			}
		}
	} else {
		for i := 0; i < 5; i++ {
			builder.WriteString(fmt.Sprint(t.data[i]))
			builder.WriteString(", ")
		}
		builder.WriteString("..., ")
		for i := len(t.data) - 5; i < len(t.data); i++ {
			builder.WriteString(fmt.Sprint(t.data[i]))
			if i != len(t.data)-1 {
				builder.WriteString(", ")
			}
		}
	}
	builder.WriteString("]")
	return builder.String()
}

// Backward computes gradients of t with respect to every trainable leaf and
// intermediate tensor in its graph. Gradients of leaves accumulate across
// calls until they are cleared.
func (t *Tensor) Backward() {
	if t.op == nil {
		return
	}
	// topological order by depth-first search
	var (
		order   []op
		visited = make(map[op]bool)
		visit   func(o op)
	)
	visit = func(o op) {
		if visited[o] {
			return
		}
		visited[o] = true
		inputs, _ := o.inputsAndOutput()
		for _, input := range inputs {
			if input.op != nil {
				visit(input.op)
			}
		}
		order = append(order, o)
	}
	visit(t.op)

	// intermediate gradients are recomputed for each backward pass
	grads := map[*Tensor]*Tensor{t: Ones(t.shape...)}
	for i := len(order) - 1; i >= 0; i-- {
		o := order[i]
		inputs, output := o.inputsAndOutput()
		dy, ok := grads[output]
		if !ok {
			continue
		}
		output.grad = dy
		dxs := o.backward(dy)
		for j, input := range inputs {
			if input.op == nil {
				if !input.requireGrad {
					continue
				}
				if input.grad == nil {
					input.grad = ZerosLike(input)
				}
				input.grad.add(dxs[j])
				continue
			}
			if g, exist := grads[input]; exist {
				g.add(dxs[j])
			} else {
				grads[input] = dxs[j].clone()
			}
		}
	}
}

func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// SetGrad replaces the gradient of a tensor.
func (t *Tensor) SetGrad(grad *Tensor) {
	t.grad = grad
}

// Clone returns a detached copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return t.clone()
}

func (t *Tensor) clone() *Tensor {
	newData := make([]float32, len(t.data))
	copy(newData, t.data)
	return &Tensor{
		data:  newData,
		shape: slices.Clone(t.shape),
	}
}

func (t *Tensor) add(other *Tensor) *Tensor {
	wSize := len(other.data)
	for i := range t.data {
		t.data[i] += other.data[i%wSize]
	}
	return t
}

func (t *Tensor) sub(other *Tensor) *Tensor {
	wSize := len(other.data)
	for i := range t.data {
		t.data[i] -= other.data[i%wSize]
	}
	return t
}

func (t *Tensor) mul(other *Tensor) *Tensor {
	wSize := len(other.data)
	for i := range t.data {
		t.data[i] *= other.data[i%wSize]
	}
	return t
}

func (t *Tensor) sum() float32 {
	return floats.Sum(t.data)
}

// MatMulNoGrad multiplies two matrices outside the autograd graph.
func MatMulNoGrad(a, b *Tensor, transA, transB bool) *Tensor {
	return a.matMul(b, transA, transB)
}

// matMul multiplies two matrices, optionally transposing either operand.
func (t *Tensor) matMul(other *Tensor, transpose1, transpose2 bool) *Tensor {
	if len(t.shape) != 2 || len(other.shape) != 2 {
		panic("matMul requires 2-D tensors")
	}
	m, k := t.shape[0], t.shape[1]
	if transpose1 {
		m, k = k, m
	}
	k2, n := other.shape[0], other.shape[1]
	if transpose2 {
		k2, n = n, k2
	}
	if k != k2 {
		panic(fmt.Sprintf("matMul: shapes %v and %v are incompatible", t.shape, other.shape))
	}
	y := Zeros(m, n)
	floats.MM(transpose1, transpose2, m, n, k, t.data, t.shape[1], other.data, other.shape[1], y.data, n)
	return y
}

func size(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}
