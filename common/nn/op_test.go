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
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
)

const (
	eps  = 1e-4
	rtol = 1e-2
	atol = 5e-3
)

func numericalDiff(f func(*Tensor) *Tensor, x *Tensor) *Tensor {
	x0, x1 := x.clone(), x.clone()
	dx := make([]float32, len(x.data))
	for i, v := range x.data {
		x0.data[i] = v - eps
		x1.data[i] = v + eps
		y0 := f(x0)
		y1 := f(x1)
		for j := range y0.data {
			dx[i] += (y1.data[j] - y0.data[j]) / (2 * eps)
		}
		x0.data[i] = v
		x1.data[i] = v
	}
	return NewTensor(dx, x.shape...)
}

func allClose(t *testing.T, a, b *Tensor) {
	if !assert.Equal(t, a.shape, b.shape) {
		return
	}
	for i := range a.data {
		if math32.Abs(a.data[i]-b.data[i]) > atol+rtol*math32.Abs(b.data[i]) {
			t.Fatalf("a.data[%d] = %f, b.data[%d] = %f\n", i, a.data[i], i, b.data[i])
			return
		}
	}
}

func uniform(low, high float32, shape ...int) *Tensor {
	data := make([]float32, size(shape))
	for i := range data {
		data[i] = low + rand.Float32()*(high-low)
	}
	return NewTensor(data, shape...).RequireGrad()
}

func TestAdd(t *testing.T) {
	// (2,3) + (2,3) -> (2,3)
	x := NewTensor([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	y := NewTensor([]float32{2, 3, 4, 5, 6, 7}, 2, 3)
	z := Add(x, y)
	assert.Equal(t, []float32{3, 5, 7, 9, 11, 13}, z.data)

	// Test gradient
	x = Rand(2, 3).RequireGrad()
	y = Rand(2, 3).RequireGrad()
	z = Add(x, y)
	z.Backward()
	dx := numericalDiff(func(x *Tensor) *Tensor { return Add(x, y) }, x)
	allClose(t, x.grad, dx)
	dy := numericalDiff(func(y *Tensor) *Tensor { return Add(x, y) }, y)
	allClose(t, y.grad, dy)

	// (2,3) + () -> (2,3)
	x = NewTensor([]float32{1, 2, 3, 4, 5, 6}, 2, 3).RequireGrad()
	y = NewScalar(2).RequireGrad()
	z = Add(x, y)
	assert.Equal(t, []float32{3, 4, 5, 6, 7, 8}, z.data)
	z.Backward()
	assert.Equal(t, []float32{1, 1, 1, 1, 1, 1}, x.grad.data)
	assert.Equal(t, []float32{6}, y.grad.data)

	// (3) + (2,3) -> (2,3)
	x = NewTensor([]float32{1, 2, 3, 4, 5, 6}, 2, 3).RequireGrad()
	y = NewTensor([]float32{2, 3, 4}, 3).RequireGrad()
	z = Add(y, x)
	assert.Equal(t, []float32{3, 5, 7, 6, 8, 10}, z.data)
	z.Backward()
	assert.Equal(t, []float32{1, 1, 1, 1, 1, 1}, x.grad.data)
	assert.Equal(t, []float32{2, 2, 2}, y.grad.data)
}

func TestSub(t *testing.T) {
	// (2,3) - (2,3) -> (2,3)
	x := NewTensor([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	y := NewTensor([]float32{2, 3, 4, 5, 6, 7}, 2, 3)
	z := Sub(x, y)
	assert.Equal(t, []float32{-1, -1, -1, -1, -1, -1}, z.data)

	// Test gradient
	x = Rand(2, 3).RequireGrad()
	y = Rand(2, 3).RequireGrad()
	z = Sub(x, y)
	z.Backward()
	dx := numericalDiff(func(x *Tensor) *Tensor { return Sub(x, y) }, x)
	allClose(t, x.grad, dx)
	dy := numericalDiff(func(y *Tensor) *Tensor { return Sub(x, y) }, y)
	allClose(t, y.grad, dy)

	// (2,3) - (3) -> (2,3)
	x = NewTensor([]float32{1, 2, 3, 4, 5, 6}, 2, 3).RequireGrad()
	y = NewTensor([]float32{2, 3, 4}, 3).RequireGrad()
	z = Sub(x, y)
	assert.Equal(t, []float32{-1, -1, -1, 2, 2, 2}, z.data)
	z.Backward()
	assert.Equal(t, []float32{1, 1, 1, 1, 1, 1}, x.grad.data)
	assert.Equal(t, []float32{-2, -2, -2}, y.grad.data)
}

func TestMul(t *testing.T) {
	// (2,3) * (2,3) -> (2,3)
	x := NewTensor([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	y := NewTensor([]float32{2, 3, 4, 5, 6, 7}, 2, 3)
	z := Mul(x, y)
	assert.Equal(t, []float32{2, 6, 12, 20, 30, 42}, z.data)

	// Test gradient
	x = Rand(2, 3).RequireGrad()
	y = Rand(2, 3).RequireGrad()
	z = Mul(x, y)
	z.Backward()
	dx := numericalDiff(func(x *Tensor) *Tensor { return Mul(x, y) }, x)
	allClose(t, x.grad, dx)
	dy := numericalDiff(func(y *Tensor) *Tensor { return Mul(x, y) }, y)
	allClose(t, y.grad, dy)

	// (2,3) * (3) -> (2,3)
	x = NewTensor([]float32{1, 2, 3, 4, 5, 6}, 2, 3).RequireGrad()
	y = NewTensor([]float32{2, 3, 4}, 3).RequireGrad()
	z = Mul(x, y)
	assert.Equal(t, []float32{2, 6, 12, 8, 15, 24}, z.data)
	z.Backward()
	assert.Equal(t, []float32{2, 3, 4, 2, 3, 4}, x.grad.data)
	assert.Equal(t, []float32{5, 7, 9}, y.grad.data)
}

func TestSquare(t *testing.T) {
	x := NewTensor([]float32{1, 2, 3, 4, 5, 6}, 2, 3).RequireGrad()
	y := Square(x)
	assert.Equal(t, []float32{1, 4, 9, 16, 25, 36}, y.data)

	// Test gradient
	y.Backward()
	assert.Equal(t, []float32{2, 4, 6, 8, 10, 12}, x.grad.data)
}

func TestMean(t *testing.T) {
	x := NewTensor([]float32{1, 2, 3, 4, 5, 6}, 2, 3).RequireGrad()
	y := Mean(x)
	assert.Equal(t, []float32{3.5}, y.data)

	// Test gradient
	y.Backward()
	assert.InDeltaSlice(t, []float32{1.0 / 6, 1.0 / 6, 1.0 / 6, 1.0 / 6, 1.0 / 6, 1.0 / 6}, x.grad.data, 1e-6)

	// Test chained gradient
	x = Rand(2, 3).RequireGrad()
	y = Mul(Mean(x), NewScalar(3))
	y.Backward()
	dx := numericalDiff(func(x *Tensor) *Tensor { return Mul(Mean(x), NewScalar(3)) }, x)
	allClose(t, x.grad, dx)
}

func TestMatMul(t *testing.T) {
	// (2,3) * (3,4) -> (2,4)
	x := NewTensor([]float32{1, 2, 3, 4, 5, 6}, 2, 3).RequireGrad()
	y := NewTensor([]float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, 3, 4).RequireGrad()
	z := MatMul(x, y)
	assert.Equal(t, []int{2, 4}, z.shape)
	assert.Equal(t, []float32{38, 44, 50, 56, 83, 98, 113, 128}, z.data)

	// Test gradient
	z.Backward()
	assert.Equal(t, []int{2, 3}, x.grad.shape)
	assert.Equal(t, []float32{10, 26, 42, 10, 26, 42}, x.grad.data)
	assert.Equal(t, []int{3, 4}, y.grad.shape)
	assert.Equal(t, []float32{5, 5, 5, 5, 7, 7, 7, 7, 9, 9, 9, 9}, y.grad.data)

	// Test numerical gradient
	x = Rand(3, 2).RequireGrad()
	y = Rand(2, 5).RequireGrad()
	z = MatMul(x, y)
	z.Backward()
	dx := numericalDiff(func(x *Tensor) *Tensor { return MatMul(x, y) }, x)
	allClose(t, x.grad, dx)
	dy := numericalDiff(func(y *Tensor) *Tensor { return MatMul(x, y) }, y)
	allClose(t, y.grad, dy)

	// Incompatible shapes
	assert.Panics(t, func() { MatMul(Rand(2, 3), Rand(2, 3)) })
}

func TestReLu(t *testing.T) {
	x := NewTensor([]float32{-1, 2, -3, 4}, 4).RequireGrad()
	y := ReLu(x)
	assert.Equal(t, []float32{0, 2, 0, 4}, y.data)

	// Test gradient
	y.Backward()
	assert.Equal(t, []float32{0, 1, 0, 1}, x.grad.data)
}

func TestMeanSquareError(t *testing.T) {
	x := NewTensor([]float32{1, 2, 3}, 3).RequireGrad()
	y := NewTensor([]float32{2, 2, 5}, 3)
	z := MeanSquareError(x, y)
	assert.InDeltaSlice(t, []float32{5.0 / 3}, z.data, 1e-6)

	// Test gradient
	z.Backward()
	assert.InDeltaSlice(t, []float32{-2.0 / 3, 0, -4.0 / 3}, x.grad.data, 1e-6)
	assert.Nil(t, y.grad)
}

func TestReuseLeaf(t *testing.T) {
	// x + x
	x := NewTensor([]float32{1, 2, 3, 4, 5, 6}, 2, 3).RequireGrad()
	y := Add(x, x)
	assert.Equal(t, []float32{2, 4, 6, 8, 10, 12}, y.data)

	// Test gradient
	y.Backward()
	dx := numericalDiff(func(x *Tensor) *Tensor { return Add(x, x) }, x)
	allClose(t, x.grad, dx)
}

func TestReuseNode(t *testing.T) {
	// x^2 + x^2
	x := NewTensor([]float32{1, 2, 3, 4, 5, 6}, 2, 3).RequireGrad()
	temp := Square(x)
	y := Add(temp, temp)
	assert.Equal(t, []float32{2, 8, 18, 32, 50, 72}, y.data)

	// Test gradient
	y.Backward()
	dx := numericalDiff(func(x *Tensor) *Tensor {
		temp := Square(x)
		return Add(temp, temp)
	}, x)
	allClose(t, x.grad, dx)
}

func TestDependency(t *testing.T) {
	// x^2 + 2x^2
	x := NewTensor([]float32{1, 2, 3, 4, 5, 6}, 2, 3).RequireGrad()
	temp := Square(x)
	y := Add(temp, Mul(NewScalar(2), temp))
	assert.Equal(t, []float32{3, 12, 27, 48, 75, 108}, y.data)

	// Test gradient
	y.Backward()
	dx := numericalDiff(func(x *Tensor) *Tensor {
		temp := Square(x)
		return Add(temp, Mul(NewScalar(2), temp))
	}, x)
	allClose(t, x.grad, dx)
}

func TestSphere(t *testing.T) {
	// x^2 + y^2
	x := NewScalar(1).RequireGrad()
	y := NewScalar(1).RequireGrad()
	z := Add(Mul(x, x), Mul(y, y))
	assert.Equal(t, []float32{2}, z.data)

	// Test gradient
	z.Backward()
	dx := numericalDiff(func(x *Tensor) *Tensor { return Add(Mul(x, x), Mul(y, y)) }, x)
	dy := numericalDiff(func(y *Tensor) *Tensor { return Add(Mul(x, x), Mul(y, y)) }, y)
	allClose(t, x.grad, dx)
	allClose(t, y.grad, dy)
}

func TestMatyas(t *testing.T) {
	// 0.26 * (x^2 + y^2) - 0.48 * x * y
	x := NewScalar(1).RequireGrad()
	y := NewScalar(1).RequireGrad()
	z := Sub(Mul(NewScalar(0.26), Add(Mul(x, x), Mul(y, y))), Mul(NewScalar(0.48), Mul(x, y)))
	assert.InDeltaSlice(t, []float32{0.04}, z.data, 1e-6)

	// Test gradient
	z.Backward()
	dx := numericalDiff(func(x *Tensor) *Tensor {
		return Sub(Mul(NewScalar(0.26), Add(Mul(x, x), Mul(y, y))), Mul(NewScalar(0.48), Mul(x, y)))
	}, x)
	dy := numericalDiff(func(y *Tensor) *Tensor {
		return Sub(Mul(NewScalar(0.26), Add(Mul(x, x), Mul(y, y))), Mul(NewScalar(0.48), Mul(x, y)))
	}, y)
	allClose(t, x.grad, dx)
	allClose(t, y.grad, dy)
}
