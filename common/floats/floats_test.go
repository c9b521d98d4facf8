// Copyright 2020 gorse Project Authors
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

package floats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestZero(t *testing.T) {
	a := []float32{3, 2, 5, 6, 0, 0}
	Zero(a)
	assert.Equal(t, []float32{0, 0, 0, 0, 0, 0}, a)
}

func TestAdd(t *testing.T) {
	a := []float32{1, 2, 3, 4}
	b := []float32{5, 6, 7, 8}
	Add(a, b)
	assert.Equal(t, []float32{6, 8, 10, 12}, a)
	assert.Panics(t, func() { Add([]float32{1}, nil) })
}

func TestSub(t *testing.T) {
	a := []float32{1, 2, 3, 4}
	b := []float32{5, 6, 7, 8}
	Sub(a, b)
	assert.Equal(t, []float32{-4, -4, -4, -4}, a)
	assert.Panics(t, func() { Sub([]float32{1}, nil) })
}

func TestMulConst(t *testing.T) {
	a := []float32{1, 2, 3, 4}
	MulConst(a, 2)
	assert.Equal(t, []float32{2, 4, 6, 8}, a)
}

func TestMulConstTo(t *testing.T) {
	a := []float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	dst := make([]float32, 11)
	MulConstTo(a, 2, dst)
	assert.Equal(t, []float32{0, 2, 4, 6, 8, 10, 12, 14, 16, 18, 20}, dst)
	assert.Panics(t, func() { MulConstTo(nil, 2, dst) })
}

func TestMulConstAdd(t *testing.T) {
	a := []float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	dst := []float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	MulConstAdd(a, 2, dst)
	assert.Equal(t, []float32{0, 3, 6, 9, 12, 15, 18, 21, 24, 27, 30}, dst)
	assert.Panics(t, func() { MulConstAdd(nil, 1, dst) })
}

func TestMulConstAddTo(t *testing.T) {
	a := []float32{4, 8}
	dst := []float32{2, 4}
	MulConstAddTo(a, 0.5, dst)
	assert.Equal(t, []float32{3, 6}, dst)
	assert.Panics(t, func() { MulConstAddTo(nil, 1, dst) })
}

func TestMulTo(t *testing.T) {
	a := []float32{1, 2, 3, 4}
	b := []float32{5, 6, 7, 8}
	c := make([]float32, 4)
	MulTo(a, b, c)
	assert.Equal(t, []float32{5, 12, 21, 32}, c)
	assert.Panics(t, func() { MulTo([]float32{1}, nil, nil) })
}

func TestDot(t *testing.T) {
	a := []float32{1, 2, 3, 4}
	b := []float32{5, 6, 7, 8}
	assert.Equal(t, float32(70), Dot(a, b))
	assert.Panics(t, func() { Dot([]float32{1}, nil) })
}

func TestRMS(t *testing.T) {
	assert.Equal(t, float32(2), RMS([]float32{2, -2, 2, -2}))
	assert.Zero(t, RMS(nil))
}

func TestSign(t *testing.T) {
	a := []float32{-3, 0, 0.5}
	Sign(a)
	assert.Equal(t, []float32{-1, 0, 1}, a)
}

func TestMM(t *testing.T) {
	// a: 2x3, b: 3x2
	a := []float32{1, 2, 3, 4, 5, 6}
	b := []float32{7, 8, 9, 10, 11, 12}
	c := []float32{-1, -1, -1, -1}
	MM(false, false, 2, 2, 3, a, 3, b, 2, c, 2)
	assert.Equal(t, []float32{58, 64, 139, 154}, c)

	// a * a^T
	c = make([]float32, 4)
	MM(false, true, 2, 2, 3, a, 3, a, 3, c, 2)
	assert.Equal(t, []float32{14, 32, 32, 77}, c)

	// a^T * a
	c = make([]float32, 9)
	MM(true, false, 3, 3, 2, a, 3, a, 3, c, 3)
	assert.Equal(t, []float32{17, 22, 27, 22, 29, 36, 27, 36, 45}, c)

	// a^T * b^T: 3x2 * 2x3
	c = make([]float32, 9)
	MM(true, true, 3, 3, 2, a, 3, b, 2, c, 3)
	assert.Equal(t, []float32{39, 49, 59, 54, 68, 82, 69, 87, 105}, c)
}
