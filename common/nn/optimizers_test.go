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

package nn_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/chewxy/math32"
	"github.com/gorse-io/flora/common/nn"
	"github.com/stretchr/testify/assert"
)

func testOptimizer(optimizerCreator func(params []*nn.Tensor, lr float32) nn.Optimizer, epochs int) (losses []float32) {
	// fit sin(x) with the features (x, x^2, x^3)
	x := nn.LinSpace(-math.Pi, math.Pi, 2000)
	features := make([]float32, 0, 3*x.Len())
	target := make([]float32, x.Len())
	for i, v := range x.Data() {
		features = append(features, v, v*v, v*v*v)
		target[i] = math32.Sin(v)
	}
	xx := nn.NewTensor(features, x.Len(), 3)
	y := nn.NewTensor(target, x.Len(), 1)
	model := nn.NewLinearWithRand(rand.New(rand.NewSource(0)), 3, 1)

	learningRate := 1e-3
	optimizer := optimizerCreator(model.Parameters(), float32(learningRate))
	for i := 0; i < epochs; i++ {
		yPred := model.Forward(xx)
		loss := nn.MeanSquareError(yPred, y)
		losses = append(losses, loss.Data()[0])

		// gradients accumulate until cleared
		optimizer.ZeroGrad()
		loss.Backward()
		optimizer.Step()
	}
	return
}

func TestSGD(t *testing.T) {
	losses := testOptimizer(nn.NewSGD, 1000)
	assert.IsDecreasing(t, losses)
	assert.Less(t, losses[len(losses)-1], float32(0.1))
}

func TestAdam(t *testing.T) {
	losses := testOptimizer(nn.NewAdam, 1000)
	assert.Less(t, losses[len(losses)-1], losses[0])
}

func TestAdam_StateSize(t *testing.T) {
	w := nn.Zeros(3, 4).RequireGrad()
	b := nn.Zeros(4).RequireGrad()
	optimizer := nn.NewAdam([]*nn.Tensor{w, b}, 0.1)
	assert.Equal(t, 0, optimizer.(*nn.Adam).StateSize())
	nn.Mean(nn.Add(w, b)).Backward()
	optimizer.Step()
	assert.Equal(t, 2*(12+4), optimizer.(*nn.Adam).StateSize())
}

func TestSGD_WeightDecay(t *testing.T) {
	w := nn.NewTensor([]float32{1, 2}, 2).RequireGrad()
	optimizer := nn.NewSGD([]*nn.Tensor{w}, 0.5)
	optimizer.SetWeightDecay(0.1)
	w.SetGrad(nn.NewTensor([]float32{1, 1}, 2))
	optimizer.Step()
	// w -= lr * (g + wd * w)
	assert.InDeltaSlice(t, []float32{1 - 0.5*1.1, 2 - 0.5*1.2}, w.Data(), 1e-6)
	optimizer.ZeroGrad()
	assert.Nil(t, w.Grad())
}
