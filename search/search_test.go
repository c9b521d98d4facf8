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

package search

import (
	"context"
	"testing"

	"github.com/c-bata/goptuna"
	"github.com/c-bata/goptuna/tpe"
	"github.com/gorse-io/flora/config"
	"github.com/gorse-io/flora/dataset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSearch(t *testing.T, args ...string) *Search {
	overrides, err := config.ParseOverrides(append([]string{
		"model.hidden_size=16",
		"optimizer.multiply_by_parameter_scale=false",
		"optimizer.min_dim_size_to_factor=8",
		"training.per_device_train_batch_size=16",
		"training.num_train_epochs=4",
		"training.eval_steps=0",
	}, args...))
	require.NoError(t, err)
	cfg, err := config.GetDefaultConfig().Apply(overrides...)
	require.NoError(t, err)
	train, valid, err := dataset.Split(dataset.Synthetic(128, 8, 4, 0.01, 0), 0.25, 0)
	require.NoError(t, err)
	space := DefaultSpace()
	space.MaxTau = 4
	space.MaxGradTau = 4
	return NewSearch(cfg, train, valid, space)
}

func TestSearch_Optimize(t *testing.T) {
	search := newTestSearch(t, "grad_acc.steps=2")
	result, err := search.Optimize(context.Background(), 6, 0)
	require.NoError(t, err)
	require.NotEmpty(t, result.Overrides)
	assert.Equal(t, "optimizer", result.Overrides[0].Key)
	assert.Greater(t, result.Score.EvalLoss, float32(0))
	assert.Equal(t, 4*6/2, result.Score.Steps)

	// the best overrides resolve to a valid config
	cfg, err := search.base.Apply(result.Overrides...)
	require.NoError(t, err)
	assert.Contains(t, []string{config.OptimizerAdafactor, config.OptimizerFlora}, cfg.Optimizer.Name)
	assert.Contains(t, []string{config.GradAccDefault, config.GradAccCompressed}, cfg.GradAcc.Impl)
}

func TestSearch_Study(t *testing.T) {
	search := newTestSearch(t)
	study, err := goptuna.CreateStudy("TestTPE",
		goptuna.StudyOptionDirection(goptuna.StudyDirectionMinimize),
		goptuna.StudyOptionSampler(tpe.NewSampler()))
	require.NoError(t, err)
	require.NoError(t, study.Optimize(search.Objective, 4))
	v, err := study.GetBestValue()
	require.NoError(t, err)
	result := search.Result()
	assert.InDelta(t, v, float64(result.Score.EvalLoss), 1e-6)
	// a single accumulation step never suggests an implementation
	for _, o := range result.Overrides {
		assert.NotEqual(t, "grad_acc.impl", o.Key)
	}
}

func TestSearch_EmptyValidation(t *testing.T) {
	search := newTestSearch(t)
	search.valid = dataset.Subset(search.valid, nil)
	study, err := goptuna.CreateStudy("TestEmptyValidation",
		goptuna.StudyOptionDirection(goptuna.StudyDirectionMinimize),
		goptuna.StudyOptionSampler(tpe.NewSampler()))
	require.NoError(t, err)
	require.NoError(t, study.Optimize(search.Objective, 3))
	v, err := study.GetBestValue()
	require.NoError(t, err)
	// trials are ranked by the training loss
	result := search.Result()
	assert.Greater(t, v, float64(0))
	assert.InDelta(t, v, float64(result.Score.Loss), 1e-6)
}

func TestSearch_Cancel(t *testing.T) {
	search := newTestSearch(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := search.Optimize(ctx, 2, 0)
	assert.Error(t, err)
}
