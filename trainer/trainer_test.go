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

package trainer

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/gorse-io/flora/common/nn"
	"github.com/gorse-io/flora/config"
	"github.com/gorse-io/flora/dataset"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConfig(t *testing.T, args ...string) *config.Config {
	overrides, err := config.ParseOverrides(append([]string{
		"model.hidden_size=16",
		"optimizer.learning_rate=0.05",
		"optimizer.multiply_by_parameter_scale=false",
		"optimizer.min_dim_size_to_factor=8",
		"training.per_device_train_batch_size=16",
		"training.num_train_epochs=20",
		"training.eval_steps=10",
	}, args...))
	require.NoError(t, err)
	cfg, err := config.GetDefaultConfig().Apply(overrides...)
	require.NoError(t, err)
	return cfg
}

func newTestData(t *testing.T) (dataset.Dataset, dataset.Dataset) {
	train, valid, err := dataset.Split(dataset.Synthetic(256, 8, 4, 0.01, 0), 0.25, 0)
	require.NoError(t, err)
	return train, valid
}

func TestTrainer_Fit(t *testing.T) {
	train, valid := newTestData(t)
	cases := map[string][]string{
		"adafactor":  {"optimizer=adafactor"},
		"flora":      {"optimizer=flora", "optimizer.tau=2", "optimizer.kappa=20"},
		"compressed": {"grad_acc.steps=2", "grad_acc.impl=compressed", "grad_acc.tau=4"},
		"lora":       {"lora.disabled=false", "lora.rank=4", "lora.tune_others=true"},
		"adam":       {"optimizer=adam", "optimizer.learning_rate=0.01"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := newTestConfig(t, args...)
			model, err := NewEncoderDecoder(cfg.Model, 8, 4, cfg.Training.Seed)
			require.NoError(t, err)
			ApplyLoRA(model, cfg.LoRA, cfg.Training.Seed)
			initial := Evaluate(model, valid, 16)

			trainer := NewTrainer(cfg, model)
			score, err := trainer.Fit(context.Background(), train, valid)
			require.NoError(t, err)
			// 192 examples in 12 micro-batches per epoch
			assert.Equal(t, 20*12/cfg.GradAcc.Steps, score.Steps)
			assert.Less(t, score.EvalLoss, initial/2)
			assert.Equal(t, float64(score.Steps), testutil.ToFloat64(trainer.Metrics.OptimizerStepsTotal))
			assert.Equal(t, float64(20*12), testutil.ToFloat64(trainer.Metrics.MicroBatchesTotal))
			assert.InDelta(t, score.EvalLoss, testutil.ToFloat64(trainer.Metrics.EvalLoss), 1e-6)
			assert.Equal(t, float64(score.Steps/10), testutil.ToFloat64(trainer.Metrics.EvaluationsTotal))
		})
	}
}

func TestTrainer_EvalSteps(t *testing.T) {
	train, valid := newTestData(t)
	cases := map[int]int{
		0:  1,        // only after the last step
		7:  36/7 + 1, // periodic plus the trailing evaluation
		12: 36 / 12,  // the last step is already evaluated
	}
	for evalSteps, expected := range cases {
		cfg := newTestConfig(t, "training.num_train_epochs=3", fmt.Sprintf("training.eval_steps=%d", evalSteps))
		model, err := NewEncoderDecoder(cfg.Model, 8, 4, 0)
		require.NoError(t, err)
		trainer := NewTrainer(cfg, model)
		score, err := trainer.Fit(context.Background(), train, valid)
		require.NoError(t, err)
		assert.Equal(t, 36, score.Steps)
		assert.Equal(t, float64(expected), testutil.ToFloat64(trainer.Metrics.EvaluationsTotal), evalSteps)
	}
}

func TestTrainer_Compression(t *testing.T) {
	train, valid := newTestData(t)
	footprint := func(args ...string) float64 {
		cfg := newTestConfig(t, append(args, "training.num_train_epochs=1")...)
		model, err := NewEncoderDecoder(cfg.Model, 8, 4, 0)
		require.NoError(t, err)
		trainer := NewTrainer(cfg, model)
		_, err = trainer.Fit(context.Background(), train, valid)
		require.NoError(t, err)
		return testutil.ToFloat64(trainer.Metrics.StateBytesVec.WithLabelValues("optimizer")) +
			testutil.ToFloat64(trainer.Metrics.StateBytesVec.WithLabelValues("accumulator"))
	}
	dense := footprint("optimizer=adafactor", "optimizer.momentum=0.9", "grad_acc.steps=2", "grad_acc.tau=2")
	compressed := footprint("optimizer=flora", "optimizer.tau=2", "grad_acc.steps=2", "grad_acc.impl=compressed", "grad_acc.tau=2")
	assert.Less(t, compressed, dense)
}

func TestTrainer_Cancel(t *testing.T) {
	train, valid := newTestData(t)
	cfg := newTestConfig(t)
	model, err := NewEncoderDecoder(cfg.Model, 8, 4, 0)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewTrainer(cfg, model).Fit(ctx, train, valid)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTrainer_TooFewExamples(t *testing.T) {
	cfg := newTestConfig(t, "grad_acc.steps=64")
	model, err := NewEncoderDecoder(cfg.Model, 8, 4, 0)
	require.NoError(t, err)
	_, err = NewTrainer(cfg, model).Fit(context.Background(), dataset.Synthetic(32, 8, 4, 0, 0), nil)
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestApplyLoRA(t *testing.T) {
	cfg := newTestConfig(t, "lora.disabled=false", "lora.rank=2")
	model, err := NewEncoderDecoder(cfg.Model, 8, 4, 0)
	require.NoError(t, err)
	x := nn.RandN(5, 8)
	before := model.Forward(x).Data()
	ApplyLoRA(model, cfg.LoRA, 0)
	assert.IsType(t, &nn.LoRALayer{}, model.Encoder)
	assert.IsType(t, &nn.LoRALayer{}, model.Decoder)
	assert.InDeltaSlice(t, before, model.Forward(x).Data(), 1e-5)
	// adapters (8, 2) (2, 16) (16, 2) (2, 4)
	assert.Equal(t, 16+32+32+8, nn.CountParameters(nn.Trainable(model.Parameters())))

	cfg.LoRA.Disabled = true
	model, err = NewEncoderDecoder(cfg.Model, 8, 4, 0)
	require.NoError(t, err)
	ApplyLoRA(model, cfg.LoRA, 0)
	assert.IsType(t, &nn.LinearLayer{}, model.Encoder)
}

func TestCheckpoint(t *testing.T) {
	train, valid := newTestData(t)
	cfg := newTestConfig(t, "lora.disabled=false", "training.num_train_epochs=2")
	model, err := NewEncoderDecoder(cfg.Model, 8, 4, 0)
	require.NoError(t, err)
	ApplyLoRA(model, cfg.LoRA, 0)
	_, err = NewTrainer(cfg, model).Fit(context.Background(), train, valid)
	require.NoError(t, err)
	x := nn.RandN(5, 8)
	expected := model.Forward(x).Data()

	path := filepath.Join(t.TempDir(), "checkpoints", "model.bin")
	require.NoError(t, model.SaveCheckpoint(path))
	assert.Error(t, model.SaveCheckpoint(t.TempDir()))
	// adapters are folded into the base layers
	assert.IsType(t, &nn.LinearLayer{}, model.Encoder)
	assert.InDeltaSlice(t, expected, model.Forward(x).Data(), 1e-4)

	cfg.Model.Pretrained = true
	cfg.Model.ModelNameOrPath = path
	loaded, err := NewEncoderDecoder(cfg.Model, 8, 4, 1)
	require.NoError(t, err)
	assert.InDeltaSlice(t, expected, loaded.Forward(x).Data(), 1e-4)

	// shapes must match
	cfg.Model.HiddenSize = 32
	_, err = NewEncoderDecoder(cfg.Model, 8, 4, 1)
	assert.True(t, errors.Is(err, errors.NotValid))
	cfg.Model.ModelNameOrPath = filepath.Join(t.TempDir(), "missing.bin")
	_, err = NewEncoderDecoder(cfg.Model, 8, 4, 1)
	assert.Error(t, err)
}

func TestEvaluate(t *testing.T) {
	data := dataset.Synthetic(10, 8, 4, 0, 0)
	model, err := NewEncoderDecoder(config.GetDefaultConfig().Model, 8, 4, 0)
	require.NoError(t, err)
	// the weighted mean over uneven batches equals the mean over one batch
	assert.InDelta(t, Evaluate(model, data, 10), Evaluate(model, data, 4), 1e-5)
	assert.Equal(t, []int{4, 3, 3}, lo.Map(lo.Must1((&dataset.Loader{Dataset: data, BatchSize: 4}).Batches(0)),
		func(b dataset.Batch, _ int) int { return b.Len() }))
}
