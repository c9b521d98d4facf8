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
	"time"

	"github.com/chewxy/math32"
	"github.com/gorse-io/flora/base/log"
	"github.com/gorse-io/flora/base/progress"
	"github.com/gorse-io/flora/common/nn"
	"github.com/gorse-io/flora/config"
	"github.com/gorse-io/flora/dataset"
	"github.com/gorse-io/flora/gradacc"
	"github.com/gorse-io/flora/optim"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

type Score struct {
	Loss     float32
	EvalLoss float32
	Steps    int
}

func (score Score) ZapFields() []zap.Field {
	return []zap.Field{
		zap.Float32("loss", score.Loss),
		zap.Float32("eval_loss", score.EvalLoss),
		zap.Int("steps", score.Steps),
	}
}

type Trainer struct {
	Config  *config.Config
	Model   *EncoderDecoder
	Metrics *Metrics
}

func NewTrainer(cfg *config.Config, model *EncoderDecoder) *Trainer {
	return &Trainer{Config: cfg, Model: model, Metrics: NewMetrics()}
}

// Fit trains the model on micro-batches of per_device_train_batch_size. The
// optimizer steps once every grad_acc.steps micro-batches. Micro-batches left
// at the end of an epoch are carried into the next one.
func (t *Trainer) Fit(ctx context.Context, train, valid dataset.Dataset) (Score, error) {
	cfg := t.Config
	params := nn.Trainable(t.Model.Parameters())
	loader := &dataset.Loader{
		Dataset:   train,
		BatchSize: cfg.Training.PerDeviceTrainBatchSize,
		Shuffle:   true,
		Seed:      cfg.Training.Seed,
	}
	totalSteps := cfg.Training.NumTrainEpochs * loader.NumBatches() / cfg.GradAcc.Steps
	if totalSteps == 0 {
		return Score{}, errors.NotValidf("%d examples for batch size %d and %d accumulation steps",
			train.Len(), cfg.Training.PerDeviceTrainBatchSize, cfg.GradAcc.Steps)
	}

	schedule, err := optim.NewSchedule(cfg.Optimizer, totalSteps)
	if err != nil {
		return Score{}, errors.Trace(err)
	}
	tx, err := optim.New(cfg.Optimizer, schedule, cfg.Training.Seed)
	if err != nil {
		return Score{}, errors.Trace(err)
	}
	optimizer := optim.NewOptimizer(params, tx)
	accumulator, err := gradacc.New(cfg.GradAcc, params, cfg.Training.Seed)
	if err != nil {
		return Score{}, errors.Trace(err)
	}
	t.Metrics.StateBytesVec.WithLabelValues("parameters").Set(float64(nn.CountParameters(params) * 4))
	t.Metrics.StateBytesVec.WithLabelValues("optimizer").Set(float64(optim.MemoryFootprint(tx)))
	t.Metrics.StateBytesVec.WithLabelValues("accumulator").Set(float64(accumulator.StateSize() * 4))
	log.Logger().Info("start fine-tuning",
		zap.String("optimizer", cfg.Optimizer.Name),
		zap.String("grad_acc", cfg.GradAcc.Impl),
		zap.Int("trainable_parameters", nn.CountParameters(params)),
		zap.Int("optimizer_state", optimizer.StateSize()),
		zap.Int("accumulator_state", accumulator.StateSize()),
		zap.Int("total_steps", totalSteps))

	var (
		score   Score
		losses  []float32
		fitTime time.Time
	)
	_, span := progress.Start(ctx, "Trainer.Fit", totalSteps)
	for epoch := 0; epoch < cfg.Training.NumTrainEpochs; epoch++ {
		fitTime = time.Now()
		batches, err := loader.Batches(epoch)
		if err != nil {
			span.Fail(err)
			return score, errors.Trace(err)
		}
		for _, batch := range batches {
			if err = ctx.Err(); err != nil {
				span.Fail(err)
				return score, errors.Trace(err)
			}
			loss := nn.MeanSquareError(t.Model.Forward(batch.X), batch.Y)
			optimizer.ZeroGrad()
			loss.Backward()
			grads := lo.Map(params, func(p *nn.Tensor, _ int) *nn.Tensor {
				if p.Grad() == nil {
					return nn.ZerosLike(p)
				}
				return p.Grad()
			})
			if err = accumulator.Add(grads); err != nil {
				span.Fail(err)
				return score, errors.Trace(err)
			}
			losses = append(losses, loss.Data()[0])
			t.Metrics.MicroBatchesTotal.Inc()
			if !accumulator.Ready() {
				continue
			}

			mean, err := accumulator.Result()
			if err != nil {
				span.Fail(err)
				return score, errors.Trace(err)
			}
			optimizer.Apply(mean)
			score.Steps++
			score.Loss = lo.Mean(losses)
			losses = losses[:0]
			span.Add(1)
			t.Metrics.OptimizerStepsTotal.Inc()
			t.Metrics.TrainLoss.Set(float64(score.Loss))
			if math32.IsNaN(score.Loss) || math32.IsInf(score.Loss, 0) {
				err = errors.Errorf("loss diverged at step %d", score.Steps)
				log.Logger().Warn("model diverged", zap.Float32("lr", cfg.Optimizer.LearningRate))
				span.Fail(err)
				return score, err
			}
			if cfg.Training.EvalSteps > 0 && score.Steps%cfg.Training.EvalSteps == 0 {
				t.evaluate(&score, valid, fitTime)
				fitTime = time.Now()
			}
		}
	}
	if cfg.Training.EvalSteps == 0 || score.Steps%cfg.Training.EvalSteps != 0 {
		t.evaluate(&score, valid, fitTime)
	}
	span.End()
	return score, nil
}

func (t *Trainer) evaluate(score *Score, valid dataset.Dataset, fitStart time.Time) {
	fitTime := time.Since(fitStart)
	if valid != nil && valid.Len() > 0 {
		evalStart := time.Now()
		score.EvalLoss = Evaluate(t.Model, valid, t.Config.Training.PerDeviceTrainBatchSize)
		t.Metrics.EvaluationsTotal.Inc()
		t.Metrics.EvalLoss.Set(float64(score.EvalLoss))
		fields := append([]zap.Field{
			zap.String("fit_time", fitTime.String()),
			zap.String("eval_time", time.Since(evalStart).String()),
		}, score.ZapFields()...)
		log.Logger().Info(fmt.Sprintf("fit %s %d", t.Config.Optimizer.Name, score.Steps), fields...)
	}
}

// Evaluate returns the mean squared error of the model on a dataset.
func Evaluate(model *EncoderDecoder, data dataset.Dataset, batchSize int) float32 {
	loader := &dataset.Loader{Dataset: data, BatchSize: batchSize}
	batches := lo.Must1(loader.Batches(0))
	var sum float32
	for _, batch := range batches {
		loss := nn.MeanSquareError(model.Forward(batch.X), batch.Y)
		sum += loss.Data()[0] * float32(batch.Len())
	}
	return sum / float32(data.Len())
}
