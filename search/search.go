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
	"math"
	"strconv"
	"sync"

	"github.com/c-bata/goptuna"
	"github.com/c-bata/goptuna/tpe"
	"github.com/gorse-io/flora/base/log"
	"github.com/gorse-io/flora/config"
	"github.com/gorse-io/flora/dataset"
	"github.com/gorse-io/flora/trainer"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

// Space bounds the hyper-parameters suggested for each trial.
type Space struct {
	Optimizers []string
	MinLR      float32
	MaxLR      float32
	MinTau     int
	MaxTau     int
	// GradAccImpls are tried only if grad_acc.steps > 1.
	GradAccImpls []string
	MinGradTau   int
	MaxGradTau   int
}

func DefaultSpace() Space {
	return Space{
		Optimizers:   []string{config.OptimizerAdafactor, config.OptimizerFlora},
		MinLR:        1e-4,
		MaxLR:        1e-1,
		MinTau:       1,
		MaxTau:       16,
		GradAccImpls: []string{config.GradAccDefault, config.GradAccCompressed},
		MinGradTau:   1,
		MaxGradTau:   16,
	}
}

type Result struct {
	Overrides []config.Override
	Score     trainer.Score
}

// Search fits the in-process trainer for each trial and minimizes the
// validation loss.
type Search struct {
	ctx     context.Context
	base    *config.Config
	space   Space
	train   dataset.Dataset
	valid   dataset.Dataset
	in, out int

	mu     sync.Mutex
	result Result
	found  bool
}

func NewSearch(base *config.Config, train, valid dataset.Dataset, space Space) *Search {
	example := train.Get(0)
	return &Search{
		ctx:   context.Background(),
		base:  base,
		space: space,
		train: train,
		valid: valid,
		in:    len(example.Input),
		out:   len(example.Target),
	}
}

func (s *Search) suggest(trial goptuna.Trial) ([]config.Override, error) {
	var overrides []config.Override
	if len(s.space.Optimizers) > 0 {
		name, err := trial.SuggestCategorical("optimizer", s.space.Optimizers)
		if err != nil {
			return nil, errors.Trace(err)
		}
		overrides = append(overrides, config.Override{Key: "optimizer", Value: name})
		if name == config.OptimizerFlora {
			tau, err := trial.SuggestInt("optimizer.tau", s.space.MinTau, s.space.MaxTau)
			if err != nil {
				return nil, errors.Trace(err)
			}
			overrides = append(overrides, config.Override{Key: "optimizer.tau", Value: strconv.Itoa(tau)})
		}
	}
	lr, err := trial.SuggestLogFloat("optimizer.learning_rate", float64(s.space.MinLR), float64(s.space.MaxLR))
	if err != nil {
		return nil, errors.Trace(err)
	}
	overrides = append(overrides, config.Override{Key: "optimizer.learning_rate", Value: strconv.FormatFloat(lr, 'g', 6, 64)})
	if s.base.GradAcc.Steps > 1 && len(s.space.GradAccImpls) > 0 {
		impl, err := trial.SuggestCategorical("grad_acc.impl", s.space.GradAccImpls)
		if err != nil {
			return nil, errors.Trace(err)
		}
		overrides = append(overrides, config.Override{Key: "grad_acc.impl", Value: impl})
		if impl == config.GradAccCompressed {
			tau, err := trial.SuggestInt("grad_acc.tau", s.space.MinGradTau, s.space.MaxGradTau)
			if err != nil {
				return nil, errors.Trace(err)
			}
			overrides = append(overrides, config.Override{Key: "grad_acc.tau", Value: strconv.Itoa(tau)})
		}
	}
	return overrides, nil
}

func (s *Search) Objective(trial goptuna.Trial) (float64, error) {
	if err := s.ctx.Err(); err != nil {
		return 0, errors.Trace(err)
	}
	overrides, err := s.suggest(trial)
	if err != nil {
		return 0, errors.Trace(err)
	}
	cfg, err := s.base.Apply(overrides...)
	if err != nil {
		return 0, errors.Trace(err)
	}
	model, err := trainer.NewEncoderDecoder(cfg.Model, s.in, s.out, cfg.Training.Seed)
	if err != nil {
		return 0, errors.Trace(err)
	}
	trainer.ApplyLoRA(model, cfg.LoRA, cfg.Training.Seed)
	score, err := trainer.NewTrainer(cfg, model).Fit(s.ctx, s.train, s.valid)
	if err != nil {
		if s.ctx.Err() != nil {
			return 0, errors.Trace(err)
		}
		// diverged trials get the worst loss
		log.TrialLogger(trial.ID).Warn("trial failed", zap.Any("overrides", overrides), zap.Error(err))
		return math.MaxFloat32, nil
	}
	loss := s.lossOf(score)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.found || loss < s.lossOf(s.result.Score) {
		s.result = Result{Overrides: overrides, Score: score}
		s.found = true
	}
	return float64(loss), nil
}

func (s *Search) lossOf(score trainer.Score) float32 {
	if s.valid == nil || s.valid.Len() == 0 {
		return score.Loss
	}
	return score.EvalLoss
}

// Result returns the overrides of the best trial.
func (s *Search) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Optimize runs a TPE study of n trials.
func (s *Search) Optimize(ctx context.Context, n int, seed int64) (Result, error) {
	s.ctx = ctx
	study, err := goptuna.CreateStudy("flora",
		goptuna.StudyOptionDirection(goptuna.StudyDirectionMinimize),
		goptuna.StudyOptionSampler(tpe.NewSampler(tpe.SamplerOptionSeed(seed))))
	if err != nil {
		return Result{}, errors.Trace(err)
	}
	if err = study.Optimize(s.Objective, n); err != nil {
		return Result{}, errors.Trace(err)
	}
	if err = ctx.Err(); err != nil {
		return Result{}, errors.Trace(err)
	}
	result := s.Result()
	if len(result.Overrides) == 0 {
		return Result{}, errors.Errorf("none of %d trials converged", n)
	}
	log.Logger().Info("search complete",
		append([]zap.Field{zap.Int("trials", n), zap.Any("overrides", result.Overrides)}, result.Score.ZapFields()...)...)
	return result, nil
}
