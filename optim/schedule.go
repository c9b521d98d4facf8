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

package optim

import (
	"github.com/chewxy/math32"
	"github.com/gorse-io/flora/config"
	"github.com/juju/errors"
)

// Schedule maps a step count, starting at zero, to a learning rate.
type Schedule func(step int) float32

func Constant(lr float32) Schedule {
	return func(int) float32 {
		return lr
	}
}

// LinearWarmup increases the learning rate linearly from zero over warmupSteps.
func LinearWarmup(lr float32, warmupSteps int) Schedule {
	return func(step int) float32 {
		if step >= warmupSteps {
			return lr
		}
		return lr * float32(step+1) / float32(warmupSteps+1)
	}
}

// CosineDecay anneals the learning rate from lr to alpha*lr over decaySteps.
func CosineDecay(lr float32, decaySteps int, alpha float32) Schedule {
	return func(step int) float32 {
		if decaySteps <= 0 {
			return lr
		}
		progress := math32.Min(float32(step), float32(decaySteps)) / float32(decaySteps)
		cosine := 0.5 * (1 + math32.Cos(math32.Pi*progress))
		return lr * ((1-alpha)*cosine + alpha)
	}
}

// NewSchedule creates the schedule configured by optimizer.schedule.
func NewSchedule(cfg config.OptimizerConfig, totalSteps int) (Schedule, error) {
	switch cfg.Schedule {
	case config.ScheduleConstant, "":
		return Constant(cfg.LearningRate), nil
	case config.ScheduleWarmup:
		return LinearWarmup(cfg.LearningRate, cfg.WarmupSteps), nil
	case config.ScheduleCosine:
		warmup := LinearWarmup(cfg.LearningRate, cfg.WarmupSteps)
		cosine := CosineDecay(cfg.LearningRate, totalSteps-cfg.WarmupSteps, 0)
		return func(step int) float32 {
			if step < cfg.WarmupSteps {
				return warmup(step)
			}
			return cosine(step - cfg.WarmupSteps)
		}, nil
	default:
		return nil, errors.NotSupportedf("schedule %s", cfg.Schedule)
	}
}
