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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const LabelState = "state"

// Metrics of a training run. Every trainer owns a registry so that runs in
// the same process do not collide.
type Metrics struct {
	Registry            *prometheus.Registry
	TrainLoss           prometheus.Gauge
	EvalLoss            prometheus.Gauge
	OptimizerStepsTotal prometheus.Counter
	MicroBatchesTotal   prometheus.Counter
	EvaluationsTotal    prometheus.Counter
	StateBytesVec       *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		Registry: registry,
		TrainLoss: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flora",
			Name:      "train_loss",
		}),
		EvalLoss: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flora",
			Name:      "eval_loss",
		}),
		OptimizerStepsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flora",
			Name:      "optimizer_steps_total",
		}),
		MicroBatchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flora",
			Name:      "micro_batches_total",
		}),
		EvaluationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flora",
			Name:      "evaluations_total",
		}),
		StateBytesVec: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "flora",
			Name:      "state_bytes",
		}, []string{LabelState}),
	}
}
