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

type AdafactorConfig struct {
	MinDimSizeToFactor       int
	DecayRate                float32
	DecayOffset              int
	MultiplyByParameterScale bool
	// ClippingThreshold of zero disables clipping.
	ClippingThreshold float32
	// Momentum of zero disables the first moment.
	Momentum    float32
	WeightDecay float32
	Eps         float32
	Factored    bool
	Sign        bool
}

func DefaultAdafactorConfig() AdafactorConfig {
	return AdafactorConfig{
		MinDimSizeToFactor:       128,
		DecayRate:                0.8,
		MultiplyByParameterScale: true,
		ClippingThreshold:        1.0,
		Eps:                      1e-30,
		Factored:                 true,
	}
}

// Adafactor chains an optional momentum, the factored second moment (or the
// sign of the update), clipping, the learning rate and parameter scaling.
func Adafactor(cfg AdafactorConfig, schedule Schedule) Transform {
	var txs []Transform
	if cfg.Momentum > 0 {
		txs = append(txs, EMA(cfg.Momentum))
	}
	if cfg.Sign {
		txs = append(txs, ScaleBySign())
	} else {
		txs = append(txs, ScaleByFactoredRMS(cfg.Factored, cfg.DecayRate, cfg.DecayOffset, cfg.MinDimSizeToFactor, cfg.Eps))
	}
	if cfg.ClippingThreshold > 0 {
		txs = append(txs, ClipByBlockRMS(cfg.ClippingThreshold))
	}
	if schedule != nil {
		txs = append(txs, ScaleByLearningRate(schedule))
	}
	if cfg.MultiplyByParameterScale {
		txs = append(txs, ScaleByParamBlockRMS(1e-3))
	}
	if cfg.WeightDecay > 0 {
		txs = append(txs, AddDecayedWeights(cfg.WeightDecay))
	}
	txs = append(txs, Scale(-1))
	return Chain(txs...)
}
