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
	"bufio"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/gorse-io/flora/base/log"
	"github.com/gorse-io/flora/common/nn"
	"github.com/gorse-io/flora/config"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

// EncoderDecoder maps inputs to a hidden representation and back to targets.
type EncoderDecoder struct {
	Encoder nn.Layer
	Decoder nn.Layer
}

// NewEncoderDecoder creates a model with random weights, or loads the
// checkpoint at model.model_name_or_path if model.pretrained is set.
func NewEncoderDecoder(cfg config.ModelConfig, in, out int, seed int64) (*EncoderDecoder, error) {
	rng := rand.New(rand.NewSource(seed))
	m := &EncoderDecoder{
		Encoder: nn.NewLinearWithRand(rng, in, cfg.HiddenSize),
		Decoder: nn.NewLinearWithRand(rng, cfg.HiddenSize, out),
	}
	if cfg.Pretrained {
		if err := m.load(cfg.ModelNameOrPath); err != nil {
			return nil, errors.Annotatef(err, "load %s", cfg.ModelNameOrPath)
		}
		log.Logger().Info("load pretrained model", zap.String("path", cfg.ModelNameOrPath))
	}
	return m, nil
}

func (m *EncoderDecoder) Forward(x *nn.Tensor) *nn.Tensor {
	return m.Decoder.Forward(nn.ReLu(m.Encoder.Forward(x)))
}

func (m *EncoderDecoder) Parameters() []*nn.Tensor {
	return append(m.Encoder.Parameters(), m.Decoder.Parameters()...)
}

// ApplyLoRA wraps both layers with low-rank adapters unless lora.disabled is
// set. Base weights are frozen. Biases stay trainable with lora.tune_others.
func ApplyLoRA(m *EncoderDecoder, cfg config.LoRAConfig, seed int64) {
	if cfg.Disabled {
		return
	}
	rng := rand.New(rand.NewSource(seed))
	wrap := func(layer nn.Layer) nn.Layer {
		if linear, ok := layer.(*nn.LinearLayer); ok {
			return nn.NewLoRALinear(rng, linear, cfg.Rank, cfg.Alpha, cfg.TuneOthers)
		}
		return layer
	}
	m.Encoder = wrap(m.Encoder)
	m.Decoder = wrap(m.Decoder)
}

// merge folds adapters into the base layers.
func (m *EncoderDecoder) merge() {
	unwrap := func(layer nn.Layer) nn.Layer {
		if lora, ok := layer.(*nn.LoRALayer); ok {
			merged := lora.Merge()
			merged.W.RequireGrad()
			merged.B.RequireGrad()
			return merged
		}
		return layer
	}
	m.Encoder = unwrap(m.Encoder)
	m.Decoder = unwrap(m.Decoder)
}

// SaveCheckpoint folds adapters into the base weights and writes them to path.
func (m *EncoderDecoder) SaveCheckpoint(path string) (err error) {
	m.merge()
	if err = os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return errors.Trace(err)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if closeErr := f.Close(); err == nil {
			err = errors.Trace(closeErr)
		}
	}()
	w := bufio.NewWriter(f)
	if err = nn.Save(w, m.Parameters()); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(w.Flush())
}

func (m *EncoderDecoder) load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Trace(err)
	}
	defer f.Close()
	return nn.Load(bufio.NewReader(f), m.Parameters())
}
