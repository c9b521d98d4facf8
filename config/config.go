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

package config

import (
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/gorse-io/flora/base/log"
	"github.com/juju/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	OptimizerAdafactor = "adafactor"
	OptimizerFlora     = "flora"
	OptimizerAdam      = "adam"
	OptimizerSGD       = "sgd"

	GradAccDefault    = "default"
	GradAccCompressed = "compressed"

	ScheduleConstant = "constant"
	ScheduleWarmup   = "warmup"
	ScheduleCosine   = "cosine"

	EnvPrefix = "FLORA"
)

// Config is the configuration of a fine-tuning run. Keys follow the dotted
// override names accepted by the training entry point.
type Config struct {
	Optimizer OptimizerConfig `mapstructure:"optimizer"`
	Model     ModelConfig     `mapstructure:"model"`
	GradAcc   GradAccConfig   `mapstructure:"grad_acc"`
	LoRA      LoRAConfig      `mapstructure:"lora"`
	Training  TrainingConfig  `mapstructure:"training"`
}

type OptimizerConfig struct {
	Name         string  `mapstructure:"name" validate:"oneof=adafactor flora adam sgd"`
	LearningRate float32 `mapstructure:"learning_rate" validate:"gt=0"`
	Schedule     string  `mapstructure:"schedule" validate:"oneof=constant warmup cosine"`
	WarmupSteps  int     `mapstructure:"warmup_steps" validate:"gte=0"`
	// Momentum is the EMA decay of Adafactor's first moment. Zero disables it.
	Momentum float32 `mapstructure:"momentum" validate:"gte=0,lt=1"`
	B1       float32 `mapstructure:"b1" validate:"gte=0,lt=1"`
	B2       float32 `mapstructure:"b2" validate:"gt=0"`
	// Tau is the rank of the compressed momentum.
	Tau int `mapstructure:"tau" validate:"gte=0"`
	// Kappa is the number of steps between projection resamplings.
	Kappa                    int     `mapstructure:"kappa" validate:"gte=1"`
	Side                     string  `mapstructure:"side" validate:"oneof=auto left right both"`
	RNGOnly                  bool    `mapstructure:"rng_only"`
	DecayRate                float32 `mapstructure:"decay_rate" validate:"gt=0"`
	MinDimSizeToFactor       int     `mapstructure:"min_dim_size_to_factor" validate:"gte=1"`
	ClippingThreshold        float32 `mapstructure:"clipping_threshold" validate:"gte=0"`
	MultiplyByParameterScale bool    `mapstructure:"multiply_by_parameter_scale"`
	WeightDecay              float32 `mapstructure:"weight_decay" validate:"gte=0"`
	Eps                      float32 `mapstructure:"eps" validate:"gt=0"`
	Factored                 bool    `mapstructure:"factored"`
	Sign                     bool    `mapstructure:"sign"`
}

type ModelConfig struct {
	Pretrained      bool   `mapstructure:"pretrained"`
	ModelNameOrPath string `mapstructure:"model_name_or_path" validate:"required_if=Pretrained true"`
	HiddenSize      int    `mapstructure:"hidden_size" validate:"gt=0"`
}

type GradAccConfig struct {
	Steps int    `mapstructure:"steps" validate:"gte=1"`
	Impl  string `mapstructure:"impl" validate:"oneof=default compressed"`
	Tau   int    `mapstructure:"tau" validate:"gte=1"`
}

type LoRAConfig struct {
	Disabled   bool    `mapstructure:"disabled"`
	TuneOthers bool    `mapstructure:"tune_others"`
	Rank       int     `mapstructure:"rank" validate:"gte=1"`
	Alpha      float32 `mapstructure:"alpha" validate:"gt=0"`
}

type TrainingConfig struct {
	PerDeviceTrainBatchSize int    `mapstructure:"per_device_train_batch_size" validate:"gte=1"`
	EvalSteps               int    `mapstructure:"eval_steps" validate:"gte=0"`
	NumTrainEpochs          int    `mapstructure:"num_train_epochs" validate:"gte=1"`
	Seed                    int64  `mapstructure:"seed"`
	OutputDir               string `mapstructure:"output_dir"`
}

var presets = map[string]OptimizerConfig{
	OptimizerAdafactor: {
		Name:                     OptimizerAdafactor,
		LearningRate:             1e-3,
		Schedule:                 ScheduleConstant,
		B1:                       0.9,
		B2:                       0.999,
		Kappa:                    1000,
		Side:                     "auto",
		DecayRate:                0.8,
		MinDimSizeToFactor:       128,
		ClippingThreshold:        1.0,
		MultiplyByParameterScale: true,
		Eps:                      1e-30,
		Factored:                 true,
	},
	OptimizerFlora: {
		Name:                     OptimizerFlora,
		LearningRate:             1e-3,
		Schedule:                 ScheduleConstant,
		B1:                       0.9,
		B2:                       0.99,
		Tau:                      4,
		Kappa:                    1000,
		Side:                     "auto",
		DecayRate:                0.8,
		MinDimSizeToFactor:       128,
		ClippingThreshold:        1.0,
		MultiplyByParameterScale: true,
		Eps:                      1e-30,
		Factored:                 true,
	},
	OptimizerAdam: {
		Name:               OptimizerAdam,
		LearningRate:       1e-3,
		Schedule:           ScheduleConstant,
		B1:                 0.9,
		B2:                 0.999,
		Kappa:              1000,
		Side:               "auto",
		DecayRate:          0.8,
		MinDimSizeToFactor: 128,
		Eps:                1e-8,
	},
	OptimizerSGD: {
		Name:               OptimizerSGD,
		LearningRate:       1e-2,
		Schedule:           ScheduleConstant,
		B1:                 0.9,
		B2:                 0.999,
		Kappa:              1000,
		Side:               "auto",
		DecayRate:          0.8,
		MinDimSizeToFactor: 128,
		Eps:                1e-8,
	},
}

// Preset returns the optimizer group selected by `optimizer=<name>`.
func Preset(name string) (OptimizerConfig, error) {
	preset, ok := presets[name]
	if !ok {
		return OptimizerConfig{}, errors.NotSupportedf("optimizer %s", name)
	}
	return preset, nil
}

func GetDefaultConfig() *Config {
	return &Config{
		Optimizer: presets[OptimizerAdafactor],
		Model: ModelConfig{
			ModelNameOrPath: "t5-small",
			HiddenSize:      256,
		},
		GradAcc: GradAccConfig{
			Steps: 1,
			Impl:  GradAccDefault,
			Tau:   16,
		},
		LoRA: LoRAConfig{
			Disabled: true,
			Rank:     8,
			Alpha:    16,
		},
		Training: TrainingConfig{
			PerDeviceTrainBatchSize: 8,
			EvalSteps:               100,
			NumTrainEpochs:          1,
			Seed:                    42,
			OutputDir:               "outputs",
		},
	}
}

func setDefault(v *viper.Viper) {
	for key, value := range flatten(GetDefaultConfig()) {
		v.SetDefault(key, value)
	}
}

// flatten converts a config into dotted keys.
func flatten(c *Config) map[string]any {
	var m map[string]any
	if err := mapstructure.Decode(c, &m); err != nil {
		log.Logger().Fatal("failed to decode config", zap.Error(err))
	}
	flat := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			if sub, ok := v.(map[string]any); ok {
				walk(prefix+k+".", sub)
			} else {
				flat[prefix+k] = v
			}
		}
	}
	walk("", m)
	return flat
}

var knownKeys = mapset.NewSet[string]()

func init() {
	for key := range flatten(GetDefaultConfig()) {
		knownKeys.Add(key)
	}
}

// IsKnownKey reports whether a dotted key or group name can be overridden.
func IsKnownKey(key string) bool {
	return key == "optimizer" || knownKeys.Contains(key)
}

// Keys returns every dotted key in sorted order.
func Keys() []string {
	keys := knownKeys.ToSlice()
	sort.Strings(keys)
	return keys
}

// LoadConfig loads configuration from a TOML or YAML file, FLORA_* environment
// variables and dotted overrides, in increasing order of precedence.
func LoadConfig(path string, overrides ...Override) (*Config, error) {
	v := viper.New()
	setDefault(v)

	// bind environment variables, e.g. FLORA_OPTIMIZER_LEARNING_RATE
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// load config file
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return load(v, overrides)
}

// Apply returns a copy of the config with overrides applied.
func (config *Config) Apply(overrides ...Override) (*Config, error) {
	v := viper.New()
	for key, value := range flatten(config) {
		v.SetDefault(key, value)
	}
	return load(v, overrides)
}

// load applies group selections before dotted keys, so a selection never
// resets a key given alongside it.
func load(v *viper.Viper, overrides []Override) (*Config, error) {
	var groups, keys []Override
	for _, o := range overrides {
		if o.IsGroup() {
			groups = append(groups, o)
		} else {
			keys = append(keys, o)
		}
	}
	for _, o := range groups {
		if o.Key != "optimizer" {
			return nil, errors.NotValidf("config group %s", o.Key)
		}
		preset, err := Preset(o.Value)
		if err != nil {
			return nil, errors.Trace(err)
		}
		var m map[string]any
		if err = mapstructure.Decode(preset, &m); err != nil {
			return nil, errors.Trace(err)
		}
		for k, value := range m {
			v.Set(o.Key+"."+k, value)
		}
	}
	for _, o := range keys {
		if !knownKeys.Contains(o.Key) {
			return nil, errors.NotValidf("override key %s", o.Key)
		}
		v.Set(o.Key, o.Value)
	}

	var conf Config
	if err := v.Unmarshal(&conf); err != nil {
		return nil, errors.NewNotValid(err, "failed to decode config")
	}
	if err := conf.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &conf, nil
}

func (config *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		return errors.NewNotValid(err, "invalid config")
	}
	if config.Optimizer.Name == OptimizerFlora && config.Optimizer.Tau < 1 {
		return errors.NotValidf("optimizer.tau %d for flora", config.Optimizer.Tau)
	}
	return nil
}

// Overrides renders the config as the canonical override list: the optimizer
// group first, followed by every other key in sorted order.
func (config *Config) Overrides() []Override {
	flat := flatten(config)
	overrides := []Override{{Key: "optimizer", Value: config.Optimizer.Name}}
	for _, key := range Keys() {
		if key == "optimizer.name" {
			continue
		}
		overrides = append(overrides, Override{Key: key, Value: formatValue(flat[key])})
	}
	return overrides
}
