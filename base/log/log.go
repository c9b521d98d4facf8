// Copyright 2022 gorse Project Authors
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

package log

import (
	"os"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var logger = zap.Must(zap.NewDevelopment())

// Logger get current logger
func Logger() *zap.Logger {
	return logger
}

// RunLogger returns a logger tagged with an experiment run.
func RunLogger(runId, name string) *zap.Logger {
	return logger.With(zap.String("run_id", runId), zap.String("experiment", name))
}

// TrialLogger returns a logger tagged with a search trial.
func TrialLogger(trial int) *zap.Logger {
	return logger.With(zap.Int("trial", trial))
}

// CloseLogger drops everything below fatal.
func CloseLogger() {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.FatalLevel)
	logger = zap.Must(cfg.Build())
}

// Options of the log file rotated by lumberjack.
type Options struct {
	Path       string
	MaxSize    int
	MaxAge     int
	MaxBackups int
	Debug      bool
	Quiet      bool
}

func AddFlags(flagSet *pflag.FlagSet) {
	flagSet.String("log-path", "", "path of log file")
	flagSet.Int("log-max-size", 100, "maximum size in megabytes of the log file")
	flagSet.Int("log-max-age", 0, "maximum number of days to retain old log files")
	flagSet.Int("log-max-backups", 0, "maximum number of old log files to retain")
	flagSet.BoolP("quiet", "q", false, "only log fatal errors")
}

// OptionsFromFlags reads the flags registered by AddFlags.
func OptionsFromFlags(flagSet *pflag.FlagSet, debug bool) Options {
	opts := Options{Debug: debug}
	opts.Path, _ = flagSet.GetString("log-path")
	opts.MaxSize, _ = flagSet.GetInt("log-max-size")
	opts.MaxAge, _ = flagSet.GetInt("log-max-age")
	opts.MaxBackups, _ = flagSet.GetInt("log-max-backups")
	opts.Quiet, _ = flagSet.GetBool("quiet")
	return opts
}

func SetLogger(flagSet *pflag.FlagSet, debug bool) {
	Setup(OptionsFromFlags(flagSet, debug))
}

// Setup replaces the global logger. Debug mode writes console lines at debug
// level, otherwise JSON at info level. Records are teed to a rotated file
// when a path is given.
func Setup(opts Options) {
	if opts.Quiet {
		CloseLogger()
		return
	}
	var (
		encoder zapcore.Encoder
		level   zapcore.LevelEnabler = zap.InfoLevel
	)
	encoderConfig := zap.NewProductionEncoderConfig()
	if opts.Debug {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		level = zap.DebugLevel
	}
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.999999")
	if opts.Debug {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}
	writers := []zapcore.WriteSyncer{zapcore.Lock(zapcore.AddSync(os.Stdout))}
	if opts.Path != "" {
		writers = append(writers, zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    opts.MaxSize,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAge,
		}))
	}
	logger = zap.New(zapcore.NewCore(encoder, zap.CombineWriteSyncers(writers...), level))
}
