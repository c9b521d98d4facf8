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

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorse-io/flora/base/log"
	"github.com/gorse-io/flora/config"
	"github.com/gorse-io/flora/dataset"
	"github.com/gorse-io/flora/search"
	"github.com/gorse-io/flora/storage/meta"
	"github.com/gorse-io/flora/trainer"
	"github.com/juju/errors"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const checkpointName = "model.bin"

var trainCommand = &cobra.Command{
	Use:   "train [overrides...]",
	Short: "Fine-tune the in-process model",
	Example: "  flora train optimizer=flora optimizer.tau=8 grad_acc.steps=4 grad_acc.impl=compressed\n" +
		"  flora train --data train.csv --target -1 lora.disabled=false lora.rank=4",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Flags(), args)
		if err != nil {
			return errors.Trace(err)
		}
		train, valid, err := loadData(cmd.Flags(), cfg.Training.Seed)
		if err != nil {
			return errors.Trace(err)
		}
		example := train.Get(0)
		model, err := trainer.NewEncoderDecoder(cfg.Model, len(example.Input), len(example.Target), cfg.Training.Seed)
		if err != nil {
			return errors.Trace(err)
		}
		trainer.ApplyLoRA(model, cfg.LoRA, cfg.Training.Seed)

		store, err := openStore(cmd.Flags())
		if err != nil {
			return errors.Trace(err)
		}
		defer store.Close()
		run := &meta.Run{
			ID:        uuid.NewString(),
			Name:      "train",
			Args:      args,
			Status:    meta.StatusRunning,
			Attempts:  1,
			StartTime: time.Now(),
		}
		if err = store.PutRun(run); err != nil {
			return errors.Trace(err)
		}
		score, err := trainer.NewTrainer(cfg, model).Fit(cmd.Context(), train, valid)
		run.FinishTime = time.Now()
		if err != nil {
			run.Status, run.ExitCode = meta.StatusFailed, 1
			if putErr := store.PutRun(run); putErr != nil {
				log.Logger().Error("failed to record run", zap.Error(putErr))
			}
			return errors.Trace(err)
		}

		save, _ := cmd.Flags().GetString("save")
		if save == "" {
			save = filepath.Join(cfg.Training.OutputDir, checkpointName)
		}
		if err = model.SaveCheckpoint(save); err != nil {
			return errors.Trace(err)
		}
		run.Status = meta.StatusComplete
		run.LogPath = save
		if err = store.PutRun(run); err != nil {
			return errors.Trace(err)
		}
		log.RunLogger(run.ID, run.Name).Info("save checkpoint", append(score.ZapFields(), zap.String("path", save))...)
		fmt.Printf("loss %.6f eval_loss %.6f steps %d\n", score.Loss, score.EvalLoss, score.Steps)
		return nil
	},
}

var tuneCommand = &cobra.Command{
	Use:   "tune [overrides...]",
	Short: "Search optimizer hyper-parameters by TPE",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Flags(), args)
		if err != nil {
			return errors.Trace(err)
		}
		train, valid, err := loadData(cmd.Flags(), cfg.Training.Seed)
		if err != nil {
			return errors.Trace(err)
		}
		trials, _ := cmd.Flags().GetInt("trials")
		start := time.Now()
		result, err := search.NewSearch(cfg, train, valid, search.DefaultSpace()).Optimize(cmd.Context(), trials, cfg.Training.Seed)
		if err != nil {
			return errors.Trace(err)
		}
		overrides := strings.Join(lo.Map(result.Overrides, func(o config.Override, _ int) string { return o.String() }), " ")

		store, err := openStore(cmd.Flags())
		if err != nil {
			return errors.Trace(err)
		}
		defer store.Close()
		if err = store.Put("best_overrides", overrides); err != nil {
			return errors.Trace(err)
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Overrides", "Loss", "Eval Loss", "Steps", "Time")
		if err = table.Append([]string{
			overrides,
			fmt.Sprintf("%.6f", result.Score.Loss),
			fmt.Sprintf("%.6f", result.Score.EvalLoss),
			fmt.Sprint(result.Score.Steps),
			time.Since(start).Round(time.Millisecond).String(),
		}); err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(table.Render())
	},
}

func init() {
	for _, cmd := range []*cobra.Command{trainCommand, tuneCommand} {
		flags := cmd.Flags()
		flags.StringP("config", "c", "", "configuration file path")
		flags.String("data", "", "CSV file of examples; synthetic if empty")
		flags.Bool("header", false, "skip the first line of the CSV file")
		flags.IntSlice("target", []int{-1}, "target columns of the CSV file")
		flags.Float32("valid-ratio", 0.1, "fraction of examples held out for evaluation")
		flags.Int("samples", 1024, "number of synthetic examples")
		flags.Int("inputs", 16, "number of synthetic input features")
		flags.Int("outputs", 4, "number of synthetic targets")
	}
	trainCommand.Flags().String("save", "", "checkpoint path; <output_dir>/model.bin if empty")
	tuneCommand.Flags().Int("trials", 20, "number of trials")
	rootCommand.AddCommand(trainCommand, tuneCommand)
}

func loadConfig(flags *pflag.FlagSet, args []string) (*config.Config, error) {
	overrides, err := config.ParseOverrides(args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	path, _ := flags.GetString("config")
	cfg, err := config.LoadConfig(path, overrides...)
	if err != nil {
		return nil, errors.Annotatef(err, "load config %q", path)
	}
	return cfg, nil
}

func loadData(flags *pflag.FlagSet, seed int64) (dataset.Dataset, dataset.Dataset, error) {
	var data *dataset.InMemory
	if path, _ := flags.GetString("data"); path != "" {
		header, _ := flags.GetBool("header")
		targets, _ := flags.GetIntSlice("target")
		var err error
		if data, err = dataset.LoadCSV(path, header, targets...); err != nil {
			return nil, nil, errors.Trace(err)
		}
	} else {
		n, _ := flags.GetInt("samples")
		in, _ := flags.GetInt("inputs")
		out, _ := flags.GetInt("outputs")
		data = dataset.Synthetic(n, in, out, 0.01, seed)
	}
	if data.Len() == 0 {
		return nil, nil, errors.NotValidf("empty dataset")
	}
	ratio, _ := flags.GetFloat32("valid-ratio")
	train, valid, err := dataset.Split(data, ratio, seed)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	in, out := data.Dims()
	log.Logger().Info("load dataset",
		zap.Int("train", train.Len()), zap.Int("valid", valid.Len()),
		zap.Int("inputs", in), zap.Int("outputs", out))
	return train, valid, nil
}
