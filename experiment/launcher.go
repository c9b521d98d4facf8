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

package experiment

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorse-io/flora/base/log"
	"github.com/gorse-io/flora/base/progress"
	"github.com/gorse-io/flora/common/parallel"
	"github.com/gorse-io/flora/storage/meta"
	"github.com/juju/errors"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
)

const DefaultLogDir = "logs"

// Launcher runs experiments as child processes of the entry point.
type Launcher struct {
	Command Command
	Store   meta.Database
	Jobs    int
	Retries int
	DryRun  bool
	// LogDir holds one log file per run, DefaultLogDir if empty.
	LogDir string
	Output io.Writer
	// RetryInterval is the first delay of the exponential backoff.
	RetryInterval time.Duration
}

// Run launches experiments with at most Jobs processes at a time. A failed
// process is retried up to Retries times and recorded with its exit code. The
// error is only set if the store fails or the context is canceled.
func (l *Launcher) Run(ctx context.Context, experiments []Experiment) ([]*meta.Run, error) {
	out := l.Output
	if out == nil {
		out = os.Stdout
	}
	if l.DryRun {
		for _, e := range experiments {
			if _, err := fmt.Fprintln(out, l.Command.Line(e)); err != nil {
				return nil, errors.Trace(err)
			}
		}
		return nil, nil
	}
	if l.LogDir == "" {
		l.LogDir = DefaultLogDir
	}
	if err := os.MkdirAll(l.LogDir, os.ModePerm); err != nil {
		return nil, errors.Trace(err)
	}

	bar := progressbar.NewOptions(len(experiments),
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription("launch"),
		progressbar.OptionShowCount())
	_, span := progress.Start(ctx, "Launcher.Run", len(experiments))
	runs := make([]*meta.Run, len(experiments))
	err := parallel.Parallel(ctx, len(experiments), max(l.Jobs, 1), func(_, jobId int) error {
		run, err := l.launch(ctx, experiments[jobId])
		runs[jobId] = run
		if err != nil {
			return errors.Trace(err)
		}
		_ = bar.Add(1)
		span.Add(1)
		return nil
	})
	if err != nil {
		span.Fail(err)
		return runs, errors.Trace(err)
	}
	_ = bar.Finish()
	span.End()
	return runs, nil
}

func (l *Launcher) launch(ctx context.Context, exp Experiment) (*meta.Run, error) {
	run := &meta.Run{
		ID:     uuid.NewString(),
		Name:   exp.Name,
		Args:   l.Command.Args(exp),
		Status: meta.StatusPending,
	}
	run.LogPath = filepath.Join(l.LogDir, run.ID+".log")
	logger := log.RunLogger(run.ID, run.Name)
	if err := l.put(run); err != nil {
		return run, errors.Trace(err)
	}
	logFile, err := os.Create(run.LogPath)
	if err != nil {
		return run, errors.Trace(err)
	}
	defer logFile.Close()

	run.Status = meta.StatusRunning
	run.StartTime = time.Now()
	if err = l.put(run); err != nil {
		return run, errors.Trace(err)
	}
	logger.Info("launch experiment", zap.String("command", l.Command.Line(exp)), zap.String("log_path", run.LogPath))

	policy := backoff.NewExponentialBackOff()
	if l.RetryInterval > 0 {
		policy.InitialInterval = l.RetryInterval
	}
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		run.Attempts++
		cmd := l.Command.build(ctx, exp)
		cmd.Stdout = logFile
		cmd.Stderr = logFile
		err := cmd.Run()
		if err == nil {
			run.ExitCode = 0
			return struct{}{}, nil
		}
		if ctx.Err() != nil {
			run.ExitCode = -1
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			// the entry point could not be started
			run.ExitCode = -1
			return struct{}{}, backoff.Permanent(err)
		}
		run.ExitCode = exitErr.ExitCode()
		return struct{}{}, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(l.Retries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("retry experiment", zap.Error(err), zap.Int("attempt", run.Attempts), zap.Duration("backoff", next))
		}))

	run.FinishTime = time.Now()
	if err != nil {
		run.Status = meta.StatusFailed
		logger.Error("experiment failed", zap.Error(err), zap.Int("exit_code", run.ExitCode), zap.Int("attempts", run.Attempts))
	} else {
		run.Status = meta.StatusComplete
		logger.Info("experiment complete", zap.Duration("duration", run.Duration()))
	}
	if putErr := l.put(run); putErr != nil {
		return run, errors.Trace(putErr)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return run, errors.Trace(ctxErr)
	}
	return run, nil
}

func (l *Launcher) put(run *meta.Run) error {
	if l.Store == nil {
		return nil
	}
	return l.Store.PutRun(run)
}
