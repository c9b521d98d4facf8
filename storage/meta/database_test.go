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

package meta

import (
	"time"

	"github.com/juju/errors"
	"github.com/samber/lo"
	"github.com/stretchr/testify/suite"
)

type baseTestSuite struct {
	suite.Suite
	Database
}

func (suite *baseTestSuite) TestRuns() {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	// Add runs
	err := suite.Database.PutRun(&Run{
		ID:        "run-2",
		Name:      "flora",
		Args:      []string{"enc_dec_s2s.py", "optimizer=flora", "optimizer.tau=256"},
		Status:    StatusRunning,
		Attempts:  1,
		StartTime: start.Add(time.Minute),
	})
	suite.NoError(err)
	err = suite.Database.PutRun(&Run{
		ID:        "run-1",
		Name:      "adafactor",
		Args:      []string{"enc_dec_s2s.py", "optimizer=adafactor"},
		Status:    StatusPending,
		StartTime: start,
	})
	suite.NoError(err)
	// Update run
	err = suite.Database.PutRun(&Run{
		ID:         "run-2",
		Name:       "flora",
		Args:       []string{"enc_dec_s2s.py", "optimizer=flora", "optimizer.tau=256"},
		Status:     StatusFailed,
		ExitCode:   1,
		Attempts:   3,
		LogPath:    "logs/run-2.log",
		StartTime:  start.Add(time.Minute),
		FinishTime: start.Add(time.Hour),
	})
	suite.NoError(err)

	run, err := suite.Database.GetRun("run-2")
	suite.NoError(err)
	suite.Equal(StatusFailed, run.Status)
	suite.Equal(1, run.ExitCode)
	suite.Equal(3, run.Attempts)
	suite.Equal("logs/run-2.log", run.LogPath)
	suite.Equal([]string{"enc_dec_s2s.py", "optimizer=flora", "optimizer.tau=256"}, run.Args)
	suite.True(run.FinishTime.Equal(start.Add(time.Hour)))
	suite.Equal(59*time.Minute, run.Duration())

	// List runs
	runs, err := suite.Database.ListRuns()
	suite.NoError(err)
	suite.Equal([]string{"run-1", "run-2"}, lo.Map(runs, func(r *Run, _ int) string { return r.ID }))
	suite.Zero(runs[0].Duration())

	// Test non-existing run
	_, err = suite.Database.GetRun("run-3")
	suite.True(errors.Is(err, errors.NotFound))
}

func (suite *baseTestSuite) TestKeyValues() {
	err := suite.Database.Put("key1", "value1")
	suite.NoError(err)
	err = suite.Database.Put("key2", "value2")
	suite.NoError(err)
	// Overwrite key
	err = suite.Database.Put("key1", "value3")
	suite.NoError(err)

	value, err := suite.Database.Get("key1")
	suite.NoError(err)
	suite.Equal("value3", *value)

	value, err = suite.Database.Get("key2")
	suite.NoError(err)
	suite.Equal("value2", *value)

	// Test non-existing key
	value, err = suite.Database.Get("non-existing-key")
	suite.NoError(err)
	suite.Nil(value)
}
