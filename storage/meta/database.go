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
	"encoding/json"
	"strings"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/gorse-io/flora/storage"
	"github.com/juju/errors"
	"github.com/samber/lo"
	semconv "go.opentelemetry.io/otel/semconv/v1.12.0"
)

type Status string

const (
	StatusPending  Status = "Pending"
	StatusRunning  Status = "Running"
	StatusComplete Status = "Complete"
	StatusFailed   Status = "Failed"
)

// Run is one launch of the training entry point.
type Run struct {
	ID         string
	Name       string
	Args       []string
	Status     Status
	ExitCode   int
	Attempts   int
	LogPath    string
	StartTime  time.Time
	FinishTime time.Time
}

func (r *Run) argsJSON() string {
	return string(lo.Must1(json.Marshal(r.Args)))
}

// Duration returns the wall time of a finished run.
func (r *Run) Duration() time.Duration {
	if r.FinishTime.IsZero() {
		return 0
	}
	return r.FinishTime.Sub(r.StartTime)
}

type Database interface {
	Close() error
	Init() error
	PutRun(run *Run) error
	GetRun(id string) (*Run, error)
	ListRuns() ([]*Run, error)
	Put(key, value string) error
	Get(key string) (*string, error)
}

// Open a connection to a database.
func Open(path string, tablePrefix string) (Database, error) {
	var err error
	if strings.HasPrefix(path, storage.SQLitePrefix) {
		prefix := storage.TablePrefix(tablePrefix)
		if !prefix.ValidPrefix() {
			return nil, errors.NotValidf("table prefix %q", tablePrefix)
		}
		dataSourceName := path[len(storage.SQLitePrefix):]
		// append parameters
		if dataSourceName, err = storage.AppendURLParams(dataSourceName, []lo.Tuple2[string, string]{
			{A: "_pragma", B: "busy_timeout(10000)"},
			{A: "_pragma", B: "journal_mode(wal)"},
		}); err != nil {
			return nil, errors.Trace(err)
		}
		// connect to database
		database := &SQLite{TablePrefix: prefix}
		if database.db, err = otelsql.Open("sqlite", dataSourceName,
			otelsql.WithAttributes(semconv.DBSystemSqlite),
			otelsql.WithSpanOptions(otelsql.SpanOptions{DisableErrSkip: true}),
		); err != nil {
			return nil, errors.Trace(err)
		}
		return database, nil
	}
	return nil, errors.Errorf("Unknown database: %s", path)
}
