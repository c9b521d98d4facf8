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
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/gorse-io/flora/storage"
	"github.com/juju/errors"
	_ "modernc.org/sqlite"
)

type SQLite struct {
	storage.TablePrefix
	db *sql.DB
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Init() error {
	if _, err := s.db.Exec(fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	name TEXT,
	args TEXT,
	status TEXT,
	exit_code INTEGER,
	attempts INTEGER,
	log_path TEXT,
	start_time DATETIME,
	finish_time DATETIME
);`, s.RunsTable())); err != nil {
		return errors.Trace(err)
	}
	if _, err := s.db.Exec(fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	key TEXT PRIMARY KEY,
	value TEXT
);`, s.KeyValuesTable())); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (s *SQLite) PutRun(run *Run) error {
	_, err := s.db.Exec(fmt.Sprintf(`
INSERT INTO %s (id, name, args, status, exit_code, attempts, log_path, start_time, finish_time)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	args = excluded.args,
	status = excluded.status,
	exit_code = excluded.exit_code,
	attempts = excluded.attempts,
	log_path = excluded.log_path,
	start_time = excluded.start_time,
	finish_time = excluded.finish_time
`, s.RunsTable()), run.ID, run.Name, run.argsJSON(), string(run.Status), run.ExitCode, run.Attempts,
		run.LogPath, run.StartTime.UTC(), run.FinishTime.UTC())
	return errors.Trace(err)
}

func (s *SQLite) GetRun(id string) (*Run, error) {
	rs, err := s.db.Query(fmt.Sprintf(`
SELECT id, name, args, status, exit_code, attempts, log_path, start_time, finish_time FROM %s
WHERE id = ?
`, s.RunsTable()), id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rs.Close()
	runs, err := scanRuns(rs)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(runs) == 0 {
		return nil, errors.NotFoundf("run %s", id)
	}
	return runs[0], nil
}

// ListRuns returns runs in the order they started.
func (s *SQLite) ListRuns() ([]*Run, error) {
	rs, err := s.db.Query(fmt.Sprintf(`
SELECT id, name, args, status, exit_code, attempts, log_path, start_time, finish_time FROM %s
ORDER BY start_time, name
`, s.RunsTable()))
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rs.Close()
	return scanRuns(rs)
}

func scanRuns(rs *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rs.Next() {
		var (
			run    Run
			args   string
			status string
		)
		if err := rs.Scan(&run.ID, &run.Name, &args, &status, &run.ExitCode, &run.Attempts,
			&run.LogPath, &run.StartTime, &run.FinishTime); err != nil {
			return nil, errors.Trace(err)
		}
		if err := json.Unmarshal([]byte(args), &run.Args); err != nil {
			return nil, errors.Trace(err)
		}
		run.Status = Status(status)
		runs = append(runs, &run)
	}
	return runs, errors.Trace(rs.Err())
}

func (s *SQLite) Put(key, value string) error {
	_, err := s.db.Exec(fmt.Sprintf(`
INSERT INTO %s (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value
`, s.KeyValuesTable()), key, value)
	return errors.Trace(err)
}

// Get returns nil if the key does not exist.
func (s *SQLite) Get(key string) (*string, error) {
	var value string
	err := s.db.QueryRow(fmt.Sprintf(`
SELECT value FROM %s WHERE key = ?
`, s.KeyValuesTable()), key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Trace(err)
	}
	return &value, nil
}
