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
	"io"
	"os"
	"strings"
	"time"

	"github.com/gorse-io/flora/base"
	"github.com/gorse-io/flora/storage/meta"
	"github.com/juju/errors"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var runsCommand = &cobra.Command{
	Use:   "runs",
	Short: "List recorded runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Flags())
		if err != nil {
			return errors.Trace(err)
		}
		defer store.Close()
		runs, err := store.ListRuns()
		if err != nil {
			return errors.Trace(err)
		}
		if status, _ := cmd.Flags().GetString("status"); status != "" {
			runs = lo.Filter(runs, func(run *meta.Run, _ int) bool {
				return strings.EqualFold(string(run.Status), status)
			})
		}
		format, _ := cmd.Flags().GetString("format")
		switch format {
		case "table":
			return renderRuns(os.Stdout, runs)
		case "csv":
			return writeRuns(os.Stdout, runs)
		default:
			return errors.NotSupportedf("format %s", format)
		}
	},
}

func init() {
	runsCommand.Flags().String("format", "table", "output format (table, csv)")
	runsCommand.Flags().String("status", "", "only list runs of a status")
	rootCommand.AddCommand(runsCommand)
}

var runHeader = []string{"ID", "Name", "Status", "Exit Code", "Attempts", "Start Time", "Duration", "Log"}

func runRow(run *meta.Run) []string {
	start := ""
	if !run.StartTime.IsZero() {
		start = run.StartTime.Local().Format(time.DateTime)
	}
	return []string{
		run.ID,
		run.Name,
		string(run.Status),
		fmt.Sprint(run.ExitCode),
		fmt.Sprint(run.Attempts),
		start,
		run.Duration().Round(time.Second).String(),
		run.LogPath,
	}
}

func renderRuns(w io.Writer, runs []*meta.Run) error {
	table := tablewriter.NewWriter(w)
	table.Header(lo.ToAnySlice(runHeader)...)
	for _, run := range runs {
		if run == nil {
			continue
		}
		if err := table.Append(runRow(run)); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(table.Render())
}

func writeRuns(w io.Writer, runs []*meta.Run) error {
	if err := base.WriteRow(w, append(runHeader, "Args")...); err != nil {
		return errors.Trace(err)
	}
	for _, run := range runs {
		if err := base.WriteRow(w, append(runRow(run), strings.Join(run.Args, " "))...); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}
