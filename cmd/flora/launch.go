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

	"github.com/gorse-io/flora/config"
	"github.com/gorse-io/flora/experiment"
	"github.com/gorse-io/flora/storage/meta"
	"github.com/juju/errors"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var launchCommand = &cobra.Command{
	Use:   "launch [overrides...]",
	Short: "Launch experiments of a plan with the training entry point",
	Long: "Launch experiments of a plan with the training entry point. Overrides given as arguments\n" +
		"replace the values of every experiment.",
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, err := loadPlan(cmd.Flags(), args)
		if err != nil {
			return errors.Trace(err)
		}
		return launch(cmd, plan)
	},
}

var replicateCommand = &cobra.Command{
	Use:   "replicate [overrides...]",
	Short: "Launch the replication experiments",
	RunE: func(cmd *cobra.Command, args []string) error {
		plan := experiment.DefaultPlan()
		if err := appendBase(plan, args); err != nil {
			return errors.Trace(err)
		}
		return launch(cmd, plan)
	},
}

var planCommand = &cobra.Command{
	Use:   "plan [overrides...]",
	Short: "Validate a plan and print its command lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, err := loadPlan(cmd.Flags(), args)
		if err != nil {
			return errors.Trace(err)
		}
		if err = experiment.ValidatePlan(plan); err != nil {
			return errors.Trace(err)
		}
		filter, _ := cmd.Flags().GetString("filter")
		experiments, err := experiment.Filter(plan, filter)
		if err != nil {
			return errors.Trace(err)
		}
		command := newCommand(cmd.Flags(), plan)
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("#", "Name", "Command")
		for i, e := range experiments {
			if err = table.Append([]string{fmt.Sprint(i), e.Name, command.Line(e)}); err != nil {
				return errors.Trace(err)
			}
		}
		return errors.Trace(table.Render())
	},
}

func init() {
	for _, cmd := range []*cobra.Command{launchCommand, replicateCommand, planCommand} {
		flags := cmd.Flags()
		flags.String("filter", "", "expression selecting experiments, e.g. 'optimizer == \"flora\"'")
		flags.String("python", "python", "interpreter of the entry point")
		flags.String("script", "", "entry point; the plan entry point if empty")
		flags.String("workdir", "", "working directory of the entry point")
	}
	for _, cmd := range []*cobra.Command{launchCommand, planCommand} {
		cmd.Flags().StringP("plan", "p", "", "plan file; the replication plan if empty")
	}
	for _, cmd := range []*cobra.Command{launchCommand, replicateCommand} {
		flags := cmd.Flags()
		flags.IntP("jobs", "j", 1, "number of concurrent runs")
		flags.Int("retries", 0, "number of retries of a failed run")
		flags.Bool("dry-run", false, "print command lines without running them")
		flags.String("log-dir", experiment.DefaultLogDir, "directory of run logs")
	}
	rootCommand.AddCommand(launchCommand, replicateCommand, planCommand)
}

func loadPlan(flags *pflag.FlagSet, args []string) (*experiment.Plan, error) {
	plan := experiment.DefaultPlan()
	if path, _ := flags.GetString("plan"); path != "" {
		var err error
		if plan, err = experiment.LoadPlanFile(path); err != nil {
			return nil, errors.Trace(err)
		}
	}
	if err := appendBase(plan, args); err != nil {
		return nil, errors.Trace(err)
	}
	return plan, nil
}

func appendBase(plan *experiment.Plan, args []string) error {
	overrides, err := config.ParseOverrides(args)
	if err != nil {
		return errors.Trace(err)
	}
	plan.Overrides = append(plan.Overrides, overrides...)
	return nil
}

func newCommand(flags *pflag.FlagSet, plan *experiment.Plan) experiment.Command {
	command := experiment.NewCommand(plan.Entrypoint)
	command.Python, _ = flags.GetString("python")
	command.WorkDir, _ = flags.GetString("workdir")
	if script, _ := flags.GetString("script"); script != "" {
		command.Script = script
	}
	return command
}

func launch(cmd *cobra.Command, plan *experiment.Plan) error {
	flags := cmd.Flags()
	if err := experiment.ValidatePlan(plan); err != nil {
		return errors.Trace(err)
	}
	filter, _ := flags.GetString("filter")
	experiments, err := experiment.Filter(plan, filter)
	if err != nil {
		return errors.Trace(err)
	}
	launcher := &experiment.Launcher{Command: newCommand(flags, plan)}
	launcher.Jobs, _ = flags.GetInt("jobs")
	launcher.Retries, _ = flags.GetInt("retries")
	launcher.DryRun, _ = flags.GetBool("dry-run")
	launcher.LogDir, _ = flags.GetString("log-dir")
	if !launcher.DryRun {
		if launcher.Store, err = openStore(flags); err != nil {
			return errors.Trace(err)
		}
		defer launcher.Store.Close()
	}
	runs, err := launcher.Run(cmd.Context(), experiments)
	if len(runs) > 0 {
		fmt.Println()
		if renderErr := renderRuns(os.Stdout, runs); renderErr != nil {
			return errors.Trace(renderErr)
		}
	}
	if err != nil {
		return errors.Trace(err)
	}
	for _, run := range runs {
		if run != nil && run.Status == meta.StatusFailed {
			return errors.Errorf("run %s of %s failed with exit code %d", run.ID, run.Name, run.ExitCode)
		}
	}
	return nil
}
