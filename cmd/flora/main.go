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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorse-io/flora/base/log"
	"github.com/gorse-io/flora/cmd/version"
	"github.com/gorse-io/flora/storage/meta"
	"github.com/juju/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

var rootCommand = &cobra.Command{
	Use:   "flora",
	Short: "Fine-tune with low-rank gradient compression and launch experiments.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		debug, _ := cmd.Flags().GetBool("debug")
		log.SetLogger(cmd.Flags(), debug)
	},
	SilenceUsage: true,
}

var versionCommand = &cobra.Command{
	Use:   "version",
	Short: "Show the version of flora",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(version.BuildInfo())
	},
}

func init() {
	rootCommand.PersistentFlags().Bool("debug", false, "use debug log mode")
	rootCommand.PersistentFlags().String("db", "sqlite://flora.db", "database of experiment runs")
	rootCommand.PersistentFlags().String("table-prefix", "", "table prefix of the run database")
	log.AddFlags(rootCommand.PersistentFlags())
	rootCommand.AddCommand(versionCommand)
}

// openStore connects to the run database and creates its tables.
func openStore(flags *pflag.FlagSet) (meta.Database, error) {
	path, _ := flags.GetString("db")
	prefix, _ := flags.GetString("table-prefix")
	store, err := meta.Open(path, prefix)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err = store.Init(); err != nil {
		_ = store.Close()
		return nil, errors.Trace(err)
	}
	return store, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCommand.ExecuteContext(ctx); err != nil {
		log.Logger().Error("flora failed", zap.Error(err))
		stop()
		os.Exit(1)
	}
}
