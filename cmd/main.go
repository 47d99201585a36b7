/*
Copyright 2025 Weavesync Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	weavesync "github.com/weavehq/weavesync"
	"github.com/weavehq/weavesync/config"
	"github.com/weavehq/weavesync/internal/notification"
	"github.com/weavehq/weavesync/remote"
	"github.com/weavehq/weavesync/store"
)

// Weavesync represents the CLI application, encapsulating the root command.
type Weavesync struct {
	cmd *cobra.Command
}

// engineInstance holds the running engine and its configuration for commands
// to share.
type engineInstance struct {
	engine *weavesync.Weavesync
	cnf    *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and builds the engine before any command
// runs.
func preRun(app *engineInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("weavesync.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		engine, err := setupEngine(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.engine = engine
		app.cnf = cnf
		return nil
	}
}

// setupEngine builds the engine from configuration: the local sqlite store,
// the remote postgres client and the realtime channel dialer.
func setupEngine(cfg *config.Configuration) (*weavesync.Weavesync, error) {
	db, err := store.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error opening local store: %v", err)
	}

	rc, err := remote.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("error connecting to remote: %v", err)
	}

	dialer := remote.NewChannelDialer(cfg.Remote.Dns)
	engine, err := weavesync.NewWeavesync(db, rc, dialer)
	if err != nil {
		return nil, fmt.Errorf("error creating engine: %v", err)
	}
	return engine, nil
}

// NewCLI creates the command-line interface for the weavesync daemon.
func NewCLI() *Weavesync {
	var configFile string
	w := &engineInstance{}

	var rootCmd = &cobra.Command{
		Use:   "weavesync",
		Short: "Local-first social sync engine",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./weavesync.json", "Configuration file for weavesync")
	rootCmd.PersistentPreRunE = preRun(w)

	rootCmd.AddCommand(serverCommands(w))
	rootCmd.AddCommand(syncCommands(w))
	rootCmd.AddCommand(queueCommands(w))
	rootCmd.AddCommand(migrateCommands(w))

	return &Weavesync{cmd: rootCmd}
}

func (w Weavesync) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
