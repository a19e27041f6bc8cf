// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/factorial-systems/stationd/internal/config"
	"github.com/factorial-systems/stationd/internal/log"
)

// rootFlags are shared by every subcommand.
type rootFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func (f *rootFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.configPath, "config", "c", "", "configuration file (default station.yaml, or $STATION_CONFIG)")
	fs.StringVar(&f.logLevel, "log-level", "", "log level override (trace, debug, info, warn, error)")
	fs.StringVar(&f.logFormat, "log-format", "", "log format override (json, text)")
}

// loadConfig resolves and loads the station configuration.
func (f *rootFlags) loadConfig() (string, *config.Config, error) {
	path := config.ResolvePath(f.configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return path, nil, err
	}
	return path, cfg, nil
}

// buildLogger layers env defaults, config, and flag overrides.
func (f *rootFlags) buildLogger(cfg config.LoggingConfig) *slog.Logger {
	lc := log.FromEnv()
	if cfg.Level != "" {
		lc.Level = cfg.Level
	}
	if cfg.Format != "" {
		lc.Format = log.Format(cfg.Format)
	}
	if f.logLevel != "" {
		lc.Level = f.logLevel
	}
	if f.logFormat != "" {
		lc.Format = log.Format(f.logFormat)
	}
	logger := log.New(lc)
	slog.SetDefault(logger)
	return logger
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "stationd",
		Short:         "Factory station control service",
		Long:          "stationd supervises batch test workers, exposes the station control API,\nand reports results to the manufacturing backend.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags.register(root.PersistentFlags())

	root.AddCommand(
		newRunCommand(flags),
		newWorkerCommand(flags),
		newConfigCommand(flags),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "stationd %s (%s)\n", version, commit)
		},
	}
}

func newConfigCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (station %s, %d batches)\n",
				path, cfg.Station.ID, len(cfg.Batches))
			return nil
		},
	})
	return cmd
}
