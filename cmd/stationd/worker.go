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
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/factorial-systems/stationd/internal/backend"
	"github.com/factorial-systems/stationd/internal/config"
	"github.com/factorial-systems/stationd/internal/log"
	"github.com/factorial-systems/stationd/internal/sequence"
	"github.com/factorial-systems/stationd/internal/simulation"
	"github.com/factorial-systems/stationd/internal/supervisor"
	"github.com/factorial-systems/stationd/internal/worker"
)

// newWorkerCommand is the hidden subcommand the supervisor launches for each
// batch. It is not meant to be invoked by operators; the worker spec arrives
// through the environment.
func newWorkerCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run a batch worker process (internal)",
		Hidden: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			spec, err := supervisor.DecodeWorkerSpec()
			if err != nil {
				return err
			}

			logger := flags.buildLogger(config.LoggingConfig{
				Level:  spec.LogLevel,
				Format: spec.LogFormat,
			})

			if spec.Simulation.Enabled {
				simulation.Register(sequence.DefaultRegistry(), spec.Simulation)
			}

			var backendCfg backend.Config
			if spec.Backend.Enabled() {
				apiKey, err := backend.ResolveAPIKey(spec.Backend.Key)
				if err != nil {
					return err
				}
				backendCfg = backend.Config{
					BaseURL:     spec.Backend.URL,
					APIKey:      apiKey,
					StationID:   spec.Backend.StationID,
					EquipmentID: spec.Backend.EquipmentID,
					Timeout:     spec.Backend.Timeout,
					MaxRetries:  spec.Backend.MaxRetries,
					Logger:      logger,
				}
			}

			w := worker.New(worker.Options{
				BatchID:      spec.BatchID,
				BatchName:    spec.BatchName,
				IPCAddr:      spec.IPCAddr,
				SequencesDir: spec.SequencesDir,
				Package:      spec.Package,
				Hardware:     spec.Hardware,
				ProcessID:    spec.ProcessID,
				DBPath:       spec.DBPath,
				Backend:      backendCfg,
				Logger:       log.WithBatchContext(logger, spec.BatchID),
			})

			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return w.Run(ctx)
		},
	}
}
