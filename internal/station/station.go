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

// Package station is the composition root: it wires configuration, storage,
// the event bus, the supervisor, sync, push fan-out, and the HTTP server
// into one runnable unit.
package station

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/factorial-systems/stationd/internal/backend"
	"github.com/factorial-systems/stationd/internal/config"
	"github.com/factorial-systems/stationd/internal/events"
	"github.com/factorial-systems/stationd/internal/metrics"
	"github.com/factorial-systems/stationd/internal/offline"
	"github.com/factorial-systems/stationd/internal/pushhub"
	"github.com/factorial-systems/stationd/internal/sequence"
	"github.com/factorial-systems/stationd/internal/server"
	"github.com/factorial-systems/stationd/internal/simulation"
	"github.com/factorial-systems/stationd/internal/supervisor"
	"github.com/factorial-systems/stationd/internal/tracing"
)

// Station owns every long-lived component of the master process.
type Station struct {
	cfg     *config.Writer
	logger  *slog.Logger
	version string

	store      *offline.Store
	emitter    *events.Emitter
	registry   *pushhub.Registry
	metrics    *metrics.Metrics
	supervisor *supervisor.Supervisor
	sync       *offline.SyncEngine
	backend    *backend.Client
	loader     *sequence.Loader
	watcher    *sequence.Watcher
	httpSrv    *server.Server

	traceShutdown func(context.Context) error
}

// New wires the station from its loaded configuration.
func New(cfgPath string, cfg *config.Config, version string, logger *slog.Logger) (*Station, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st := &Station{
		cfg:     config.NewWriter(cfgPath, cfg),
		logger:  logger,
		version: version,
	}

	if err := os.MkdirAll(cfg.Station.DataDir, 0o755); err != nil {
		return nil, err
	}
	store, err := offline.Open(filepath.Join(cfg.Station.DataDir, "station.db"))
	if err != nil {
		return nil, err
	}
	st.store = store

	st.emitter = events.NewEmitter(logger)
	st.registry = pushhub.NewRegistry(logger)
	pushhub.Bridge(st.emitter, st.registry)

	st.metrics = metrics.New()
	st.metrics.Bind(st.emitter)

	if cfg.Simulation.Enabled {
		simulation.Register(sequence.DefaultRegistry(), cfg.Simulation)
		if err := simulation.EnsurePackage(cfg.Station.SequencesDir); err != nil {
			st.store.Close()
			return nil, err
		}
	}

	st.loader = sequence.NewLoader(cfg.Station.SequencesDir, nil, logger)
	watcher, err := sequence.NewWatcher(st.loader, logger)
	if err != nil {
		// Manifest hot-reload is a convenience, not a requirement.
		logger.Warn("sequence watcher unavailable", slog.Any("error", err))
	} else {
		st.watcher = watcher
	}

	if cfg.Backend.Enabled() {
		if err := st.wireBackend(cfg); err != nil {
			st.store.Close()
			return nil, err
		}
	}

	st.supervisor = supervisor.New(st.cfg, st.emitter, logger)

	st.httpSrv = server.New(server.Options{
		Config:     st.cfg,
		Supervisor: st.supervisor,
		Loader:     st.loader,
		Store:      st.store,
		Sync:       st.sync,
		Registry:   st.registry,
		Metrics:    st.metrics,
		Version:    version,
		Logger:     logger,
	})
	return st, nil
}

// wireBackend builds the master-side backend client and the sync engine
// that drains the offline queue through it.
func (st *Station) wireBackend(cfg *config.Config) error {
	apiKey, err := backend.ResolveAPIKey(cfg.Backend.Key)
	if err != nil {
		return err
	}

	client, err := backend.New(backend.Config{
		BaseURL:     cfg.Backend.URL,
		APIKey:      apiKey,
		StationID:   cfg.Backend.StationID,
		EquipmentID: cfg.Backend.EquipmentID,
		Timeout:     cfg.Backend.Timeout,
		MaxRetries:  cfg.Backend.MaxRetries,
		Logger:      st.logger,
	})
	if err != nil {
		return err
	}
	st.backend = client

	st.sync = offline.NewSyncEngine(
		st.store,
		NewDispatcher(client).Dispatch,
		st.emitter,
		cfg.Backend.SyncInterval,
		st.logger,
	)
	return nil
}

// Run starts every component and blocks until the context is cancelled.
func (st *Station) Run(ctx context.Context) error {
	cfg := st.cfg.Config()

	shutdown, err := tracing.Setup(ctx, cfg.Tracing, cfg.Station.ID)
	if err != nil {
		return err
	}
	st.traceShutdown = shutdown

	if st.watcher != nil {
		go st.watcher.Run(ctx)
	}
	if st.sync != nil {
		go st.sync.Run(ctx)
	}
	if err := st.supervisor.Start(ctx); err != nil {
		return err
	}

	st.logger.Info("station up",
		slog.String("station_id", cfg.Station.ID),
		slog.String("version", st.version),
		slog.Int("batches", len(cfg.Batches)))

	err = st.httpSrv.Start(ctx, cfg.Server.Addr())
	st.shutdown()
	return err
}

// shutdown tears components down in reverse dependency order.
func (st *Station) shutdown() {
	st.supervisor.Stop()

	if st.watcher != nil {
		if err := st.watcher.Close(); err != nil {
			st.logger.Warn("watcher close failed", slog.Any("error", err))
		}
	}
	if err := st.store.Close(); err != nil {
		st.logger.Warn("database close failed", slog.Any("error", err))
	}
	if st.traceShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := st.traceShutdown(ctx); err != nil {
			st.logger.Warn("trace flush failed", slog.Any("error", err))
		}
	}
	st.logger.Info("station stopped")
}
