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

// Package worker is the batch worker subprocess runtime: it owns one
// sequence instance and its hardware drivers, executes commands from the
// master over IPC, and reports WIP progress to the backend.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/factorial-systems/stationd/internal/backend"
	"github.com/factorial-systems/stationd/internal/ipc"
	"github.com/factorial-systems/stationd/internal/offline"
	"github.com/factorial-systems/stationd/internal/sequence"
)

// Batch runtime states.
const (
	StateIdle    = "idle"
	StateRunning = "running"
)

// Options configures one worker process.
type Options struct {
	// BatchID identifies the batch; doubles as the IPC registration key.
	BatchID string

	// BatchName is the operator-facing batch name.
	BatchName string

	// IPCAddr is the master's IPC listen address.
	IPCAddr string

	// SequencesDir is the sequence package root.
	SequencesDir string

	// Package names the sequence package directory to load.
	Package string

	// Hardware maps hardware id to its per-batch driver config.
	Hardware map[string]map[string]any

	// ProcessID is the batch's default backend process, if configured.
	ProcessID *int

	// DBPath is the shared station database. Empty disables the offline
	// queue and run statistics.
	DBPath string

	// Backend configures the MES client. An empty BaseURL disables it.
	Backend backend.Config

	// Registry resolves manifest entry points. Nil uses the default.
	Registry *sequence.Registry

	// Logger is the structured logger.
	Logger *slog.Logger
}

// wipContext is the WIP unit bound to the current execution.
type wipContext struct {
	WIPID       string
	WIPIntID    int
	ProcessID   int
	OperatorID  int
	EquipmentID *int
}

// stepEntry is one row of the live (or preserved) step list.
type stepEntry struct {
	Name     string         `json:"name"`
	Status   string         `json:"status"`
	Passed   bool           `json:"passed"`
	Duration float64        `json:"duration_s,omitempty"`
	Result   map[string]any `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// lastRun preserves the previous execution for GET_STATUS continuity.
type lastRun struct {
	ExecutionID string      `json:"execution_id"`
	Passed      bool        `json:"passed"`
	Steps       []stepEntry `json:"steps"`
	CompletedAt time.Time   `json:"completed_at"`
}

// Worker is the subprocess runtime.
type Worker struct {
	opts   Options
	logger *slog.Logger

	client   *ipc.Client
	store    *offline.Store
	backend  *backend.Client
	loader   *sequence.Loader
	manifest *sequence.Manifest
	seq      sequence.Sequence
	drivers  map[string]sequence.Driver

	mu          sync.Mutex
	state       string
	online      bool
	exec        *sequence.Executor
	execCancel  context.CancelFunc
	executionID string
	startedAt   time.Time
	currentStep string
	stepIndex   int
	totalSteps  int
	steps       []stepEntry
	wip         *wipContext
	last        *lastRun

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New creates a worker from its options.
func New(opts Options) *Worker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		opts:       opts,
		logger:     logger.With(slog.String("batch_id", opts.BatchID)),
		state:      StateIdle,
		shutdownCh: make(chan struct{}),
	}
}

// Run starts the worker and blocks until shutdown or a fatal error.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := w.startup(ctx); err != nil {
		return err
	}
	defer w.cleanup()

	go func() {
		select {
		case <-w.shutdownCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	w.logger.Info("worker ready",
		slog.String("package", w.opts.Package),
		slog.Int("hardware", len(w.drivers)))

	err := w.client.Run(ctx)
	select {
	case <-w.shutdownCh:
		// Requested shutdown, not a transport failure.
		return nil
	default:
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// startup performs the boot order: database, backend health, sequence
// package, drivers, then IPC registration last so the master only sees a
// worker that can serve commands.
func (w *Worker) startup(ctx context.Context) error {
	if w.opts.DBPath != "" {
		store, err := offline.Open(w.opts.DBPath)
		if err != nil {
			return err
		}
		w.store = store
	}

	if w.opts.Backend.BaseURL != "" {
		cli, err := backend.New(w.opts.Backend)
		if err != nil {
			return err
		}
		w.backend = cli
		w.online = cli.Health(ctx)
		if !w.online {
			w.logger.Warn("backend unreachable, starting offline")
		}
	}

	w.loader = sequence.NewLoader(w.opts.SequencesDir, w.opts.Registry, w.logger)
	manifest, err := w.loader.LoadPackage(w.opts.Package)
	if err != nil {
		return err
	}
	w.manifest = manifest

	seq, err := w.loader.LoadSequence(manifest)
	if err != nil {
		return err
	}
	w.seq = seq

	w.drivers = w.buildDrivers(ctx)
	w.seq.Bind(w.drivers, manifest.ParameterDefaults())

	client, err := ipc.Dial(w.opts.IPCAddr, w.opts.BatchID, w.handleCommand, w.logger)
	if err != nil {
		return err
	}
	w.client = client
	return nil
}

// buildDrivers constructs and connects every configured driver. Failures
// are logged and the hardware omitted; the sequence decides whether it can
// run without it.
func (w *Worker) buildDrivers(ctx context.Context) map[string]sequence.Driver {
	factories := w.loader.LoadDrivers(w.manifest)
	drivers := make(map[string]sequence.Driver, len(factories))

	for hw, factory := range factories {
		cfg := w.opts.Hardware[hw]
		drv, err := factory(cfg)
		if err != nil {
			w.logger.Error("driver construction failed, hardware omitted",
				slog.String("hardware", hw), slog.Any("error", err))
			continue
		}
		if err := drv.Connect(ctx); err != nil {
			w.logger.Error("driver connect failed, hardware omitted",
				slog.String("hardware", hw), slog.Any("error", err))
			continue
		}
		drivers[hw] = drv
	}
	return drivers
}

// requestShutdown makes Run return. Idempotent.
func (w *Worker) requestShutdown() {
	w.shutdownOnce.Do(func() { close(w.shutdownCh) })
}

// cleanup tears the worker down: running executor first, then hardware,
// backend, database, IPC.
func (w *Worker) cleanup() {
	w.mu.Lock()
	exec := w.exec
	cancel := w.execCancel
	w.mu.Unlock()

	if exec != nil {
		exec.Stop()
	}
	if cancel != nil {
		cancel()
	}

	ctx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()

	for hw, drv := range w.drivers {
		if err := drv.Disconnect(ctx); err != nil {
			w.logger.Warn("driver disconnect failed",
				slog.String("hardware", hw), slog.Any("error", err))
		}
	}
	if w.store != nil {
		if err := w.store.Close(); err != nil {
			w.logger.Warn("database close failed", slog.Any("error", err))
		}
	}
	if w.client != nil {
		w.client.Close()
	}
	w.logger.Info("worker stopped")
}
