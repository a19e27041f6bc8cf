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

// Package supervisor creates, monitors, and tears down batch worker
// subprocesses, routes commands to them over IPC, and forwards worker
// events onto the station event bus.
package supervisor

import (
	"context"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/factorial-systems/stationd/internal/config"
	"github.com/factorial-systems/stationd/internal/events"
	"github.com/factorial-systems/stationd/internal/ipc"
)

// monitorInterval is the liveness check period.
const monitorInterval = time.Second

// DefaultStopTimeout bounds a graceful worker shutdown before the process
// is killed.
const DefaultStopTimeout = 10 * time.Second

// workerHandle tracks one running worker subprocess.
type workerHandle struct {
	batchID string
	cmd     *exec.Cmd
	pid     int

	// done closes when the process exits; exitCode is valid after.
	done     chan struct{}
	exitCode int

	// stopping marks an expected exit so the monitor does not report a
	// crash.
	stopping bool
}

// Supervisor owns the IPC server and the running-worker map.
type Supervisor struct {
	cfg     *config.Writer
	ipc     *ipc.Server
	emitter *events.Emitter
	logger  *slog.Logger

	// workerCommand builds the subprocess command for a batch. Swappable
	// in tests.
	workerCommand func(spec WorkerSpec) *exec.Cmd

	mu      sync.Mutex
	running map[string]*workerHandle

	cancel context.CancelFunc
	doneCh chan struct{}
}

// New creates a supervisor over the station config.
func New(cfg *config.Writer, emitter *events.Emitter, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		cfg:     cfg,
		emitter: emitter,
		logger:  logger,
		running: make(map[string]*workerHandle),
	}
	s.workerCommand = s.defaultWorkerCommand
	s.ipc = ipc.NewServer(ipc.ServerConfig{Logger: logger})
	s.ipc.OnEvent(s.forwardWorkerEvent)
	return s
}

// IPCAddr returns the IPC listen address once started.
func (s *Supervisor) IPCAddr() string { return s.ipc.Addr() }

// Start binds the IPC server, auto-starts configured batches best-effort,
// and launches the monitor loop.
func (s *Supervisor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.doneCh = make(chan struct{})

	// Ephemeral localhost port; workers get the bound address on launch.
	if _, err := s.ipc.Start(ctx, ""); err != nil {
		cancel()
		return err
	}

	for _, batch := range s.cfg.Config().Batches {
		if !batch.AutoStart {
			continue
		}
		if err := s.StartBatch(batch.ID); err != nil {
			s.logger.Error("auto-start failed",
				slog.String("batch_id", batch.ID), slog.Any("error", err))
		}
	}

	go s.monitor(ctx)
	return nil
}

// Stop shuts every worker down gracefully, then closes IPC.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.doneCh
	}

	s.mu.Lock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.StopBatch(id, DefaultStopTimeout); err != nil {
			s.logger.Warn("worker stop failed",
				slog.String("batch_id", id), slog.Any("error", err))
		}
	}
	s.ipc.Close()
}

// monitor checks worker liveness every second. Process death without a
// pending stop is a crash: the batch is unregistered and BATCH_CRASHED
// emitted. This is the only path that detects unexpected exits.
func (s *Supervisor) monitor(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapDead()
		}
	}
}

func (s *Supervisor) reapDead() {
	s.mu.Lock()
	var dead []*workerHandle
	for id, h := range s.running {
		select {
		case <-h.done:
			if !h.stopping {
				dead = append(dead, h)
			}
			delete(s.running, id)
		default:
		}
	}
	s.mu.Unlock()

	for _, h := range dead {
		s.logger.Error("worker crashed",
			slog.String("batch_id", h.batchID),
			slog.Int("pid", h.pid),
			slog.Int("exit_code", h.exitCode))
		s.emitter.Emit(events.Event{
			Type:    events.BatchCrashed,
			BatchID: h.batchID,
			Data:    map[string]any{"pid": h.pid, "exit_code": h.exitCode},
		})
	}
}

// forwardWorkerEvent translates IPC event frames onto the station bus.
func (s *Supervisor) forwardWorkerEvent(msg *ipc.Message) {
	var data map[string]any
	if err := msg.UnmarshalPayload(&data); err != nil {
		s.logger.Warn("worker event payload unreadable",
			slog.String("event", msg.Event), slog.Any("error", err))
		return
	}

	eventType, ok := map[string]string{
		ipc.EventStepStart:          events.StepStarted,
		ipc.EventStepComplete:       events.StepCompleted,
		ipc.EventSequenceComplete:   events.SequenceCompleted,
		ipc.EventStatusUpdate:       events.BatchStatusChanged,
		ipc.EventLog:                events.Log,
		ipc.EventError:              events.Error,
		ipc.EventWIPProcessComplete: events.WIPProcessComplete,
	}[msg.Event]
	if !ok {
		s.logger.Debug("unmapped worker event", slog.String("event", msg.Event))
		return
	}

	s.emitter.Emit(events.Event{
		Type:    eventType,
		BatchID: msg.BatchID,
		Data:    data,
	})
}
