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

package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/factorial-systems/stationd/internal/config"
	"github.com/factorial-systems/stationd/internal/events"
	"github.com/factorial-systems/stationd/internal/ipc"
	"github.com/factorial-systems/stationd/pkg/errors"
)

// EnvWorkerSpec carries the serialized worker spec to the subprocess.
const EnvWorkerSpec = "STATIOND_WORKER_SPEC"

// registerWait bounds how long StartBatch waits for the launched worker to
// register over IPC before reporting failure.
const registerWait = 15 * time.Second

// WorkerSpec is everything a worker subprocess needs, serialized into its
// environment at launch.
type WorkerSpec struct {
	BatchID      string                    `json:"batch_id"`
	BatchName    string                    `json:"batch_name"`
	IPCAddr      string                    `json:"ipc_addr"`
	SequencesDir string                    `json:"sequences_dir"`
	Package      string                    `json:"package"`
	Hardware     map[string]map[string]any `json:"hardware,omitempty"`
	ProcessID    *int                      `json:"process_id,omitempty"`
	DBPath       string                    `json:"db_path,omitempty"`
	Backend      config.BackendConfig      `json:"backend"`
	Simulation   config.SimulationConfig   `json:"simulation"`
	LogLevel     string                    `json:"log_level,omitempty"`
	LogFormat    string                    `json:"log_format,omitempty"`
}

// buildWorkerSpec assembles the spec for one batch from station config.
func (s *Supervisor) buildWorkerSpec(batch config.BatchConfig) WorkerSpec {
	cfg := s.cfg.Config()
	return WorkerSpec{
		BatchID:      batch.ID,
		BatchName:    batch.Name,
		IPCAddr:      s.ipc.Addr(),
		SequencesDir: cfg.Station.SequencesDir,
		Package:      batch.Sequence,
		Hardware:     batch.Hardware,
		ProcessID:    batch.ProcessID,
		DBPath:       filepath.Join(cfg.Station.DataDir, "station.db"),
		Backend:      cfg.Backend,
		Simulation:   cfg.Simulation,
		LogLevel:     cfg.Logging.Level,
		LogFormat:    cfg.Logging.Format,
	}
}

// defaultWorkerCommand re-invokes this binary with the hidden worker
// subcommand. The spec travels in the environment, not on the command line,
// so hardware config never shows up in process listings.
func (s *Supervisor) defaultWorkerCommand(spec WorkerSpec) *exec.Cmd {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}

	data, _ := json.Marshal(spec)
	cmd := exec.Command(exe, "worker")
	cmd.Env = append(os.Environ(), EnvWorkerSpec+"="+string(data))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd
}

// DecodeWorkerSpec reads the worker spec from the environment. Used by the
// worker subcommand.
func DecodeWorkerSpec() (WorkerSpec, error) {
	raw := os.Getenv(EnvWorkerSpec)
	if raw == "" {
		return WorkerSpec{}, &errors.ConfigError{
			Key:    EnvWorkerSpec,
			Reason: "worker spec not present in environment",
		}
	}
	var spec WorkerSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return WorkerSpec{}, &errors.ConfigError{
			Key:    EnvWorkerSpec,
			Reason: "cannot parse worker spec",
			Cause:  err,
		}
	}
	return spec, nil
}

// StartBatch launches the worker subprocess for a configured batch and waits
// for it to register over IPC.
func (s *Supervisor) StartBatch(id string) error {
	batch, ok := s.cfg.Config().Batch(id)
	if !ok {
		return &errors.NotFoundError{Resource: "batch", ID: id}
	}

	s.mu.Lock()
	if _, running := s.running[id]; running {
		s.mu.Unlock()
		return &errors.ValidationError{
			Field:   "batch",
			Message: fmt.Sprintf("batch %q is already running", id),
		}
	}

	cmd := s.workerCommand(s.buildWorkerSpec(batch))
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("launch worker for batch %s: %w", id, err)
	}

	h := &workerHandle{
		batchID: id,
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		done:    make(chan struct{}),
	}
	s.running[id] = h
	s.mu.Unlock()

	go func() {
		err := cmd.Wait()
		h.exitCode = exitCodeOf(cmd, err)
		close(h.done)
	}()

	if err := s.awaitRegistration(h); err != nil {
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
		return err
	}

	s.logger.Info("batch started",
		slog.String("batch_id", id), slog.Int("pid", h.pid), slog.String("sequence", batch.Sequence))
	s.emitter.Emit(events.Event{
		Type:    events.BatchStarted,
		BatchID: id,
		Data:    map[string]any{"pid": h.pid, "name": batch.Name},
	})
	return nil
}

// awaitRegistration polls until the worker's hello frame lands or the
// process dies first.
func (s *Supervisor) awaitRegistration(h *workerHandle) error {
	deadline := time.Now().Add(registerWait)
	for {
		if s.ipc.Connected(h.batchID) {
			return nil
		}
		select {
		case <-h.done:
			return fmt.Errorf("worker for batch %s exited during startup with code %d",
				h.batchID, h.exitCode)
		case <-time.After(50 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			h.stopping = true
			_ = h.cmd.Process.Kill()
			return fmt.Errorf("worker for batch %s did not register within %s",
				h.batchID, registerWait)
		}
	}
}

// StopBatch shuts a worker down: SHUTDOWN over IPC, wait for exit, kill on
// timeout. A zero timeout uses DefaultStopTimeout.
func (s *Supervisor) StopBatch(id string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}

	s.mu.Lock()
	h, ok := s.running[id]
	if !ok {
		s.mu.Unlock()
		return &errors.NotFoundError{Resource: "running batch", ID: id}
	}
	h.stopping = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if _, err := s.ipc.Send(ctx, id, ipc.CommandShutdown, nil, timeout); err != nil {
		s.logger.Warn("graceful shutdown failed, killing worker",
			slog.String("batch_id", id), slog.Any("error", err))
	}

	select {
	case <-h.done:
	case <-time.After(timeout):
		s.logger.Warn("worker did not exit, killing",
			slog.String("batch_id", id), slog.Int("pid", h.pid))
		_ = h.cmd.Process.Kill()
		<-h.done
	}

	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()

	s.logger.Info("batch stopped",
		slog.String("batch_id", id), slog.Int("exit_code", h.exitCode))
	s.emitter.Emit(events.Event{
		Type:    events.BatchStopped,
		BatchID: id,
		Data:    map[string]any{"exit_code": h.exitCode},
	})
	return nil
}

// RestartBatch stops then starts a batch.
func (s *Supervisor) RestartBatch(id string) error {
	if err := s.StopBatch(id, DefaultStopTimeout); err != nil {
		if !errors.IsNotFound(err) {
			return err
		}
	}
	return s.StartBatch(id)
}

// Running reports whether a worker process is tracked for the batch.
func (s *Supervisor) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	return ok
}

// RunningBatches lists the batch ids with a tracked worker process.
func (s *Supervisor) RunningBatches() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.running))
	for id := range s.running {
		out = append(out, id)
	}
	return out
}

// AddBatch persists a new batch config. The worker is not started; callers
// start it explicitly or via auto_start on the next boot.
func (s *Supervisor) AddBatch(b config.BatchConfig) error {
	return s.cfg.AddBatch(b)
}

// RemoveBatch deletes a batch config. Refused while its worker is running.
func (s *Supervisor) RemoveBatch(id string) error {
	if s.Running(id) {
		return &errors.ValidationError{
			Field:   "batch",
			Message: fmt.Sprintf("batch %q is running; stop it before removing", id),
		}
	}
	return s.cfg.RemoveBatch(id)
}

// exitCodeOf extracts a process exit code, -1 when killed or unknown.
func exitCodeOf(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		return -1
	}
	return 0
}
