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
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factorial-systems/stationd/internal/config"
	"github.com/factorial-systems/stationd/internal/events"
	"github.com/factorial-systems/stationd/internal/ipc"
	"github.com/factorial-systems/stationd/pkg/errors"
)

// fakeWorker stands in for the worker subprocess: the supervisor launches a
// placeholder process while the test dials the IPC server itself and serves
// commands for the batch.
type fakeWorker struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	client  *ipc.Client
	handler ipc.CommandHandler
}

func (f *fakeWorker) defaultHandler(_ context.Context, command string, _ json.RawMessage) (any, error) {
	switch command {
	case ipc.CommandShutdown:
		go func() {
			time.Sleep(50 * time.Millisecond)
			f.kill()
		}()
		return map[string]any{"shutting_down": true}, nil
	case ipc.CommandGetStatus:
		return map[string]any{
			"status":      "idle",
			"total_steps": 3,
			"statistics":  map[string]any{"total": 5, "pass": 4, "fail": 1},
			"hardware":    map[string]any{"dmm": map[string]any{"connected": true}},
		}, nil
	default:
		return map[string]any{"ok": true}, nil
	}
}

func (f *fakeWorker) kill() {
	f.mu.Lock()
	cmd := f.cmd
	f.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

type recorder struct {
	mu   sync.Mutex
	evs  []events.Event
	cond chan struct{}
}

func newRecorder(em *events.Emitter) *recorder {
	r := &recorder{cond: make(chan struct{}, 64)}
	em.OnAny(func(ev events.Event) {
		r.mu.Lock()
		r.evs = append(r.evs, ev)
		r.mu.Unlock()
		select {
		case r.cond <- struct{}{}:
		default:
		}
	})
	return r
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.evs))
	for i, ev := range r.evs {
		out[i] = ev.Type
	}
	return out
}

func (r *recorder) waitFor(t *testing.T, eventType string) events.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		r.mu.Lock()
		for _, ev := range r.evs {
			if ev.Type == eventType {
				r.mu.Unlock()
				return ev
			}
		}
		r.mu.Unlock()
		select {
		case <-r.cond:
		case <-deadline:
			t.Fatalf("event %s not observed; saw %v", eventType, r.types())
		}
	}
}

func testConfig(t *testing.T) *config.Writer {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Station: config.StationConfig{
			ID:           "ST-01",
			SequencesDir: filepath.Join(dir, "sequences"),
			DataDir:      dir,
		},
		Batches: []config.BatchConfig{
			{ID: "batch-a", Name: "Batch A", Sequence: "voltage_test"},
		},
	}
	return config.NewWriter(filepath.Join(dir, "station.yaml"), cfg)
}

// startSupervisor wires a supervisor whose worker command launches a
// placeholder process and connects a fake IPC worker for the batch.
func startSupervisor(t *testing.T, fw *fakeWorker) (*Supervisor, *recorder) {
	t.Helper()

	emitter := events.NewEmitter(nil)
	rec := newRecorder(emitter)
	s := New(testConfig(t), emitter, nil)

	s.workerCommand = func(spec WorkerSpec) *exec.Cmd {
		cmd := exec.Command("sleep", "60")
		fw.mu.Lock()
		fw.cmd = cmd
		fw.mu.Unlock()

		go func() {
			handler := fw.handler
			if handler == nil {
				handler = fw.defaultHandler
			}
			client, err := ipc.Dial(spec.IPCAddr, spec.BatchID, handler, nil)
			if err != nil {
				return
			}
			fw.mu.Lock()
			fw.client = client
			fw.mu.Unlock()
			_ = client.Run(context.Background())
		}()
		return cmd
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() {
		fw.kill()
		s.ipc.Close()
	})
	return s, rec
}

func TestStartAndStopBatch(t *testing.T) {
	fw := &fakeWorker{}
	s, rec := startSupervisor(t, fw)

	require.NoError(t, s.StartBatch("batch-a"))
	assert.True(t, s.Running("batch-a"))

	started := rec.waitFor(t, events.BatchStarted)
	assert.Equal(t, "batch-a", started.BatchID)
	assert.Equal(t, "Batch A", started.Data["name"])

	require.NoError(t, s.StopBatch("batch-a", 5*time.Second))
	assert.False(t, s.Running("batch-a"))

	stopped := rec.waitFor(t, events.BatchStopped)
	assert.Equal(t, "batch-a", stopped.BatchID)
	assert.Contains(t, stopped.Data, "exit_code")
}

func TestStartBatchRejectsDuplicateAndUnknown(t *testing.T) {
	fw := &fakeWorker{}
	s, _ := startSupervisor(t, fw)

	require.NoError(t, s.StartBatch("batch-a"))

	err := s.StartBatch("batch-a")
	var vErr *errors.ValidationError
	require.ErrorAs(t, err, &vErr)

	err = s.StartBatch("no-such-batch")
	assert.True(t, errors.IsNotFound(err))
}

func TestStartBatchFailsWhenWorkerDiesDuringStartup(t *testing.T) {
	emitter := events.NewEmitter(nil)
	s := New(testConfig(t), emitter, nil)
	s.workerCommand = func(WorkerSpec) *exec.Cmd {
		// Exits immediately and never registers.
		return exec.Command("false")
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() { s.ipc.Close() })

	err := s.StartBatch("batch-a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited during startup")
	assert.False(t, s.Running("batch-a"))
}

func TestMonitorReportsCrash(t *testing.T) {
	fw := &fakeWorker{}
	s, rec := startSupervisor(t, fw)

	require.NoError(t, s.StartBatch("batch-a"))

	// Unexpected death: no stop was requested.
	fw.kill()
	require.Eventually(t, func() bool {
		s.reapDead()
		return !s.Running("batch-a")
	}, 5*time.Second, 20*time.Millisecond)

	crashed := rec.waitFor(t, events.BatchCrashed)
	assert.Equal(t, "batch-a", crashed.BatchID)
	assert.Contains(t, crashed.Data, "exit_code")

	// A crash is not a stop.
	for _, typ := range rec.types() {
		assert.NotEqual(t, events.BatchStopped, typ)
	}
}

func TestWorkerEventsForwardedToBus(t *testing.T) {
	fw := &fakeWorker{}
	s, rec := startSupervisor(t, fw)
	require.NoError(t, s.StartBatch("batch-a"))

	fw.mu.Lock()
	client := fw.client
	fw.mu.Unlock()
	require.NotNil(t, client)

	require.NoError(t, client.PublishEvent(ipc.EventStepComplete, map[string]any{
		"step": "measure", "passed": true,
	}))

	ev := rec.waitFor(t, events.StepCompleted)
	assert.Equal(t, "batch-a", ev.BatchID)
	assert.Equal(t, "measure", ev.Data["step"])
	assert.Equal(t, true, ev.Data["passed"])
}

func TestGetBatchStatusMergesConfigAndLiveState(t *testing.T) {
	fw := &fakeWorker{}
	s, _ := startSupervisor(t, fw)
	ctx := context.Background()

	// Stopped: config only.
	status, err := s.GetBatchStatus(ctx, "batch-a", StatusOptions{})
	require.NoError(t, err)
	assert.Equal(t, "stopped", status["status"])
	assert.Equal(t, false, status["running"])
	assert.Equal(t, "voltage_test", status["sequence"])

	_, err = s.GetBatchStatus(ctx, "ghost", StatusOptions{})
	assert.True(t, errors.IsNotFound(err))

	require.NoError(t, s.StartBatch("batch-a"))

	status, err = s.GetBatchStatus(ctx, "batch-a", StatusOptions{IncludeStatistics: true})
	require.NoError(t, err)
	assert.Equal(t, "idle", status["status"])
	assert.Equal(t, true, status["running"])
	assert.Equal(t, "Batch A", status["batch_name"])
	assert.Contains(t, status, "statistics")

	all, err := s.GetAllBatchStatuses(ctx, StatusOptions{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "batch-a", all[0]["batch_id"])
}

func TestGetHardwareStatusAndStatistics(t *testing.T) {
	fw := &fakeWorker{}
	s, _ := startSupervisor(t, fw)
	ctx := context.Background()

	require.NoError(t, s.StartBatch("batch-a"))

	hw, err := s.GetHardwareStatus(ctx, "batch-a")
	require.NoError(t, err)
	assert.Contains(t, hw, "dmm")

	// A configured batch without a running worker still shows up, zeroed.
	require.NoError(t, s.AddBatch(config.BatchConfig{ID: "batch-b", Name: "Batch B", Sequence: "burn_in"}))

	stats, err := s.GetAllBatchStatistics(ctx)
	require.NoError(t, err)
	assert.Contains(t, stats, "batch-a")
	require.Contains(t, stats, "batch-b")
	zeros, ok := stats["batch-b"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 0, zeros["total"])
	assert.Equal(t, 0, zeros["pass"])
	assert.Equal(t, 0, zeros["fail"])
	assert.Equal(t, 0.0, zeros["pass_rate"])
}

func TestRemoveBatchRefusedWhileRunning(t *testing.T) {
	fw := &fakeWorker{}
	s, _ := startSupervisor(t, fw)

	require.NoError(t, s.StartBatch("batch-a"))

	err := s.RemoveBatch("batch-a")
	var vErr *errors.ValidationError
	require.ErrorAs(t, err, &vErr)

	require.NoError(t, s.StopBatch("batch-a", 5*time.Second))
	require.NoError(t, s.RemoveBatch("batch-a"))
	_, ok := s.cfg.Config().Batch("batch-a")
	assert.False(t, ok)
}

func TestAddBatchPersistsConfig(t *testing.T) {
	fw := &fakeWorker{}
	s, _ := startSupervisor(t, fw)

	err := s.AddBatch(config.BatchConfig{ID: "batch-b", Name: "Batch B", Sequence: "burn_in"})
	require.NoError(t, err)

	b, ok := s.cfg.Config().Batch("batch-b")
	require.True(t, ok)
	assert.Equal(t, "burn_in", b.Sequence)

	// Duplicate id refused.
	err = s.AddBatch(config.BatchConfig{ID: "batch-b", Sequence: "burn_in"})
	var vErr *errors.ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestTranslateSendError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want func(error) bool
	}{
		{
			name: "worker not connected",
			err:  ipc.ErrWorkerNotConnected,
			want: errors.IsNotFound,
		},
		{
			name: "already running",
			err:  &ipc.CommandError{Code: "ALREADY_RUNNING", Message: "busy"},
			want: func(err error) bool {
				var vErr *errors.ValidationError
				return errors.As(err, &vErr)
			},
		},
		{
			name: "wip not found",
			err:  &ipc.CommandError{Code: "WIP_NOT_FOUND", Message: "WIP-9"},
			want: errors.IsNotFound,
		},
		{
			name: "unmapped passes through",
			err:  &ipc.CommandError{Code: "DRIVER_ERROR", Message: "boom"},
			want: func(err error) bool {
				var cmdErr *ipc.CommandError
				return errors.As(err, &cmdErr)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.want(translateSendError("b", tt.err)))
		})
	}
}

func TestDecodeWorkerSpec(t *testing.T) {
	t.Setenv(EnvWorkerSpec, "")
	_, err := DecodeWorkerSpec()
	require.Error(t, err)

	spec := WorkerSpec{BatchID: "batch-a", IPCAddr: "127.0.0.1:9000", Package: "voltage_test"}
	data, err := json.Marshal(spec)
	require.NoError(t, err)
	t.Setenv(EnvWorkerSpec, string(data))

	got, err := DecodeWorkerSpec()
	require.NoError(t, err)
	assert.Equal(t, spec.BatchID, got.BatchID)
	assert.Equal(t, spec.IPCAddr, got.IPCAddr)

	t.Setenv(EnvWorkerSpec, "{not json")
	_, err = DecodeWorkerSpec()
	require.Error(t, err)
}
