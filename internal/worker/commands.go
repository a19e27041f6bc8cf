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

package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/factorial-systems/stationd/internal/ipc"
	"github.com/factorial-systems/stationd/internal/sequence"
)

// handleCommand is the IPC dispatch entry point.
func (w *Worker) handleCommand(ctx context.Context, command string, payload json.RawMessage) (any, error) {
	switch command {
	case ipc.CommandPing:
		return map[string]any{"pong": true}, nil
	case ipc.CommandStartSequence:
		return w.handleStartSequence(ctx, payload)
	case ipc.CommandStopSequence:
		return w.handleStopSequence()
	case ipc.CommandGetStatus:
		return w.handleGetStatus(ctx, payload)
	case ipc.CommandManualControl:
		return w.handleManualControl(ctx, payload)
	case ipc.CommandShutdown:
		return w.handleShutdown()
	default:
		return nil, &ipc.ResponseError{Code: "UNSUPPORTED", Message: "unknown command " + command}
	}
}

func (w *Worker) handleStopSequence() (any, error) {
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

	w.mu.Lock()
	w.resetExecutionLocked()
	w.mu.Unlock()

	w.logger.Info("sequence stop requested")
	return map[string]any{"stopped": true}, nil
}

// resetExecutionLocked returns the worker to IDLE. Caller holds mu.
func (w *Worker) resetExecutionLocked() {
	w.state = StateIdle
	w.exec = nil
	w.execCancel = nil
	w.executionID = ""
	w.currentStep = ""
	w.stepIndex = 0
	w.wip = nil
}

type getStatusParams struct {
	IncludeHardware   bool `json:"include_hardware"`
	IncludeStatistics bool `json:"include_statistics"`
}

func (w *Worker) handleGetStatus(ctx context.Context, payload json.RawMessage) (any, error) {
	var params getStatusParams
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &params); err != nil {
			return nil, &ipc.ResponseError{Code: "INVALID_PARAMS", Message: "cannot parse GET_STATUS flags"}
		}
	}

	status := w.statusSnapshot()

	if params.IncludeHardware {
		status["hardware"] = w.hardwareStatus(ctx)
	}
	if params.IncludeStatistics && w.store != nil {
		if stats, err := w.store.Stats(ctx, w.opts.BatchID); err == nil {
			status["statistics"] = stats
		}
	}
	return status, nil
}

// statusSnapshot builds the GET_STATUS body. When IDLE with a preserved
// last run, the snapshot reports that run's step list and 100% progress so
// clients keep showing the completed run.
func (w *Worker) statusSnapshot() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := map[string]any{
		"batch_id":        w.opts.BatchID,
		"batch_name":      w.opts.BatchName,
		"status":          w.state,
		"online":          w.online,
		"total_steps":     w.totalSteps,
		"last_run_passed": w.last != nil && w.last.Passed,
	}

	if w.state == StateRunning {
		snap["execution_id"] = w.executionID
		snap["current_step"] = w.currentStep
		snap["step_index"] = w.stepIndex
		snap["progress"] = w.progressLocked()
		snap["started_at"] = w.startedAt
		snap["steps"] = append([]stepEntry(nil), w.steps...)
		return snap
	}

	if w.last != nil {
		snap["execution_id"] = w.last.ExecutionID
		snap["progress"] = 100.0
		snap["steps"] = append([]stepEntry(nil), w.last.Steps...)
		snap["total_steps"] = len(w.last.Steps)
	} else {
		snap["progress"] = 0.0
	}
	return snap
}

// progressLocked is percent of steps finished. Caller holds mu.
func (w *Worker) progressLocked() float64 {
	if w.totalSteps == 0 {
		return 0
	}
	done := 0
	for _, s := range w.steps {
		if s.Status != "running" {
			done++
		}
	}
	return float64(done) / float64(w.totalSteps) * 100
}

func (w *Worker) hardwareStatus(ctx context.Context) map[string]any {
	out := make(map[string]any, len(w.drivers))
	for hw, drv := range w.drivers {
		if sr, ok := drv.(sequence.StatusReporter); ok {
			out[hw] = sr.Status(ctx)
		} else {
			out[hw] = map[string]any{"connected": true}
		}
	}
	return out
}

type manualControlParams struct {
	Hardware string         `json:"hardware"`
	Command  string         `json:"command"`
	Params   map[string]any `json:"params"`
}

func (w *Worker) handleManualControl(ctx context.Context, payload json.RawMessage) (any, error) {
	w.mu.Lock()
	running := w.state == StateRunning
	w.mu.Unlock()
	if running {
		return nil, &ipc.ResponseError{Code: "SEQUENCE_RUNNING", Message: "manual control rejected while a sequence is running"}
	}

	var params manualControlParams
	if err := json.Unmarshal(payload, &params); err != nil {
		return nil, &ipc.ResponseError{Code: "INVALID_PARAMS", Message: "cannot parse MANUAL_CONTROL params"}
	}

	drv, ok := w.drivers[params.Hardware]
	if !ok {
		return nil, &ipc.ResponseError{Code: "HARDWARE_NOT_FOUND", Message: "no driver for hardware " + params.Hardware}
	}

	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	result, err := drv.Call(callCtx, params.Command, params.Params)
	if err != nil {
		return nil, &ipc.ResponseError{Code: "DRIVER_ERROR", Message: err.Error()}
	}
	return map[string]any{"result": result}, nil
}

func (w *Worker) handleShutdown() (any, error) {
	w.logger.Info("shutdown requested")

	w.mu.Lock()
	exec := w.exec
	w.mu.Unlock()
	if exec != nil {
		exec.Stop()
	}

	// Respond first; the dispatch goroutine flushes the response before
	// the connection drops.
	go func() {
		time.Sleep(100 * time.Millisecond)
		w.requestShutdown()
	}()
	return map[string]any{"shutting_down": true}, nil
}
