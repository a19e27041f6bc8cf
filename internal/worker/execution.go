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
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/factorial-systems/stationd/internal/backend"
	"github.com/factorial-systems/stationd/internal/ipc"
	"github.com/factorial-systems/stationd/internal/offline"
	"github.com/factorial-systems/stationd/internal/sequence"
	"github.com/factorial-systems/stationd/pkg/errors"
)

// Verdicts reported to the backend.
const (
	ResultPass   = "PASS"
	ResultFail   = "FAIL"
	ResultRework = "REWORK"
)

func (w *Worker) handleStartSequence(ctx context.Context, payload json.RawMessage) (any, error) {
	var params map[string]any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &params); err != nil {
			return nil, &ipc.ResponseError{Code: "INVALID_PARAMS", Message: "cannot parse parameters"}
		}
	}
	if params == nil {
		params = map[string]any{}
	}

	// Check and transition under one lock: commands dispatch concurrently,
	// so the RUNNING slot must be reserved before the (possibly slow) WIP
	// resolution, or two START_SEQUENCE could both pass the guard.
	w.mu.Lock()
	if w.state == StateRunning {
		w.mu.Unlock()
		return nil, &ipc.ResponseError{Code: "ALREADY_RUNNING", Message: "a sequence is already running"}
	}
	w.state = StateRunning
	w.mu.Unlock()

	executionID := uuid.NewString()[:8]

	wip, err := w.resolveWIPContext(ctx, params)
	if err != nil {
		w.mu.Lock()
		w.resetExecutionLocked()
		w.mu.Unlock()
		return nil, err
	}

	// Merge manifest defaults under the caller's parameters.
	merged := w.manifest.ParameterDefaults()
	for k, v := range params {
		merged[k] = v
	}

	w.seq.Bind(w.drivers, merged)
	steps := sequence.ApplyStepOverrides(w.seq.Steps(), w.manifest.Steps)

	exec := sequence.NewExecutor(w.seq, merged, w.callbacks(executionID), w.logger)
	execCtx, cancel := context.WithCancel(context.Background())

	w.mu.Lock()
	w.state = StateRunning
	w.exec = exec
	w.execCancel = cancel
	w.executionID = executionID
	w.startedAt = time.Now().UTC()
	w.steps = nil
	w.stepIndex = 0
	w.currentStep = ""
	w.totalSteps = countRegular(steps)
	w.wip = wip
	w.mu.Unlock()

	w.publishStatusUpdate()

	go w.runExecution(execCtx, exec)

	w.logger.Info("sequence started",
		slog.String("execution_id", executionID),
		slog.Bool("wip_backed", wip != nil))
	return map[string]any{"execution_id": executionID}, nil
}

func countRegular(steps []sequence.Step) int {
	n := 0
	for _, s := range steps {
		if !s.Cleanup {
			n++
		}
	}
	return n
}

// resolveWIPContext extracts wip_id/process_id/operator_id/equipment_id
// from the parameters and performs the backend start path. A missing key
// means a local (non-WIP) run.
func (w *Worker) resolveWIPContext(ctx context.Context, params map[string]any) (*wipContext, error) {
	wipID, _ := params["wip_id"].(string)
	processID, okP := intParam(params, "process_id")
	if !okP && w.opts.ProcessID != nil {
		processID, okP = *w.opts.ProcessID, true
	}
	operatorID, okO := intParam(params, "operator_id")

	if wipID == "" || !okP || !okO {
		return nil, nil
	}

	wip := &wipContext{WIPID: wipID, ProcessID: processID, OperatorID: operatorID}
	if eq, ok := intParam(params, "equipment_id"); ok {
		wip.EquipmentID = &eq
	}

	if w.backend == nil {
		return wip, nil
	}

	item, err := w.backend.Scan(ctx, wipID, &processID)
	switch {
	case err == nil:
		wip.WIPIntID = item.ID
		w.setOnline(true)
	case errors.IsNotFound(err):
		return nil, &ipc.ResponseError{Code: "WIP_NOT_FOUND", Message: fmt.Sprintf("WIP %s not found", wipID)}
	default:
		// Backend unreachable: run offline, nothing to start remotely.
		w.logger.Warn("WIP lookup failed, continuing offline", slog.Any("error", err))
		w.setOnline(false)
		return wip, nil
	}

	req := backend.StartProcessRequest{
		ProcessID:   wip.ProcessID,
		OperatorID:  wip.OperatorID,
		EquipmentID: wip.EquipmentID,
		StartedAt:   time.Now().UTC(),
	}
	if _, err := w.backend.StartProcess(ctx, wip.WIPIntID, req); err != nil {
		w.logger.Warn("start-process failed, queued for sync", slog.Any("error", err))
		w.enqueueOffline(ctx, wip, offline.ActionStartProcess, map[string]any{
			"wip_int_id": wip.WIPIntID,
			"request":    req,
		})
	}
	return wip, nil
}

func intParam(params map[string]any, key string) (int, bool) {
	switch v := params[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	default:
		return 0, false
	}
}

func (w *Worker) setOnline(online bool) {
	w.mu.Lock()
	w.online = online
	w.mu.Unlock()
}

func (w *Worker) enqueueOffline(ctx context.Context, wip *wipContext, action string, payload map[string]any) {
	if w.store == nil {
		w.logger.Error("no offline queue configured, backend call lost",
			slog.String("action", action))
		return
	}
	if _, err := w.store.Enqueue(ctx, "wip", wip.WIPID, action, payload); err != nil {
		w.logger.Error("offline enqueue failed",
			slog.String("action", action), slog.Any("error", err))
	}
}

// callbacks forwards executor step lifecycle into the live step list and
// onto the IPC event channel.
func (w *Worker) callbacks(executionID string) sequence.Callbacks {
	return sequence.Callbacks{
		OnStepStart: func(name string, step sequence.Step) {
			w.mu.Lock()
			w.steps = append(w.steps, stepEntry{Name: name, Status: "running"})
			w.currentStep = name
			w.stepIndex = len(w.steps)
			index, total := w.stepIndex, w.totalSteps
			w.mu.Unlock()

			w.publishEvent(ipc.EventStepStart, map[string]any{
				"step":         name,
				"index":        index,
				"total":        total,
				"execution_id": executionID,
			})
			w.publishStatusUpdate()
		},
		OnStepComplete: func(name string, sr *sequence.StepResult) {
			w.mu.Lock()
			if n := len(w.steps); n > 0 && w.steps[n-1].Name == name {
				w.steps[n-1] = stepEntry{
					Name:     name,
					Status:   string(sr.Status),
					Passed:   sr.Passed,
					Duration: sr.Duration.Seconds(),
					Result:   sr.Result,
					Error:    sr.Error,
				}
			} else {
				// Skipped steps never saw OnStepStart.
				w.steps = append(w.steps, stepEntry{
					Name: name, Status: string(sr.Status), Passed: sr.Passed,
				})
			}
			index := len(w.steps)
			w.mu.Unlock()

			w.publishEvent(ipc.EventStepComplete, map[string]any{
				"step":         name,
				"index":        index,
				"duration":     sr.Duration.Seconds(),
				"passed":       sr.Passed,
				"result":       sr.Result,
				"execution_id": executionID,
			})
			w.publishStatusUpdate()
		},
		OnLog: func(level, msg string) {
			w.publishEvent(ipc.EventLog, map[string]any{
				"level":        level,
				"message":      msg,
				"execution_id": executionID,
			})
		},
		OnError: func(step string, err error) {
			w.publishEvent(ipc.EventError, map[string]any{
				"code":         errTypeName(err),
				"message":      err.Error(),
				"step":         step,
				"execution_id": executionID,
			})
		},
	}
}

func (w *Worker) publishEvent(event string, data map[string]any) {
	if err := w.client.PublishEvent(event, data); err != nil {
		w.logger.Warn("event publish failed",
			slog.String("event", event), slog.Any("error", err))
	}
}

func (w *Worker) publishStatusUpdate() {
	w.mu.Lock()
	data := map[string]any{
		"status":       w.state,
		"current_step": w.currentStep,
		"step_index":   w.stepIndex,
		"total_steps":  w.totalSteps,
		"progress":     w.progressLocked(),
		"execution_id": w.executionID,
	}
	if w.state == StateIdle && w.last != nil {
		data["progress"] = 100.0
		data["execution_id"] = w.last.ExecutionID
	}
	w.mu.Unlock()

	w.publishEvent(ipc.EventStatusUpdate, data)
}

// runExecution drives the executor to completion on a background goroutine
// and then runs the completion path.
func (w *Worker) runExecution(ctx context.Context, exec *sequence.Executor) {
	res := exec.Run(ctx)

	w.mu.Lock()
	// A STOP_SEQUENCE may already have reset state; the result of a stopped
	// run is still preserved.
	wip := w.wip
	w.mu.Unlock()

	w.completeExecution(context.Background(), res, wip)
}

func (w *Worker) completeExecution(ctx context.Context, res *sequence.ExecutionResult, wip *wipContext) {
	verdict := deriveVerdict(res)

	if wip != nil {
		w.reportCompletion(ctx, res, wip, verdict)
	}

	w.publishEvent(ipc.EventSequenceComplete, map[string]any{
		"execution_id": res.ExecutionID,
		"overall_pass": res.OverallPass,
		"duration":     res.Duration.Seconds(),
		"steps":        res.Steps,
	})

	if w.store != nil {
		if err := w.store.RecordRun(ctx, w.opts.BatchID, res.OverallPass); err != nil {
			w.logger.Warn("run statistics update failed", slog.Any("error", err))
		}
	}

	// Preserve the run, then go IDLE.
	w.mu.Lock()
	w.last = &lastRun{
		ExecutionID: res.ExecutionID,
		Passed:      res.OverallPass,
		Steps:       append([]stepEntry(nil), w.steps...),
		CompletedAt: res.CompletedAt,
	}
	w.resetExecutionLocked()
	w.mu.Unlock()

	w.publishStatusUpdate()

	w.logger.Info("sequence finished",
		slog.String("execution_id", res.ExecutionID),
		slog.String("status", string(res.Status)),
		slog.Bool("overall_pass", res.OverallPass),
		slog.Duration("duration", res.Duration))
}

// reportCompletion closes the WIP process on the backend, queuing offline
// on failure, and publishes the WIP_PROCESS_COMPLETE event.
func (w *Worker) reportCompletion(ctx context.Context, res *sequence.ExecutionResult, wip *wipContext, verdict string) {
	req := backend.CompleteProcessRequest{
		Result:       verdict,
		Measurements: extractMeasurements(res),
		Defects:      extractDefects(res),
		CompletedAt:  time.Now().UTC(),
	}

	wipStatus := ""
	canConvert := false

	if w.backend != nil && wip.WIPIntID != 0 {
		resp, err := w.backend.CompleteProcess(ctx, wip.WIPIntID, wip.ProcessID, wip.OperatorID, req)
		if err != nil {
			w.logger.Warn("complete-process failed, queued for sync", slog.Any("error", err))
			w.enqueueOffline(ctx, wip, offline.ActionCompleteProcess, map[string]any{
				"wip_int_id":  wip.WIPIntID,
				"process_id":  wip.ProcessID,
				"operator_id": wip.OperatorID,
				"request":     req,
			})
		} else {
			wipStatus = resp.WIPItem.Status
			canConvert = wipStatus == backend.WIPStatusCompleted
		}
	} else {
		w.enqueueOffline(ctx, wip, offline.ActionCompleteProcess, map[string]any{
			"wip_int_id":  wip.WIPIntID,
			"process_id":  wip.ProcessID,
			"operator_id": wip.OperatorID,
			"request":     req,
		})
	}

	w.publishEvent(ipc.EventWIPProcessComplete, map[string]any{
		"wip_id":      wip.WIPID,
		"process_id":  wip.ProcessID,
		"result":      verdict,
		"wip_status":  wipStatus,
		"can_convert": canConvert,
	})
}

// deriveVerdict maps an execution result to PASS/FAIL/REWORK. REWORK only
// when the final regular step output marks it explicitly.
func deriveVerdict(res *sequence.ExecutionResult) string {
	if out := res.FinalOutput(); out != nil {
		if rework, ok := out["rework"].(bool); ok && rework {
			return ResultRework
		}
	}
	if res.OverallPass {
		return ResultPass
	}
	return ResultFail
}

// extractMeasurements merges run duration with every per-step measurements
// and outputs map.
func extractMeasurements(res *sequence.ExecutionResult) map[string]any {
	out := map[string]any{
		"duration_ms": res.Duration.Milliseconds(),
	}
	for _, sr := range res.Steps {
		for _, key := range []string{"measurements", "outputs"} {
			if m, ok := sr.Result[key].(map[string]any); ok {
				for k, v := range m {
					out[k] = v
				}
			}
		}
	}
	return out
}

// extractDefects collects defect codes from non-passing steps: the typed
// failure's defect list when present, the error type name as fallback.
// Deduplicated, order preserved.
func extractDefects(res *sequence.ExecutionResult) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(code string) {
		if code != "" && !seen[code] {
			seen[code] = true
			out = append(out, code)
		}
	}

	for _, sr := range res.Steps {
		if sr.Passed || sr.Err == nil {
			continue
		}
		var tf *errors.TestFailureError
		if errors.As(sr.Err, &tf) && len(tf.Defects) > 0 {
			for _, d := range tf.Defects {
				add(d)
			}
			continue
		}
		add(errTypeName(sr.Err))
	}
	return out
}

// errTypeName is the bare error type name, used as a defect/error code
// fallback: *errors.StepTimeoutError -> StepTimeoutError.
func errTypeName(err error) string {
	name := fmt.Sprintf("%T", err)
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimPrefix(name, "*")
}
