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

	"github.com/factorial-systems/stationd/internal/ipc"
	"github.com/factorial-systems/stationd/pkg/errors"
)

// sendCommand proxies one command to a batch worker and decodes the response
// body into a generic map.
func (s *Supervisor) sendCommand(ctx context.Context, batchID, command string, params any) (map[string]any, error) {
	payload, err := s.ipc.Send(ctx, batchID, command, params, 0)
	if err != nil {
		return nil, translateSendError(batchID, err)
	}

	var out map[string]any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// translateSendError maps IPC failures onto the station error taxonomy so
// the HTTP layer can pick status codes without knowing about IPC.
func translateSendError(batchID string, err error) error {
	if errors.Is(err, ipc.ErrWorkerNotConnected) {
		return &errors.NotFoundError{Resource: "running batch", ID: batchID}
	}
	var cmdErr *ipc.CommandError
	if errors.As(err, &cmdErr) {
		switch cmdErr.Code {
		case "WIP_NOT_FOUND", "HARDWARE_NOT_FOUND":
			return &errors.NotFoundError{Resource: "resource", ID: cmdErr.Message}
		case "ALREADY_RUNNING", "SEQUENCE_RUNNING":
			return &errors.ValidationError{Field: "batch", Message: cmdErr.Message}
		case "INVALID_PARAMS":
			return &errors.ValidationError{Field: "params", Message: cmdErr.Message}
		}
	}
	return err
}

// StartSequence starts a sequence run on the batch worker. Params carry
// manifest parameter overrides plus the optional wip_id, process_id, and
// operator_id binding. Returns the response body with the execution id.
func (s *Supervisor) StartSequence(ctx context.Context, batchID string, params map[string]any) (map[string]any, error) {
	return s.sendCommand(ctx, batchID, ipc.CommandStartSequence, params)
}

// StopSequence stops the running sequence on the batch worker.
func (s *Supervisor) StopSequence(ctx context.Context, batchID string) (map[string]any, error) {
	return s.sendCommand(ctx, batchID, ipc.CommandStopSequence, nil)
}

// ManualControl invokes one driver command on an idle batch worker.
func (s *Supervisor) ManualControl(ctx context.Context, batchID, hardware, command string, params map[string]any) (map[string]any, error) {
	return s.sendCommand(ctx, batchID, ipc.CommandManualControl, map[string]any{
		"hardware": hardware,
		"command":  command,
		"params":   params,
	})
}

// StatusOptions selects optional GET_STATUS sections.
type StatusOptions struct {
	IncludeHardware   bool
	IncludeStatistics bool
}

// GetBatchStatus merges the batch config with the worker's live status. A
// configured batch without a running worker reports status "stopped".
func (s *Supervisor) GetBatchStatus(ctx context.Context, batchID string, opts StatusOptions) (map[string]any, error) {
	batch, ok := s.cfg.Config().Batch(batchID)
	if !ok {
		return nil, &errors.NotFoundError{Resource: "batch", ID: batchID}
	}

	status := map[string]any{
		"batch_id":   batch.ID,
		"batch_name": batch.Name,
		"sequence":   batch.Sequence,
		"auto_start": batch.AutoStart,
		"running":    false,
		"status":     "stopped",
	}
	if batch.ProcessID != nil {
		status["process_id"] = *batch.ProcessID
	}

	if !s.ipc.Connected(batchID) {
		return status, nil
	}

	live, err := s.sendCommand(ctx, batchID, ipc.CommandGetStatus, map[string]any{
		"include_hardware":   opts.IncludeHardware,
		"include_statistics": opts.IncludeStatistics,
	})
	if err != nil {
		// A worker that stops responding mid-query still shows up, flagged.
		status["status"] = "unresponsive"
		status["error"] = err.Error()
		return status, nil
	}

	for k, v := range live {
		status[k] = v
	}
	status["running"] = true
	return status, nil
}

// GetAllBatchStatuses reports every configured batch.
func (s *Supervisor) GetAllBatchStatuses(ctx context.Context, opts StatusOptions) ([]map[string]any, error) {
	cfg := s.cfg.Config()
	out := make([]map[string]any, 0, len(cfg.Batches))
	for _, batch := range cfg.Batches {
		status, err := s.GetBatchStatus(ctx, batch.ID, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, status)
	}
	return out, nil
}

// GetHardwareStatus reports per-driver status for one batch worker.
func (s *Supervisor) GetHardwareStatus(ctx context.Context, batchID string) (map[string]any, error) {
	status, err := s.sendCommand(ctx, batchID, ipc.CommandGetStatus, map[string]any{
		"include_hardware": true,
	})
	if err != nil {
		return nil, err
	}
	hw, _ := status["hardware"].(map[string]any)
	if hw == nil {
		hw = map[string]any{}
	}
	return hw, nil
}

// GetAllBatchStatistics collects pass/fail counters for every configured
// batch: pulled from the worker when one is connected, zeros otherwise.
func (s *Supervisor) GetAllBatchStatistics(ctx context.Context) (map[string]any, error) {
	out := make(map[string]any)
	for _, batch := range s.cfg.Config().Batches {
		out[batch.ID] = zeroStatistics()

		if !s.ipc.Connected(batch.ID) {
			continue
		}
		status, err := s.sendCommand(ctx, batch.ID, ipc.CommandGetStatus, map[string]any{
			"include_statistics": true,
		})
		if err != nil {
			continue
		}
		if stats, ok := status["statistics"]; ok {
			out[batch.ID] = stats
		}
	}
	return out, nil
}

func zeroStatistics() map[string]any {
	return map[string]any{
		"total":     0,
		"pass":      0,
		"fail":      0,
		"pass_rate": 0.0,
	}
}
