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

package station

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/factorial-systems/stationd/internal/backend"
	"github.com/factorial-systems/stationd/internal/offline"
)

// Dispatcher replays queued backend mutations during a sync drain. Queue
// payloads are written by the batch workers; the shapes here must stay in
// step with what they enqueue.
type Dispatcher struct {
	client *backend.Client
}

// NewDispatcher builds a dispatcher over the backend client.
func NewDispatcher(client *backend.Client) *Dispatcher {
	return &Dispatcher{client: client}
}

type startProcessPayload struct {
	WIPIntID int                         `json:"wip_int_id"`
	Request  backend.StartProcessRequest `json:"request"`
}

type completeProcessPayload struct {
	WIPIntID   int                            `json:"wip_int_id"`
	ProcessID  int                            `json:"process_id"`
	OperatorID int                            `json:"operator_id"`
	Request    backend.CompleteProcessRequest `json:"request"`
}

// Dispatch replays one queue entry. Transport errors bubble up so the sync
// engine reschedules; business rejections bubble up so it marks the entry
// rejected.
func (d *Dispatcher) Dispatch(ctx context.Context, entry offline.Entry) error {
	switch entry.Action {
	case offline.ActionStartProcess:
		var p startProcessPayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return fmt.Errorf("decode start_process payload for entry %d: %w", entry.ID, err)
		}
		_, err := d.client.StartProcess(ctx, p.WIPIntID, p.Request)
		return err

	case offline.ActionCompleteProcess:
		var p completeProcessPayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return fmt.Errorf("decode complete_process payload for entry %d: %w", entry.ID, err)
		}
		_, err := d.client.CompleteProcess(ctx, p.WIPIntID, p.ProcessID, p.OperatorID, p.Request)
		return err

	default:
		return fmt.Errorf("unknown queue action %q (entry %d)", entry.Action, entry.ID)
	}
}
