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

package pushhub

import (
	"github.com/factorial-systems/stationd/internal/events"
)

// Outbound frame types.
const (
	FrameBatchStatus      = "batch_status"
	FrameStepStart        = "step_start"
	FrameStepComplete     = "step_complete"
	FrameSequenceComplete = "sequence_complete"
	FrameWIPComplete      = "wip_process_complete"
	FrameBatchCreated     = "batch_created"
	FrameBatchDeleted     = "batch_deleted"
	FrameLog              = "log"
	FrameError            = "error"
	FrameSubscribed       = "subscribed"
	FrameUnsubscribed     = "unsubscribed"
)

// frameTypes maps internal event types to outbound frame types. Events not
// listed here stay internal.
var frameTypes = map[string]string{
	events.BatchStatusChanged: FrameBatchStatus,
	events.BatchStarted:       FrameBatchStatus,
	events.BatchStopped:       FrameBatchStatus,
	events.BatchCrashed:       FrameBatchStatus,
	events.StepStarted:        FrameStepStart,
	events.StepCompleted:      FrameStepComplete,
	events.SequenceCompleted:  FrameSequenceComplete,
	events.WIPProcessComplete: FrameWIPComplete,
	events.Log:                FrameLog,
	events.Error:              FrameError,
}

// Bridge attaches the registry to the event bus: a wildcard handler
// translates internal events to push frames. Returns the subscription so
// the station can detach on shutdown.
func Bridge(emitter *events.Emitter, registry *Registry) events.Subscription {
	return emitter.OnAny(func(ev events.Event) {
		frameType, ok := frameTypes[ev.Type]
		if !ok {
			return
		}

		data := ev.Data
		if frameType == FrameBatchStatus {
			// Preserve what changed for clients that render transitions.
			// Copied so other bus handlers see the event untouched.
			data = make(map[string]any, len(ev.Data)+1)
			for k, v := range ev.Data {
				data[k] = v
			}
			data["event"] = ev.Type
		}

		frame := Frame{
			Type:      frameType,
			Timestamp: ev.Timestamp,
			Data:      data,
		}

		if ev.BatchID != "" {
			registry.Broadcast(ev.BatchID, frame)
		} else {
			registry.BroadcastAll(frame)
		}
	})
}
