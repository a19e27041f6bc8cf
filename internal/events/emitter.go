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

// Package events provides the in-process typed event bus connecting the
// supervisor, sync engine, and push fan-out.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Event types emitted across the station.
const (
	BatchStarted       = "BATCH_STARTED"
	BatchStopped       = "BATCH_STOPPED"
	BatchCrashed       = "BATCH_CRASHED"
	BatchStatusChanged = "BATCH_STATUS_CHANGED"
	StepStarted        = "STEP_STARTED"
	StepCompleted      = "STEP_COMPLETED"
	SequenceCompleted  = "SEQUENCE_COMPLETED"
	WIPProcessComplete = "WIP_PROCESS_COMPLETE"
	SyncCompleted      = "SYNC_COMPLETED"
	Log                = "LOG"
	Error              = "ERROR"
)

// Event is one bus message.
type Event struct {
	Type      string         `json:"type"`
	BatchID   string         `json:"batch_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Handler processes one event. Handlers run synchronously on the emitting
// goroutine; handlers that do I/O should spawn their own goroutine.
type Handler func(ev Event)

type registration struct {
	id int
	h  Handler
}

// Emitter is a typed publish/subscribe bus. Per-type handlers run in
// registration order, then wildcard handlers. Handler panics are recovered
// and logged and never block later handlers.
type Emitter struct {
	logger *slog.Logger

	mu       sync.RWMutex
	nextID   int
	handlers map[string][]registration
	wildcard []registration
}

// NewEmitter creates an event bus.
func NewEmitter(logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		logger:   logger,
		handlers: make(map[string][]registration),
	}
}

// Subscription identifies a registered handler for Off.
type Subscription struct {
	eventType string
	id        int
}

// On registers a handler for one event type.
func (e *Emitter) On(eventType string, h Handler) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.handlers[eventType] = append(e.handlers[eventType], registration{id: e.nextID, h: h})
	return Subscription{eventType: eventType, id: e.nextID}
}

// OnAny registers a wildcard handler that receives every event after the
// per-type handlers.
func (e *Emitter) OnAny(h Handler) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.wildcard = append(e.wildcard, registration{id: e.nextID, h: h})
	return Subscription{id: e.nextID}
}

// Off removes a previously registered handler.
func (e *Emitter) Off(sub Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sub.eventType == "" {
		e.wildcard = removeRegistration(e.wildcard, sub.id)
		return
	}
	e.handlers[sub.eventType] = removeRegistration(e.handlers[sub.eventType], sub.id)
}

func removeRegistration(regs []registration, id int) []registration {
	for i, r := range regs {
		if r.id == id {
			return append(regs[:i:i], regs[i+1:]...)
		}
	}
	return regs
}

// Emit delivers the event to per-type handlers then wildcard handlers.
// Fire-and-forget: the caller never sees handler failures.
func (e *Emitter) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	e.mu.RLock()
	typed := make([]registration, len(e.handlers[ev.Type]))
	copy(typed, e.handlers[ev.Type])
	wild := make([]registration, len(e.wildcard))
	copy(wild, e.wildcard)
	e.mu.RUnlock()

	for _, r := range typed {
		e.deliver(r.h, ev)
	}
	for _, r := range wild {
		e.deliver(r.h, ev)
	}
}

func (e *Emitter) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event handler panicked",
				slog.String("event", ev.Type),
				slog.String("batch_id", ev.BatchID),
				slog.Any("panic", r))
		}
	}()
	h(ev)
}
