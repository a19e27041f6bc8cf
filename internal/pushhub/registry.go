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

// Package pushhub fans station events out to connected push clients
// (WebSocket today), filtered by batch subscription.
package pushhub

import (
	"log/slog"
	"sync"
	"time"
)

// Frame is one outbound push message.
type Frame struct {
	Type      string         `json:"type"`
	BatchID   string         `json:"batch_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscriber is one connected push client.
type Subscriber interface {
	ID() string
	Send(frame Frame) error
}

type subscription struct {
	sub Subscriber

	// batches is the subscribed batch id set. Empty means "everything".
	batches map[string]struct{}
}

// Registry tracks subscribers and their batch filters.
type Registry struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string]*subscription
}

// NewRegistry creates an empty subscriber registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger,
		subs:   make(map[string]*subscription),
	}
}

// Connect registers a subscriber with an empty filter (receives all frames).
func (r *Registry) Connect(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sub.ID()] = &subscription{sub: sub, batches: make(map[string]struct{})}
}

// Disconnect removes a subscriber. Explicit: send failures never remove.
func (r *Registry) Disconnect(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, sub.ID())
}

// Subscribe narrows a subscriber's filter to include the given batch ids.
func (r *Registry) Subscribe(subID string, batchIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[subID]
	if !ok {
		return
	}
	for _, id := range batchIDs {
		s.batches[id] = struct{}{}
	}
}

// Unsubscribe removes batch ids from a subscriber's filter.
func (r *Registry) Unsubscribe(subID string, batchIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[subID]
	if !ok {
		return
	}
	for _, id := range batchIDs {
		delete(s.batches, id)
	}
}

// Subscriptions returns the batch filter of one subscriber.
func (r *Registry) Subscriptions(subID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subs[subID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(s.batches))
	for id := range s.batches {
		out = append(out, id)
	}
	return out
}

// Count returns the number of connected subscribers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Broadcast delivers a batch-scoped frame to every subscriber whose filter
// contains the batch id or is empty.
func (r *Registry) Broadcast(batchID string, frame Frame) {
	frame.BatchID = batchID
	r.deliver(func(s *subscription) bool {
		if len(s.batches) == 0 {
			return true
		}
		_, ok := s.batches[batchID]
		return ok
	}, frame)
}

// BroadcastAll delivers a station-wide frame to every subscriber.
func (r *Registry) BroadcastAll(frame Frame) {
	r.deliver(func(*subscription) bool { return true }, frame)
}

func (r *Registry) deliver(match func(*subscription) bool, frame Frame) {
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now().UTC()
	}

	r.mu.RLock()
	targets := make([]Subscriber, 0, len(r.subs))
	for _, s := range r.subs {
		if match(s) {
			targets = append(targets, s.sub)
		}
	}
	r.mu.RUnlock()

	for _, sub := range targets {
		if err := sub.Send(frame); err != nil {
			r.logger.Warn("push send failed",
				slog.String("subscriber", sub.ID()),
				slog.String("frame", frame.Type),
				slog.Any("error", err))
		}
	}
}
