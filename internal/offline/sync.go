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

package offline

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/factorial-systems/stationd/internal/events"
	"github.com/factorial-systems/stationd/pkg/errors"
)

// DefaultSyncInterval is the idle wake-up period of the sync engine.
const DefaultSyncInterval = 30 * time.Second

// Dispatcher replays one queue entry against the backend. The station wires
// it to the backend client by action.
type Dispatcher func(ctx context.Context, entry Entry) error

// SyncEngine drains the offline queue: periodically, and on demand via
// ForceSync. Entries for one entity drain in order; the first transport
// failure for an entity blocks its later entries until the next cycle.
type SyncEngine struct {
	store    *Store
	dispatch Dispatcher
	emitter  *events.Emitter
	logger   *slog.Logger
	interval time.Duration
	limiter  *rate.Limiter

	forceCh chan chan SyncResult
}

// SyncResult summarizes one drain cycle.
type SyncResult struct {
	Synced   int `json:"synced"`
	Failed   int `json:"failed"`
	Rejected int `json:"rejected"`
	Blocked  int `json:"blocked"`
}

// NewSyncEngine creates a sync engine. A nil emitter disables SYNC_COMPLETED
// events; a zero interval uses DefaultSyncInterval.
func NewSyncEngine(store *Store, dispatch Dispatcher, emitter *events.Emitter, interval time.Duration, logger *slog.Logger) *SyncEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	return &SyncEngine{
		store:    store,
		dispatch: dispatch,
		emitter:  emitter,
		logger:   logger,
		interval: interval,
		// Pace drain traffic so a recovering backend is not stampeded.
		limiter: rate.NewLimiter(rate.Limit(10), 5),
		forceCh: make(chan chan SyncResult),
	}
}

// Run drains on the configured interval until ctx is done.
func (e *SyncEngine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.drain(ctx)
		case replyCh := <-e.forceCh:
			replyCh <- e.drain(ctx)
		}
	}
}

// ForceSync triggers an immediate drain and waits for its result.
func (e *SyncEngine) ForceSync(ctx context.Context) (SyncResult, error) {
	replyCh := make(chan SyncResult, 1)
	select {
	case e.forceCh <- replyCh:
	case <-ctx.Done():
		return SyncResult{}, ctx.Err()
	}
	select {
	case res := <-replyCh:
		return res, nil
	case <-ctx.Done():
		return SyncResult{}, ctx.Err()
	}
}

func (e *SyncEngine) drain(ctx context.Context) SyncResult {
	var res SyncResult

	entries, err := e.store.Pending(ctx, time.Now(), 200)
	if err != nil {
		e.logger.Error("offline queue read failed", slog.Any("error", err))
		return res
	}
	if len(entries) == 0 {
		return res
	}

	e.logger.Info("offline sync cycle", slog.Int("pending", len(entries)))

	// Entities whose earlier entry failed this cycle; later entries for the
	// same entity must wait so replay order is preserved.
	blocked := make(map[string]bool)

	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		entityKey := entry.EntityType + "/" + entry.EntityID
		if blocked[entityKey] {
			res.Blocked++
			continue
		}

		if err := e.limiter.Wait(ctx); err != nil {
			break
		}

		err := e.dispatch(ctx, entry)
		switch {
		case err == nil:
			if err := e.store.Ack(ctx, entry.ID); err != nil {
				e.logger.Error("offline queue ack failed",
					slog.Int64("entry_id", entry.ID), slog.Any("error", err))
			}
			res.Synced++
		case errors.IsBusinessRejection(err):
			// The backend understood and said no; replaying cannot help.
			if err := e.store.MarkRejected(ctx, entry.ID, err); err != nil {
				e.logger.Error("offline queue reject failed",
					slog.Int64("entry_id", entry.ID), slog.Any("error", err))
			}
			e.logger.Warn("offline entry rejected by backend",
				slog.Int64("entry_id", entry.ID),
				slog.String("action", entry.Action),
				slog.Any("error", err))
			res.Rejected++
		default:
			if err := e.store.MarkFailed(ctx, entry.ID, entry.Attempts+1, err); err != nil {
				e.logger.Error("offline queue mark-failed failed",
					slog.Int64("entry_id", entry.ID), slog.Any("error", err))
			}
			blocked[entityKey] = true
			res.Failed++
		}
	}

	e.logger.Info("offline sync cycle done",
		slog.Int("synced", res.Synced),
		slog.Int("failed", res.Failed),
		slog.Int("rejected", res.Rejected))

	if e.emitter != nil {
		e.emitter.Emit(events.Event{
			Type: events.SyncCompleted,
			Data: map[string]any{
				"synced":   res.Synced,
				"failed":   res.Failed,
				"rejected": res.Rejected,
			},
		})
	}
	return res
}
