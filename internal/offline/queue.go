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
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// DefaultMaxRetries is the drain attempt budget; entries at or past it are
// "failed" and skipped by the drainer but remain queryable.
const DefaultMaxRetries = 5

// Queue actions dispatched by the sync engine.
const (
	ActionStartProcess    = "start_process"
	ActionCompleteProcess = "complete_process"
)

// Backoff bounds for failed drain attempts.
const (
	baseRetryDelay = 30 * time.Second
	maxRetryDelay  = time.Hour
)

// Entry is one queued backend mutation.
type Entry struct {
	ID            int64           `json:"id"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	Action        string          `json:"action"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	NextAttemptAt time.Time       `json:"next_attempt_at,omitempty"`
}

// Enqueue appends a mutation to the queue. Producers never delete rows;
// only a successful drain acknowledgement does.
func (s *Store) Enqueue(ctx context.Context, entityType, entityID, action string, payload any) (int64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal queue payload: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_queue (entity_type, entity_id, action, payload, created_at, attempts)
		VALUES (?, ?, ?, ?, ?, 0)`,
		entityType, entityID, action, string(data), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("enqueue %s/%s %s: %w", entityType, entityID, action, err)
	}
	return res.LastInsertId()
}

// Pending returns drainable entries in FIFO order: attempts under the retry
// budget and next_attempt_at at or before now (or unset).
func (s *Store) Pending(ctx context.Context, now time.Time, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, action, payload, created_at, attempts, last_error, next_attempt_at
		FROM sync_queue
		WHERE attempts < ?
		  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY id ASC
		LIMIT ?`,
		DefaultMaxRetries, now.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, fmt.Errorf("query pending entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Failed lists entries that exhausted their retry budget, for operators.
func (s *Store) Failed(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, action, payload, created_at, attempts, last_error, next_attempt_at
		FROM sync_queue
		WHERE attempts >= ?
		ORDER BY id ASC
		LIMIT ?`,
		DefaultMaxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		var payload, createdAt string
		var lastErr, nextAt sql.NullString
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &payload,
			&createdAt, &e.Attempts, &lastErr, &nextAt); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if lastErr.Valid {
			e.LastError = lastErr.String
		}
		if nextAt.Valid {
			e.NextAttemptAt, _ = time.Parse(time.RFC3339Nano, nextAt.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Ack deletes a successfully drained entry.
func (s *Store) Ack(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("ack queue entry %d: %w", id, err)
	}
	return nil
}

// MarkFailed records a drain failure: bumps attempts and schedules the next
// attempt with exponential backoff and jitter.
func (s *Store) MarkFailed(ctx context.Context, id int64, attempt int, cause error) error {
	next := time.Now().UTC().Add(retryDelay(attempt))
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET attempts = ?, last_error = ?, next_attempt_at = ?
		WHERE id = ?`,
		attempt, msg, next.Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("mark queue entry %d failed: %w", id, err)
	}
	return nil
}

// MarkRejected exhausts an entry's budget immediately. Used when the
// backend rejected the mutation for business reasons: retrying would never
// succeed, but operators can still inspect the row.
func (s *Store) MarkRejected(ctx context.Context, id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET attempts = ?, last_error = ? WHERE id = ?`,
		DefaultMaxRetries, msg, id)
	if err != nil {
		return fmt.Errorf("mark queue entry %d rejected: %w", id, err)
	}
	return nil
}

// CountPending counts entries still inside the retry budget.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE attempts < ?`, DefaultMaxRetries).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending entries: %w", err)
	}
	return n, nil
}

// CountFailed counts entries past the retry budget.
func (s *Store) CountFailed(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE attempts >= ?`, DefaultMaxRetries).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count failed entries: %w", err)
	}
	return n, nil
}

// retryDelay computes exponential backoff with up to 20% jitter.
func retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(baseRetryDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxRetryDelay) {
		delay = float64(maxRetryDelay)
	}
	delay += delay * 0.2 * rand.Float64()
	return time.Duration(delay)
}
