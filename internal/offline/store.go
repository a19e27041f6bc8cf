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

// Package offline provides the durable sync queue and run statistics store
// shared between the master and its batch workers, plus the sync engine
// that drains the queue to the backend.
package offline

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the shared station database. Master and workers open the same
// file; SQLite's WAL mode and busy timeout arbitrate access.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the station database at path and runs migrations.
func Open(path string) (*Store, error) {
	connStr := path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	// SQLite serializes writes; one connection avoids lock churn.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.configurePragmas(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA journal_mode=WAL",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sync_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			action TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			next_attempt_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_entity ON sync_queue(entity_type, entity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_next ON sync_queue(next_attempt_at)`,
		`CREATE TABLE IF NOT EXISTS run_stats (
			batch_id TEXT PRIMARY KEY,
			total INTEGER NOT NULL DEFAULT 0,
			pass INTEGER NOT NULL DEFAULT 0,
			fail INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// RunStats is the local pass/fail tally of one batch.
type RunStats struct {
	BatchID  string  `json:"batch_id"`
	Total    int     `json:"total"`
	Pass     int     `json:"pass"`
	Fail     int     `json:"fail"`
	PassRate float64 `json:"pass_rate"`
}

// RecordRun bumps the batch's counters after a sequence execution.
func (s *Store) RecordRun(ctx context.Context, batchID string, passed bool) error {
	pass, fail := 0, 1
	if passed {
		pass, fail = 1, 0
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_stats (batch_id, total, pass, fail, updated_at)
		VALUES (?, 1, ?, ?, ?)
		ON CONFLICT(batch_id) DO UPDATE SET
			total = total + 1,
			pass = pass + excluded.pass,
			fail = fail + excluded.fail,
			updated_at = excluded.updated_at`,
		batchID, pass, fail, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record run for batch %s: %w", batchID, err)
	}
	return nil
}

// Stats returns the batch tally; a never-run batch returns zeros.
func (s *Store) Stats(ctx context.Context, batchID string) (RunStats, error) {
	st := RunStats{BatchID: batchID}
	err := s.db.QueryRowContext(ctx,
		`SELECT total, pass, fail FROM run_stats WHERE batch_id = ?`, batchID).
		Scan(&st.Total, &st.Pass, &st.Fail)
	if err == sql.ErrNoRows {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("read stats for batch %s: %w", batchID, err)
	}
	if st.Total > 0 {
		st.PassRate = float64(st.Pass) / float64(st.Total)
	}
	return st, nil
}
