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

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/factorial-systems/stationd/pkg/errors"
)

// Writer mutates the runtime-mutable parts of the configuration (station
// identity and the batch list) and persists the document atomically.
//
// Persistence writes to a temp file in the same directory, fsyncs, renames
// over the original, and keeps the previous document as <path>.bak.
type Writer struct {
	mu   sync.Mutex
	path string
	cfg  *Config
}

// NewWriter creates a Writer bound to the given loaded config and file path.
func NewWriter(path string, cfg *Config) *Writer {
	return &Writer{path: path, cfg: cfg}
}

// Config returns a deep copy of the current configuration.
func (w *Writer) Config() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg.clone()
}

// UpdateStation replaces the station identity block and persists.
func (w *Writer) UpdateStation(id, name, description string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if id == "" {
		return &errors.ValidationError{Field: "station.id", Message: "station id is required"}
	}

	prev := w.cfg.Station
	w.cfg.Station.ID = id
	w.cfg.Station.Name = name
	w.cfg.Station.Description = description

	if err := w.persistLocked(); err != nil {
		w.cfg.Station = prev
		return err
	}
	return nil
}

// AddBatch appends a batch config and persists. The id must be unique.
func (w *Writer) AddBatch(b BatchConfig) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if b.ID == "" {
		return &errors.ValidationError{Field: "batch.id", Message: "batch id is required"}
	}
	if _, exists := w.cfg.Batch(b.ID); exists {
		return &errors.ValidationError{
			Field:   "batch.id",
			Message: fmt.Sprintf("batch %q already exists", b.ID),
		}
	}

	w.cfg.Batches = append(w.cfg.Batches, b)
	if err := w.persistLocked(); err != nil {
		w.cfg.Batches = w.cfg.Batches[:len(w.cfg.Batches)-1]
		return err
	}
	return nil
}

// RemoveBatch deletes a batch config and persists. The caller must ensure no
// worker for this id is running.
func (w *Writer) RemoveBatch(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	idx := -1
	for i, b := range w.cfg.Batches {
		if b.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return &errors.NotFoundError{Resource: "batch", ID: id}
	}

	removed := w.cfg.Batches[idx]
	w.cfg.Batches = append(w.cfg.Batches[:idx], w.cfg.Batches[idx+1:]...)
	if err := w.persistLocked(); err != nil {
		w.cfg.Batches = append(w.cfg.Batches[:idx], append([]BatchConfig{removed}, w.cfg.Batches[idx:]...)...)
		return err
	}
	return nil
}

// persistLocked writes the document atomically. Caller holds w.mu.
func (w *Writer) persistLocked() error {
	data, err := yaml.Marshal(w.cfg)
	if err != nil {
		return &errors.ConfigError{Reason: "cannot marshal configuration", Cause: err}
	}

	dir := filepath.Dir(w.path)
	tmp, err := os.CreateTemp(dir, ".station-*.yaml")
	if err != nil {
		return &errors.ConfigError{Reason: "cannot create temp file", Cause: err}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &errors.ConfigError{Reason: "cannot write temp file", Cause: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &errors.ConfigError{Reason: "cannot sync temp file", Cause: err}
	}
	if err := tmp.Close(); err != nil {
		return &errors.ConfigError{Reason: "cannot close temp file", Cause: err}
	}

	// Keep the previous document as a backup. A missing original (first
	// write) is not an error.
	if prev, err := os.ReadFile(w.path); err == nil {
		if err := os.WriteFile(w.path+".bak", prev, 0o644); err != nil {
			return &errors.ConfigError{Reason: "cannot write backup file", Cause: err}
		}
	}

	if err := os.Rename(tmpName, w.path); err != nil {
		return &errors.ConfigError{Reason: "cannot replace configuration file", Cause: err}
	}
	return nil
}

// clone returns a deep copy of the config.
func (c *Config) clone() *Config {
	out := *c
	out.Batches = make([]BatchConfig, len(c.Batches))
	for i, b := range c.Batches {
		nb := b
		if b.ProcessID != nil {
			pid := *b.ProcessID
			nb.ProcessID = &pid
		}
		if b.Hardware != nil {
			nb.Hardware = make(map[string]map[string]any, len(b.Hardware))
			for hw, vals := range b.Hardware {
				inner := make(map[string]any, len(vals))
				for k, v := range vals {
					inner[k] = v
				}
				nb.Hardware[hw] = inner
			}
		}
		out.Batches[i] = nb
	}
	return &out
}
