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

package sequence

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher invalidates loader cache entries when a package manifest changes
// on disk (uploads, manual edits). Events are debounced per package so rapid
// editor saves trigger one invalidation.
type Watcher struct {
	loader *Loader
	logger *slog.Logger
	window time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer

	fsw    *fsnotify.Watcher
	doneCh chan struct{}
}

// NewWatcher creates a watcher over the loader's sequences root.
func NewWatcher(loader *Loader, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(loader.Root()); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch sequences root: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		loader: loader,
		logger: logger,
		window: 500 * time.Millisecond,
		timers: make(map[string]*time.Timer),
		fsw:    fsw,
		doneCh: make(chan struct{}),
	}, nil
}

// Run processes filesystem events until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("sequence watcher error", slog.Any("error", err))
		}
	}
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	w.mu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.timers = make(map[string]*time.Timer)
	w.mu.Unlock()
	return err
}

// handle maps an event path to a package name and schedules a debounced
// invalidation. New package directories get a watch added so their manifest
// writes are seen.
func (w *Watcher) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.loader.Root(), ev.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	pkg := parts[0]
	if pkg == "." || strings.HasPrefix(pkg, ".") {
		return
	}

	if len(parts) == 1 && ev.Op.Has(fsnotify.Create) {
		// A new package directory appeared; watch it for manifest writes.
		if err := w.fsw.Add(ev.Name); err != nil {
			w.logger.Warn("cannot watch new package directory",
				slog.String("package", pkg), slog.Any("error", err))
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[pkg]; ok {
		t.Stop()
	}
	w.timers[pkg] = time.AfterFunc(w.window, func() {
		w.mu.Lock()
		delete(w.timers, pkg)
		w.mu.Unlock()

		w.loader.Invalidate(pkg)
		w.logger.Debug("sequence package cache invalidated", slog.String("package", pkg))
	})
}
