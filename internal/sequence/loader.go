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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/factorial-systems/stationd/pkg/errors"
)

// Loader discovers sequence packages under a root directory, parses their
// manifests, and resolves manifests to registered factories. Manifests are
// cached by package name until ClearCache or Invalidate.
type Loader struct {
	root     string
	registry *Registry
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[string]*Manifest
}

// NewLoader creates a Loader over the given sequences root.
func NewLoader(root string, registry *Registry, logger *slog.Logger) *Loader {
	if registry == nil {
		registry = DefaultRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		root:     root,
		registry: registry,
		logger:   logger,
		cache:    make(map[string]*Manifest),
	}
}

// Root returns the sequences root directory.
func (l *Loader) Root() string { return l.root }

// DiscoverPackages lists package directory names found on disk, sorted.
// Non-directories and hidden names are skipped. Duplicate manifest names are
// not supported: last one in discovery order wins and the conflict is logged
// (at LoadPackage time the directory name is authoritative).
func (l *Loader) DiscoverPackages() ([]string, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, fmt.Errorf("read sequences root %s: %w", l.root, err)
	}

	var names []string
	seen := make(map[string]string)
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if _, err := os.Stat(filepath.Join(l.root, e.Name(), ManifestFileName)); err != nil {
			continue
		}
		names = append(names, e.Name())

		if m, err := l.readManifest(e.Name()); err == nil {
			if prev, dup := seen[m.Name]; dup {
				l.logger.Warn("duplicate manifest name, last discovered wins",
					slog.String("manifest_name", m.Name),
					slog.String("previous_dir", prev),
					slog.String("dir", e.Name()))
			}
			seen[m.Name] = e.Name()
		}
	}
	sort.Strings(names)
	return names, nil
}

// LoadPackage parses and validates the manifest of the named package.
// Results are cached by name.
func (l *Loader) LoadPackage(name string) (*Manifest, error) {
	l.mu.Lock()
	if m, ok := l.cache[name]; ok {
		l.mu.Unlock()
		return m, nil
	}
	l.mu.Unlock()

	m, err := l.readManifest(name)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[name] = m
	l.mu.Unlock()
	return m, nil
}

func (l *Loader) readManifest(name string) (*Manifest, error) {
	path := filepath.Join(l.root, name, ManifestFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errors.ManifestError{Package: name, Reason: "manifest file missing", Cause: err}
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// LoadSequence resolves the manifest entry point to a registered sequence
// factory and constructs an unbound instance. Must succeed before a worker
// can run the sequence.
func (l *Loader) LoadSequence(m *Manifest) (Sequence, error) {
	factory, err := l.registry.Sequence(m.EntryPoint.Module, m.EntryPoint.Class)
	if err != nil {
		return nil, &errors.ManifestError{
			Package: m.Name,
			Reason:  "entry point cannot be resolved",
			Cause:   err,
		}
	}
	return factory(), nil
}

// LoadDrivers resolves every hardware definition to a registered driver
// factory. A missing driver factory logs a warning and omits the entry; the
// batch worker fails at driver construction only if the driver is actually
// needed.
func (l *Loader) LoadDrivers(m *Manifest) map[string]DriverFactory {
	out := make(map[string]DriverFactory, len(m.Hardware))
	for hw, def := range m.Hardware {
		f, err := l.registry.Driver(m.Name, def.DriverModule, def.ClassName)
		if err != nil {
			l.logger.Warn("driver factory not found, hardware omitted",
				slog.String("package", m.Name),
				slog.String("hardware", hw),
				slog.Any("error", err))
			continue
		}
		out[hw] = f
	}
	return out
}

// UpdateManifest rewrites the manifest of the named package with parameter
// default overrides and/or step order/timeout overrides, bumping the patch
// version. Source files are never touched. The cache entry is invalidated.
func (l *Loader) UpdateManifest(name string, paramDefaults map[string]any, stepOverrides map[string]StepOverride) (*Manifest, error) {
	m, err := l.readManifest(name)
	if err != nil {
		return nil, err
	}

	for pname, def := range paramDefaults {
		p, ok := m.Parameters[pname]
		if !ok {
			return nil, &errors.ManifestError{
				Package: name,
				Reason:  fmt.Sprintf("unknown parameter %q", pname),
			}
		}
		if !defaultMatchesType(def, p.Type) {
			return nil, &errors.ManifestError{
				Package: name,
				Reason: fmt.Sprintf("parameter %s: default %v does not match declared type %s",
					pname, def, p.Type),
			}
		}
		p.Default = def
		m.Parameters[pname] = p
	}

	if len(stepOverrides) > 0 {
		if m.Steps == nil {
			m.Steps = make(map[string]StepOverride, len(stepOverrides))
		}
		for step, ov := range stepOverrides {
			cur := m.Steps[step]
			if ov.Order != nil {
				cur.Order = ov.Order
			}
			if ov.Timeout != nil {
				cur.Timeout = ov.Timeout
			}
			m.Steps[step] = cur
		}
	}

	m.BumpPatch()
	m.UpdatedAt = time.Now().UTC()

	if err := l.writeManifest(name, m); err != nil {
		return nil, err
	}

	l.Invalidate(name)
	return m, nil
}

// writeManifest persists a manifest atomically (temp + rename).
func (l *Loader) writeManifest(name string, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return &errors.ManifestError{Package: name, Reason: "cannot marshal manifest", Cause: err}
	}

	dir := filepath.Join(l.root, name)
	tmp, err := os.CreateTemp(dir, ".manifest-*.yaml")
	if err != nil {
		return &errors.ManifestError{Package: name, Reason: "cannot create temp file", Cause: err}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &errors.ManifestError{Package: name, Reason: "cannot write temp file", Cause: err}
	}
	if err := tmp.Close(); err != nil {
		return &errors.ManifestError{Package: name, Reason: "cannot close temp file", Cause: err}
	}
	if err := os.Rename(tmpName, filepath.Join(dir, ManifestFileName)); err != nil {
		return &errors.ManifestError{Package: name, Reason: "cannot replace manifest", Cause: err}
	}
	return nil
}

// Invalidate drops one package from the manifest cache.
func (l *Loader) Invalidate(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cache, name)
}

// ClearCache drops all cached manifests.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]*Manifest)
}

// ApplyStepOverrides returns a copy of steps with manifest-level order and
// timeout overrides applied by step name.
func ApplyStepOverrides(steps []Step, overrides map[string]StepOverride) []Step {
	if len(overrides) == 0 {
		return steps
	}
	out := make([]Step, len(steps))
	copy(out, steps)
	for i := range out {
		ov, ok := overrides[out[i].Name]
		if !ok {
			continue
		}
		if ov.Order != nil {
			out[i].Order = *ov.Order
		}
		if ov.Timeout != nil {
			out[i].Timeout = time.Duration(*ov.Timeout * float64(time.Second))
		}
	}
	return out
}
