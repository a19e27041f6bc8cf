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
	"sync"
)

// Registry maps manifest entry points to compiled-in factories. It replaces
// the dynamic module import of script-based packages: sequence and driver
// implementations register themselves (typically from an init function or
// the simulation package) and the loader resolves manifests against them.
type Registry struct {
	mu        sync.RWMutex
	sequences map[string]Factory       // "module.Class" -> factory
	drivers   map[string]DriverFactory // "module.Class" -> factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sequences: make(map[string]Factory),
		drivers:   make(map[string]DriverFactory),
	}
}

func factoryKey(module, class string) string {
	return module + "." + class
}

// RegisterSequence registers a sequence factory under module.class.
// Re-registering the same key replaces the previous factory.
func (r *Registry) RegisterSequence(module, class string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sequences[factoryKey(module, class)] = f
}

// RegisterDriver registers a driver factory under module.class.
func (r *Registry) RegisterDriver(module, class string, f DriverFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[factoryKey(module, class)] = f
}

// Sequence resolves a sequence factory.
func (r *Registry) Sequence(module, class string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.sequences[factoryKey(module, class)]
	if !ok {
		return nil, fmt.Errorf("no sequence factory registered for %s.%s", module, class)
	}
	return f, nil
}

// Driver resolves a driver factory by trying candidate module paths in
// order, mirroring the candidate file search of script packages:
// <pkg>/drivers/<mod>, <pkg>/<mod>, drivers/<mod>, <mod>.
func (r *Registry) Driver(pkg, module, class string) (DriverFactory, error) {
	candidates := []string{
		pkg + "/drivers/" + module,
		pkg + "/" + module,
		"drivers/" + module,
		module,
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, mod := range candidates {
		if f, ok := r.drivers[factoryKey(mod, class)]; ok {
			return f, nil
		}
	}
	return nil, fmt.Errorf("no driver factory registered for %s.%s (package %s)", module, class, pkg)
}

// defaultRegistry backs the package-level Register helpers used by
// compiled-in sequence packages.
var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry { return defaultRegistry }

// RegisterSequence registers a sequence factory in the default registry.
func RegisterSequence(module, class string, f Factory) {
	defaultRegistry.RegisterSequence(module, class, f)
}

// RegisterDriver registers a driver factory in the default registry.
func RegisterDriver(module, class string, f DriverFactory) {
	defaultRegistry.RegisterDriver(module, class, f)
}
