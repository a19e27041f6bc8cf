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

// Package sequence defines the sequence, step, and hardware driver contracts,
// the on-disk package manifest, and the loader that binds manifests to
// registered sequence and driver factories.
package sequence

import (
	"context"
	"time"
)

// Driver is a hardware driver owned by exactly one batch worker. Connect and
// Disconnect bracket its lifetime; Call dispatches arbitrary named methods
// for manual control.
type Driver interface {
	// Connect establishes communication with the physical hardware.
	Connect(ctx context.Context) error

	// Disconnect releases the hardware. Best-effort during shutdown.
	Disconnect(ctx context.Context) error

	// Call invokes a named driver method with the given parameters.
	// Unknown methods return an error.
	Call(ctx context.Context, method string, params map[string]any) (any, error)
}

// StatusReporter is implemented by drivers that can report hardware status
// for the GET_STATUS command. Optional.
type StatusReporter interface {
	Status(ctx context.Context) map[string]any
}

// StepFunc is the body of a sequence step. It receives the run context and
// returns a structured result map (nil for no result). Step bodies must
// honor ctx cancellation; a body that blocks past its timeout is abandoned,
// never killed.
type StepFunc func(ctx context.Context, rc *RunContext) (map[string]any, error)

// Step is the registration record for one sequence step. Replaces the
// decorator metadata of script-based sequence packages: sequences return
// their steps as an explicit list.
type Step struct {
	// Name identifies the step. Ties in Order are broken by Name.
	Name string

	// Description is a one-line operator-facing summary.
	Description string

	// Order positions the step. Lower runs first.
	Order int

	// Timeout bounds a single attempt. Zero means DefaultStepTimeout.
	Timeout time.Duration

	// Retry is the number of extra attempts after the first.
	Retry int

	// Cleanup steps run after all regular steps regardless of outcome and
	// never affect the overall pass verdict.
	Cleanup bool

	// Condition names a parameter (or an expression over parameters) whose
	// truthiness gates execution. Absent or falsy skips the step.
	Condition string

	// Run is the step body.
	Run StepFunc
}

// DefaultStepTimeout applies when a step declares no timeout.
const DefaultStepTimeout = 30 * time.Second

// RunContext is passed to every step body.
type RunContext struct {
	// Hardware maps hardware id to its connected driver.
	Hardware map[string]Driver

	// Params is the parameter snapshot for this execution.
	Params map[string]any

	// Log emits a log line through the executor's OnLog callback.
	Log func(level, msg string)
}

// Sequence is a runtime sequence instance. Bind injects the hardware map and
// parameter snapshot before execution; Steps returns the step list.
type Sequence interface {
	Steps() []Step
	Bind(hardware map[string]Driver, params map[string]any)
}

// Base provides the Bind half of the Sequence interface. Concrete sequences
// embed it and read Hardware/Params from their step bodies.
type Base struct {
	Hardware map[string]Driver
	Params   map[string]any
}

// Bind implements Sequence.
func (b *Base) Bind(hardware map[string]Driver, params map[string]any) {
	b.Hardware = hardware
	b.Params = params
}

// BoundHardware returns the hardware map injected by Bind.
func (b *Base) BoundHardware() map[string]Driver { return b.Hardware }

// Param reads a parameter with a fallback default.
func (b *Base) Param(name string, def any) any {
	if v, ok := b.Params[name]; ok {
		return v
	}
	return def
}

// Factory constructs an unbound sequence instance.
type Factory func() Sequence

// DriverFactory constructs a driver from its per-batch config values.
type DriverFactory func(cfg map[string]any) (Driver, error)
