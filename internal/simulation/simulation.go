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

// Package simulation provides a compiled-in sequence package with simulated
// hardware so a station runs end to end without any instruments attached.
package simulation

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/factorial-systems/stationd/internal/config"
	"github.com/factorial-systems/stationd/internal/sequence"
	"github.com/factorial-systems/stationd/pkg/errors"
)

// PackageName is the simulated sequence package directory name.
const PackageName = "simulated"

// Register installs the simulated sequence and driver factories into the
// registry. The failure rate injects random measurement failures.
func Register(reg *sequence.Registry, cfg config.SimulationConfig) {
	if reg == nil {
		reg = sequence.DefaultRegistry()
	}
	reg.RegisterSequence("simulation", "SimulatedTest", func() sequence.Sequence {
		return &SimulatedTest{failureRate: cfg.FailureRate}
	})
	reg.RegisterDriver("sim_dmm", "SimDMM", NewSimDMM)
	reg.RegisterDriver("sim_psu", "SimPSU", NewSimPSU)
}

const packageManifest = `name: simulated
version: 1.0.0
description: Built-in simulated board test
entry_point:
  module: simulation
  class: SimulatedTest
hardware:
  dmm:
    name: Simulated DMM
    driver_module: sim_dmm
    class_name: SimDMM
  psu:
    name: Simulated PSU
    driver_module: sim_psu
    class_name: SimPSU
parameters:
  target_voltage:
    type: float
    default: 3.3
    unit: V
  tolerance:
    type: float
    default: 0.1
    unit: V
  soak_enabled:
    type: bool
    default: false
  soak_ms:
    type: float
    default: 200
`

// EnsurePackage writes the simulated package manifest under the sequences
// root if it does not exist yet, so the loader discovers it like any other
// package.
func EnsurePackage(sequencesDir string) error {
	dir := filepath.Join(sequencesDir, PackageName)
	path := filepath.Join(dir, sequence.ManifestFileName)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(packageManifest), 0o644)
}

// SimulatedTest is a board functional test against simulated instruments.
type SimulatedTest struct {
	sequence.Base
	failureRate float64
}

// Steps implements sequence.Sequence.
func (s *SimulatedTest) Steps() []sequence.Step {
	return []sequence.Step{
		{
			Name:        "power_on",
			Description: "Enable the supply at the target voltage",
			Order:       10,
			Timeout:     5 * time.Second,
			Run:         s.powerOn,
		},
		{
			Name:        "measure_voltage",
			Description: "Read the rail voltage",
			Order:       20,
			Timeout:     5 * time.Second,
			Retry:       1,
			Run:         s.measureVoltage,
		},
		{
			Name:        "soak",
			Description: "Optional soak before the final check",
			Order:       30,
			Timeout:     30 * time.Second,
			Condition:   "soak_enabled",
			Run:         s.soak,
		},
		{
			Name:        "verify_limits",
			Description: "Compare the measurement against limits",
			Order:       40,
			Timeout:     5 * time.Second,
			Run:         s.verifyLimits,
		},
		{
			Name:        "power_off",
			Description: "Disable the supply",
			Order:       100,
			Timeout:     5 * time.Second,
			Cleanup:     true,
			Run:         s.powerOff,
		},
	}
}

func (s *SimulatedTest) psu() (sequence.Driver, error) {
	drv, ok := s.Hardware["psu"]
	if !ok {
		return nil, &errors.DriverError{Hardware: "psu", Op: "lookup", Cause: fmt.Errorf("not bound")}
	}
	return drv, nil
}

func (s *SimulatedTest) powerOn(ctx context.Context, _ *sequence.RunContext) (map[string]any, error) {
	psu, err := s.psu()
	if err != nil {
		return nil, err
	}
	target, _ := s.Param("target_voltage", 3.3).(float64)
	if _, err := psu.Call(ctx, "set_voltage", map[string]any{"voltage": target}); err != nil {
		return nil, err
	}
	if _, err := psu.Call(ctx, "output_on", nil); err != nil {
		return nil, err
	}
	return map[string]any{"voltage": target}, nil
}

func (s *SimulatedTest) measureVoltage(ctx context.Context, rc *sequence.RunContext) (map[string]any, error) {
	dmm, ok := s.Hardware["dmm"]
	if !ok {
		return nil, &errors.DriverError{Hardware: "dmm", Op: "lookup", Cause: fmt.Errorf("not bound")}
	}

	if s.failureRate > 0 && rand.Float64() < s.failureRate {
		return nil, &errors.TestFailureError{
			Message: "injected measurement failure",
			Defects: []string{"SIM_FAULT"},
		}
	}

	out, err := dmm.Call(ctx, "read", nil)
	if err != nil {
		return nil, err
	}
	reading, _ := out.(map[string]any)
	value, _ := reading["value"].(float64)
	rc.Log("info", fmt.Sprintf("measured %.3f V", value))
	return map[string]any{
		"measurements": map[string]any{"voltage": value},
	}, nil
}

func (s *SimulatedTest) soak(ctx context.Context, _ *sequence.RunContext) (map[string]any, error) {
	ms, _ := s.Param("soak_ms", 200.0).(float64)
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return map[string]any{"soak_ms": ms}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *SimulatedTest) verifyLimits(ctx context.Context, _ *sequence.RunContext) (map[string]any, error) {
	dmm, ok := s.Hardware["dmm"]
	if !ok {
		return nil, &errors.DriverError{Hardware: "dmm", Op: "lookup", Cause: fmt.Errorf("not bound")}
	}
	out, err := dmm.Call(ctx, "read", nil)
	if err != nil {
		return nil, err
	}
	reading, _ := out.(map[string]any)
	value, _ := reading["value"].(float64)

	target, _ := s.Param("target_voltage", 3.3).(float64)
	tol, _ := s.Param("tolerance", 0.1).(float64)
	if value < target-tol || value > target+tol {
		return nil, &errors.TestFailureError{
			Message: fmt.Sprintf("voltage %.3f outside %.3f±%.3f", value, target, tol),
			Defects: []string{"V_OUT_OF_RANGE"},
		}
	}
	return map[string]any{
		"measurements": map[string]any{"final_voltage": value},
	}, nil
}

func (s *SimulatedTest) powerOff(ctx context.Context, _ *sequence.RunContext) (map[string]any, error) {
	psu, err := s.psu()
	if err != nil {
		return nil, err
	}
	_, err = psu.Call(ctx, "output_off", nil)
	return nil, err
}
