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

package simulation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factorial-systems/stationd/internal/config"
	"github.com/factorial-systems/stationd/internal/sequence"
	"github.com/factorial-systems/stationd/pkg/errors"
)

// loadSimulated registers the package in a fresh registry and loads it
// through the loader, the same path a worker takes.
func loadSimulated(t *testing.T, cfg config.SimulationConfig) (sequence.Sequence, map[string]sequence.Driver) {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, EnsurePackage(dir))

	reg := sequence.NewRegistry()
	Register(reg, cfg)

	loader := sequence.NewLoader(dir, reg, nil)
	manifest, err := loader.LoadPackage(PackageName)
	require.NoError(t, err)

	seq, err := loader.LoadSequence(manifest)
	require.NoError(t, err)

	drivers := make(map[string]sequence.Driver)
	for hw, factory := range loader.LoadDrivers(manifest) {
		drv, err := factory(nil)
		require.NoError(t, err)
		require.NoError(t, drv.Connect(context.Background()))
		drivers[hw] = drv
	}
	require.Len(t, drivers, 2)

	seq.Bind(drivers, manifest.ParameterDefaults())
	return seq, drivers
}

func TestSimulatedRunPasses(t *testing.T) {
	seq, _ := loadSimulated(t, config.SimulationConfig{Enabled: true})

	exec := sequence.NewExecutor(seq, nil, sequence.Callbacks{}, nil)
	res := exec.Run(context.Background())

	require.True(t, res.OverallPass, "simulated run should pass: %+v", res)
	require.Len(t, res.Steps, 5)

	// Soak is gated off by default and recorded as skipped.
	var soak *sequence.StepResult
	for i := range res.Steps {
		if res.Steps[i].Name == "soak" {
			soak = res.Steps[i]
		}
	}
	require.NotNil(t, soak)
	assert.Equal(t, sequence.StepSkipped, soak.Status)

	final := res.FinalOutput()
	require.NotNil(t, final)
	meas := final["measurements"].(map[string]any)
	v := meas["final_voltage"].(float64)
	assert.InDelta(t, 3.3, v, 0.1)
}

func TestSimulatedSoakGatedByParameter(t *testing.T) {
	seq, _ := loadSimulated(t, config.SimulationConfig{Enabled: true})
	seq.Bind(seq.(*SimulatedTest).Hardware, map[string]any{
		"target_voltage": 3.3,
		"tolerance":      0.1,
		"soak_enabled":   true,
		"soak_ms":        10.0,
	})

	exec := sequence.NewExecutor(seq, map[string]any{"soak_enabled": true}, sequence.Callbacks{}, nil)
	res := exec.Run(context.Background())

	require.True(t, res.OverallPass)
	names := make([]string, 0, len(res.Steps))
	for _, s := range res.Steps {
		names = append(names, s.Name)
	}
	assert.Contains(t, names, "soak")
}

func TestSimulatedInjectedFailure(t *testing.T) {
	seq, _ := loadSimulated(t, config.SimulationConfig{Enabled: true, FailureRate: 1})

	exec := sequence.NewExecutor(seq, nil, sequence.Callbacks{}, nil)
	res := exec.Run(context.Background())

	require.False(t, res.OverallPass)
	var failed *sequence.StepResult
	for i := range res.Steps {
		if res.Steps[i].Name == "measure_voltage" {
			failed = res.Steps[i]
		}
	}
	require.NotNil(t, failed)

	var tf *errors.TestFailureError
	require.ErrorAs(t, failed.Err, &tf)
	assert.Contains(t, tf.Defects, "SIM_FAULT")

	// Cleanup still powered the supply off.
	last := res.Steps[len(res.Steps)-1]
	assert.Equal(t, "power_off", last.Name)
	assert.True(t, last.Passed)
}

func TestDriverManualMethods(t *testing.T) {
	_, drivers := loadSimulated(t, config.SimulationConfig{Enabled: true})
	ctx := context.Background()

	out, err := drivers["dmm"].Call(ctx, "read", nil)
	require.NoError(t, err)
	reading := out.(map[string]any)
	assert.InDelta(t, 3.3, reading["value"].(float64), 0.05)

	_, err = drivers["dmm"].Call(ctx, "selftest", nil)
	var dErr *errors.DriverError
	require.ErrorAs(t, err, &dErr)

	_, err = drivers["psu"].Call(ctx, "set_voltage", map[string]any{"voltage": 5.0})
	require.NoError(t, err)
	status := drivers["psu"].(sequence.StatusReporter).Status(ctx)
	assert.Equal(t, 5.0, status["voltage"])
}

func TestStepsReportUnboundHardware(t *testing.T) {
	s := &SimulatedTest{}
	ctx := context.Background()

	steps := []func(context.Context, *sequence.RunContext) (map[string]any, error){
		s.powerOn, s.measureVoltage, s.verifyLimits, s.powerOff,
	}
	for _, run := range steps {
		_, err := run(ctx, &sequence.RunContext{})
		var dErr *errors.DriverError
		require.ErrorAs(t, err, &dErr)
	}
}

func TestEnsurePackageIdempotent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, EnsurePackage(dir))
	require.NoError(t, EnsurePackage(dir))

	loader := sequence.NewLoader(dir, sequence.NewRegistry(), nil)
	names, err := loader.DiscoverPackages()
	require.NoError(t, err)
	assert.Equal(t, []string{PackageName}, names)
}
