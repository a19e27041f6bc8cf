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
	"fmt"
	"math/rand"
	"sync"

	"github.com/factorial-systems/stationd/internal/sequence"
	"github.com/factorial-systems/stationd/pkg/errors"
)

// SimDMM is a simulated digital multimeter. Readings are the configured
// nominal value plus bounded noise.
type SimDMM struct {
	nominal float64
	noise   float64

	mu        sync.Mutex
	connected bool
	reads     int
}

// NewSimDMM builds the driver from batch hardware config. Recognized keys:
// nominal (float, default 3.3), noise (float, default 0.02).
func NewSimDMM(cfg map[string]any) (sequence.Driver, error) {
	d := &SimDMM{nominal: 3.3, noise: 0.02}
	if v, ok := asFloat(cfg["nominal"]); ok {
		d.nominal = v
	}
	if v, ok := asFloat(cfg["noise"]); ok {
		d.noise = v
	}
	return d, nil
}

func (d *SimDMM) Connect(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = true
	return nil
}

func (d *SimDMM) Disconnect(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	return nil
}

// Read returns one simulated measurement.
func (d *SimDMM) Read() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads++
	return d.nominal + (rand.Float64()*2-1)*d.noise
}

func (d *SimDMM) Call(_ context.Context, method string, _ map[string]any) (any, error) {
	d.mu.Lock()
	connected := d.connected
	d.mu.Unlock()
	if !connected {
		return nil, &errors.DriverError{Hardware: "sim_dmm", Op: method, Cause: fmt.Errorf("not connected")}
	}

	switch method {
	case "read":
		return map[string]any{"value": d.Read(), "unit": "V"}, nil
	case "identify":
		return map[string]any{"model": "SIM-DMM-1000"}, nil
	default:
		return nil, &errors.DriverError{Hardware: "sim_dmm", Op: method, Cause: fmt.Errorf("unknown method")}
	}
}

// Status implements sequence.StatusReporter.
func (d *SimDMM) Status(context.Context) map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]any{
		"connected": d.connected,
		"model":     "SIM-DMM-1000",
		"reads":     d.reads,
	}
}

// SimPSU is a simulated programmable power supply.
type SimPSU struct {
	mu        sync.Mutex
	connected bool
	output    bool
	voltage   float64
}

// NewSimPSU builds the driver. Config is ignored.
func NewSimPSU(map[string]any) (sequence.Driver, error) {
	return &SimPSU{}, nil
}

func (p *SimPSU) Connect(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	return nil
}

func (p *SimPSU) Disconnect(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.output = false
	p.connected = false
	return nil
}

// SetOutput switches the simulated output stage.
func (p *SimPSU) SetOutput(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.output = on
}

func (p *SimPSU) Call(_ context.Context, method string, params map[string]any) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, &errors.DriverError{Hardware: "sim_psu", Op: method, Cause: fmt.Errorf("not connected")}
	}

	switch method {
	case "set_voltage":
		v, ok := asFloat(params["voltage"])
		if !ok {
			return nil, &errors.DriverError{Hardware: "sim_psu", Op: method, Cause: fmt.Errorf("voltage parameter required")}
		}
		p.voltage = v
		return map[string]any{"voltage": v}, nil
	case "output_on":
		p.output = true
		return map[string]any{"output": true}, nil
	case "output_off":
		p.output = false
		return map[string]any{"output": false}, nil
	default:
		return nil, &errors.DriverError{Hardware: "sim_psu", Op: method, Cause: fmt.Errorf("unknown method")}
	}
}

// Status implements sequence.StatusReporter.
func (p *SimPSU) Status(context.Context) map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]any{
		"connected": p.connected,
		"output":    p.output,
		"voltage":   p.voltage,
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
