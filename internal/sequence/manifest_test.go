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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factorial-systems/stationd/pkg/errors"
)

const validManifest = `
name: voltage_test
version: 1.2.3
author: line4
description: Final voltage test
entry_point:
  module: voltage_test
  class: VoltageTest
hardware:
  dmm:
    name: Digital Multimeter
    driver_module: dmm_serial
    class_name: DMMSerial
    config_schema:
      port:
        type: string
        required: true
      baud:
        type: int
        default: 9600
parameters:
  target_voltage:
    name: Target Voltage
    type: float
    default: 3.3
    min: 0
    max: 24
    unit: V
  enable_burn_in:
    name: Enable Burn-In
    type: bool
    default: false
requirements:
  - pyserial
`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(validManifest))
	require.NoError(t, err)

	assert.Equal(t, "voltage_test", m.Name)
	assert.Equal(t, "1.2.3", m.Version)
	assert.Equal(t, "VoltageTest", m.EntryPoint.Class)
	assert.Equal(t, 9600, m.Hardware["dmm"].ConfigSchema["baud"].Default)
	assert.Equal(t, 3.3, m.Parameters["target_voltage"].Default)
}

func TestParseManifest_Invalid(t *testing.T) {
	tests := []struct {
		name       string
		mutate     string
		wantReason string
	}{
		{
			name:       "bad version",
			mutate:     "version: 1.2.3\n",
			wantReason: "does not match X.Y.Z",
		},
		{
			name:       "bad name",
			mutate:     "name: voltage_test\n",
			wantReason: "not a valid identifier",
		},
	}

	replacements := map[string]string{
		"bad version": "version: 1.2\n",
		"bad name":    "name: voltage-test!\n",
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content := validManifest
			content = replaceOnce(content, tt.mutate, replacements[tt.name])
			_, err := ParseManifest([]byte(content))
			var mErr *errors.ManifestError
			require.ErrorAs(t, err, &mErr)
			assert.Contains(t, mErr.Reason, tt.wantReason)
		})
	}
}

func replaceOnce(s, old, new string) string {
	for i := 0; i+len(old) <= len(s); i++ {
		if s[i:i+len(old)] == old {
			return s[:i] + new + s[i+len(old):]
		}
	}
	return s
}

func TestParseManifest_DefaultTypeMismatch(t *testing.T) {
	content := replaceOnce(validManifest, "    type: bool\n    default: false\n", "    type: bool\n    default: 1\n")
	_, err := ParseManifest([]byte(content))
	var mErr *errors.ManifestError
	require.ErrorAs(t, err, &mErr)
	assert.Contains(t, mErr.Reason, "does not match declared type")
}

func TestParseManifest_MissingEntryPoint(t *testing.T) {
	_, err := ParseManifest([]byte("name: x\nversion: 1.0.0\n"))
	var mErr *errors.ManifestError
	require.ErrorAs(t, err, &mErr)
	assert.Contains(t, mErr.Reason, "entry_point")
}

func TestDefaultMatchesType(t *testing.T) {
	tests := []struct {
		name string
		v    any
		t    ParamType
		want bool
	}{
		{"string ok", "hello", TypeString, true},
		{"string not int", "hello", TypeInt, false},
		{"int ok", 5, TypeInt, true},
		{"int is valid float", 5, TypeFloat, true},
		{"float ok", 1.5, TypeFloat, true},
		{"float not int", 1.5, TypeInt, false},
		{"bool ok", true, TypeBool, true},
		{"bool not string", true, TypeString, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, defaultMatchesType(tt.v, tt.t))
		})
	}
}

func TestBumpPatch(t *testing.T) {
	m := &Manifest{Version: "1.2.3"}
	m.BumpPatch()
	assert.Equal(t, "1.2.4", m.Version)

	m.Version = "0.0.9"
	m.BumpPatch()
	assert.Equal(t, "0.0.10", m.Version)
}

func TestParameterDefaults(t *testing.T) {
	m, err := ParseManifest([]byte(validManifest))
	require.NoError(t, err)

	defs := m.ParameterDefaults()
	assert.Equal(t, 3.3, defs["target_voltage"])
	assert.Equal(t, false, defs["enable_burn_in"])
}
