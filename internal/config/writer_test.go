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
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factorial-systems/stationd/pkg/errors"
)

func newWriter(t *testing.T) (*Writer, string) {
	t.Helper()
	path := writeConfig(t, sampleConfig)
	cfg, err := Load(path)
	require.NoError(t, err)
	return NewWriter(path, cfg), path
}

func TestWriter_AddBatch(t *testing.T) {
	w, path := newWriter(t)

	err := w.AddBatch(BatchConfig{ID: "b3", Name: "Slot 3", Sequence: "voltage_test"})
	require.NoError(t, err)

	// Reload from disk: the mutation must be durable.
	cfg, err := Load(path)
	require.NoError(t, err)
	_, ok := cfg.Batch("b3")
	assert.True(t, ok)

	// The previous document is kept as backup.
	_, err = os.Stat(path + ".bak")
	assert.NoError(t, err)
}

func TestWriter_AddBatch_Duplicate(t *testing.T) {
	w, _ := newWriter(t)

	err := w.AddBatch(BatchConfig{ID: "b1", Sequence: "voltage_test"})
	var vErr *errors.ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestWriter_RemoveBatch(t *testing.T) {
	w, path := newWriter(t)

	require.NoError(t, w.RemoveBatch("b2"))

	cfg, err := Load(path)
	require.NoError(t, err)
	_, ok := cfg.Batch("b2")
	assert.False(t, ok)
	_, ok = cfg.Batch("b1")
	assert.True(t, ok)
}

func TestWriter_RemoveBatch_Unknown(t *testing.T) {
	w, _ := newWriter(t)

	err := w.RemoveBatch("nope")
	var nf *errors.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestWriter_UpdateStation(t *testing.T) {
	w, path := newWriter(t)

	require.NoError(t, w.UpdateStation("ST-99", "Renamed", "moved to line 2"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ST-99", cfg.Station.ID)
	assert.Equal(t, "Renamed", cfg.Station.Name)
}

func TestWriter_ConfigIsCopy(t *testing.T) {
	w, _ := newWriter(t)

	snap := w.Config()
	snap.Batches[0].ID = "mutated"
	snap.Batches[0].Hardware["dmm"]["port"] = "mutated"

	fresh := w.Config()
	assert.Equal(t, "b1", fresh.Batches[0].ID)
	assert.Equal(t, "/dev/ttyUSB0", fresh.Batches[0].Hardware["dmm"]["port"])
}
