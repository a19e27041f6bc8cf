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

package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factorial-systems/stationd/internal/config"
	"github.com/factorial-systems/stationd/internal/events"
	"github.com/factorial-systems/stationd/internal/metrics"
	"github.com/factorial-systems/stationd/internal/offline"
	"github.com/factorial-systems/stationd/internal/pushhub"
	"github.com/factorial-systems/stationd/internal/sequence"
	"github.com/factorial-systems/stationd/internal/supervisor"
)

const testManifest = `
name: voltage_test
version: 1.0.0
description: Voltage rail verification
entry_point:
  module: sequences
  class: VoltageTest
parameters:
  limit:
    type: float
    default: 3.3
`

type fixture struct {
	srv      *httptest.Server
	cfg      *config.Writer
	registry *pushhub.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	seqDir := filepath.Join(dir, "sequences")
	require.NoError(t, os.MkdirAll(filepath.Join(seqDir, "voltage_test"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(seqDir, "voltage_test", sequence.ManifestFileName),
		[]byte(testManifest), 0o644))

	cfg := config.NewWriter(filepath.Join(dir, "station.yaml"), &config.Config{
		Station: config.StationConfig{
			ID:           "ST-01",
			Name:         "Final Test",
			SequencesDir: seqDir,
			DataDir:      dir,
		},
		Batches: []config.BatchConfig{
			{ID: "batch-a", Name: "Batch A", Sequence: "voltage_test"},
		},
	})

	emitter := events.NewEmitter(nil)
	sup := supervisor.New(cfg, emitter, nil)
	registry := pushhub.NewRegistry(nil)

	store, err := offline.Open(filepath.Join(dir, "station.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	s := New(Options{
		Config:     cfg,
		Supervisor: sup,
		Loader:     sequence.NewLoader(seqDir, nil, nil),
		Store:      store,
		Registry:   registry,
		Metrics:    metrics.New(),
		Version:    "1.2.3",
	})

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, cfg: cfg, registry: registry}
}

func (f *fixture) request(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestListAndGetBatches(t *testing.T) {
	f := newFixture(t)

	resp, body := f.request(t, http.MethodGet, "/api/v1/batches", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	batches := body["batches"].([]any)
	require.Len(t, batches, 1)
	first := batches[0].(map[string]any)
	assert.Equal(t, "batch-a", first["batch_id"])
	assert.Equal(t, "stopped", first["status"])

	resp, body = f.request(t, http.MethodGet, "/api/v1/batches/batch-a", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "voltage_test", body["sequence"])

	resp, body = f.request(t, http.MethodGet, "/api/v1/batches/ghost", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["code"])
}

func TestAddAndRemoveBatch(t *testing.T) {
	f := newFixture(t)

	resp, body := f.request(t, http.MethodPost, "/api/v1/batches",
		`{"id":"batch-b","name":"Batch B","sequence":"voltage_test"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "batch-b", body["batch_id"])

	// Duplicate id is a validation error.
	resp, body = f.request(t, http.MethodPost, "/api/v1/batches",
		`{"id":"batch-b","sequence":"voltage_test"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION", body["code"])

	resp, _ = f.request(t, http.MethodDelete, "/api/v1/batches/batch-b", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, ok := f.cfg.Config().Batch("batch-b")
	assert.False(t, ok)
}

func TestSequenceRoutesWithoutWorkerConflict(t *testing.T) {
	f := newFixture(t)

	// No worker process: commands cannot be delivered.
	resp, body := f.request(t, http.MethodPost, "/api/v1/batches/batch-a/sequence/start", `{}`)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["code"])

	resp, _ = f.request(t, http.MethodPost, "/api/v1/batches/batch-a/manual-control",
		`{"hardware":"dmm","command":"read"}`)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSequencePackageRoutes(t *testing.T) {
	f := newFixture(t)

	resp, body := f.request(t, http.MethodGet, "/api/v1/sequences", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	seqs := body["sequences"].([]any)
	require.Len(t, seqs, 1)
	assert.Equal(t, "voltage_test", seqs[0].(map[string]any)["name"])

	resp, body = f.request(t, http.MethodGet, "/api/v1/sequences/voltage_test", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1.0.0", body["version"])

	resp, body = f.request(t, http.MethodGet, "/api/v1/sequences/missing", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "MANIFEST", body["code"])

	// Parameter default update bumps the patch version.
	resp, body = f.request(t, http.MethodPut, "/api/v1/sequences/voltage_test/manifest",
		`{"parameters":{"limit":3.6}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1.0.1", body["version"])
}

func TestSyncRoutes(t *testing.T) {
	f := newFixture(t)

	resp, body := f.request(t, http.MethodGet, "/api/v1/sync", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["enabled"])
	assert.Equal(t, 0.0, body["pending"])
	assert.Equal(t, 0.0, body["failed"])
}

func TestStationAndSystemRoutes(t *testing.T) {
	f := newFixture(t)

	resp, body := f.request(t, http.MethodPut, "/api/v1/station",
		`{"id":"ST-02","name":"Rework","description":"Line 2"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ST-02", f.cfg.Config().Station.ID)
	_ = body

	resp, body = f.request(t, http.MethodGet, "/api/v1/system/info", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	station := body["station"].(map[string]any)
	assert.Equal(t, "ST-02", station["id"])
	assert.Equal(t, "1.2.3", body["version"])

	resp, body = f.request(t, http.MethodGet, "/api/v1/system/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	// Missing station id rejected.
	resp, body = f.request(t, http.MethodPut, "/api/v1/station", `{"name":"x"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION", body["code"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCORSPreflightAndHeaders(t *testing.T) {
	t.Setenv(EnvCORSOrigins, "https://ui.example.com")
	f := newFixture(t)

	req, err := http.NewRequest(http.MethodOptions, f.srv.URL+"/api/v1/batches", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://ui.example.com")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://ui.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	// Disallowed origin gets no CORS headers.
	req.Header.Set("Origin", "https://evil.example.com")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestWebSocketFeed(t *testing.T) {
	f := newFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Give the server loop a beat to register the subscriber.
	require.Eventually(t, func() bool {
		return f.registry.Count() > 0
	}, 2*time.Second, 10*time.Millisecond)

	f.registry.BroadcastAll(pushhub.Frame{Type: "batch_status", Data: map[string]any{"status": "idle"}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame pushhub.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "batch_status", frame.Type)
}
