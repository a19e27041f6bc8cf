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
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/factorial-systems/stationd/internal/config"
	"github.com/factorial-systems/stationd/internal/pushhub"
	"github.com/factorial-systems/stationd/internal/sequence"
	"github.com/factorial-systems/stationd/internal/supervisor"
)

func statusOptions(r *http.Request) supervisor.StatusOptions {
	q := r.URL.Query()
	return supervisor.StatusOptions{
		IncludeHardware:   q.Get("include_hardware") == "true",
		IncludeStatistics: q.Get("include_statistics") == "true",
	}
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.opts.Supervisor.GetAllBatchStatuses(r.Context(), statusOptions(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": statuses})
}

func (s *Server) handleAddBatch(w http.ResponseWriter, r *http.Request) {
	var batch config.BatchConfig
	if err := decodeBody(r, &batch); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.opts.Supervisor.AddBatch(batch); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"batch_id": batch.ID})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	status, err := s.opts.Supervisor.GetBatchStatus(r.Context(), r.PathValue("id"), statusOptions(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleRemoveBatch(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Supervisor.RemoveBatch(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": true})
}

func (s *Server) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.opts.Supervisor.StartBatch(id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch_id": id, "running": true})
}

func (s *Server) handleStopBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.opts.Supervisor.StopBatch(id, 0); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch_id": id, "running": false})
}

func (s *Server) handleRestartBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.opts.Supervisor.RestartBatch(id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch_id": id, "running": true})
}

func (s *Server) handleStartSequence(w http.ResponseWriter, r *http.Request) {
	var params map[string]any
	if r.ContentLength != 0 {
		if err := decodeBody(r, &params); err != nil {
			s.writeError(w, err)
			return
		}
	}
	resp, err := s.opts.Supervisor.StartSequence(r.Context(), r.PathValue("id"), params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleStopSequence(w http.ResponseWriter, r *http.Request) {
	resp, err := s.opts.Supervisor.StopSequence(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type manualControlBody struct {
	Hardware string         `json:"hardware"`
	Command  string         `json:"command"`
	Params   map[string]any `json:"params"`
}

func (s *Server) handleManualControl(w http.ResponseWriter, r *http.Request) {
	var body manualControlBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := s.opts.Supervisor.ManualControl(r.Context(), r.PathValue("id"), body.Hardware, body.Command, body.Params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHardwareStatus(w http.ResponseWriter, r *http.Request) {
	hw, err := s.opts.Supervisor.GetHardwareStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hardware": hw})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.opts.Supervisor.GetAllBatchStatistics(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"statistics": stats})
}

func (s *Server) handleListSequences(w http.ResponseWriter, _ *http.Request) {
	names, err := s.opts.Loader.DiscoverPackages()
	if err != nil {
		s.writeError(w, err)
		return
	}

	packages := make([]map[string]any, 0, len(names))
	for _, name := range names {
		m, err := s.opts.Loader.LoadPackage(name)
		if err != nil {
			// A broken package is reported, not fatal to the listing.
			packages = append(packages, map[string]any{"name": name, "error": err.Error()})
			continue
		}
		packages = append(packages, map[string]any{
			"name":        name,
			"version":     m.Version,
			"description": m.Description,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sequences": packages})
}

func (s *Server) handleGetSequence(w http.ResponseWriter, r *http.Request) {
	m, err := s.opts.Loader.LoadPackage(r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type updateManifestBody struct {
	Parameters map[string]any                   `json:"parameters"`
	Steps      map[string]sequence.StepOverride `json:"steps"`
}

func (s *Server) handleUpdateManifest(w http.ResponseWriter, r *http.Request) {
	var body updateManifestBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	m, err := s.opts.Loader.UpdateManifest(r.PathValue("name"), body.Parameters, body.Steps)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	pending, err := s.opts.Store.CountPending(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	failed, err := s.opts.Store.CountFailed(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled": true,
		"pending": pending,
		"failed":  failed,
	})
}

func (s *Server) handleForceSync(w http.ResponseWriter, r *http.Request) {
	if s.opts.Sync == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	result, err := s.opts.Sync.ForceSync(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type updateStationBody struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handleUpdateStation(w http.ResponseWriter, r *http.Request) {
	var body updateStationBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.opts.Config.UpdateStation(body.ID, body.Name, body.Description); err != nil {
		s.writeError(w, err)
		return
	}
	st := s.opts.Config.Config().Station
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          st.ID,
		"name":        st.Name,
		"description": st.Description,
	})
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, _ *http.Request) {
	cfg := s.opts.Config.Config()
	writeJSON(w, http.StatusOK, map[string]any{
		"station": map[string]any{
			"id":          cfg.Station.ID,
			"name":        cfg.Station.Name,
			"description": cfg.Station.Description,
		},
		"version":         s.opts.Version,
		"go_version":      runtime.Version(),
		"uptime_seconds":  time.Since(s.started).Seconds(),
		"batches":         len(cfg.Batches),
		"running_batches": s.opts.Supervisor.RunningBatches(),
		"backend_enabled": cfg.Backend.Enabled(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	pushhub.ServeConn(s.opts.Registry, conn, s.logger)
}
