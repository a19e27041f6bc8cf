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

// Package server is the station's HTTP surface: the REST API, the metrics
// endpoint, and the WebSocket status feed.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/factorial-systems/stationd/internal/config"
	"github.com/factorial-systems/stationd/internal/ipc"
	"github.com/factorial-systems/stationd/internal/metrics"
	"github.com/factorial-systems/stationd/internal/offline"
	"github.com/factorial-systems/stationd/internal/pushhub"
	"github.com/factorial-systems/stationd/internal/sequence"
	"github.com/factorial-systems/stationd/internal/supervisor"
	"github.com/factorial-systems/stationd/internal/tracing"
	"github.com/factorial-systems/stationd/pkg/errors"
)

// EnvCORSOrigins lists allowed CORS origins, comma separated. "*" allows
// any origin. Unset disables cross-origin access.
const EnvCORSOrigins = "CORS_ALLOWED_ORIGINS"

const shutdownGrace = 5 * time.Second

// Options wires the server's collaborators.
type Options struct {
	Config     *config.Writer
	Supervisor *supervisor.Supervisor
	Loader     *sequence.Loader
	Store      *offline.Store
	Sync       *offline.SyncEngine
	Registry   *pushhub.Registry
	Metrics    *metrics.Metrics
	Version    string
	Logger     *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	opts    Options
	logger  *slog.Logger
	origins []string
	started time.Time

	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// New builds the server and its route table.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		opts:    opts,
		logger:  logger,
		origins: parseOrigins(os.Getenv(EnvCORSOrigins)),
		started: time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.originAllowed,
	}
	return s
}

func parseOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.origins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// Handler assembles the full middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)

	var h http.Handler
	if s.opts.Metrics != nil {
		h = s.opts.Metrics.Middleware(mux)
	} else {
		h = mux
	}
	h = tracing.Middleware(h)
	return s.cors(h)
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/batches", s.handleListBatches)
	mux.HandleFunc("POST /api/v1/batches", s.handleAddBatch)
	mux.HandleFunc("GET /api/v1/batches/{id}", s.handleGetBatch)
	mux.HandleFunc("DELETE /api/v1/batches/{id}", s.handleRemoveBatch)
	mux.HandleFunc("POST /api/v1/batches/{id}/start", s.handleStartBatch)
	mux.HandleFunc("POST /api/v1/batches/{id}/stop", s.handleStopBatch)
	mux.HandleFunc("POST /api/v1/batches/{id}/restart", s.handleRestartBatch)
	mux.HandleFunc("POST /api/v1/batches/{id}/sequence/start", s.handleStartSequence)
	mux.HandleFunc("POST /api/v1/batches/{id}/sequence/stop", s.handleStopSequence)
	mux.HandleFunc("POST /api/v1/batches/{id}/manual-control", s.handleManualControl)
	mux.HandleFunc("GET /api/v1/batches/{id}/hardware", s.handleHardwareStatus)
	mux.HandleFunc("GET /api/v1/statistics", s.handleStatistics)

	mux.HandleFunc("GET /api/v1/sequences", s.handleListSequences)
	mux.HandleFunc("GET /api/v1/sequences/{name}", s.handleGetSequence)
	mux.HandleFunc("PUT /api/v1/sequences/{name}/manifest", s.handleUpdateManifest)

	mux.HandleFunc("GET /api/v1/sync", s.handleSyncStatus)
	mux.HandleFunc("POST /api/v1/sync/force", s.handleForceSync)

	mux.HandleFunc("PUT /api/v1/station", s.handleUpdateStation)
	mux.HandleFunc("GET /api/v1/system/info", s.handleSystemInfo)
	mux.HandleFunc("GET /api/v1/system/health", s.handleHealth)

	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics.Handler())
	}
	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

// Start serves until the context is cancelled, then drains connections.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.ListenAndServe() }()

	s.logger.Info("http server listening", slog.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

// cors applies the allow-list and answers preflight requests.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		status = http.StatusInternalServerError
		code   = "INTERNAL"
	)

	var (
		notFound *errors.NotFoundError
		invalid  *errors.ValidationError
		precond  *errors.PreconditionError
		manifest *errors.ManifestError
		backend  *errors.BackendError
		cmdErr   *ipc.CommandError
	)
	switch {
	case errors.As(err, &notFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.As(err, &invalid):
		status, code = http.StatusBadRequest, "VALIDATION"
	case errors.As(err, &precond):
		status, code = http.StatusConflict, "PRECONDITION"
	case errors.As(err, &manifest):
		status, code = http.StatusBadRequest, "MANIFEST"
	case errors.As(err, &backend):
		status, code = http.StatusBadGateway, backend.Code
	case errors.As(err, &cmdErr):
		status, code = http.StatusConflict, cmdErr.Code
	case errors.Is(err, ipc.ErrWorkerNotConnected):
		status, code = http.StatusConflict, "WORKER_NOT_CONNECTED"
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", slog.Any("error", err))
	}
	writeJSON(w, status, errorBody{Code: code, Message: err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return &errors.ValidationError{Field: "body", Message: "invalid JSON body: " + err.Error()}
	}
	return nil
}
