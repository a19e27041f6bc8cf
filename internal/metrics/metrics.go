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

// Package metrics exposes Prometheus instrumentation for the station:
// sequence run counters, step timings, worker lifecycle, queue depth, and
// HTTP server metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/factorial-systems/stationd/internal/events"
)

// Metrics holds every collector on a private registry so tests can run
// side by side without duplicate registration panics.
type Metrics struct {
	registry *prometheus.Registry

	sequenceRuns  *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	workerCrashes *prometheus.CounterVec
	batchesUp     prometheus.Gauge
	syncedEntries *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates the collector set and registers the standard process and Go
// runtime collectors alongside it.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		sequenceRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stationd_sequence_runs_total",
			Help: "Completed sequence runs by batch and verdict.",
		}, []string{"batch_id", "passed"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stationd_step_duration_seconds",
			Help:    "Sequence step wall time.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"batch_id", "step"}),
		workerCrashes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stationd_worker_crashes_total",
			Help: "Unexpected worker process exits.",
		}, []string{"batch_id"}),
		batchesUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stationd_batches_running",
			Help: "Worker processes currently running.",
		}),
		syncedEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stationd_offline_sync_entries_total",
			Help: "Offline queue entries by drain outcome.",
		}, []string{"outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stationd_http_requests_total",
			Help: "HTTP requests by method, path, and status.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stationd_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
	reg.MustRegister(
		m.sequenceRuns, m.stepDuration, m.workerCrashes,
		m.batchesUp, m.syncedEntries, m.httpRequests, m.httpDuration,
	)
	return m
}

// Bind subscribes the collectors to the station event bus.
func (m *Metrics) Bind(em *events.Emitter) {
	em.On(events.BatchStarted, func(events.Event) { m.batchesUp.Inc() })
	em.On(events.BatchStopped, func(events.Event) { m.batchesUp.Dec() })
	em.On(events.BatchCrashed, func(ev events.Event) {
		m.batchesUp.Dec()
		m.workerCrashes.WithLabelValues(ev.BatchID).Inc()
	})

	em.On(events.SequenceCompleted, func(ev events.Event) {
		passed, _ := ev.Data["overall_pass"].(bool)
		m.sequenceRuns.WithLabelValues(ev.BatchID, strconv.FormatBool(passed)).Inc()
	})

	em.On(events.StepCompleted, func(ev events.Event) {
		step, _ := ev.Data["step"].(string)
		if step == "" {
			return
		}
		if secs, ok := asFloat(ev.Data["duration"]); ok {
			m.stepDuration.WithLabelValues(ev.BatchID, step).Observe(secs)
		}
	})

	em.On(events.SyncCompleted, func(ev events.Event) {
		for _, outcome := range []string{"synced", "failed", "rejected"} {
			if n, ok := asFloat(ev.Data[outcome]); ok {
				m.syncedEntries.WithLabelValues(outcome).Add(n)
			}
		}
	})
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware instruments a ServeMux. The path label uses the matched route
// pattern, not the raw URL, to keep cardinality bounded.
func (m *Metrics) Middleware(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		mux.ServeHTTP(sw, r)

		_, path := mux.Handler(r)
		if path == "" {
			path = "unmatched"
		}
		m.httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(sw.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
