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

// Package config loads and persists the station configuration document.
//
// The document is YAML with top-level keys station, server, backend, batches,
// logging and simulation. It is loaded once at startup and treated as
// immutable except for the station identity block and the batch list, which
// may be mutated at runtime through the Writer.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/factorial-systems/stationd/pkg/errors"
)

// EnvConfigPath overrides the configuration file path when set.
const EnvConfigPath = "STATION_CONFIG"

// DefaultPath is the configuration file path used when no flag or
// environment override is present.
const DefaultPath = "station.yaml"

// Config is the full station configuration document.
type Config struct {
	Station    StationConfig    `yaml:"station"`
	Server     ServerConfig     `yaml:"server"`
	Backend    BackendConfig    `yaml:"backend"`
	Batches    []BatchConfig    `yaml:"batches"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Simulation SimulationConfig `yaml:"simulation"`
}

// StationConfig is the station identity block. Mutable at runtime via Writer.
type StationConfig struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`

	// SequencesDir is the root directory for sequence packages.
	SequencesDir string `yaml:"sequences_dir"`

	// DataDir holds the shared sqlite database and other runtime state.
	DataDir string `yaml:"data_dir"`
}

// ServerConfig is the HTTP bind configuration.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port bind address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// BackendConfig describes the manufacturing backend endpoint.
type BackendConfig struct {
	// URL is the backend base URL. Empty disables backend integration.
	URL string `yaml:"url"`

	// Key is the API key. May be a "keyring:service/user" reference.
	Key string `yaml:"key,omitempty"`

	// Timeout is the per-request timeout.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRetries bounds automatic HTTP retries of idempotent backend
	// requests. Offline queue drain attempts are bounded separately.
	MaxRetries int `yaml:"max_retries"`

	// SyncInterval is the offline sync engine wake interval.
	SyncInterval time.Duration `yaml:"sync_interval"`

	StationID   string `yaml:"station_id"`
	EquipmentID string `yaml:"equipment_id"`
}

// Enabled reports whether backend integration is configured.
func (b BackendConfig) Enabled() bool {
	return b.URL != ""
}

// BatchConfig describes one per-station execution slot.
type BatchConfig struct {
	// ID is unique within the station.
	ID string `yaml:"id"`

	// Name is the operator-facing display name.
	Name string `yaml:"name"`

	// Sequence names the sequence package this batch runs.
	Sequence string `yaml:"sequence"`

	// Hardware maps hardware name to driver-specific config values.
	Hardware map[string]map[string]any `yaml:"hardware,omitempty"`

	// AutoStart launches the worker when the supervisor starts.
	AutoStart bool `yaml:"auto_start"`

	// ProcessID identifies the manufacturing step this batch performs (1..N).
	ProcessID *int `yaml:"process_id,omitempty"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig configures the OpenTelemetry trace exporter.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Exporter selects the span exporter: "otlp" or "stdout".
	Exporter string `yaml:"exporter,omitempty"`

	// Endpoint is the OTLP collector host:port. Ignored for stdout.
	Endpoint string `yaml:"endpoint,omitempty"`

	// SampleRatio is the head sampling fraction (0..1]. Default 1.
	SampleRatio float64 `yaml:"sample_ratio,omitempty"`
}

// SimulationConfig controls the built-in simulated sequence package.
type SimulationConfig struct {
	Enabled bool `yaml:"enabled"`

	// FailureRate injects step failures into simulated runs (0..1).
	FailureRate float64 `yaml:"failure_rate,omitempty"`
}

// ResolvePath returns the configuration file path, honoring the
// STATION_CONFIG environment override.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	return DefaultPath
}

// Load reads and validates the configuration document at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errors.ConfigError{Reason: "cannot read configuration file", Cause: err}
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &errors.ConfigError{Reason: "cannot parse configuration file", Cause: err}
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = 10 * time.Second
	}
	if c.Backend.MaxRetries == 0 {
		c.Backend.MaxRetries = 5
	}
	if c.Backend.SyncInterval == 0 {
		c.Backend.SyncInterval = 30 * time.Second
	}
	if c.Station.SequencesDir == "" {
		c.Station.SequencesDir = "sequences"
	}
	if c.Station.DataDir == "" {
		c.Station.DataDir = "data"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "otlp"
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = 1
	}
}

// Validate checks the configuration for structural problems.
func (c *Config) Validate() error {
	if c.Station.ID == "" {
		return &errors.ConfigError{Key: "station.id", Reason: "station id is required"}
	}

	seen := make(map[string]struct{}, len(c.Batches))
	for i, b := range c.Batches {
		if b.ID == "" {
			return &errors.ConfigError{
				Key:    fmt.Sprintf("batches[%d].id", i),
				Reason: "batch id is required",
			}
		}
		if _, dup := seen[b.ID]; dup {
			return &errors.ConfigError{
				Key:    fmt.Sprintf("batches[%d].id", i),
				Reason: fmt.Sprintf("duplicate batch id %q", b.ID),
			}
		}
		seen[b.ID] = struct{}{}

		if b.Sequence == "" {
			return &errors.ConfigError{
				Key:    fmt.Sprintf("batches[%d].sequence", i),
				Reason: "sequence package name is required",
			}
		}
		if b.ProcessID != nil && *b.ProcessID < 1 {
			return &errors.ConfigError{
				Key:    fmt.Sprintf("batches[%d].process_id", i),
				Reason: "process id must be >= 1",
			}
		}
	}

	if c.Backend.Enabled() {
		if c.Backend.StationID == "" {
			return &errors.ConfigError{Key: "backend.station_id", Reason: "station id is required when backend is configured"}
		}
	}

	return nil
}

// Batch returns the batch config with the given id.
func (c *Config) Batch(id string) (BatchConfig, bool) {
	for _, b := range c.Batches {
		if b.ID == id {
			return b, true
		}
	}
	return BatchConfig{}, false
}
