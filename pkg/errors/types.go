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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for invalid user input, malformed data, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "batch", "package", "driver")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// PreconditionError represents an operation rejected because the target is
// in the wrong state (batch already running, sequence in progress, etc.).
type PreconditionError struct {
	// Operation describes what was attempted
	Operation string

	// Reason explains why the operation was rejected
	Reason string
}

// Error implements the error interface.
func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Operation, e.Reason)
}

// ManifestError represents sequence package manifest problems: missing file,
// unparseable YAML, or schema violations. The package is unusable until fixed.
type ManifestError struct {
	// Package is the sequence package name
	Package string

	// Reason explains what's wrong with the manifest
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ManifestError) Error() string {
	if e.Package != "" {
		return fmt.Sprintf("manifest error in package %s: %s", e.Package, e.Reason)
	}
	return fmt.Sprintf("manifest error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ManifestError) Unwrap() error {
	return e.Cause
}

// ConfigError represents station configuration problems.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "backend.url")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// DriverError represents hardware driver construction or communication
// failures. The driver is omitted or marked disconnected; sequences that do
// not need it may still run.
type DriverError struct {
	// Hardware is the hardware id from the manifest
	Hardware string

	// Op is the driver operation that failed (construct, connect, disconnect,
	// or a method name)
	Op string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *DriverError) Error() string {
	return fmt.Sprintf("driver %s: %s failed: %v", e.Hardware, e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *DriverError) Unwrap() error {
	return e.Cause
}

// StepTimeoutError is recorded when a step exceeds its configured timeout.
// Subject to the step's retry budget like any other step failure.
type StepTimeoutError struct {
	// Step is the step name
	Step string

	// Timeout is the configured limit
	Timeout time.Duration

	// Elapsed is how long the step ran before the timeout fired
	Elapsed time.Duration
}

// Error implements the error interface.
func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("step %s timed out after %v (limit %v)", e.Step, e.Elapsed, e.Timeout)
}

// TestFailureError is a semantic assertion failure raised by a step body.
// It marks the step failed and is never retried.
type TestFailureError struct {
	// Message describes the failed assertion
	Message string

	// Defects are operator-facing defect codes contributed by the step
	Defects []string
}

// Error implements the error interface.
func (e *TestFailureError) Error() string {
	return fmt.Sprintf("test failure: %s", e.Message)
}

// TestSkippedError is raised by a step body to skip itself mid-run.
// The step is recorded as skipped with passed=true.
type TestSkippedError struct {
	// Reason explains why the step skipped itself
	Reason string
}

// Error implements the error interface.
func (e *TestSkippedError) Error() string {
	return fmt.Sprintf("test skipped: %s", e.Reason)
}

// BackendError represents manufacturing backend failures: transport errors,
// 5xx responses, or unmapped error bodies.
type BackendError struct {
	// Code is the backend error code (e.g., "LOGIN_FAILED", "INVALID_TOKEN")
	Code string

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	msg := "backend error"
	if e.Code != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Code)
	}
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *BackendError) Unwrap() error {
	return e.Cause
}

// WIPNotFoundError indicates the scanned WIP id is unknown to the backend.
// Aborts the requested start_sequence; never queued offline.
type WIPNotFoundError struct {
	// WIPID is the scanned work-in-process identifier
	WIPID string
}

// Error implements the error interface.
func (e *WIPNotFoundError) Error() string {
	return fmt.Sprintf("WIP not found: %s", e.WIPID)
}

// PrerequisiteNotMetError indicates the backend rejected a start-process call
// because an earlier manufacturing step has not completed.
type PrerequisiteNotMetError struct {
	// ProcessID is the rejected process step
	ProcessID int

	// Required is the process step that must complete first
	Required int
}

// Error implements the error interface.
func (e *PrerequisiteNotMetError) Error() string {
	return fmt.Sprintf("prerequisite not met for process %d: process %d must complete first", e.ProcessID, e.Required)
}

// DuplicatePassError indicates the backend rejected a complete-process call
// because the process already passed for this WIP.
type DuplicatePassError struct {
	// WIPID is the work-in-process integer id
	WIPID int

	// ProcessID is the duplicated process step
	ProcessID int
}

// Error implements the error interface.
func (e *DuplicatePassError) Error() string {
	return fmt.Sprintf("process %d already passed for WIP %d", e.ProcessID, e.WIPID)
}

// InvalidWIPStatusError indicates the WIP is in a status that does not allow
// the requested transition.
type InvalidWIPStatusError struct {
	// Status is the WIP status reported by the backend
	Status string

	// Message is the backend's explanation
	Message string
}

// Error implements the error interface.
func (e *InvalidWIPStatusError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("invalid WIP status %s: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("invalid WIP status: %s", e.Message)
}

// IPCError represents master/worker IPC failures: a worker that is not
// connected, a malformed frame, or a command that timed out.
type IPCError struct {
	// BatchID identifies the worker the command was addressed to
	BatchID string

	// Op is the failed operation (send, receive, dial)
	Op string

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *IPCError) Error() string {
	if e.BatchID != "" {
		return fmt.Sprintf("ipc %s (batch %s): %s", e.Op, e.BatchID, e.Message)
	}
	return fmt.Sprintf("ipc %s: %s", e.Op, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *IPCError) Unwrap() error {
	return e.Cause
}
