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

package errors_test

import (
	"fmt"
	"testing"
	"time"

	stationerrors "github.com/factorial-systems/stationd/pkg/errors"
)

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *stationerrors.ValidationError
		wantMsg string
	}{
		{
			name: "with field",
			err: &stationerrors.ValidationError{
				Field:      "batch_id",
				Message:    "required field is missing",
				Suggestion: "Set the batch id in config",
			},
			wantMsg: "validation failed on batch_id: required field is missing",
		},
		{
			name: "without field",
			err: &stationerrors.ValidationError{
				Message: "invalid format",
			},
			wantMsg: "validation failed: invalid format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ValidationError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestNotFoundError_Error(t *testing.T) {
	err := &stationerrors.NotFoundError{Resource: "batch", ID: "b1"}
	if got := err.Error(); got != "batch not found: b1" {
		t.Errorf("NotFoundError.Error() = %q", got)
	}
}

func TestStepTimeoutError_Error(t *testing.T) {
	err := &stationerrors.StepTimeoutError{
		Step:    "measure_voltage",
		Timeout: 100 * time.Millisecond,
		Elapsed: 150 * time.Millisecond,
	}
	want := "step measure_voltage timed out after 150ms (limit 100ms)"
	if got := err.Error(); got != want {
		t.Errorf("StepTimeoutError.Error() = %q, want %q", got, want)
	}
}

func TestBackendError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *stationerrors.BackendError
		wantMsg string
	}{
		{
			name:    "full",
			err:     &stationerrors.BackendError{Code: "LOGIN_FAILED", StatusCode: 401, Message: "bad credentials"},
			wantMsg: "backend error (LOGIN_FAILED) [HTTP 401]: bad credentials",
		},
		{
			name:    "transport only",
			err:     &stationerrors.BackendError{Message: "connection refused"},
			wantMsg: "backend error: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("BackendError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestBackendError_Unwrap(t *testing.T) {
	cause := stationerrors.New("dial tcp: connection refused")
	err := &stationerrors.BackendError{Message: "health check", Cause: cause}
	if !stationerrors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}
}

func TestPrerequisiteNotMetError_Error(t *testing.T) {
	err := &stationerrors.PrerequisiteNotMetError{ProcessID: 3, Required: 2}
	want := "prerequisite not met for process 3: process 2 must complete first"
	if got := err.Error(); got != want {
		t.Errorf("PrerequisiteNotMetError.Error() = %q, want %q", got, want)
	}
}

func TestIsBusinessRejection(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"wip not found", &stationerrors.WIPNotFoundError{WIPID: "WIP-001"}, true},
		{"prerequisite", &stationerrors.PrerequisiteNotMetError{ProcessID: 2, Required: 1}, true},
		{"duplicate pass", &stationerrors.DuplicatePassError{WIPID: 7, ProcessID: 1}, true},
		{"invalid status", &stationerrors.InvalidWIPStatusError{Status: "SCRAPPED"}, true},
		{"plain backend", &stationerrors.BackendError{StatusCode: 503}, false},
		{"wrapped", fmt.Errorf("start: %w", &stationerrors.DuplicatePassError{WIPID: 1, ProcessID: 1}), true},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stationerrors.IsBusinessRejection(tt.err); got != tt.want {
				t.Errorf("IsBusinessRejection() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRetryableBackend(t *testing.T) {
	if !stationerrors.IsRetryableBackend(&stationerrors.BackendError{StatusCode: 503}) {
		t.Error("5xx backend error should be retryable")
	}
	if stationerrors.IsRetryableBackend(&stationerrors.WIPNotFoundError{WIPID: "x"}) {
		t.Error("business rejection must not be retryable")
	}
	if stationerrors.IsRetryableBackend(nil) {
		t.Error("nil is not retryable")
	}
}

func TestIsTestFailure(t *testing.T) {
	err := fmt.Errorf("step a: %w", &stationerrors.TestFailureError{Message: "voltage out of range"})
	if !stationerrors.IsTestFailure(err) {
		t.Error("expected wrapped TestFailureError to be detected")
	}
	if stationerrors.IsTestFailure(stationerrors.New("other")) {
		t.Error("plain error is not a test failure")
	}
}
