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
	"errors"
	"fmt"
)

// Wrap creates a new error that wraps the given error with additional context.
// If err is nil, returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps the given error with formatted context.
// If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
// This is a convenience wrapper around errors.Is from the standard library.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target type,
// and if one is found, sets target to that error value and returns true.
// This is a convenience wrapper around errors.As from the standard library.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err,
// if err's type contains an Unwrap method returning error.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// New creates a new error with the given message.
// This is a convenience wrapper around errors.New from the standard library.
func New(message string) error {
	return errors.New(message)
}

// IsNotFound reports whether err is a NotFoundError or WIPNotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	var wnf *WIPNotFoundError
	return errors.As(err, &nf) || errors.As(err, &wnf)
}

// IsPrecondition reports whether err is a PreconditionError.
func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}

// IsTestFailure reports whether err is a TestFailureError.
func IsTestFailure(err error) bool {
	var tf *TestFailureError
	return errors.As(err, &tf)
}

// IsTestSkipped reports whether err is a TestSkippedError.
func IsTestSkipped(err error) bool {
	var ts *TestSkippedError
	return errors.As(err, &ts)
}

// IsStepTimeout reports whether err is a StepTimeoutError.
func IsStepTimeout(err error) bool {
	var st *StepTimeoutError
	return errors.As(err, &st)
}

// IsBusinessRejection reports whether err is a backend business-rule
// rejection the operator must resolve. These abort the requested operation
// and are never queued for offline replay.
func IsBusinessRejection(err error) bool {
	var pnm *PrerequisiteNotMetError
	var dp *DuplicatePassError
	var iws *InvalidWIPStatusError
	var wnf *WIPNotFoundError
	return errors.As(err, &pnm) || errors.As(err, &dp) ||
		errors.As(err, &iws) || errors.As(err, &wnf)
}

// IsRetryableBackend reports whether err is a transient backend failure that
// should be recorded to the offline queue and retried by the sync engine.
// Business-rule rejections are not retryable.
func IsRetryableBackend(err error) bool {
	if err == nil || IsBusinessRejection(err) {
		return false
	}
	var be *BackendError
	return errors.As(err, &be)
}
