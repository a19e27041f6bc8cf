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
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"

	"github.com/factorial-systems/stationd/pkg/errors"
)

// StepStatus is the terminal state of a single step result.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// ExecStatus is the overall status of one sequence execution.
type ExecStatus string

const (
	ExecRunning   ExecStatus = "running"
	ExecCompleted ExecStatus = "completed"
	ExecFailed    ExecStatus = "failed"
	ExecStopped   ExecStatus = "stopped"
)

// StepResult records the outcome of one step, including retries.
type StepResult struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Status      StepStatus     `json:"status"`
	Passed      bool           `json:"passed"`
	Cleanup     bool           `json:"cleanup,omitempty"`
	Attempts    int            `json:"attempts"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Duration    time.Duration  `json:"duration"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`

	// Err keeps the typed error for the worker's defect extraction.
	// Not serialized.
	Err error `json:"-"`
}

// ExecutionResult is the immutable outcome of one sequence run. The worker
// snapshots it as the batch's "last run" once the executor returns.
type ExecutionResult struct {
	ExecutionID string        `json:"execution_id"`
	Status      ExecStatus    `json:"status"`
	OverallPass bool          `json:"overall_pass"`
	Steps       []*StepResult `json:"steps"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

// FinalOutput returns the result map of the last regular (non-cleanup)
// step that produced one. Used to detect explicit rework marks.
func (r *ExecutionResult) FinalOutput() map[string]any {
	for i := len(r.Steps) - 1; i >= 0; i-- {
		sr := r.Steps[i]
		if sr.Cleanup {
			continue
		}
		if sr.Result != nil {
			return sr.Result
		}
	}
	return nil
}

// Callbacks receives step lifecycle notifications. All fields are optional.
// Callbacks are invoked synchronously from the executor loop; panics are
// recovered and logged so subscriber failures never block step progress.
type Callbacks struct {
	OnStepStart    func(name string, step Step)
	OnStepComplete func(name string, result *StepResult)
	OnLog          func(level, msg string)
	OnError        func(step string, err error)
}

// Executor runs the steps of a bound sequence instance against a parameter
// snapshot. One executor serves exactly one execution; the worker creates a
// fresh one per START_SEQUENCE.
type Executor struct {
	id       string
	seq      Sequence
	params   map[string]any
	cb       Callbacks
	logger   *slog.Logger
	stopFlag atomic.Bool
}

// NewExecutor binds an executor to a sequence instance and parameters.
func NewExecutor(seq Sequence, params map[string]any, cb Callbacks, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		id:     uuid.NewString(),
		seq:    seq,
		params: params,
		cb:     cb,
		logger: logger,
	}
}

// ExecutionID returns the id assigned to this execution.
func (e *Executor) ExecutionID() string { return e.id }

// Stop requests a cooperative stop: the current step finishes (or times
// out), remaining regular steps are skipped, and cleanup still runs.
func (e *Executor) Stop() { e.stopFlag.Store(true) }

// Stopped reports whether a stop has been requested.
func (e *Executor) Stopped() bool { return e.stopFlag.Load() }

// Run executes the sequence: regular steps in order, then cleanup steps
// regardless of outcome. It always returns a finalized ExecutionResult;
// failures are recorded in the result, not returned.
func (e *Executor) Run(ctx context.Context) *ExecutionResult {
	regular, cleanup := partitionSteps(e.seq.Steps())

	res := &ExecutionResult{
		ExecutionID: e.id,
		Status:      ExecRunning,
		OverallPass: true,
		StartedAt:   time.Now().UTC(),
	}

	for _, step := range regular {
		if e.stopFlag.Load() || ctx.Err() != nil {
			res.Status = ExecStopped
			break
		}

		if step.Condition != "" && !e.conditionMet(step) {
			sr := &StepResult{
				Name:        step.Name,
				Description: step.Description,
				Status:      StepSkipped,
				Passed:      true,
				StartedAt:   time.Now().UTC(),
				CompletedAt: time.Now().UTC(),
			}
			res.Steps = append(res.Steps, sr)
			e.notifyComplete(step.Name, sr)
			continue
		}

		sr := e.runStep(ctx, step)
		res.Steps = append(res.Steps, sr)

		if sr.Status == StepFailed {
			res.OverallPass = false
			res.Status = ExecFailed
			break
		}
	}

	for _, step := range cleanup {
		sr := e.runStep(ctx, step)
		sr.Cleanup = true
		res.Steps = append(res.Steps, sr)
	}

	res.CompletedAt = time.Now().UTC()
	res.Duration = res.CompletedAt.Sub(res.StartedAt)
	if res.Status == ExecRunning {
		if res.OverallPass {
			res.Status = ExecCompleted
		} else {
			res.Status = ExecFailed
		}
	}
	return res
}

// runStep executes one step with its attempt budget. The returned result is
// terminal: completed, failed, or skipped.
func (e *Executor) runStep(ctx context.Context, step Step) *StepResult {
	e.notifyStart(step.Name, step)

	sr := &StepResult{
		Name:        step.Name,
		Description: step.Description,
		Status:      StepRunning,
		StartedAt:   time.Now().UTC(),
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}

	attempts := 1 + step.Retry
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		sr.Attempts = attempt

		out, err := e.runAttempt(ctx, step, timeout)
		if err == nil {
			sr.Status = StepCompleted
			sr.Passed = true
			sr.Result = out
			lastErr = nil
			break
		}

		lastErr = err
		switch {
		case errors.IsTestFailure(err):
			// Semantic assertion failure: definitive, never retried.
			sr.Status = StepFailed
			sr.Passed = false
			attempt = attempts
		case errors.IsTestSkipped(err):
			sr.Status = StepSkipped
			sr.Passed = true
			lastErr = nil
			attempt = attempts
		default:
			if attempt < attempts {
				e.logger.Warn("step attempt failed, retrying",
					slog.String("step", step.Name),
					slog.Int("attempt", attempt),
					slog.Any("error", err))
				continue
			}
			sr.Status = StepFailed
			sr.Passed = false
		}
		break
	}

	sr.CompletedAt = time.Now().UTC()
	sr.Duration = sr.CompletedAt.Sub(sr.StartedAt)
	if lastErr != nil {
		sr.Err = lastErr
		sr.Error = lastErr.Error()
	}

	e.notifyComplete(step.Name, sr)
	if sr.Status == StepFailed && lastErr != nil {
		e.notifyError(step.Name, lastErr)
	}
	return sr
}

// runAttempt runs the step body once under a hard timeout. The body runs in
// its own goroutine; on timeout the attempt context is cancelled and the
// goroutine is abandoned (cooperative cancellation only).
func (e *Executor) runAttempt(ctx context.Context, step Step, timeout time.Duration) (map[string]any, error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		out map[string]any
		err error
	}
	ch := make(chan outcome, 1)
	start := time.Now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("step panic: %v", r)}
			}
		}()
		out, err := step.Run(attemptCtx, &RunContext{
			Hardware: hardwareOf(e.seq),
			Params:   e.params,
			Log:      e.logFn(step.Name),
		})
		ch <- outcome{out: out, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-ch:
		return o.out, o.err
	case <-timer.C:
		cancel()
		return nil, &errors.StepTimeoutError{
			Step:    step.Name,
			Timeout: timeout,
			Elapsed: time.Since(start),
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// conditionMet evaluates the step condition against the parameter map.
// Conditions are expressions over parameter names; an undefined variable
// evaluates to nil and nil is falsy, so an absent parameter skips the step.
// Evaluation errors also skip, with a warning.
func (e *Executor) conditionMet(step Step) bool {
	prog, err := expr.Compile(step.Condition,
		expr.Env(e.params),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		e.logger.Warn("step condition does not compile, skipping step",
			slog.String("step", step.Name),
			slog.String("condition", step.Condition),
			slog.Any("error", err))
		return false
	}
	v, err := expr.Run(prog, e.params)
	if err != nil {
		e.logger.Warn("step condition evaluation failed, skipping step",
			slog.String("step", step.Name),
			slog.Any("error", err))
		return false
	}
	return truthy(v)
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	case float32:
		return x != 0
	default:
		return true
	}
}

func (e *Executor) notifyStart(name string, step Step) {
	if e.cb.OnStepStart == nil {
		return
	}
	defer e.recoverCallback("on_step_start", name)
	e.cb.OnStepStart(name, step)
}

func (e *Executor) notifyComplete(name string, sr *StepResult) {
	if e.cb.OnStepComplete == nil {
		return
	}
	defer e.recoverCallback("on_step_complete", name)
	e.cb.OnStepComplete(name, sr)
}

func (e *Executor) notifyError(name string, err error) {
	if e.cb.OnError == nil {
		return
	}
	defer e.recoverCallback("on_error", name)
	e.cb.OnError(name, err)
}

func (e *Executor) logFn(step string) func(level, msg string) {
	return func(level, msg string) {
		if e.cb.OnLog != nil {
			func() {
				defer e.recoverCallback("on_log", step)
				e.cb.OnLog(level, msg)
			}()
		}
	}
}

func (e *Executor) recoverCallback(cb, step string) {
	if r := recover(); r != nil {
		e.logger.Error("executor callback panicked",
			slog.String("callback", cb),
			slog.String("step", step),
			slog.Any("panic", r))
	}
}

// partitionSteps sorts by order (name breaks ties) and splits regular from
// cleanup steps.
func partitionSteps(steps []Step) (regular, cleanup []Step) {
	sorted := make([]Step, len(steps))
	copy(sorted, steps)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Order != sorted[j].Order {
			return sorted[i].Order < sorted[j].Order
		}
		return sorted[i].Name < sorted[j].Name
	})
	for _, s := range sorted {
		if s.Cleanup {
			cleanup = append(cleanup, s)
		} else {
			regular = append(regular, s)
		}
	}
	return regular, cleanup
}

// hardwareOf extracts the bound hardware map when the sequence embeds Base.
func hardwareOf(seq Sequence) map[string]Driver {
	type hardwareHolder interface{ BoundHardware() map[string]Driver }
	if h, ok := seq.(hardwareHolder); ok {
		return h.BoundHardware()
	}
	return nil
}
