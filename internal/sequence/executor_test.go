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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factorial-systems/stationd/pkg/errors"
)

// scriptedSequence builds a sequence from an explicit step list.
type scriptedSequence struct {
	Base
	steps []Step
}

func (s *scriptedSequence) Steps() []Step { return s.steps }

func okStep(name string, order int) Step {
	return Step{Name: name, Order: order, Run: func(ctx context.Context, rc *RunContext) (map[string]any, error) {
		return map[string]any{"step": name}, nil
	}}
}

func runSeq(t *testing.T, steps []Step, params map[string]any, cb Callbacks) *ExecutionResult {
	t.Helper()
	seq := &scriptedSequence{steps: steps}
	seq.Bind(nil, params)
	ex := NewExecutor(seq, params, cb, nil)
	return ex.Run(context.Background())
}

func TestExecutor_HappyPath(t *testing.T) {
	var started, completed []string
	cb := Callbacks{
		OnStepStart:    func(name string, _ Step) { started = append(started, name) },
		OnStepComplete: func(name string, _ *StepResult) { completed = append(completed, name) },
	}

	res := runSeq(t, []Step{okStep("b_second", 2), okStep("a_first", 1)}, nil, cb)

	assert.Equal(t, ExecCompleted, res.Status)
	assert.True(t, res.OverallPass)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, "a_first", res.Steps[0].Name)
	assert.Equal(t, "b_second", res.Steps[1].Name)
	assert.Equal(t, []string{"a_first", "b_second"}, started)
	assert.Equal(t, []string{"a_first", "b_second"}, completed)
	assert.Equal(t, StepCompleted, res.Steps[0].Status)
	assert.True(t, res.Steps[0].Passed)
}

func TestExecutor_OrderTieBrokenByName(t *testing.T) {
	res := runSeq(t, []Step{okStep("zeta", 1), okStep("alpha", 1), okStep("mid", 1)}, nil, Callbacks{})

	names := []string{res.Steps[0].Name, res.Steps[1].Name, res.Steps[2].Name}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, names)
}

func TestExecutor_ConditionalSkip(t *testing.T) {
	params := map[string]any{"enable_burn_in": false}
	steps := []Step{
		okStep("measure", 1),
		{Name: "burn_in", Order: 2, Condition: "enable_burn_in", Run: func(ctx context.Context, rc *RunContext) (map[string]any, error) {
			t.Fatal("burn_in must not run")
			return nil, nil
		}},
		{Name: "missing_param", Order: 3, Condition: "not_a_param", Run: func(ctx context.Context, rc *RunContext) (map[string]any, error) {
			t.Fatal("missing_param must not run")
			return nil, nil
		}},
	}

	res := runSeq(t, steps, params, Callbacks{})

	assert.Equal(t, ExecCompleted, res.Status)
	assert.True(t, res.OverallPass)
	require.Len(t, res.Steps, 3)
	assert.Equal(t, StepSkipped, res.Steps[1].Status)
	assert.True(t, res.Steps[1].Passed)
	assert.Equal(t, StepSkipped, res.Steps[2].Status)
}

func TestExecutor_ConditionTruthyRuns(t *testing.T) {
	var ran atomic.Bool
	steps := []Step{
		{Name: "gated", Order: 1, Condition: "target_voltage > 3", Run: func(ctx context.Context, rc *RunContext) (map[string]any, error) {
			ran.Store(true)
			return nil, nil
		}},
	}
	res := runSeq(t, steps, map[string]any{"target_voltage": 5.0}, Callbacks{})

	assert.True(t, ran.Load())
	assert.Equal(t, StepCompleted, res.Steps[0].Status)
}

func TestExecutor_FailureStopsRegularRunsCleanup(t *testing.T) {
	var order []string
	mk := func(name string, pos int, cleanup bool, err error) Step {
		return Step{Name: name, Order: pos, Cleanup: cleanup, Run: func(ctx context.Context, rc *RunContext) (map[string]any, error) {
			order = append(order, name)
			return nil, err
		}}
	}
	steps := []Step{
		mk("first", 1, false, nil),
		mk("boom", 2, false, &errors.TestFailureError{Message: "voltage out of range", Defects: []string{"V_LOW"}}),
		mk("never", 3, false, nil),
		mk("power_off", 4, true, nil),
	}

	res := runSeq(t, steps, nil, Callbacks{})

	assert.Equal(t, ExecFailed, res.Status)
	assert.False(t, res.OverallPass)
	assert.Equal(t, []string{"first", "boom", "power_off"}, order)
	require.Len(t, res.Steps, 3)
	assert.Equal(t, StepFailed, res.Steps[1].Status)
	assert.True(t, res.Steps[2].Cleanup)
	assert.Equal(t, StepCompleted, res.Steps[2].Status)
}

func TestExecutor_TestFailureNotRetried(t *testing.T) {
	var calls atomic.Int32
	steps := []Step{
		{Name: "assert", Order: 1, Retry: 3, Run: func(ctx context.Context, rc *RunContext) (map[string]any, error) {
			calls.Add(1)
			return nil, &errors.TestFailureError{Message: "limit exceeded"}
		}},
	}

	res := runSeq(t, steps, nil, Callbacks{})

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, StepFailed, res.Steps[0].Status)
	assert.True(t, errors.IsTestFailure(res.Steps[0].Err))
}

func TestExecutor_TestSkippedMidStep(t *testing.T) {
	steps := []Step{
		{Name: "maybe", Order: 1, Run: func(ctx context.Context, rc *RunContext) (map[string]any, error) {
			return nil, &errors.TestSkippedError{Reason: "fixture absent"}
		}},
		okStep("after", 2),
	}

	res := runSeq(t, steps, nil, Callbacks{})

	assert.Equal(t, ExecCompleted, res.Status)
	assert.True(t, res.OverallPass)
	assert.Equal(t, StepSkipped, res.Steps[0].Status)
	assert.True(t, res.Steps[0].Passed)
	assert.Empty(t, res.Steps[0].Error)
	assert.Equal(t, StepCompleted, res.Steps[1].Status)
}

func TestExecutor_RetryThenSuccess(t *testing.T) {
	var calls atomic.Int32
	steps := []Step{
		{Name: "flaky", Order: 1, Retry: 2, Run: func(ctx context.Context, rc *RunContext) (map[string]any, error) {
			if calls.Add(1) < 3 {
				return nil, fmt.Errorf("transient glitch")
			}
			return map[string]any{"reading": 3.31}, nil
		}},
	}

	res := runSeq(t, steps, nil, Callbacks{})

	assert.Equal(t, ExecCompleted, res.Status)
	assert.Equal(t, 3, res.Steps[0].Attempts)
	assert.Equal(t, StepCompleted, res.Steps[0].Status)
	assert.Equal(t, 3.31, res.Steps[0].Result["reading"])
}

func TestExecutor_RetryBudgetExhausted(t *testing.T) {
	var calls atomic.Int32
	steps := []Step{
		{Name: "doomed", Order: 1, Retry: 2, Run: func(ctx context.Context, rc *RunContext) (map[string]any, error) {
			calls.Add(1)
			return nil, fmt.Errorf("still broken")
		}},
	}

	var errStep string
	res := runSeq(t, steps, nil, Callbacks{
		OnError: func(step string, err error) { errStep = step },
	})

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, ExecFailed, res.Status)
	assert.False(t, res.OverallPass)
	assert.Equal(t, "doomed", errStep)
}

func TestExecutor_TimeoutThenRetrySucceeds(t *testing.T) {
	var calls atomic.Int32
	steps := []Step{
		{Name: "slow_once", Order: 1, Retry: 1, Timeout: 50 * time.Millisecond,
			Run: func(ctx context.Context, rc *RunContext) (map[string]any, error) {
				if calls.Add(1) == 1 {
					select {
					case <-ctx.Done():
						return nil, ctx.Err()
					case <-time.After(5 * time.Second):
					}
				}
				return map[string]any{"ok": true}, nil
			}},
	}

	res := runSeq(t, steps, nil, Callbacks{})

	assert.Equal(t, ExecCompleted, res.Status)
	assert.Equal(t, 2, res.Steps[0].Attempts)
}

func TestExecutor_TimeoutRecorded(t *testing.T) {
	steps := []Step{
		{Name: "hang", Order: 1, Timeout: 30 * time.Millisecond,
			Run: func(ctx context.Context, rc *RunContext) (map[string]any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}},
	}

	res := runSeq(t, steps, nil, Callbacks{})

	require.Equal(t, StepFailed, res.Steps[0].Status)
	assert.True(t, errors.IsStepTimeout(res.Steps[0].Err))
}

func TestExecutor_StopSkipsRemainingRunsCleanup(t *testing.T) {
	seq := &scriptedSequence{}
	ex := NewExecutor(seq, nil, Callbacks{}, nil)

	var order []string
	seq.steps = []Step{
		{Name: "first", Order: 1, Run: func(ctx context.Context, rc *RunContext) (map[string]any, error) {
			order = append(order, "first")
			ex.Stop()
			return nil, nil
		}},
		{Name: "second", Order: 2, Run: func(ctx context.Context, rc *RunContext) (map[string]any, error) {
			order = append(order, "second")
			return nil, nil
		}},
		{Name: "cleanup", Order: 99, Cleanup: true, Run: func(ctx context.Context, rc *RunContext) (map[string]any, error) {
			order = append(order, "cleanup")
			return nil, nil
		}},
	}

	res := ex.Run(context.Background())

	assert.Equal(t, ExecStopped, res.Status)
	assert.Equal(t, []string{"first", "cleanup"}, order)
	// The step that ran before the stop keeps its result.
	assert.True(t, res.OverallPass)
}

func TestExecutor_CleanupFailureDoesNotFlipVerdict(t *testing.T) {
	steps := []Step{
		okStep("work", 1),
		{Name: "teardown", Order: 2, Cleanup: true, Run: func(ctx context.Context, rc *RunContext) (map[string]any, error) {
			return nil, fmt.Errorf("relay stuck")
		}},
	}

	res := runSeq(t, steps, nil, Callbacks{})

	assert.Equal(t, ExecCompleted, res.Status)
	assert.True(t, res.OverallPass)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, StepFailed, res.Steps[1].Status)
}

func TestExecutor_CallbackPanicSwallowed(t *testing.T) {
	steps := []Step{okStep("a", 1), okStep("b", 2)}

	res := runSeq(t, steps, nil, Callbacks{
		OnStepStart: func(name string, _ Step) { panic("subscriber bug") },
	})

	assert.Equal(t, ExecCompleted, res.Status)
	assert.Len(t, res.Steps, 2)
}

func TestExecutor_StepPanicIsFailure(t *testing.T) {
	steps := []Step{
		{Name: "crash", Order: 1, Run: func(ctx context.Context, rc *RunContext) (map[string]any, error) {
			panic("nil map write")
		}},
	}

	res := runSeq(t, steps, nil, Callbacks{})

	assert.Equal(t, ExecFailed, res.Status)
	assert.Contains(t, res.Steps[0].Error, "step panic")
}

func TestExecutionResult_FinalOutput(t *testing.T) {
	steps := []Step{
		okStep("a", 1),
		{Name: "decide", Order: 2, Run: func(ctx context.Context, rc *RunContext) (map[string]any, error) {
			return map[string]any{"rework": true}, nil
		}},
		{Name: "teardown", Order: 3, Cleanup: true, Run: func(ctx context.Context, rc *RunContext) (map[string]any, error) {
			return map[string]any{"noise": 1}, nil
		}},
	}

	res := runSeq(t, steps, nil, Callbacks{})

	out := res.FinalOutput()
	require.NotNil(t, out)
	assert.Equal(t, true, out["rework"])
}
