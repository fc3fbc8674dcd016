package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsa110/ingestcore/internal/app/executor"
	"github.com/dsa110/ingestcore/internal/domain/msstate"
	"github.com/dsa110/ingestcore/internal/errors"
)

type fakeMSStore struct {
	msstate.Store
	transitions []string
	failures    []string
}

func (f *fakeMSStore) Transition(_ context.Context, msPath string, from, to msstate.State, _ json.RawMessage) (bool, string, error) {
	f.transitions = append(f.transitions, fmt.Sprintf("%s:%s->%s", msPath, from, to))
	return true, "", nil
}

func (f *fakeMSStore) RecordFailure(_ context.Context, msPath string, errMsg string, _ int) (bool, error) {
	f.failures = append(f.failures, msPath+":"+errMsg)
	return false, nil
}

type stepExecutor struct {
	results []executor.Result
	calls   int
}

func (s *stepExecutor) Run(context.Context, executor.Task) executor.Result {
	r := s.results[s.calls]
	s.calls++
	return r
}

func TestRunAdvancesContextAndState(t *testing.T) {
	states := &fakeMSStore{}
	runner := NewRunner(states)

	convert := &stepExecutor{results: []executor.Result{{Success: true, ResultPayload: json.RawMessage(`"ms.ms"`)}}}
	calibrate := &stepExecutor{results: []executor.Result{{Success: true, ResultPayload: json.RawMessage(`"cal.tbl"`)}}}

	p := Pipeline{
		Name: "canonical",
		Stages: []Stage{
			{
				Name:         "conversion",
				InputKeys:    nil,
				OutputKeys:   []string{"ms_path_out"},
				ExecutorMode: convert,
				Retry:        RetryPolicy{MaxAttempts: 1},
				FromState:    msstate.StateRegistered,
				ToState:      msstate.StateConverted,
			},
			{
				Name:         "calibration",
				InputKeys:    []string{"ms_path_out"},
				OutputKeys:   []string{"cal_table"},
				ExecutorMode: calibrate,
				Retry:        RetryPolicy{MaxAttempts: 1},
				FromState:    msstate.StateConverted,
				ToState:      msstate.StateCalibrated,
			},
		},
	}

	initial := NewContext("/data/obs1.ms", nil)
	final, aborted, err := runner.Run(context.Background(), p, initial)

	require.NoError(t, err)
	assert.False(t, aborted)
	_, ok := final.Get("cal_table")
	assert.True(t, ok)
	assert.Len(t, states.transitions, 2)
}

func TestRunAbortsOnNonRetryableFailure(t *testing.T) {
	states := &fakeMSStore{}
	runner := NewRunner(states)

	failing := &stepExecutor{results: []executor.Result{{Success: false, ErrorCode: string(errors.CodeValidation), ErrorMessage: "bad header"}}}
	neverCalled := &stepExecutor{results: []executor.Result{{Success: true}}}

	p := Pipeline{
		Name: "canonical",
		Stages: []Stage{
			{Name: "conversion", ExecutorMode: failing, Retry: RetryPolicy{MaxAttempts: 3, ContinueOnFailure: false}},
			{Name: "calibration", ExecutorMode: neverCalled, Retry: RetryPolicy{MaxAttempts: 1}},
		},
	}

	_, aborted, err := runner.Run(context.Background(), p, NewContext("/data/obs2.ms", nil))

	require.Error(t, err)
	assert.True(t, aborted)
	assert.Equal(t, 0, neverCalled.calls)
	assert.Equal(t, 1, failing.calls, "non-retryable failure should not retry")
	require.Len(t, states.failures, 1)
}

func TestRunContinuesPastRetryExhaustedStageWhenConfigured(t *testing.T) {
	states := &fakeMSStore{}
	runner := NewRunner(states)

	failing := &stepExecutor{results: []executor.Result{
		{Success: false, ErrorCode: string(errors.CodeTransientIO), ErrorMessage: "disk hiccup"},
		{Success: false, ErrorCode: string(errors.CodeTransientIO), ErrorMessage: "disk hiccup"},
	}}
	next := &stepExecutor{results: []executor.Result{{Success: true}}}

	p := Pipeline{
		Name: "canonical",
		Stages: []Stage{
			{Name: "conversion", ExecutorMode: failing, Retry: RetryPolicy{
				MaxAttempts: 2, Strategy: errors.StrategyImmediate, ContinueOnFailure: true,
			}},
			{Name: "calibration", ExecutorMode: next, Retry: RetryPolicy{MaxAttempts: 1}},
		},
	}

	_, aborted, err := runner.Run(context.Background(), p, NewContext("/data/obs3.ms", nil))

	require.NoError(t, err)
	assert.False(t, aborted)
	assert.Equal(t, 2, failing.calls)
	assert.Equal(t, 1, next.calls)
}

func TestRunFailsFastOnMissingInputKey(t *testing.T) {
	runner := NewRunner(nil)
	stage := Stage{Name: "calibration", InputKeys: []string{"ms_path_out"}, ExecutorMode: &stepExecutor{}}
	p := Pipeline{Name: "canonical", Stages: []Stage{stage}}

	_, aborted, err := runner.Run(context.Background(), p, NewContext("/data/obs4.ms", nil))

	require.Error(t, err)
	assert.True(t, aborted)
}

func TestContextWithOutputDoesNotMutateReceiver(t *testing.T) {
	base := NewContext("/data/obs5.ms", map[string]any{"a": 1})
	extended := base.WithOutput("b", 2)

	_, baseHasB := base.Get("b")
	_, extendedHasB := extended.Get("b")
	assert.False(t, baseHasB)
	assert.True(t, extendedHasB)
}

func TestRunInvokesChainOnCompletion(t *testing.T) {
	runner := NewRunner(nil)
	ok := &stepExecutor{results: []executor.Result{{Success: true}}}

	chained := false
	p := Pipeline{
		Name:   "canonical",
		Stages: []Stage{{Name: "conversion", ExecutorMode: ok, Retry: RetryPolicy{MaxAttempts: 1}}},
		Chain: func(_ context.Context, _ Context, aborted bool) error {
			chained = true
			assert.False(t, aborted)
			return nil
		},
	}

	_, _, err := runner.Run(context.Background(), p, NewContext("/data/obs6.ms", nil))
	require.NoError(t, err)
	assert.True(t, chained)
}

func TestRunRespectsStageTimeout(t *testing.T) {
	runner := NewRunner(nil)
	slow := timeoutExecutor{}
	p := Pipeline{
		Name:   "canonical",
		Stages: []Stage{{Name: "imaging", ExecutorMode: slow, Timeout: 10 * time.Millisecond, Retry: RetryPolicy{MaxAttempts: 1}}},
	}

	_, aborted, err := runner.Run(context.Background(), p, NewContext("/data/obs7.ms", nil))
	require.Error(t, err)
	assert.True(t, aborted)
}

type timeoutExecutor struct{}

func (timeoutExecutor) Run(ctx context.Context, _ executor.Task) executor.Result {
	<-ctx.Done()
	return executor.Result{Success: false, ErrorCode: string(errors.CodeTimeout), ErrorMessage: ctx.Err().Error()}
}
