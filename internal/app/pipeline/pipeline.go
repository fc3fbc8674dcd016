// Package pipeline composes Stages into a recoverable sequence (spec
// §4.J): Conversion → Calibration → Imaging → Mosaic for the canonical
// MS pipeline, each stage a declarative value registered at startup —
// no dynamic DAG language, per the distilled spec's Non-goals. The
// stage-retry/abort shape is grounded on the teacher's evaluation task
// runner (per-step retry with a continue-or-abort decision), adapted
// from a single flat task list to stages that read and write a shared,
// immutable context.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dsa110/ingestcore/internal/app/executor"
	"github.com/dsa110/ingestcore/internal/app/eventbus"
	"github.com/dsa110/ingestcore/internal/domain/msstate"
	"github.com/dsa110/ingestcore/internal/errors"
	"github.com/dsa110/ingestcore/internal/logging"
)

// RetryPolicy is a per-stage retry spec (spec §4.J / §4.L).
type RetryPolicy struct {
	MaxAttempts       int
	Strategy          errors.Strategy
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	RetryableErrors   func(error) bool
	ContinueOnFailure bool
}

func (p RetryPolicy) isRetryable(err error) bool {
	if p.RetryableErrors != nil {
		return p.RetryableErrors(err)
	}
	retryable, _ := errors.ClassifyError(err)
	return retryable
}

// Stage is a declarative pipeline step (spec §4.J).
type Stage struct {
	Name            string
	InputKeys       []string
	OutputKeys      []string
	ExecutorMode    executor.Executor
	Retry           RetryPolicy
	Timeout         time.Duration
	ValidateOutputs func(Context) error
	// FromState/ToState advance the MS lineage store on stage success.
	FromState msstate.State
	ToState   msstate.State
}

// Context is the immutable, frozen map a pipeline thread through its
// stages. WithOutput returns a new Context rather than mutating in
// place (spec §4.J) so a failed/retried stage can never observe a
// partially-applied sibling's writes.
type Context struct {
	msPath string
	values map[string]any
}

// NewContext seeds a Context for one MS path with initial values
// (typically the trigger task's params).
func NewContext(msPath string, seed map[string]any) Context {
	values := make(map[string]any, len(seed))
	for k, v := range seed {
		values[k] = v
	}
	return Context{msPath: msPath, values: values}
}

// MSPath is the measurement set this context's pipeline run concerns.
func (c Context) MSPath() string { return c.msPath }

// Get returns a stored value and whether it was present.
func (c Context) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// WithOutput returns a new Context with key set to value, leaving the
// receiver unmodified.
func (c Context) WithOutput(key string, value any) Context {
	next := make(map[string]any, len(c.values)+1)
	for k, v := range c.values {
		next[k] = v
	}
	next[key] = value
	return Context{msPath: c.msPath, values: next}
}

func (c Context) hasAll(keys []string) (missing string, ok bool) {
	for _, k := range keys {
		if _, present := c.values[k]; !present {
			return k, false
		}
	}
	return "", true
}

// Pipeline is an ordered list of stages plus a name (spec §4.J).
type Pipeline struct {
	Name   string
	Stages []Stage
	// Chain, if set, is invoked after the pipeline completes or a stage
	// failure aborts it, to spawn the next pipeline's trigger task (spec
	// §4.J step 3). It is not invoked when Run stops because a stage's
	// required input is missing.
	Chain func(ctx context.Context, final Context, aborted bool) error
}

// Runner executes Pipelines against a shared MS lineage store and
// event bus.
type Runner struct {
	states msstate.Store
	events EventSink
	logger logging.Logger
}

// EventSink is the subset of eventbus.Bus a Runner needs to publish
// stage_started/stage_finished notifications (spec §4.K).
type EventSink interface {
	Publish(kind string, payload any)
}

// Option customizes a Runner.
type Option func(*Runner)

// WithLogger sets the diagnostic logger.
func WithLogger(logger logging.Logger) Option {
	return func(r *Runner) { r.logger = logging.OrNop(logger) }
}

// WithEventBus routes stage lifecycle events to bus.
func WithEventBus(bus *eventbus.Bus) Option {
	return func(r *Runner) {
		if bus != nil {
			r.events = bus
		}
	}
}

type nopSink struct{}

func (nopSink) Publish(string, any) {}

// NewRunner constructs a Runner backed by states for MS lineage
// advancement.
func NewRunner(states msstate.Store, opts ...Option) *Runner {
	r := &Runner{states: states, logger: logging.Nop, events: nopSink{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes p against an initial Context, returning the final
// Context and whether the pipeline aborted before reaching its last
// stage (spec §4.J step 2).
func (r *Runner) Run(ctx context.Context, p Pipeline, initial Context) (final Context, aborted bool, err error) {
	current := initial
	aborted = false

	for _, stage := range p.Stages {
		if missing, ok := current.hasAll(stage.InputKeys); !ok {
			return current, true, fmt.Errorf("pipeline %s: stage %s missing required input %q", p.Name, stage.Name, missing)
		}

		r.events.Publish("stage_started", map[string]any{"pipeline": p.Name, "stage": stage.Name, "ms_path": current.msPath})

		next, stageErr := r.runStageWithRetry(ctx, p.Name, stage, current)
		if stageErr != nil {
			r.events.Publish("stage_finished", map[string]any{"pipeline": p.Name, "stage": stage.Name, "ms_path": current.msPath, "ok": false, "error": stageErr.Error()})
			r.logger.Warn("pipeline %s: stage %s failed: %v", p.Name, stage.Name, stageErr)
			if stage.Retry.ContinueOnFailure {
				continue
			}
			aborted = true
			if p.Chain != nil {
				if cherr := p.Chain(ctx, current, true); cherr != nil {
					r.logger.Warn("pipeline %s: chain after abort failed: %v", p.Name, cherr)
				}
			}
			return current, aborted, stageErr
		}

		r.events.Publish("stage_finished", map[string]any{"pipeline": p.Name, "stage": stage.Name, "ms_path": current.msPath, "ok": true})
		current = next
	}

	if p.Chain != nil {
		if cherr := p.Chain(ctx, current, false); cherr != nil {
			r.logger.Warn("pipeline %s: chain failed: %v", p.Name, cherr)
		}
	}
	return current, false, nil
}

func (r *Runner) runStageWithRetry(ctx context.Context, pipelineName string, stage Stage, in Context) (Context, error) {
	policy := stage.Retry
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out, err := r.runStageOnce(ctx, pipelineName, stage, in)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if attempt >= maxAttempts || !policy.isRetryable(err) {
			break
		}
		delay := errors.ComputeNextDelay(attempt, policy.Strategy, policy.InitialDelay, policy.MaxDelay)
		if delay > 0 {
			select {
			case <-ctx.Done():
				return in, ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	if failErr := r.recordStageFailure(ctx, stage, in, lastErr, maxAttempts); failErr != nil {
		r.logger.Warn("pipeline %s: stage %s: recording ms failure: %v", pipelineName, stage.Name, failErr)
	}
	return in, lastErr
}

func (r *Runner) runStageOnce(ctx context.Context, pipelineName string, stage Stage, in Context) (Context, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if stage.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, stage.Timeout)
		defer cancel()
	}

	params, err := stageParams(in, stage.InputKeys)
	if err != nil {
		return in, err
	}

	result := stage.ExecutorMode.Run(runCtx, executor.Task{TaskType: stage.Name, Params: params, Timeout: stage.Timeout})
	if !result.Success {
		return in, errors.NewCodedError(errors.Code(result.ErrorCode), fmt.Errorf("%s", result.ErrorMessage))
	}

	out := in
	for _, key := range stage.OutputKeys {
		out = out.WithOutput(key, result.ResultPayload)
	}

	if stage.ValidateOutputs != nil {
		if verr := stage.ValidateOutputs(out); verr != nil {
			return in, errors.NewCodedError(errors.CodeValidation, verr)
		}
	}

	if r.states != nil && stage.ToState != "" {
		ok, reason, terr := r.states.Transition(ctx, in.msPath, stage.FromState, stage.ToState, nil)
		if terr != nil {
			return out, terr
		}
		if !ok {
			r.logger.Info("pipeline: ms %s transition %s->%s rejected: %s", in.msPath, stage.FromState, stage.ToState, reason)
		}
	}

	return out, nil
}

func (r *Runner) recordStageFailure(ctx context.Context, stage Stage, in Context, stageErr error, maxAttempts int) error {
	if r.states == nil || stageErr == nil {
		return nil
	}
	msg := stageErr.Error()
	_, err := r.states.RecordFailure(ctx, in.msPath, msg, maxAttempts)
	return err
}

func stageParams(c Context, keys []string) ([]byte, error) {
	payload := make(map[string]any, len(keys)+1)
	payload["ms_path"] = c.msPath
	for _, k := range keys {
		v, _ := c.Get(k)
		payload[k] = v
	}
	return json.Marshal(payload)
}
