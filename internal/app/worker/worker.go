// Package worker runs N cooperative workers polling the durable task
// store, dispatching claimed tasks to an Executor (spec §4.F). The pool
// shape — per-worker goroutine, atomic counters, graceful stop honoring
// a deadline before a forced cancel — is grounded on the teacher's
// evaluation/swe_bench worker pool, adapted from a push-queue model
// (tasks submitted via SubmitTask) to a pull-claim model (each worker
// polls TaskStore.Claim directly), since tasks here originate from a
// durable store shared across process restarts rather than from an
// in-memory channel.
package worker

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dsa110/ingestcore/internal/app/executor"
	"github.com/dsa110/ingestcore/internal/async"
	"github.com/dsa110/ingestcore/internal/domain/task"
	"github.com/dsa110/ingestcore/internal/errors"
	"github.com/dsa110/ingestcore/internal/logging"
)

// EventSink receives lifecycle notifications as tasks move through the
// pool (spec §4.K EventBus integration point).
type EventSink interface {
	Publish(kind string, payload any)
}

type nopSink struct{}

func (nopSink) Publish(string, any) {}

// ExecutorFor resolves which Executor a task_name should run under,
// letting different task types use different executor modes per
// configuration (spec §4.G mode selection).
type ExecutorFor func(taskName string) executor.Executor

// Config configures a Pool.
type Config struct {
	QueueName     string
	Concurrency   int
	PollInterval  time.Duration
	LeaseTTL      time.Duration
	ShutdownGrace time.Duration

	// StormFailureThreshold is the number of consecutive failures of one
	// task_name that trips its breaker (spec §6.L windowed storm
	// detection: a crashing kernel binary fails every task of that type,
	// and should stop consuming worker slots rather than fail one at a
	// time). Zero uses the breaker's own default (5).
	StormFailureThreshold int
	// StormCooldown is how long a tripped breaker stays open before
	// allowing a trial task through. Zero uses the breaker's own
	// default (30s).
	StormCooldown time.Duration
}

// Pool runs Config.Concurrency workers against one queue.
type Pool struct {
	store      task.Store
	resolve    ExecutorFor
	cfg        Config
	logger     logging.Logger
	events     EventSink
	workerIDFn func(n int) string
	breakers   *errors.CircuitBreakerManager

	completedCount int64
	failedCount    int64

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Option customizes a Pool.
type Option func(*Pool)

// WithLogger sets the diagnostic logger.
func WithLogger(logger logging.Logger) Option {
	return func(p *Pool) { p.logger = logging.OrNop(logger) }
}

// WithEventSink routes lifecycle events to an EventBus (spec §4.K).
func WithEventSink(sink EventSink) Option {
	return func(p *Pool) {
		if sink != nil {
			p.events = sink
		}
	}
}

// New constructs a Pool. Concurrency < 1 is clamped to 1.
func New(store task.Store, resolve ExecutorFor, cfg Config, opts ...Option) *Pool {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	breakerCfg := errors.DefaultCircuitBreakerConfig()
	if cfg.StormFailureThreshold > 0 {
		breakerCfg.FailureThreshold = cfg.StormFailureThreshold
	}
	if cfg.StormCooldown > 0 {
		breakerCfg.Timeout = cfg.StormCooldown
	}

	p := &Pool{
		store:    store,
		resolve:  resolve,
		cfg:      cfg,
		logger:   logging.Nop,
		events:   nopSink{},
		breakers: errors.NewCircuitBreakerManager(breakerCfg),
	}
	p.workerIDFn = func(n int) string { return workerID(cfg.QueueName, n) }
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches Config.Concurrency worker goroutines. It returns
// immediately; call Stop to initiate graceful shutdown.
func (p *Pool) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		workerID := p.workerIDFn(i)
		async.Go(p.logger, "worker."+workerID, func() {
			defer p.wg.Done()
			p.workerLoop(runCtx, workerID)
		})
	}
}

// Stop waits up to ShutdownGrace for the workers to exit, then cancels
// the pool's context and waits for them to return. Stop itself sends
// workers no signal before that cancellation: they exit only once the
// context passed to Start (or the pool's own) is cancelled, and that
// cancellation also cancels any task still running, leaving its lease to
// expire so another worker can reclaim it.
func (p *Pool) Stop() {
	if p.cancel == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(p.cfg.ShutdownGrace):
		p.cancel()
		<-done
	}
}

// Stats returns lifetime counters for this pool instance.
func (p *Pool) Stats() (completed, failed int64) {
	return atomic.LoadInt64(&p.completedCount), atomic.LoadInt64(&p.failedCount)
}

// Name identifies this pool for lifecycle.DrainAll logging.
func (p *Pool) Name() string { return "worker-pool:" + p.cfg.QueueName }

// Drain stops the pool, satisfying internal/app/lifecycle.Drainable.
// Stop already applies its own ShutdownGrace deadline internally; ctx
// here only bounds how long the caller is willing to wait for that.
func (p *Pool) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) workerLoop(ctx context.Context, workerID string) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t, err := p.store.Claim(ctx, p.cfg.QueueName, workerID, p.cfg.LeaseTTL)
			if err != nil {
				p.logger.Warn("worker %s: claim failed: %v", workerID, err)
				continue
			}
			if t == nil {
				continue
			}
			p.runTask(ctx, workerID, t)
		}
	}
}

func (p *Pool) runTask(ctx context.Context, workerID string, t *task.Task) {
	breaker := p.breakers.Get(t.TaskName)
	if err := breaker.Allow(); err != nil {
		p.failTaskFast(ctx, workerID, t, err)
		return
	}

	p.events.Publish("task_update", map[string]any{"task_id": t.ID, "status": "running"})

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go p.heartbeatLoop(heartbeatCtx, t.ID, workerID)

	exec := p.resolve(t.TaskName)
	result := exec.Run(ctx, executor.Task{
		TaskType: t.TaskName,
		Params:   t.Params,
	})
	stopHeartbeat()

	if result.Success {
		breaker.Mark(nil)
		atomic.AddInt64(&p.completedCount, 1)
		if err := p.store.Complete(ctx, t.ID, workerID, result.ResultPayload); err != nil {
			p.logger.Warn("worker %s: complete %s failed: %v", workerID, t.ID, err)
		}
		p.events.Publish("task_update", map[string]any{"task_id": t.ID, "status": "completed"})
		return
	}

	atomic.AddInt64(&p.failedCount, 1)
	taskErr := errors.NewCodedError(errors.Code(result.ErrorCode), errorsNewPlain(result.ErrorMessage))
	breaker.Mark(taskErr)
	retryable, reason := errors.ClassifyError(taskErr)
	attemptsExhausted := t.Attempts >= t.MaxAttempts
	dlqReason := errors.DLQReasonFor(taskErr, attemptsExhausted)

	delay := errors.ComputeNextDelay(t.Attempts, errors.StrategyExponential, time.Second, time.Minute)
	if errors.Code(result.ErrorCode).ExtendedBackoff() {
		delay = errors.ComputeNextDelay(t.Attempts, errors.StrategyExponential, 5*time.Second, 10*time.Minute)
	}

	if err := p.store.Fail(ctx, t.ID, workerID, result.ErrorMessage, retryable, delay, string(dlqReason)); err != nil {
		p.logger.Warn("worker %s: fail %s failed: %v", workerID, t.ID, err)
	}
	p.logger.Info("worker %s: task %s failed (%s): %s", workerID, t.ID, reason, result.ErrorMessage)
	p.events.Publish("task_update", map[string]any{"task_id": t.ID, "status": "failed", "reason": reason})
}

// failTaskFast fails a task without invoking its executor because the
// task_name's breaker has tripped (spec §6.L storm detection): when a
// kernel is crashing on every invocation, burning a worker slot and a
// subprocess/resource allocation on each attempt only compounds the
// failure. The task is requeued while attempts remain and dead-lettered
// with reason "breaker_open" once they are used up. The short fixed delay lets the breaker's own cooldown, not
// the task's backoff schedule, govern the retry cadence.
func (p *Pool) failTaskFast(ctx context.Context, workerID string, t *task.Task, breakerErr error) {
	atomic.AddInt64(&p.failedCount, 1)
	const dlqReason = "breaker_open"
	if err := p.store.Fail(ctx, t.ID, workerID, breakerErr.Error(), true, 2*time.Second, dlqReason); err != nil {
		p.logger.Warn("worker %s: fail-fast %s failed: %v", workerID, t.ID, err)
	}
	p.logger.Warn("worker %s: task %s rejected by %q breaker: %v", workerID, t.ID, t.TaskName, breakerErr)
	p.events.Publish("task_update", map[string]any{"task_id": t.ID, "status": "failed", "reason": dlqReason})
}

func (p *Pool) heartbeatLoop(ctx context.Context, taskID, workerID string) {
	interval := p.cfg.LeaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.Heartbeat(ctx, taskID, workerID, p.cfg.LeaseTTL); err != nil {
				p.logger.Warn("heartbeat for %s: %v", taskID, err)
			}
		}
	}
}

func workerID(queue string, n int) string {
	return queue + "-worker-" + strconv.Itoa(n)
}

func errorsNewPlain(msg string) error {
	return &plainError{msg: msg}
}

type plainError struct{ msg string }

func (e *plainError) Error() string { return e.msg }
