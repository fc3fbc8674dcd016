package worker

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsa110/ingestcore/internal/app/executor"
	"github.com/dsa110/ingestcore/internal/domain/task"
)

type fakeTaskStore struct {
	task.Store
	mu        sync.Mutex
	pending   []task.Task
	completed []string
	failed    []string
	heartbeats int32
}

func (f *fakeTaskStore) Claim(_ context.Context, _, _ string, _ time.Duration) (*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil, nil
	}
	t := f.pending[0]
	f.pending = f.pending[1:]
	return &t, nil
}

func (f *fakeTaskStore) Heartbeat(_ context.Context, _, _ string, _ time.Duration) error {
	atomic.AddInt32(&f.heartbeats, 1)
	return nil
}

func (f *fakeTaskStore) Complete(_ context.Context, taskID, _ string, _ json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, taskID)
	return nil
}

func (f *fakeTaskStore) Fail(_ context.Context, taskID, _, _ string, _ bool, _ time.Duration, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, taskID)
	return nil
}

type fakeExecutor struct {
	result executor.Result
}

func (f fakeExecutor) Run(context.Context, executor.Task) executor.Result {
	return f.result
}

func TestPoolCompletesSuccessfulTask(t *testing.T) {
	store := &fakeTaskStore{pending: []task.Task{{ID: "t-1", TaskName: "convert", Attempts: 1, MaxAttempts: 3}}}
	pool := New(store, func(string) executor.Executor {
		return fakeExecutor{result: executor.Result{Success: true, ResultPayload: json.RawMessage(`{}`)}}
	}, Config{QueueName: "ingest", Concurrency: 1, PollInterval: 5 * time.Millisecond, LeaseTTL: 300 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.completed) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	pool.Stop()
	assert.Equal(t, []string{"t-1"}, store.completed)
}

func TestPoolFailsTaskOnExecutorError(t *testing.T) {
	store := &fakeTaskStore{pending: []task.Task{{ID: "t-2", TaskName: "convert", Attempts: 1, MaxAttempts: 3}}}
	pool := New(store, func(string) executor.Executor {
		return fakeExecutor{result: executor.Result{Success: false, ErrorCode: "KERNEL_ERROR", ErrorMessage: "boom"}}
	}, Config{QueueName: "ingest", Concurrency: 1, PollInterval: 5 * time.Millisecond, LeaseTTL: 300 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.failed) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	pool.Stop()
	assert.Equal(t, []string{"t-2"}, store.failed)
}

type countingExecutor struct {
	calls  *int32
	result executor.Result
}

func (c countingExecutor) Run(context.Context, executor.Task) executor.Result {
	atomic.AddInt32(c.calls, 1)
	return c.result
}

func TestPoolTripsBreakerOnRepeatedTaskTypeFailure(t *testing.T) {
	pending := make([]task.Task, 0, 10)
	for i := 0; i < 10; i++ {
		pending = append(pending, task.Task{ID: "t-storm", TaskName: "convert", Attempts: 1, MaxAttempts: 5})
	}
	store := &fakeTaskStore{pending: pending}
	var calls int32
	pool := New(store, func(string) executor.Executor {
		return countingExecutor{calls: &calls, result: executor.Result{Success: false, ErrorCode: "KERNEL_ERROR", ErrorMessage: "boom"}}
	}, Config{QueueName: "ingest", Concurrency: 1, PollInterval: time.Millisecond, LeaseTTL: 300 * time.Millisecond, StormFailureThreshold: 3, StormCooldown: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.failed) == 10
	}, time.Second, 5*time.Millisecond)

	cancel()
	pool.Stop()

	// Every claim is eventually marked failed (real attempts plus
	// breaker-rejected fast-fails), but the executor itself is only
	// invoked until the breaker trips, not once per claim.
	assert.Len(t, store.failed, 10)
	assert.Less(t, int(atomic.LoadInt32(&calls)), 10)
}

func TestPoolStatsTrackCounts(t *testing.T) {
	store := &fakeTaskStore{pending: []task.Task{{ID: "t-3", TaskName: "convert", Attempts: 1, MaxAttempts: 3}}}
	pool := New(store, func(string) executor.Executor {
		return fakeExecutor{result: executor.Result{Success: true}}
	}, Config{QueueName: "ingest", Concurrency: 2, PollInterval: 5 * time.Millisecond, LeaseTTL: 300 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	require.Eventually(t, func() bool {
		completed, _ := pool.Stats()
		return completed == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	pool.Stop()
}
