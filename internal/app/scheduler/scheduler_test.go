package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsa110/ingestcore/internal/domain/task"
)

// fakeStore is a minimal in-memory task.Store covering only what
// Scheduler needs, so its restart/race behavior can be tested without a
// database.
type fakeStore struct {
	task.Store
	mu        sync.Mutex
	entries   map[string]task.ScheduledEntry
	spawnedAt []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(map[string]task.ScheduledEntry)}
}

func (f *fakeStore) UpsertSchedule(_ context.Context, e task.ScheduledEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[e.Name] = e
	return nil
}

func (f *fakeStore) ClaimDueSchedules(_ context.Context, now time.Time) ([]task.ScheduledEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []task.ScheduledEntry
	for _, e := range f.entries {
		if e.Enabled && !e.NextFireAt.After(now) {
			due = append(due, e)
		}
	}
	return due, nil
}

func (f *fakeStore) AdvanceSchedule(_ context.Context, name string, firedAt, nextFireAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[name]
	if !ok || !e.NextFireAt.Equal(firedAt) {
		return assertAlreadyAdvanced(name)
	}
	e.LastFiredAt = &firedAt
	e.NextFireAt = nextFireAt
	f.entries[name] = e
	return nil
}

func assertAlreadyAdvanced(name string) error {
	return &alreadyAdvancedErr{name: name}
}

type alreadyAdvancedErr struct{ name string }

func (e *alreadyAdvancedErr) Error() string {
	return e.name + " already advanced by another instance"
}

func (f *fakeStore) Spawn(_ context.Context, spec task.Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawnedAt = append(f.spawnedAt, spec.TaskName)
	return "fake-task-id", nil
}

func TestRegisterScheduleComputesNextFireAt(t *testing.T) {
	store := newFakeStore()
	s := New(store, Config{}, nil)

	err := s.RegisterSchedule(context.Background(), task.ScheduledEntry{
		Name:      "nightly_mosaic",
		CronExpr:  "0 2 * * *",
		QueueName: "maintenance",
		TaskName:  "build_mosaic",
	})
	require.NoError(t, err)

	store.mu.Lock()
	defer store.mu.Unlock()
	entry, ok := store.entries["nightly_mosaic"]
	require.True(t, ok)
	assert.False(t, entry.NextFireAt.IsZero())
}

func TestTickSpawnsDueEntryAndAdvances(t *testing.T) {
	store := newFakeStore()
	now := time.Now().UTC()
	require.NoError(t, store.UpsertSchedule(context.Background(), task.ScheduledEntry{
		Name:       "maintenance_sweep",
		CronExpr:   "*/5 * * * *",
		QueueName:  "maintenance",
		TaskName:   "sweep",
		NextFireAt: now.Add(-time.Minute),
		Enabled:    true,
	}))

	s := New(store, Config{}, nil)
	s.tick(context.Background())

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Contains(t, store.spawnedAt, "sweep")
	assert.True(t, store.entries["maintenance_sweep"].NextFireAt.After(now))
}

func TestTickIsIdempotentAcrossRepeatedCallsAtSameInstant(t *testing.T) {
	store := newFakeStore()
	now := time.Now().UTC()
	require.NoError(t, store.UpsertSchedule(context.Background(), task.ScheduledEntry{
		Name:       "maintenance_sweep",
		CronExpr:   "*/5 * * * *",
		QueueName:  "maintenance",
		TaskName:   "sweep",
		NextFireAt: now.Add(-time.Minute),
		Enabled:    true,
	}))

	s := New(store, Config{}, nil)
	s.tick(context.Background())
	firstCount := len(store.spawnedAt)

	// A second tick immediately after should see the entry already
	// advanced past "now" and not re-fire it.
	s.tick(context.Background())
	assert.Equal(t, firstCount, len(store.spawnedAt))
}

func TestRegisterScheduleRejectsInvalidCronExpr(t *testing.T) {
	store := newFakeStore()
	s := New(store, Config{}, nil)
	err := s.RegisterSchedule(context.Background(), task.ScheduledEntry{
		Name:     "bad",
		CronExpr: "not a cron expr",
	})
	assert.Error(t, err)
}
