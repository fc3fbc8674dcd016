// Package scheduler is the cron-driven spawner of recurring tasks (spec
// §4.E): nightly mosaic builds, periodic maintenance sweeps. It is
// grounded on the teacher's robfig/cron wrapper (parser construction,
// concurrency-policy job wrapper, Start/Stop/Drain lifecycle), with the
// job store and notification layer replaced by the durable task store's
// ClaimDueSchedules/AdvanceSchedule contract so that a scheduler restart
// can never double-fire an entry.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dsa110/ingestcore/internal/domain/task"
	"github.com/dsa110/ingestcore/internal/logging"
)

// ConcurrencyPolicy controls what happens when a fire is still running
// when the next one comes due.
type ConcurrencyPolicy string

const (
	PolicySkip  ConcurrencyPolicy = "skip"
	PolicyDelay ConcurrencyPolicy = "delay"
)

// Config configures a Scheduler.
type Config struct {
	CheckInterval     time.Duration // how often to poll ClaimDueSchedules
	ConcurrencyPolicy ConcurrencyPolicy
}

// Scheduler polls the task store for due schedule entries and spawns the
// templated task for each one, advancing its next_fire_at so a second
// scheduler instance (or a restart mid-tick) cannot re-fire the same
// instant (spec §4.E, §8 scenario S6).
type Scheduler struct {
	store  task.Store
	cfg    Config
	logger logging.Logger

	cronParser cron.Parser
	inFlight   map[string]bool

	mu       sync.Mutex
	stopCh   chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// New constructs a Scheduler backed by store. A zero CheckInterval
// defaults to 10s.
func New(store task.Store, cfg Config, logger logging.Logger) *Scheduler {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Second
	}
	if cfg.ConcurrencyPolicy == "" {
		cfg.ConcurrencyPolicy = PolicySkip
	}
	return &Scheduler{
		store:      store,
		cfg:        cfg,
		logger:     logging.OrNop(logger),
		cronParser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		inFlight:   make(map[string]bool),
		stopCh:     make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// RegisterSchedule validates cronExpr and upserts the entry's definition
// into the store. The entry's first next_fire_at is computed from now if
// it has never fired.
func (s *Scheduler) RegisterSchedule(ctx context.Context, entry task.ScheduledEntry) error {
	schedule, err := s.cronParser.Parse(entry.CronExpr)
	if err != nil {
		return fmt.Errorf("scheduler: bad cron expression %q: %w", entry.CronExpr, err)
	}
	if entry.NextFireAt.IsZero() {
		entry.NextFireAt = schedule.Next(time.Now().UTC())
	}
	entry.Enabled = true
	return s.store.UpsertSchedule(ctx, entry)
}

// Start runs the poll loop until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	defer close(s.stopped)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop halts the poll loop. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Done closes once the poll loop has fully exited.
func (s *Scheduler) Done() <-chan struct{} {
	return s.stopped
}

// Name identifies this scheduler for lifecycle.DrainAll logging.
func (s *Scheduler) Name() string { return "scheduler" }

// Drain stops the poll loop and waits for it to exit, satisfying
// internal/app/lifecycle.Drainable.
func (s *Scheduler) Drain(ctx context.Context) error {
	s.Stop()
	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	due, err := s.store.ClaimDueSchedules(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Warn("scheduler: poll failed: %v", err)
		return
	}
	for _, entry := range due {
		s.fire(ctx, entry)
	}
}

func (s *Scheduler) fire(ctx context.Context, entry task.ScheduledEntry) {
	if s.cfg.ConcurrencyPolicy == PolicySkip {
		s.mu.Lock()
		if s.inFlight[entry.Name] {
			s.mu.Unlock()
			s.logger.Debug("scheduler: skipping %q, still in flight", entry.Name)
			return
		}
		s.inFlight[entry.Name] = true
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, entry.Name)
			s.mu.Unlock()
		}()
	}

	schedule, err := s.cronParser.Parse(entry.CronExpr)
	if err != nil {
		s.logger.Warn("scheduler: entry %q has unparsable cron expr %q: %v", entry.Name, entry.CronExpr, err)
		return
	}

	now := entry.NextFireAt
	nextFireAt := schedule.Next(now)

	// Advance the schedule before spawning: AdvanceSchedule's conditional
	// WHERE clause lets exactly one caller move next_fire_at past this
	// instant, and only that caller spawns. If this process crashes
	// between the two calls, this instant's task is not spawned at all
	// rather than spawned twice.
	if err := s.store.AdvanceSchedule(ctx, entry.Name, now, nextFireAt); err != nil {
		if strings.Contains(err.Error(), "already advanced") {
			s.logger.Debug("scheduler: %q already advanced by another instance", entry.Name)
			return
		}
		s.logger.Warn("scheduler: failed to advance %q: %v", entry.Name, err)
		return
	}

	if _, err := s.store.Spawn(ctx, task.Spec{
		QueueName: entry.QueueName,
		TaskName:  entry.TaskName,
		Params:    entry.ParamsTemplate,
		Priority:  0,
	}); err != nil {
		s.logger.Warn("scheduler: failed to spawn task for %q: %v", entry.Name, err)
	}
}
