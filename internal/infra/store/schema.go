// Package store is the Postgres-backed implementation of every durable
// port in the core: the task queue ("ABSURD"), the ingest queue, and MS
// lineage. It is grounded directly on the kernel dispatch store's
// claim-with-SKIP-LOCKED pattern, generalized from a single-kernel
// dispatch table to the full task/ingest/MS schema this core needs.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dsa110/ingestcore/internal/logging"
)

const (
	tasksTable          = "core_tasks"
	scheduledTable      = "core_scheduled_tasks"
	deadLetterTable     = "core_dead_letter"
	subbandFilesTable   = "core_subband_files"
	subbandGroupsTable  = "core_subband_groups"
	msStateTable        = "core_ms_state"
)

// Postgres is the shared pgx-backed implementation of the task, ingest,
// and MS-lineage stores. One instance wires all three because they share
// a connection pool. Fail writes the tasks and dead-letter tables in one
// transaction; group dispatch and task spawn are separate statements.
type Postgres struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// New wraps an existing connection pool. Callers own the pool's lifetime.
func New(pool *pgxpool.Pool, logger logging.Logger) *Postgres {
	return &Postgres{pool: pool, logger: logging.OrNop(logger)}
}

// EnsureSchema creates every table and index this package needs if they
// do not already exist. Safe to call on every startup.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			queue_name TEXT NOT NULL,
			task_name TEXT NOT NULL,
			params JSONB,
			status TEXT NOT NULL DEFAULT 'pending',
			priority INTEGER NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			scheduled_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			claimed_at TIMESTAMPTZ,
			claimed_by TEXT,
			lease_expires_at TIMESTAMPTZ,
			last_error TEXT,
			parent_task_id TEXT,
			result JSONB
		)`, tasksTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_claim_idx ON %s (queue_name, status, priority DESC, scheduled_at ASC, created_at ASC)`, tasksTable, tasksTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_lease_idx ON %s (status, lease_expires_at) WHERE lease_expires_at IS NOT NULL`, tasksTable, tasksTable),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			name TEXT PRIMARY KEY,
			cron_expr TEXT NOT NULL,
			queue_name TEXT NOT NULL,
			task_name TEXT NOT NULL,
			params_template JSONB,
			last_fired_at TIMESTAMPTZ,
			next_fire_at TIMESTAMPTZ NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT true
		)`, scheduledTable),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			task_id TEXT PRIMARY KEY,
			original_task JSONB NOT NULL,
			reason TEXT NOT NULL,
			failed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			error_history JSONB
		)`, deadLetterTable),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			path TEXT PRIMARY KEY,
			mtime TIMESTAMPTZ NOT NULL,
			size BIGINT NOT NULL,
			group_id TEXT,
			subband_index INTEGER NOT NULL,
			state TEXT NOT NULL DEFAULT 'seen'
		)`, subbandFilesTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_group_idx ON %s (group_id)`, subbandFilesTable, subbandFilesTable),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			group_id TEXT PRIMARY KEY,
			expected_subbands INTEGER NOT NULL,
			observed_subbands INTEGER[] NOT NULL DEFAULT '{}',
			first_seen_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_seen_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			status TEXT NOT NULL DEFAULT 'partial',
			dispatch_task_id TEXT
		)`, subbandGroupsTable),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			ms_path TEXT PRIMARY KEY,
			state TEXT NOT NULL DEFAULT 'registered',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			checkpoint JSONB,
			parent_ms_path TEXT
		)`, msStateTable),
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	s.logger.Info("schema ensured")
	return nil
}

// pgxRows abstracts the subset of pgx.Rows used by scan helpers, so they
// can be unit tested against a fake implementation.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}
