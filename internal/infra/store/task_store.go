package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dsa110/ingestcore/internal/domain/task"
)

var _ task.Store = (*Postgres)(nil)

// Spawn inserts a pending row (spec §4.D spawn).
func (s *Postgres) Spawn(ctx context.Context, spec task.Spec) (string, error) {
	id := uuid.NewString()
	scheduledAt := spec.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = time.Now().UTC()
	}
	maxAttempts := spec.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, queue_name, task_name, params, status, priority,
			attempts, max_attempts, created_at, scheduled_at, parent_task_id)
		VALUES ($1, $2, $3, $4, 'pending', $5, 0, $6, now(), $7, $8)`, tasksTable),
		id, spec.QueueName, spec.TaskName, nullableJSON(spec.Params), spec.Priority,
		maxAttempts, scheduledAt, nullableString(spec.ParentID),
	)
	if err != nil {
		return "", fmt.Errorf("spawn task: %w", err)
	}
	return id, nil
}

// Claim atomically selects and leases the highest-priority, earliest
// eligible task, or reclaims a task whose lease expired — the exact
// UPDATE ... FOR UPDATE SKIP LOCKED ... RETURNING pattern the kernel
// dispatch store uses, generalized to also match lease-expired rows.
func (s *Postgres) Claim(ctx context.Context, queue, workerID string, leaseTTL time.Duration) (*task.Task, error) {
	leaseUntil := time.Now().UTC().Add(leaseTTL)
	now := time.Now().UTC()

	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE %s SET
			status = 'running',
			claimed_by = $1,
			claimed_at = now(),
			lease_expires_at = $2,
			attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM %s
			WHERE queue_name = $3
			  AND (
			    (status = 'pending' AND scheduled_at <= $4)
			    OR (status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at < $4)
			  )
			ORDER BY priority DESC, scheduled_at ASC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, queue_name, task_name, params, status, priority, attempts,
			max_attempts, created_at, scheduled_at, claimed_at, claimed_by,
			lease_expires_at, last_error, parent_task_id, result`,
		tasksTable, tasksTable),
		workerID, leaseUntil, queue, now,
	)

	t, err := scanTask(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return t, nil
}

// Heartbeat extends the lease; fails if the worker no longer owns it.
func (s *Postgres) Heartbeat(ctx context.Context, taskID, workerID string, leaseTTL time.Duration) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET lease_expires_at = $1
		WHERE id = $2 AND claimed_by = $3 AND status = 'running'`, tasksTable),
		time.Now().UTC().Add(leaseTTL), taskID, workerID,
	)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("heartbeat: task %s not owned by %s", taskID, workerID)
	}
	return nil
}

// Complete transitions running -> completed.
func (s *Postgres) Complete(ctx context.Context, taskID, workerID string, result json.RawMessage) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET status = 'completed', result = $1, lease_expires_at = NULL
		WHERE id = $2 AND claimed_by = $3 AND status = 'running'`, tasksTable),
		nullableJSON(result), taskID, workerID,
	)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete task: %s not owned by %s or not running", taskID, workerID)
	}
	return nil
}

// Fail applies the retry/dead-letter decision (spec §4.D fail): if
// retryable and attempts remain, reschedule with the caller-computed
// delay; otherwise snapshot the row into the dead-letter table.
func (s *Postgres) Fail(ctx context.Context, taskID, workerID, errMsg string, retryable bool, nextDelay time.Duration, dlqReason string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("fail task: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	row := tx.QueryRow(ctx, fmt.Sprintf(`
		SELECT id, queue_name, task_name, params, status, priority, attempts,
			max_attempts, created_at, scheduled_at, claimed_at, claimed_by,
			lease_expires_at, last_error, parent_task_id, result
		FROM %s WHERE id = $1 AND claimed_by = $2 AND status = 'running' FOR UPDATE`, tasksTable),
		taskID, workerID,
	)
	t, err := scanTask(row)
	if err != nil {
		return fmt.Errorf("fail task: lookup: %w", err)
	}

	if retryable && t.Attempts < t.MaxAttempts {
		_, err = tx.Exec(ctx, fmt.Sprintf(`
			UPDATE %s SET status = 'pending', scheduled_at = $1, last_error = $2,
				claimed_by = NULL, claimed_at = NULL, lease_expires_at = NULL
			WHERE id = $3`, tasksTable),
			time.Now().UTC().Add(nextDelay), errMsg, taskID,
		)
		if err != nil {
			return fmt.Errorf("fail task: reschedule: %w", err)
		}
		return tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET status = 'dead_letter', last_error = $1, lease_expires_at = NULL
		WHERE id = $2`, tasksTable),
		errMsg, taskID,
	)
	if err != nil {
		return fmt.Errorf("fail task: dead-letter status: %w", err)
	}

	t.LastError = errMsg
	snapshot, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("fail task: marshal snapshot: %w", err)
	}
	history := []string{errMsg}
	historyJSON, _ := json.Marshal(history)

	_, err = tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (task_id, original_task, reason, failed_at, error_history)
		VALUES ($1, $2, $3, now(), $4)
		ON CONFLICT (task_id) DO UPDATE SET
			reason = EXCLUDED.reason,
			error_history = %s.error_history || EXCLUDED.error_history`,
		deadLetterTable, deadLetterTable),
		taskID, snapshot, dlqReason, historyJSON,
	)
	if err != nil {
		return fmt.Errorf("fail task: dead-letter insert: %w", err)
	}

	return tx.Commit(ctx)
}

// Cancel moves a pending or running task to cancelled.
func (s *Postgres) Cancel(ctx context.Context, taskID string) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET status = 'cancelled', lease_expires_at = NULL
		WHERE id = $1 AND status IN ('pending', 'running')`, tasksTable),
		taskID,
	)
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("cancel task: %s not cancellable", taskID)
	}
	return nil
}

// Get fetches a single task by ID.
func (s *Postgres) Get(ctx context.Context, taskID string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT id, queue_name, task_name, params, status, priority, attempts,
			max_attempts, created_at, scheduled_at, claimed_at, claimed_by,
			lease_expires_at, last_error, parent_task_id, result
		FROM %s WHERE id = $1`, tasksTable), taskID)
	return scanTask(row)
}

// List returns up to limit tasks for queue, optionally filtered by status.
func (s *Postgres) List(ctx context.Context, queue string, status task.Status, limit int) ([]task.Task, error) {
	var rows pgx.Rows
	var err error
	if status == "" {
		rows, err = s.pool.Query(ctx, fmt.Sprintf(`
			SELECT id, queue_name, task_name, params, status, priority, attempts,
				max_attempts, created_at, scheduled_at, claimed_at, claimed_by,
				lease_expires_at, last_error, parent_task_id, result
			FROM %s WHERE queue_name = $1
			ORDER BY created_at DESC LIMIT $2`, tasksTable), queue, limit)
	} else {
		rows, err = s.pool.Query(ctx, fmt.Sprintf(`
			SELECT id, queue_name, task_name, params, status, priority, attempts,
				max_attempts, created_at, scheduled_at, claimed_at, claimed_by,
				lease_expires_at, last_error, parent_task_id, result
			FROM %s WHERE queue_name = $1 AND status = $2
			ORDER BY created_at DESC LIMIT $3`, tasksTable), queue, string(status), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// Stats returns per-status counts for queue.
func (s *Postgres) Stats(ctx context.Context, queue string) (task.Stats, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT status, count(*) FROM %s WHERE queue_name = $1 GROUP BY status`, tasksTable), queue)
	if err != nil {
		return task.Stats{}, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()

	var stats task.Stats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return task.Stats{}, fmt.Errorf("stats scan: %w", err)
		}
		switch task.Status(status) {
		case task.StatusPending:
			stats.Pending = count
		case task.StatusRunning:
			stats.Running = count
		case task.StatusCompleted:
			stats.Completed = count
		case task.StatusFailed:
			stats.Failed = count
		case task.StatusDeadLetter:
			stats.DeadLetter = count
		case task.StatusCancelled:
			stats.Cancelled = count
		}
	}
	return stats, rows.Err()
}

// ListDeadLetters returns recent DLQ entries for queue.
func (s *Postgres) ListDeadLetters(ctx context.Context, queue string, limit int) ([]task.DeadLetterEntry, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT dl.task_id, dl.original_task, dl.reason, dl.failed_at, dl.error_history
		FROM %s dl
		JOIN %s t ON t.id = dl.task_id
		WHERE t.queue_name = $1
		ORDER BY dl.failed_at DESC LIMIT $2`, deadLetterTable, tasksTable), queue, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []task.DeadLetterEntry
	for rows.Next() {
		var e task.DeadLetterEntry
		var originalJSON, historyJSON []byte
		if err := rows.Scan(&e.TaskID, &originalJSON, &e.Reason, &e.FailedAt, &historyJSON); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if len(originalJSON) > 0 {
			_ = json.Unmarshal(originalJSON, &e.OriginalTask)
		}
		if len(historyJSON) > 0 {
			_ = json.Unmarshal(historyJSON, &e.ErrorHistory)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ReplayDeadLetter re-inserts a new task with fresh ID and attempts=0
// (spec §3.7 DLQ replay semantics).
func (s *Postgres) ReplayDeadLetter(ctx context.Context, taskID string) (string, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT original_task FROM %s WHERE task_id = $1`, deadLetterTable), taskID)
	var originalJSON []byte
	if err := row.Scan(&originalJSON); err != nil {
		return "", fmt.Errorf("replay dead letter: lookup: %w", err)
	}
	var orig task.Task
	if err := json.Unmarshal(originalJSON, &orig); err != nil {
		return "", fmt.Errorf("replay dead letter: unmarshal: %w", err)
	}
	return s.Spawn(ctx, task.Spec{
		QueueName:   orig.QueueName,
		TaskName:    orig.TaskName,
		Params:      orig.Params,
		Priority:    orig.Priority,
		ScheduledAt: time.Now().UTC(),
		MaxAttempts: orig.MaxAttempts,
	})
}

func scanTask(row pgx.Row) (*task.Task, error) {
	var t task.Task
	var params, result []byte
	var claimedAt, leaseExpiresAt *time.Time
	var claimedBy, lastError, parentTaskID *string

	err := row.Scan(&t.ID, &t.QueueName, &t.TaskName, &params, &t.Status, &t.Priority,
		&t.Attempts, &t.MaxAttempts, &t.CreatedAt, &t.ScheduledAt, &claimedAt, &claimedBy,
		&leaseExpiresAt, &lastError, &parentTaskID, &result)
	if err != nil {
		return nil, err
	}
	t.Params = params
	t.Result = result
	t.ClaimedAt = claimedAt
	t.LeaseExpiresAt = leaseExpiresAt
	if claimedBy != nil {
		t.ClaimedBy = *claimedBy
	}
	if lastError != nil {
		t.LastError = *lastError
	}
	if parentTaskID != nil {
		t.ParentTaskID = *parentTaskID
	}
	return &t, nil
}

func scanTasks(rows pgxRows) ([]task.Task, error) {
	var out []task.Task
	for rows.Next() {
		var t task.Task
		var params, result []byte
		var claimedAt, leaseExpiresAt *time.Time
		var claimedBy, lastError, parentTaskID *string

		err := rows.Scan(&t.ID, &t.QueueName, &t.TaskName, &params, &t.Status, &t.Priority,
			&t.Attempts, &t.MaxAttempts, &t.CreatedAt, &t.ScheduledAt, &claimedAt, &claimedBy,
			&leaseExpiresAt, &lastError, &parentTaskID, &result)
		if err != nil {
			return nil, err
		}
		t.Params = params
		t.Result = result
		t.ClaimedAt = claimedAt
		t.LeaseExpiresAt = leaseExpiresAt
		if claimedBy != nil {
			t.ClaimedBy = *claimedBy
		}
		if lastError != nil {
			t.LastError = *lastError
		}
		if parentTaskID != nil {
			t.ParentTaskID = *parentTaskID
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullableJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
