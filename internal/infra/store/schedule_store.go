package store

import (
	"context"
	"fmt"
	"time"

	"github.com/dsa110/ingestcore/internal/domain/task"
)

// UpsertSchedule creates or updates a cron entry's definition.
func (s *Postgres) UpsertSchedule(ctx context.Context, entry task.ScheduledEntry) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (name, cron_expr, queue_name, task_name, params_template, last_fired_at, next_fire_at, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (name) DO UPDATE SET
			cron_expr = EXCLUDED.cron_expr,
			queue_name = EXCLUDED.queue_name,
			task_name = EXCLUDED.task_name,
			params_template = EXCLUDED.params_template,
			next_fire_at = EXCLUDED.next_fire_at,
			enabled = EXCLUDED.enabled`, scheduledTable),
		entry.Name, entry.CronExpr, entry.QueueName, entry.TaskName,
		nullableJSON(entry.ParamsTemplate), entry.LastFiredAt, entry.NextFireAt, entry.Enabled,
	)
	if err != nil {
		return fmt.Errorf("upsert schedule: %w", err)
	}
	return nil
}

// ClaimDueSchedules returns every enabled entry with next_fire_at <= now,
// read-only: the caller advances each entry individually via
// AdvanceSchedule inside the same fire loop, which is what makes restart
// double-fire impossible (spec §4.E idempotence).
func (s *Postgres) ClaimDueSchedules(ctx context.Context, now time.Time) ([]task.ScheduledEntry, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT name, cron_expr, queue_name, task_name, params_template, last_fired_at, next_fire_at, enabled
		FROM %s WHERE enabled = true AND next_fire_at <= $1
		ORDER BY next_fire_at ASC`, scheduledTable), now)
	if err != nil {
		return nil, fmt.Errorf("claim due schedules: %w", err)
	}
	defer rows.Close()

	var out []task.ScheduledEntry
	for rows.Next() {
		var e task.ScheduledEntry
		var paramsTemplate []byte
		if err := rows.Scan(&e.Name, &e.CronExpr, &e.QueueName, &e.TaskName, &paramsTemplate,
			&e.LastFiredAt, &e.NextFireAt, &e.Enabled); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		e.ParamsTemplate = paramsTemplate
		out = append(out, e)
	}
	return out, rows.Err()
}

// AdvanceSchedule atomically sets last_fired_at and next_fire_at for one
// entry. The WHERE clause guards against a second scheduler instance
// racing to fire the same instant: only the row whose next_fire_at still
// matches the instant we observed gets advanced.
func (s *Postgres) AdvanceSchedule(ctx context.Context, name string, firedAt, nextFireAt time.Time) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET last_fired_at = $1, next_fire_at = $2
		WHERE name = $3 AND next_fire_at = $1`, scheduledTable),
		firedAt, nextFireAt, name,
	)
	if err != nil {
		return fmt.Errorf("advance schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("advance schedule: %s already advanced by another instance", name)
	}
	return nil
}
