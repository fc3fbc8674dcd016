package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/dsa110/ingestcore/internal/domain/msstate"
)

var _ msstate.Store = (*Postgres)(nil)

// GetOrCreate returns the existing lineage record for msPath, inserting a
// fresh `registered` row if none exists yet.
func (s *Postgres) GetOrCreate(ctx context.Context, msPath string) (*msstate.Record, error) {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (ms_path, state, created_at, updated_at)
		VALUES ($1, 'registered', now(), now())
		ON CONFLICT (ms_path) DO NOTHING`, msStateTable), msPath)
	if err != nil {
		return nil, fmt.Errorf("get or create ms state: %w", err)
	}
	return s.Get(ctx, msPath)
}

// Transition performs the conditional WHERE state = from update that makes
// a concurrent re-delivery of the same stage-advance a no-op rather than a
// double-apply: ok=false with no error means another writer already moved
// the record past `from`, which the caller treats as already-applied.
func (s *Postgres) Transition(ctx context.Context, msPath string, from, to msstate.State, checkpoint json.RawMessage) (bool, string, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET state = $1, checkpoint = $2, updated_at = now()
		WHERE ms_path = $3 AND state = $4`, msStateTable),
		string(to), nullableJSON(checkpoint), msPath, string(from),
	)
	if err != nil {
		return false, "", fmt.Errorf("transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		rec, getErr := s.Get(ctx, msPath)
		if getErr != nil {
			return false, "", fmt.Errorf("transition: lookup current state: %w", getErr)
		}
		if rec == nil {
			return false, "no such record", nil
		}
		if rec.State == to {
			return false, "already applied", nil
		}
		return false, fmt.Sprintf("expected state %s, found %s", from, rec.State), nil
	}
	return true, "", nil
}

// RecordFailure increments retry_count and moves the record to `failed`,
// quarantining it once retry_count reaches maxRetries (spec §4.I).
func (s *Postgres) RecordFailure(ctx context.Context, msPath string, errMsg string, maxRetries int) (bool, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE %s SET
			retry_count = retry_count + 1,
			last_error = $1,
			state = CASE WHEN retry_count + 1 >= $2 THEN 'quarantined' ELSE 'failed' END,
			updated_at = now()
		WHERE ms_path = $3
		RETURNING state`, msStateTable),
		errMsg, maxRetries, msPath,
	)
	var state string
	if err := row.Scan(&state); err != nil {
		return false, fmt.Errorf("record failure: %w", err)
	}
	return state == string(msstate.StateQuarantined), nil
}

// Get fetches one record, or nil if msPath is not tracked.
func (s *Postgres) Get(ctx context.Context, msPath string) (*msstate.Record, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT ms_path, state, created_at, updated_at, retry_count, last_error, checkpoint, parent_ms_path
		FROM %s WHERE ms_path = $1`, msStateTable), msPath)
	return scanMSRecord(row)
}

// List returns up to limit records in state, most recently updated first.
// An empty state returns records in any state.
func (s *Postgres) List(ctx context.Context, state msstate.State, limit int) ([]msstate.Record, error) {
	var rows pgx.Rows
	var err error
	if state == "" {
		rows, err = s.pool.Query(ctx, fmt.Sprintf(`
			SELECT ms_path, state, created_at, updated_at, retry_count, last_error, checkpoint, parent_ms_path
			FROM %s ORDER BY updated_at DESC LIMIT $1`, msStateTable), limit)
	} else {
		rows, err = s.pool.Query(ctx, fmt.Sprintf(`
			SELECT ms_path, state, created_at, updated_at, retry_count, last_error, checkpoint, parent_ms_path
			FROM %s WHERE state = $1 ORDER BY updated_at DESC LIMIT $2`, msStateTable), string(state), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list ms state: %w", err)
	}
	defer rows.Close()

	var out []msstate.Record
	for rows.Next() {
		rec, err := scanMSRecordRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ms state: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanMSRecord(row pgx.Row) (*msstate.Record, error) {
	var r msstate.Record
	var state string
	var lastError, parentMSPath *string
	var checkpoint []byte

	err := row.Scan(&r.MSPath, &state, &r.CreatedAt, &r.UpdatedAt, &r.RetryCount, &lastError, &checkpoint, &parentMSPath)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	r.State = msstate.State(state)
	r.Checkpoint = checkpoint
	if lastError != nil {
		r.LastError = *lastError
	}
	if parentMSPath != nil {
		r.ParentMSPath = *parentMSPath
	}
	return &r, nil
}

func scanMSRecordRow(rows pgxRows) (*msstate.Record, error) {
	var r msstate.Record
	var state string
	var lastError, parentMSPath *string
	var checkpoint []byte

	err := rows.Scan(&r.MSPath, &state, &r.CreatedAt, &r.UpdatedAt, &r.RetryCount, &lastError, &checkpoint, &parentMSPath)
	if err != nil {
		return nil, err
	}
	r.State = msstate.State(state)
	r.Checkpoint = checkpoint
	if lastError != nil {
		r.LastError = *lastError
	}
	if parentMSPath != nil {
		r.ParentMSPath = *parentMSPath
	}
	return &r, nil
}
