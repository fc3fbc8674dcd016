package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/dsa110/ingestcore/internal/domain/ingest"
)

var _ ingest.Store = (*Postgres)(nil)

// RegisterFile is a no-op if path already exists with the same attrs;
// while still `seen`, a higher mtime is accepted as an update (spec §4.C).
func (s *Postgres) RegisterFile(ctx context.Context, f ingest.SubbandFile) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (path, mtime, size, group_id, subband_index, state)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (path) DO UPDATE SET
			mtime = EXCLUDED.mtime,
			size = EXCLUDED.size,
			group_id = COALESCE(%s.group_id, EXCLUDED.group_id)
		WHERE %s.state = 'seen' AND EXCLUDED.mtime >= %s.mtime`,
		subbandFilesTable, subbandFilesTable, subbandFilesTable, subbandFilesTable),
		f.Path, f.Mtime, f.Size, nullableString(f.GroupID), f.SubbandIndex, string(f.State),
	)
	if err != nil {
		return fmt.Errorf("register file: %w", err)
	}
	return nil
}

// MarkStable transitions a file seen -> stable.
func (s *Postgres) MarkStable(ctx context.Context, path string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET state = 'stable' WHERE path = $1 AND state = 'seen'`, subbandFilesTable), path)
	if err != nil {
		return fmt.Errorf("mark stable: %w", err)
	}
	return nil
}

// TryCompleteGroup succeeds iff the group has enough stable members and
// is not already dispatched.
func (s *Postgres) TryCompleteGroup(ctx context.Context, groupID string, minRequired int) (bool, []int, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT cardinality(observed_subbands), status FROM %s WHERE group_id = $1`, subbandGroupsTable), groupID)
	var observed int
	var status string
	if err := row.Scan(&observed, &status); err != nil {
		if err == pgx.ErrNoRows {
			return false, nil, nil
		}
		return false, nil, fmt.Errorf("try complete group: %w", err)
	}
	if status == string(ingest.GroupDispatched) {
		return false, nil, nil
	}
	if observed < minRequired {
		return false, nil, nil
	}

	memberRows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT subband_index FROM %s WHERE group_id = $1 AND state IN ('stable', 'grouped')
		ORDER BY subband_index`, subbandFilesTable), groupID)
	if err != nil {
		return false, nil, fmt.Errorf("try complete group: members: %w", err)
	}
	defer memberRows.Close()

	var members []int
	for memberRows.Next() {
		var idx int
		if err := memberRows.Scan(&idx); err != nil {
			return false, nil, fmt.Errorf("try complete group: scan member: %w", err)
		}
		members = append(members, idx)
	}
	return true, members, memberRows.Err()
}

// MarkGroupDispatched records the dispatch exactly once per group_id via
// the conditional status check: the caller passes the already-spawned
// taskID. It runs as its own statement, not in the spawn's transaction.
func (s *Postgres) MarkGroupDispatched(ctx context.Context, groupID, taskID string) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET status = 'dispatched', dispatch_task_id = $1
		WHERE group_id = $2 AND status != 'dispatched'`, subbandGroupsTable),
		taskID, groupID,
	)
	if err != nil {
		return fmt.Errorf("mark group dispatched: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark group dispatched: %s already dispatched", groupID)
	}
	return nil
}

// MarkFilesConsumed bulk-transitions paths to consumed.
func (s *Postgres) MarkFilesConsumed(ctx context.Context, paths []string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET state = 'consumed' WHERE path = ANY($1)`, subbandFilesTable), paths)
	if err != nil {
		return fmt.Errorf("mark files consumed: %w", err)
	}
	return nil
}

// UpsertGroup creates or updates a group's tracked state.
func (s *Postgres) UpsertGroup(ctx context.Context, g ingest.Group) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (group_id, expected_subbands, observed_subbands, first_seen_at, last_seen_at, status, dispatch_task_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (group_id) DO UPDATE SET
			observed_subbands = EXCLUDED.observed_subbands,
			last_seen_at = EXCLUDED.last_seen_at,
			status = EXCLUDED.status`, subbandGroupsTable),
		g.GroupID, g.ExpectedSubbands, g.Members(), g.FirstSeenAt, g.LastSeenAt, string(g.Status), nullableString(g.DispatchTaskID),
	)
	if err != nil {
		return fmt.Errorf("upsert group: %w", err)
	}
	return nil
}

// GetGroup fetches one group by ID.
func (s *Postgres) GetGroup(ctx context.Context, groupID string) (*ingest.Group, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT group_id, expected_subbands, observed_subbands, first_seen_at, last_seen_at, status, dispatch_task_id
		FROM %s WHERE group_id = $1`, subbandGroupsTable), groupID)

	var g ingest.Group
	var observed []int32
	var dispatchTaskID *string
	if err := row.Scan(&g.GroupID, &g.ExpectedSubbands, &observed, &g.FirstSeenAt, &g.LastSeenAt, &g.Status, &dispatchTaskID); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get group: %w", err)
	}
	g.ObservedSubbands = make(map[int]struct{}, len(observed))
	for _, idx := range observed {
		g.ObservedSubbands[int(idx)] = struct{}{}
	}
	if dispatchTaskID != nil {
		g.DispatchTaskID = *dispatchTaskID
	}
	return &g, nil
}
