package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsa110/ingestcore/internal/domain/task"
)

// fakeRow is a minimal pgx.Row stand-in driven by a fixed column slice, so
// the scan helpers can be exercised without a live database.
type fakeRow struct {
	cols []any
	err  error
}

func (f *fakeRow) Scan(dest ...any) error {
	if f.err != nil {
		return f.err
	}
	return scanInto(f.cols, dest)
}

// fakeRows adapts a slice of fakeRow into the pgxRows iteration contract.
type fakeRows struct {
	rows []fakeRow
	pos  int
}

func (f *fakeRows) Next() bool {
	if f.pos >= len(f.rows) {
		return false
	}
	f.pos++
	return true
}

func (f *fakeRows) Scan(dest ...any) error {
	return f.rows[f.pos-1].Scan(dest...)
}

func (f *fakeRows) Err() error { return nil }

func scanInto(cols []any, dest []any) error {
	for i := range dest {
		if err := assignTo(dest[i], cols[i]); err != nil {
			return err
		}
	}
	return nil
}

// assignTo covers the concrete pointer kinds scanTask/scanTasks use.
func assignTo(dst any, src any) error {
	switch d := dst.(type) {
	case *string:
		*d = src.(string)
	case **string:
		*d, _ = src.(*string)
	case *int:
		*d = src.(int)
	case *int64:
		*d = src.(int64)
	case *time.Time:
		*d = src.(time.Time)
	case **time.Time:
		*d, _ = src.(*time.Time)
	case *task.Status:
		*d = task.Status(src.(string))
	case *[]byte:
		if src == nil {
			*d = nil
		} else {
			*d = src.([]byte)
		}
	default:
		panic("assignTo: unsupported dest type")
	}
	return nil
}

func taskRowCols(t task.Task) []any {
	var claimedBy, lastError, parentTaskID *string
	if t.ClaimedBy != "" {
		claimedBy = &t.ClaimedBy
	}
	if t.LastError != "" {
		lastError = &t.LastError
	}
	if t.ParentTaskID != "" {
		parentTaskID = &t.ParentTaskID
	}
	return []any{
		t.ID, t.QueueName, t.TaskName, []byte(t.Params), string(t.Status), t.Priority,
		t.Attempts, t.MaxAttempts, t.CreatedAt, t.ScheduledAt, t.ClaimedAt, claimedBy,
		t.LeaseExpiresAt, lastError, parentTaskID, []byte(t.Result),
	}
}

func TestScanTaskPopulatesOptionalFields(t *testing.T) {
	now := time.Now().UTC()
	want := task.Task{
		ID: "t-1", QueueName: "ingest", TaskName: "convert_to_ms",
		Params: json.RawMessage(`{"group_id":"g1"}`), Status: task.StatusRunning,
		Priority: 5, Attempts: 1, MaxAttempts: 3, CreatedAt: now, ScheduledAt: now,
		ClaimedBy: "worker-1", LastError: "", ParentTaskID: "",
	}
	row := &fakeRow{cols: taskRowCols(want)}

	got, err := scanTask(row)
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.QueueName, got.QueueName)
	assert.Equal(t, want.Status, got.Status)
	assert.Equal(t, want.Priority, got.Priority)
	assert.Equal(t, "worker-1", got.ClaimedBy)
	assert.Empty(t, got.LastError)
}

func TestScanTasksCollectsAllRows(t *testing.T) {
	now := time.Now().UTC()
	a := task.Task{ID: "t-1", QueueName: "q", TaskName: "a", Status: task.StatusPending, CreatedAt: now, ScheduledAt: now}
	b := task.Task{ID: "t-2", QueueName: "q", TaskName: "b", Status: task.StatusCompleted, CreatedAt: now, ScheduledAt: now}

	rows := &fakeRows{rows: []fakeRow{{cols: taskRowCols(a)}, {cols: taskRowCols(b)}}}

	got, err := scanTasks(rows)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "t-1", got[0].ID)
	assert.Equal(t, "t-2", got[1].ID)
}

func TestNullableJSONAndStringTreatEmptyAsNil(t *testing.T) {
	assert.Nil(t, nullableJSON(nil))
	assert.Nil(t, nullableJSON(json.RawMessage{}))
	assert.NotNil(t, nullableJSON(json.RawMessage(`{}`)))

	assert.Nil(t, nullableString(""))
	assert.Equal(t, "x", nullableString("x"))
}
