// Package ingest holds the data model for landing-file tracking and
// subband grouping (spec §3.1-3.2), independent of how it is persisted.
package ingest

import (
	"context"
	"time"
)

// FileState is the lifecycle of one landing file (spec §3.1).
type FileState string

const (
	FileSeen     FileState = "seen"
	FileStable   FileState = "stable"
	FileGrouped  FileState = "grouped"
	FileConsumed FileState = "consumed"
)

// SubbandFile is one tracked landing file.
type SubbandFile struct {
	Path          string
	Mtime         time.Time
	Size          int64
	GroupID       string
	SubbandIndex  int
	State         FileState
}

// GroupStatus is the lifecycle of a subband group (spec §3.2).
type GroupStatus string

const (
	GroupPartial    GroupStatus = "partial"
	GroupComplete   GroupStatus = "complete"
	GroupTimedOut   GroupStatus = "timed_out"
	GroupDispatched GroupStatus = "dispatched"
)

// Group is a cluster of subband files sharing a representative timestamp.
type Group struct {
	GroupID          string
	ExpectedSubbands int
	ObservedSubbands map[int]struct{}
	FirstSeenAt      time.Time
	LastSeenAt       time.Time
	Status           GroupStatus
	DispatchTaskID   string
}

// Observed returns the number of distinct subband indices seen so far.
func (g *Group) Observed() int {
	return len(g.ObservedSubbands)
}

// Members returns the observed subband indices in ascending order.
func (g *Group) Members() []int {
	out := make([]int, 0, len(g.ObservedSubbands))
	for idx := range g.ObservedSubbands {
		out = append(out, idx)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Store is the durable persistence port for landing-file and
// subband-group state (spec §4.C). Every mutating method is transactional
// and idempotent per the contract in spec §4.C.
type Store interface {
	EnsureSchema(ctx context.Context) error

	// RegisterFile is a no-op if path is already present with the same
	// attrs; it only accepts a higher mtime while the file is still `seen`.
	RegisterFile(ctx context.Context, f SubbandFile) error
	MarkStable(ctx context.Context, path string) error

	// TryCompleteGroup succeeds iff the group has enough stable members
	// and is not already dispatched.
	TryCompleteGroup(ctx context.Context, groupID string, minRequired int) (completed bool, members []int, err error)
	// MarkGroupDispatched records an already-spawned conversion task as
	// the group's dispatch; it succeeds at most once per group_id. It is
	// a separate write from the spawn, not part of the same transaction.
	MarkGroupDispatched(ctx context.Context, groupID, taskID string) error
	MarkFilesConsumed(ctx context.Context, paths []string) error

	UpsertGroup(ctx context.Context, g Group) error
	GetGroup(ctx context.Context, groupID string) (*Group, error)
}
