// Package grouper clusters stable subband files into observation groups
// by timestamp proximity and emits completion/timeout/abandonment events
// (spec §4.B). Grounded on the teacher's debounce-timer bookkeeping
// pattern (internal/config/runtime_watcher.go) generalized from a single
// pending reload to many concurrently open clusters.
package grouper

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"
)

// EventKind distinguishes the emission rules of spec §4.B.
type EventKind string

const (
	EventGroupComplete      EventKind = "group_complete"
	EventGroupTimeoutAccept EventKind = "group_timeout_accept"
	EventGroupAbandoned     EventKind = "group_abandoned"
	EventUnparsable         EventKind = "unparsable"
)

// Event is emitted by Grouper as clusters resolve.
type Event struct {
	Kind                 EventKind
	GroupID              string
	Members              []int
	RepresentativeTime   time.Time
	Path                 string // populated for EventUnparsable
}

var filenamePattern = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}T\d{2}-\d{2}-\d{2})_sb(\d{2})\.hdf5$`)

// ParseFilename extracts the group timestamp and subband index from a
// landing filename of the form `<ISO-timestamp>_sb<NN>.hdf5`, with ':'
// in the timestamp replaced by '-' as is conventional for filesystem-safe
// names. Returns an error if the name does not match.
func ParseFilename(base string) (time.Time, int, error) {
	m := filenamePattern.FindStringSubmatch(base)
	if m == nil {
		return time.Time{}, 0, fmt.Errorf("grouper: unparsable filename %q", base)
	}
	ts, err := time.Parse("2006-01-02T15-04-05", m[1])
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("grouper: bad timestamp in %q: %w", base, err)
	}
	idx, err := strconv.Atoi(m[2])
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("grouper: bad subband index in %q: %w", base, err)
	}
	return ts, idx, nil
}

type openGroup struct {
	id          string
	repTime     time.Time
	firstSeenAt time.Time
	members     map[int]struct{}
}

// Grouper tracks open clusters in memory; callers drive it with stable
// file arrivals and periodic Sweep calls for timeout detection. Group
// dispatch/persistence itself lives in the ingest store — Grouper only
// decides cluster membership and emits events.
type Grouper struct {
	expectedSubbands int
	minRequired      int
	clusterTolerance time.Duration
	groupTimeout     time.Duration

	open []*openGroup
}

// New constructs a Grouper. minRequired defaults to expectedSubbands
// when <= 0 (spec §6.5 default).
func New(expectedSubbands, minRequired int, clusterTolerance, groupTimeout time.Duration) *Grouper {
	if minRequired <= 0 {
		minRequired = expectedSubbands
	}
	return &Grouper{
		expectedSubbands: expectedSubbands,
		minRequired:      minRequired,
		clusterTolerance: clusterTolerance,
		groupTimeout:     groupTimeout,
	}
}

// Ingest assigns one stable file to a cluster, creating a new one if
// none is within clusterTolerance. Returns a group_complete event if
// this arrival completes the group, or an unparsable event if base does
// not match the naming contract.
func (g *Grouper) Ingest(base string, now time.Time) Event {
	ts, idx, err := ParseFilename(base)
	if err != nil {
		return Event{Kind: EventUnparsable, Path: base}
	}

	og := g.findOrCreate(ts, now)
	og.members[idx] = struct{}{}

	if len(og.members) >= g.expectedSubbands {
		return Event{
			Kind:               EventGroupComplete,
			GroupID:            og.id,
			Members:            sortedMembers(og.members),
			RepresentativeTime: og.repTime,
		}
	}
	return Event{}
}

// findOrCreate returns the open group whose representative timestamp is
// closest to ts within tolerance, creating a new one otherwise (spec
// §4.B tie-break: closest representative wins).
func (g *Grouper) findOrCreate(ts, now time.Time) *openGroup {
	var best *openGroup
	var bestDelta time.Duration
	for _, og := range g.open {
		delta := absDuration(ts.Sub(og.repTime))
		if delta <= g.clusterTolerance && (best == nil || delta < bestDelta) {
			best = og
			bestDelta = delta
		}
	}
	if best != nil {
		return best
	}
	og := &openGroup{
		id:          groupID(ts),
		repTime:     ts,
		firstSeenAt: now,
		members:     make(map[int]struct{}),
	}
	g.open = append(g.open, og)
	return og
}

// Sweep checks every open group against groupTimeout and returns an
// event for each one that has timed out (accepted or abandoned
// depending on how many subbands were observed), removing it from the
// open set.
func (g *Grouper) Sweep(now time.Time) []Event {
	var events []Event
	remaining := g.open[:0]
	for _, og := range g.open {
		if now.Sub(og.firstSeenAt) <= g.groupTimeout {
			remaining = append(remaining, og)
			continue
		}
		kind := EventGroupAbandoned
		if len(og.members) >= g.minRequired {
			kind = EventGroupTimeoutAccept
		}
		events = append(events, Event{
			Kind:               kind,
			GroupID:            og.id,
			Members:            sortedMembers(og.members),
			RepresentativeTime: og.repTime,
		})
	}
	g.open = remaining
	return events
}

func sortedMembers(m map[int]struct{}) []int {
	out := make([]int, 0, len(m))
	for idx := range m {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func groupID(ts time.Time) string {
	return ts.UTC().Format("2006-01-02T15:04:05")
}
