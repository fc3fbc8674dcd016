// Package msstate holds the data model for per-measurement-set pipeline
// lineage (spec §3.5) and the Store port a persistence backend implements.
package msstate

import (
	"context"
	"encoding/json"
	"time"
)

// State is a point in the MS lifecycle DAG (spec §3.5).
type State string

const (
	StateRegistered  State = "registered"
	StateConverted   State = "converted"
	StateCalibrated  State = "calibrated"
	StateImaged      State = "imaged"
	StateMosaicked   State = "mosaicked"
	StateFailed      State = "failed"
	StateQuarantined State = "quarantined"
)

// Record is one MS's lineage row.
type Record struct {
	MSPath       string
	State        State
	CreatedAt    time.Time
	UpdatedAt    time.Time
	RetryCount   int
	LastError    string
	Checkpoint   json.RawMessage
	ParentMSPath string
}

// ResumePlan is the outcome of Resume: the next stage to run and any
// partial outputs a stage can reuse instead of redoing completed work.
type ResumePlan struct {
	NextStage      string
	PartialOutputs []string
	Checkpoint     json.RawMessage
}

// Store is the durable persistence port for MS lineage (spec §4.I).
type Store interface {
	EnsureSchema(ctx context.Context) error

	GetOrCreate(ctx context.Context, msPath string) (*Record, error)
	// Transition performs a conditional update: it succeeds only if the
	// record's current state equals from. ok=true with no error means
	// this call applied the transition; ok=false with no error means it
	// did not, and reason says why (for example "already applied" when
	// the record is already in state to).
	Transition(ctx context.Context, msPath string, from, to State, checkpoint json.RawMessage) (ok bool, reason string, err error)
	RecordFailure(ctx context.Context, msPath string, errMsg string, maxRetries int) (quarantined bool, err error)
	Get(ctx context.Context, msPath string) (*Record, error)
	List(ctx context.Context, state State, limit int) ([]Record, error)
}
