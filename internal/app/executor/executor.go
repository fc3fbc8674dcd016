// Package executor wraps the external scientific kernel behind a single
// interface with two implementations (spec §4.G): InProcess for fast,
// worker-RAM-sharing execution, and Subprocess for isolated execution of
// crash- or leak-prone kernels in their own process group (no OS-level
// resource limits are applied to the child). Subprocess is grounded on the
// teacher's process-group-based subprocess runner
// (internal/external/subprocess/subprocess.go): Setpgid so the whole
// process tree is killable, SIGTERM-then-SIGKILL stop semantics, a
// cmd.Wait goroutine signalling a done channel.
package executor

import (
	"context"
	"encoding/json"
	"time"
)

// Metrics reports resource consumption for one execution (spec §4.G).
type Metrics struct {
	CPUSeconds float64
	PeakRSSMB  float64
	WallSeconds float64
}

// Task is the uniform input to both executor modes.
type Task struct {
	TaskType      string
	Params        json.RawMessage
	ResourceLimits ResourceLimits
	Timeout       time.Duration
}

// ResourceLimits bounds one execution (spec §6.5 per-task-type config).
type ResourceLimits struct {
	MaxRAMGB       float64
	MaxCPUSeconds  float64
	MaxWallSeconds float64
}

// Result is the uniform output of both executor modes. Both modes must
// produce identical Result values for the same Task when the kernel
// itself is deterministic (spec §4.G contract).
type Result struct {
	Success       bool
	ResultPayload json.RawMessage
	ErrorCode     string
	ErrorMessage  string
	Metrics       Metrics
}

// Kernel is the callable the InProcess executor invokes directly. It is
// the in-process equivalent of the subprocess's stdin/stdout contract:
// given the task's params, produce a result payload or an error.
type Kernel func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)

// Executor is the uniform interface both modes implement.
type Executor interface {
	Run(ctx context.Context, task Task) Result
}
