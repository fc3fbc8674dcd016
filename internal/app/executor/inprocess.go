package executor

import (
	"context"
	"time"

	"github.com/dsa110/ingestcore/internal/app/resourceguard"
	"github.com/dsa110/ingestcore/internal/errors"
	"github.com/dsa110/ingestcore/internal/logging"
)

// InProcess invokes the kernel directly in the worker goroutine, sharing
// its RAM and enforcing limits via the resource guard's cooperative RSS
// sampling rather than a hard OS limit (spec §4.G, §4.H).
type InProcess struct {
	kernel Kernel
	guard  *resourceguard.Guard
	logger logging.Logger
}

// NewInProcess constructs an InProcess executor around kernel.
func NewInProcess(kernel Kernel, guard *resourceguard.Guard, logger logging.Logger) *InProcess {
	return &InProcess{kernel: kernel, guard: guard, logger: logging.OrNop(logger)}
}

func (e *InProcess) Run(ctx context.Context, t Task) Result {
	start := time.Now()

	runCtx := ctx
	var cancel context.CancelFunc
	if t.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, t.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	if e.guard != nil && t.ResourceLimits.MaxRAMGB > 0 {
		go e.guard.MonitorInProcess(runCtx, t.TaskType, t.ResourceLimits.MaxRAMGB, resourceguard.CurrentProcessRSSMB, cancel)
	}

	payload, err := e.kernel(runCtx, t.Params)
	wall := time.Since(start)

	if err != nil {
		code := errors.CodeOf(err)
		if runCtx.Err() != nil && code == errors.CodeTransientIO {
			// When the run context has ended and the kernel's error has
			// only the default TRANSIENT_IO code, report TIMEOUT or
			// CANCELLED instead; a more specific kernel code is kept.
			if runCtx.Err() == context.DeadlineExceeded {
				code = errors.CodeTimeout
			} else {
				code = errors.CodeCancelled
			}
		}
		return Result{
			Success:      false,
			ErrorCode:    string(code),
			ErrorMessage: err.Error(),
			Metrics:      Metrics{WallSeconds: wall.Seconds(), PeakRSSMB: resourceguard.CurrentProcessRSSMB()},
		}
	}

	return Result{
		Success:       true,
		ResultPayload: payload,
		Metrics:       Metrics{WallSeconds: wall.Seconds(), PeakRSSMB: resourceguard.CurrentProcessRSSMB()},
	}
}
