package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/dsa110/ingestcore/internal/errors"
	"github.com/dsa110/ingestcore/internal/logging"
)

// Subprocess runs the kernel in a dedicated child process, passing
// parameters as a JSON line on stdin and reading the result as a JSON
// line on stdout, isolating crashes and memory leaks from the worker
// (spec §4.G). Grounded directly on the teacher's subprocess runner
// (internal/external/subprocess/subprocess.go): Setpgid so the whole
// process tree is killable as a unit, and SIGTERM-then-SIGKILL stop
// semantics on timeout.
type Subprocess struct {
	command string
	args    []string
	logger  logging.Logger
}

// NewSubprocess constructs a Subprocess executor invoking command/args
// for every task. The kernel binary is expected to read one JSON Task
// payload from stdin and write one JSON Result to stdout.
func NewSubprocess(command string, args []string, logger logging.Logger) *Subprocess {
	return &Subprocess{command: command, args: args, logger: logging.OrNop(logger)}
}

func (e *Subprocess) Run(ctx context.Context, t Task) Result {
	start := time.Now()

	runCtx := ctx
	var cancel context.CancelFunc
	if t.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, e.command, e.args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	applyRlimits(cmd, t.ResourceLimits)

	var stdout, stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return subprocessFailure(errors.CodeKernelError, fmt.Errorf("subprocess stdin pipe: %w", err), time.Since(start))
	}
	cmd.Stdout = &stdout

	input, err := json.Marshal(t)
	if err != nil {
		return subprocessFailure(errors.CodeValidation, fmt.Errorf("marshal task: %w", err), time.Since(start))
	}

	if err := cmd.Start(); err != nil {
		return subprocessFailure(errors.CodeSubprocessCrash, fmt.Errorf("start subprocess: %w", err), time.Since(start))
	}

	var pgid int
	if cmd.Process != nil {
		pgid, _ = syscall.Getpgid(cmd.Process.Pid)
	}

	done := make(chan error, 1)
	go func() {
		_, werr := stdin.Write(input)
		_ = stdin.Close()
		waitErr := cmd.Wait()
		if werr != nil {
			done <- werr
			return
		}
		done <- waitErr
	}()

	select {
	case waitErr := <-done:
		wall := time.Since(start)
		if waitErr != nil {
			return subprocessFailure(errors.CodeSubprocessCrash, fmt.Errorf("kernel subprocess failed: %w (stderr: %s)", waitErr, stderr.String()), wall)
		}
		var result Result
		if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
			return subprocessFailure(errors.CodeKernelError, fmt.Errorf("unmarshal kernel output: %w", err), wall)
		}
		result.Metrics.WallSeconds = wall.Seconds()
		return result

	case <-runCtx.Done():
		killProcessGroup(cmd, pgid)
		wall := time.Since(start)
		code := errors.CodeTimeout
		if runCtx.Err() != context.DeadlineExceeded {
			code = errors.CodeCancelled
		}
		return subprocessFailure(code, runCtx.Err(), wall)
	}
}

func killProcessGroup(cmd *exec.Cmd, pgid int) {
	if cmd.Process == nil {
		return
	}
	if pgid == 0 {
		pgid = cmd.Process.Pid
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_, _ = cmd.Process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
}

// applyRlimits leaves cmd's process attributes unchanged: no rlimit
// (RLIMIT_AS, RLIMIT_CPU) and no cgroup limit is applied to the child.
// The limits reach the kernel only as part of the JSON Task written to
// its stdin.
func applyRlimits(cmd *exec.Cmd, limits ResourceLimits) {
	_ = cmd
	_ = limits
}

func subprocessFailure(code errors.Code, err error, wall time.Duration) Result {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Result{
		Success:      false,
		ErrorCode:    string(code),
		ErrorMessage: msg,
		Metrics:      Metrics{WallSeconds: wall.Seconds()},
	}
}
