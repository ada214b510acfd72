// program.go runs external programs with a deadline and process group
// management. Every child is started in its own process group and the
// whole group is killed on deadline or cancellation, so helpers spawned by
// a script never outlive the invocation.
package delegate

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// waitDelay bounds how long Wait blocks on inherited pipes after the group
// has been killed.
const waitDelay = 5 * time.Second

// Program is a subprocess delegate.
type Program struct {
	// Path is the resolved absolute path of the executable.
	Path string

	// Args is the argument template rendered for every invocation.
	Args Template

	// Dir is the working directory. Empty means the helper's directory.
	Dir string

	// Env, when non-nil, replaces the inherited environment.
	Env []string

	// Timeout bounds each run in addition to the caller's deadline.
	// Zero means only the caller's deadline applies.
	Timeout time.Duration

	// OutputLimit caps each captured stream. Zero means DefaultOutputLimit.
	OutputLimit int
}

// Run executes the program once.
func (p *Program) Run(ctx context.Context, args Args) (*Outcome, error) {
	argv, err := p.Args.Expand(args)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStart, p.Path, err)
	}

	execCtx, cancel := ctx, context.CancelFunc(func() {})
	if p.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, p.Timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(execCtx, p.Path, argv...)
	cmd.Dir = p.Dir
	cmd.Env = p.Env

	// New process group so the kill reaches every descendant.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout := newCappedBuffer(p.OutputLimit)
	stderr := newCappedBuffer(p.OutputLimit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = waitDelay

	outcome := &Outcome{StartedAt: time.Now()}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStart, p.Path, err)
	}
	err = cmd.Wait()

	outcome.Duration = time.Since(outcome.StartedAt)
	outcome.Stdout = stdout.String()
	outcome.Stderr = stderr.String()
	outcome.StdoutTruncated = stdout.truncated
	outcome.StderrTruncated = stderr.truncated

	if err == nil {
		return outcome, nil
	}

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		outcome.ExitCode = -1
		outcome.TimedOut = true
		return outcome, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		outcome.ExitCode = -1
		return outcome, ctxErr
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		outcome.ExitCode = exitErr.ExitCode()
		return outcome, nil
	}

	// Output pipes outlived WaitDelay; the child itself exited.
	if errors.Is(err, exec.ErrWaitDelay) {
		outcome.ExitCode = cmd.ProcessState.ExitCode()
		return outcome, nil
	}
	return outcome, fmt.Errorf("waiting for %s: %w", p.Path, err)
}
