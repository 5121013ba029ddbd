package isolation

import (
	"context"
	"os/exec"
	"time"
)

// Compile-time interface check.
var _ Isolator = (*ExecIsolator)(nil)

// killGracePeriod is how long a killed process gets to drain its pipes
// before Wait gives up on it.
const killGracePeriod = 5 * time.Second

// ExecIsolator contains step processes using os/exec context cancellation:
// timeout enforcement and kill-on-cancel, no kernel-level containment.
type ExecIsolator struct{}

// Wrap clones the command onto a context-aware exec.Cmd with timeout
// enforcement. The returned cleanup function must always be called after
// process completion. The caller must use the returned *exec.Cmd, not the
// original.
func (e *ExecIsolator) Wrap(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	execCtx := ctx
	var cancel context.CancelFunc

	if limits.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, limits.Timeout)
	}

	// Clone cmd onto exec.CommandContext to guarantee context cancellation
	// works: exec.Cmd.Cancel is only honored for cmds created that way.
	wrapped := exec.CommandContext(execCtx, cmd.Path, cmd.Args[1:]...)
	wrapped.Args = cmd.Args // CommandContext resolves Args[0] differently.
	wrapped.Dir = cmd.Dir
	wrapped.Env = cmd.Env
	wrapped.Stdin = cmd.Stdin
	wrapped.Stdout = cmd.Stdout
	wrapped.Stderr = cmd.Stderr

	wrapped.Cancel = func() error {
		if wrapped.Process != nil {
			return wrapped.Process.Kill()
		}
		return nil
	}
	wrapped.WaitDelay = killGracePeriod

	cleanup := func() {
		if cancel != nil {
			cancel()
		}
	}

	return wrapped, cleanup, nil
}
