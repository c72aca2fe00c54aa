package julius

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
)

var (
	// ErrEngineUnavailable means the decoder binary cannot be found.
	ErrEngineUnavailable = errors.New("julius engine unavailable")
	// ErrLaunch means the decoder process could not be started.
	ErrLaunch = errors.New("julius launch failed")
)

// Process describes one decoder invocation.
type Process struct {
	Path   string
	Args   []string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Runner executes a process to completion.
type Runner interface {
	Run(ctx context.Context, p Process) error
}

// ExecRunner runs processes with os/exec.
type ExecRunner struct{}

// Run blocks until the process exits. A non-zero exit status is not an error:
// julius exits non-zero in benign cases and the captured text is what counts.
func (ExecRunner) Run(ctx context.Context, p Process) error {
	cmd := exec.CommandContext(ctx, p.Path, p.Args...)
	cmd.Stdin = p.Stdin
	cmd.Stdout = p.Stdout
	cmd.Stderr = p.Stderr

	if err := cmd.Start(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s: %v", ErrLaunch, p.Path, err)
	}
	err := cmd.Wait()
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return fmt.Errorf("julius io: %w", err)
}
