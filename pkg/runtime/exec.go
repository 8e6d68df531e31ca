package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// ExecRuntime implements the Runtime interface using raw OS processes.
// The argument vector is handed to the OS directly, so values are never
// re-parsed by a shell.
type ExecRuntime struct {
	// WorkDir is the child's working directory. Empty inherits the parent's,
	// which keeps relative infile/db paths meaningful.
	WorkDir string
}

// ExecHandle represents a running OS process.
type ExecHandle struct {
	cmd  *exec.Cmd
	done chan error
}

// NewExecRuntime creates a new process-based runtime.
func NewExecRuntime(workDir string) *ExecRuntime {
	return &ExecRuntime{WorkDir: workDir}
}

// Start implements Runtime.Start using os/exec.
func (e *ExecRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("command is required")
	}

	cmd := exec.CommandContext(ctx, opts.Command[0], opts.Command[1:]...)
	cmd.Dir = e.WorkDir
	cmd.Env = append(os.Environ(), mapToEnvList(opts.Env)...)
	cmd.Stdout = stdoutFor(opts)
	cmd.Stderr = stderrFor(opts)

	return startCmd(cmd)
}

// stdoutFor returns nil when output is suppressed; os/exec then connects
// the child's stdout to the null device.
func stdoutFor(opts StartOptions) io.Writer {
	if opts.SuppressOutput {
		return nil
	}
	if opts.Stdout != nil {
		return opts.Stdout
	}
	return os.Stdout
}

func stderrFor(opts StartOptions) io.Writer {
	if opts.Stderr != nil {
		return opts.Stderr
	}
	return os.Stderr
}

func startCmd(cmd *exec.Cmd) (*ExecHandle, error) {
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	h := &ExecHandle{cmd: cmd, done: make(chan error, 1)}
	go func() {
		h.done <- cmd.Wait()
	}()
	return h, nil
}

// Wait blocks until the process exits or ctx is done.
func (h *ExecHandle) Wait(ctx context.Context) (ExitResult, error) {
	select {
	case err := <-h.done:
		if err == nil {
			return ExitResult{ExitCode: 0}, nil
		}
		// A process killed by context cancellation reports the context error.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ExitResult{ExitCode: -1, Error: ctxErr}, ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return ExitResult{ExitCode: exitErr.ExitCode()}, nil
		}
		return ExitResult{ExitCode: -1, Error: err}, err
	case <-ctx.Done():
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}
}

// Cleanup is a no-op; the OS reaps the process on Wait.
func (h *ExecHandle) Cleanup(ctx context.Context) error {
	return nil
}
