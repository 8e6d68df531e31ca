// Package runtime provides the Runtime interface for crossoverstudy execution backends.
package runtime

import (
	"context"
	"io"
	"log/slog"
)

// RunIDEnv is the environment variable carrying the run ID into the child.
const RunIDEnv = "CROSSOVERSTUDY_RUN_ID"

// Runtime defines the interface for launching a crossoverstudy process.
// Implementations include the system shell, raw processes, Docker and Kubernetes.
type Runtime interface {
	// Start launches the program and returns a handle.
	Start(ctx context.Context, opts StartOptions) (Handle, error)
}

// StartOptions contains the parameters for starting a run.
type StartOptions struct {
	// Name identifies the run; container runtimes use it in object names.
	Name string

	// Image overrides the runtime's default container image.
	Image string

	// Command is the argument vector; Command[0] is the program.
	Command []string

	// CommandLine is the rendered shell form, used by ShellRuntime.
	CommandLine string

	Env map[string]string

	// SuppressOutput discards the child's standard output.
	SuppressOutput bool

	// Stdout and Stderr default to the parent's streams when nil.
	Stdout io.Writer
	Stderr io.Writer
}

// ExitResult is the outcome of a completed run.
type ExitResult struct {
	ExitCode int
	Error    error
}

// Handle represents a launched run.
type Handle interface {
	// Wait blocks until the run completes and returns the exit code.
	Wait(ctx context.Context) (ExitResult, error)

	// Cleanup releases backend resources (containers, cluster jobs).
	// It is safe to call after Wait.
	Cleanup(ctx context.Context) error
}

func mapToEnvList(m map[string]string) []string {
	var env []string
	for k, v := range m {
		env = append(env, k+"="+v)
	}
	return env
}

func loggerOr(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}
