package study

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"studyrunner/internal/logger"
	"studyrunner/internal/observability"
	"studyrunner/pkg/runtime"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "studyrunner"

// cleanupTimeout bounds runtime cleanup after a run.
const cleanupTimeout = 30 * time.Second

// Result describes a finished run. A non-zero ExitCode is reported here and
// never as an error from Run.
type Result struct {
	RunID    string
	Problem  string
	ExitCode int // -1 when the program never produced an exit code
	Duration time.Duration
	Err      error // runtime-reported failure, if any
}

// Success reports whether the program ran and exited with status 0.
func (r Result) Success() bool {
	return r.Err == nil && r.ExitCode == 0
}

// Runner launches Commands through a runtime.Runtime.
type Runner struct {
	runtime runtime.Runtime
	program string
	stdout  io.Writer
	stderr  io.Writer
	logger  *slog.Logger
	metrics *observability.RunMetrics

	metricsHandler http.Handler
	shutdown       []func(context.Context) error
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithProgram sets the executable launched in place of "crossoverstudy",
// e.g. an absolute path.
func WithProgram(program string) RunnerOption {
	return func(r *Runner) {
		if program != "" {
			r.program = program
		}
	}
}

// WithLogger sets the logger. Without it the runner logs to slog.Default().
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// WithOutput redirects the child's stdout and stderr.
func WithOutput(stdout, stderr io.Writer) RunnerOption {
	return func(r *Runner) {
		r.stdout = stdout
		r.stderr = stderr
	}
}

// NewRunner creates a Runner on rt.
func NewRunner(rt runtime.Runtime, opts ...RunnerOption) *Runner {
	r := &Runner{runtime: rt, program: Program}
	for _, opt := range opts {
		opt(r)
	}

	m, err := observability.NewRunMetrics(otel.Meter(instrumentationName))
	if err != nil {
		r.log().Warn("run metrics disabled", "error", err)
	} else {
		r.metrics = m
	}
	return r
}

func (r *Runner) log() *slog.Logger {
	if r.logger != nil {
		return r.logger
	}
	return slog.Default()
}

var defaultRunner = NewRunner(runtime.NewShellRuntime("", ""))

// Run hands c's command line to the system shell and blocks until it exits.
// With suppressOutput the child's stdout goes to the null device.
//
// Callers that do not care about the outcome may ignore both return values.
func (c *Command) Run(ctx context.Context, suppressOutput bool) (Result, error) {
	return defaultRunner.Run(ctx, c, suppressOutput)
}

// Run launches c and blocks until it exits. The error is non-nil only when
// the process could not be started or waited on; inspect Result.ExitCode
// for the program's own status.
func (r *Runner) Run(ctx context.Context, c *Command, suppressOutput bool) (Result, error) {
	runID := uuid.NewString()
	ctx = logger.WithRunID(ctx, runID)
	log := logger.FromContext(ctx, r.log())

	tp := c.TrainingParams()
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "crossoverstudy.run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("study.problem", c.problem),
			attribute.Int("study.crossover", tp.Crossover),
			attribute.Int("study.popsize", tp.PopSize),
			attribute.Int("study.epochs", tp.Epochs),
			attribute.Float64("study.xrate", tp.XRate),
			attribute.Float64("study.mrate", tp.MRate),
		),
	)
	defer span.End()

	opts := runtime.StartOptions{
		Name:           runID,
		Command:        c.tokens(r.program, argvPrefix),
		CommandLine:    c.line(r.program),
		Env:            childEnv(ctx, runID),
		SuppressOutput: suppressOutput,
		Stdout:         r.stdout,
		Stderr:         r.stderr,
	}

	res := Result{RunID: runID, Problem: c.problem, ExitCode: -1}
	log.Info("launching crossoverstudy", "command", opts.CommandLine, "suppress_output", suppressOutput)

	start := time.Now()
	handle, err := r.runtime.Start(ctx, opts)
	if err != nil {
		return r.finish(ctx, span, log, res, start, fmt.Errorf("failed to start crossoverstudy: %w", err))
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if err := handle.Cleanup(cleanupCtx); err != nil {
			log.Warn("runtime cleanup failed", "error", err)
		}
	}()

	exit, err := handle.Wait(ctx)
	res.ExitCode = exit.ExitCode
	res.Err = exit.Error
	if err != nil {
		return r.finish(ctx, span, log, res, start, fmt.Errorf("failed waiting for crossoverstudy: %w", err))
	}
	return r.finish(ctx, span, log, res, start, nil)
}

// childEnv carries the run ID and the active trace context (TRACEPARENT and
// friends) so an instrumented program can join the run's trace.
func childEnv(ctx context.Context, runID string) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	env := make(map[string]string, len(carrier)+1)
	for k, v := range carrier {
		env[strings.ToUpper(k)] = v
	}
	env[runtime.RunIDEnv] = runID
	return env
}

func (r *Runner) finish(ctx context.Context, span trace.Span, log *slog.Logger, res Result, start time.Time, err error) (Result, error) {
	res.Duration = time.Since(start)
	span.SetAttributes(attribute.Int("exit_code", res.ExitCode))

	var outcome string
	switch {
	case err != nil:
		outcome = observability.OutcomeError
		if res.Err == nil {
			res.Err = err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("crossoverstudy run failed", "error", err, "duration", res.Duration)
	case !res.Success():
		outcome = observability.OutcomeFailure
		if res.Err != nil {
			span.RecordError(res.Err)
		}
		span.SetStatus(codes.Error, fmt.Sprintf("exit code %d", res.ExitCode))
		log.Warn("crossoverstudy exited with failure", "exit_code", res.ExitCode, "error", res.Err, "duration", res.Duration)
	default:
		outcome = observability.OutcomeSuccess
		log.Info("crossoverstudy completed", "exit_code", res.ExitCode, "duration", res.Duration)
	}

	r.metrics.Record(ctx, res.Problem, outcome, res.Duration)
	return res, err
}

// MetricsHandler returns the Prometheus handler, or nil when metrics are
// not enabled.
func (r *Runner) MetricsHandler() http.Handler {
	return r.metricsHandler
}

// Close flushes tracing and metrics set up by LoadRunner.
func (r *Runner) Close(ctx context.Context) error {
	var errs []error
	for i := len(r.shutdown) - 1; i >= 0; i-- {
		if err := r.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.shutdown = nil
	return errors.Join(errs...)
}
