package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Run outcomes recorded on the runs counter.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure" // non-zero exit
	OutcomeError   = "error"   // could not launch or wait
)

const (
	runsName        = "crossoverstudy.runs"
	runDurationName = "crossoverstudy.run.duration"
)

// RunMetrics records crossoverstudy launches.
type RunMetrics struct {
	runs     metric.Int64Counter
	duration metric.Float64Histogram
}

// NewRunMetrics creates the run instruments on meter.
func NewRunMetrics(meter metric.Meter) (*RunMetrics, error) {
	runs, err := meter.Int64Counter(runsName,
		metric.WithDescription("crossoverstudy launches by problem and outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create runs counter: %w", err)
	}

	duration, err := meter.Float64Histogram(runDurationName,
		metric.WithDescription("wall-clock duration of crossoverstudy runs"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	return &RunMetrics{runs: runs, duration: duration}, nil
}

// Record adds one run. A nil receiver records nothing.
func (m *RunMetrics) Record(ctx context.Context, problem, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("problem", problem),
		attribute.String("outcome", outcome),
	)
	m.runs.Add(ctx, 1, attrs)
	m.duration.Record(ctx, d.Seconds(), attrs)
}
