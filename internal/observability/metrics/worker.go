package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// WorkerMetrics captures low-cardinality queue outcome metrics. A nil
// *WorkerMetrics records nothing.
type WorkerMetrics struct {
	claimed    metric.Int64Counter
	completed  metric.Int64Counter
	failed     metric.Int64Counter
	spend      metric.Int64Counter
	generation metric.Float64Histogram
}

func NewWorkerMetrics(provider metric.MeterProvider) (*WorkerMetrics, error) {
	meter := provider.Meter("manyfutures/worker")

	claimed, err := meter.Int64Counter("scheduler.jobs.claimed")
	if err != nil {
		return nil, err
	}
	completed, err := meter.Int64Counter("scheduler.jobs.completed")
	if err != nil {
		return nil, err
	}
	failed, err := meter.Int64Counter("scheduler.jobs.failed",
		metric.WithDescription("Failed attempts by reason and whether the job will retry."))
	if err != nil {
		return nil, err
	}
	spend, err := meter.Int64Counter("scheduler.spend.recorded_minor",
		metric.WithDescription("Recorded generator spend in currency minor units."))
	if err != nil {
		return nil, err
	}
	generation, err := meter.Float64Histogram("scheduler.generation.duration_ms")
	if err != nil {
		return nil, err
	}

	return &WorkerMetrics{
		claimed:    claimed,
		completed:  completed,
		failed:     failed,
		spend:      spend,
		generation: generation,
	}, nil
}

func (m *WorkerMetrics) JobClaimed(ctx context.Context, reclaimed bool) {
	if m == nil {
		return
	}
	m.claimed.Add(ctx, 1, metric.WithAttributes(attribute.Bool("reclaimed", reclaimed)))
}

func (m *WorkerMetrics) JobCompleted(ctx context.Context) {
	if m == nil {
		return
	}
	m.completed.Add(ctx, 1)
}

func (m *WorkerMetrics) JobFailed(ctx context.Context, reason string, retrying bool) {
	if m == nil {
		return
	}
	m.failed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
		attribute.Bool("retrying", retrying),
	))
}

// SpendRecorded counts positive spend; corrections are not counted.
func (m *WorkerMetrics) SpendRecorded(ctx context.Context, currency string, minor int64) {
	if m == nil || minor <= 0 {
		return
	}
	m.spend.Add(ctx, minor, metric.WithAttributes(attribute.String("currency", currency)))
}

func (m *WorkerMetrics) ObserveGeneration(ctx context.Context, d time.Duration, outcome string) {
	if m == nil {
		return
	}
	m.generation.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(attribute.String("outcome", outcome)))
}
