package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the workload instruments.
type Metrics struct {
	QueryDuration      metric.Float64Histogram
	QueryResults       metric.Int64Counter
	QueriesDropped     metric.Int64Counter
	CompletionDuration metric.Float64Histogram
	GenerationFailures metric.Int64Counter
	GenerationSkipped  metric.Int64Counter
	SteadyCycles       metric.Int64Counter
	ActiveQueries      metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.QueryDuration, err = meter.Float64Histogram("sqlagent.query.duration",
		metric.WithDescription("Query execution latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.QueryResults, err = meter.Int64Counter("sqlagent.query.results",
		metric.WithDescription("Executed queries by source and outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.QueriesDropped, err = meter.Int64Counter("sqlagent.query.dropped",
		metric.WithDescription("Queries that were accepted but never executed"),
	)
	if err != nil {
		return nil, err
	}

	m.CompletionDuration, err = meter.Float64Histogram("sqlagent.llm.duration",
		metric.WithDescription("Completion call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.GenerationFailures, err = meter.Int64Counter("sqlagent.generation.failures",
		metric.WithDescription("Failed completion attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.GenerationSkipped, err = meter.Int64Counter("sqlagent.generation.skipped",
		metric.WithDescription("Generation cycles skipped after exhausting retries"),
	)
	if err != nil {
		return nil, err
	}

	m.SteadyCycles, err = meter.Int64Counter("sqlagent.steady.cycles",
		metric.WithDescription("Steady-state cycles by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveQueries, err = meter.Int64UpDownCounter("sqlagent.query.active",
		metric.WithDescription("Queries currently executing"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordQuery records one finished query.
func (m *Metrics) RecordQuery(ctx context.Context, source, kind string, seconds float64) {
	if m == nil {
		return
	}
	outcome := kind
	if outcome == "" {
		outcome = "success"
	}
	attrs := metric.WithAttributes(AttrSource.String(source), AttrOutcome.String(outcome))
	m.QueryDuration.Record(ctx, seconds, attrs)
	m.QueryResults.Add(ctx, 1, attrs)
}

func (m *Metrics) RecordDropped(ctx context.Context, source, reason string) {
	if m == nil {
		return
	}
	m.QueriesDropped.Add(ctx, 1, metric.WithAttributes(AttrSource.String(source), attribute.String("reason", reason)))
}

// RegisterQueueGauges exposes queue depth and capacity as observable gauges.
func RegisterQueueGauges(meter metric.Meter, depth, capacity func() int) (metric.Registration, error) {
	depthGauge, err := meter.Int64ObservableGauge("sqlagent.queue.depth",
		metric.WithDescription("Messages waiting in the work queue"),
	)
	if err != nil {
		return nil, err
	}
	capGauge, err := meter.Int64ObservableGauge("sqlagent.queue.capacity",
		metric.WithDescription("Work queue capacity, 0 when unbounded"),
	)
	if err != nil {
		return nil, err
	}
	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(depthGauge, int64(depth()))
		o.ObserveInt64(capGauge, int64(capacity()))
		return nil
	}, depthGauge, capGauge)
}

// AddActive moves the executing-queries gauge by delta.
func (m *Metrics) AddActive(ctx context.Context, source string, delta int64) {
	if m == nil {
		return
	}
	m.ActiveQueries.Add(ctx, delta, metric.WithAttributes(AttrSource.String(source)))
}

func (m *Metrics) RecordCompletion(ctx context.Context, model string, seconds float64, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.CompletionDuration.Record(ctx, seconds, metric.WithAttributes(AttrModel.String(model), AttrOutcome.String(outcome)))
}

func (m *Metrics) RecordGenerationFailure(ctx context.Context, class string) {
	if m == nil {
		return
	}
	m.GenerationFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("class", class)))
}

func (m *Metrics) RecordGenerationSkipped(ctx context.Context) {
	if m == nil {
		return
	}
	m.GenerationSkipped.Add(ctx, 1)
}

// RecordSteadyCycle counts a cycle as "completed", "partial" or "skipped".
func (m *Metrics) RecordSteadyCycle(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.SteadyCycles.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(outcome)))
}
