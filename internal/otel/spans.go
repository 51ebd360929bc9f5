package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for workload spans and metrics.
var (
	AttrMessageID = attribute.Key("sqlagent.message.id")
	AttrSource    = attribute.Key("sqlagent.source")
	AttrOutcome   = attribute.Key("sqlagent.outcome")
	AttrWorker    = attribute.Key("sqlagent.worker")
	AttrModel     = attribute.Key("sqlagent.llm.model")
	AttrAttempt   = attribute.Key("sqlagent.generation.attempt")
	AttrRows      = attribute.Key("db.rows_affected")
)

// StartClientSpan starts a span for an outbound call (database, completion API).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
