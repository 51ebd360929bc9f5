package otel

import (
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

func resourceValue(t *testing.T, res *resource.Resource, key attribute.Key) string {
	t.Helper()
	if res == nil {
		t.Fatalf("nil resource")
	}
	v, ok := res.Set().Value(key)
	if !ok {
		t.Fatalf("resource has no %s: %v", key, res.Attributes())
	}
	return v.AsString()
}

func TestInit_DisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false, RunID: "ignored"})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("noop provider must still hand out a tracer and meter")
	}
	_, span := StartClientSpan(context.Background(), p.Tracer, "db.query")
	if span.SpanContext().IsValid() {
		t.Fatal("disabled tracing produced a real span")
	}
	span.End()
	if p.Resource != nil {
		t.Fatal("disabled provider should carry no resource")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"})
	if err == nil || !strings.Contains(err.Error(), "unknown exporter: carrier-pigeon") {
		t.Fatalf("expected unknown exporter error, got %v", err)
	}
}

func TestInit_StdoutExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: ExporterStdout})
	if err != nil {
		t.Fatalf("Init stdout: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_NoneExporterStillStampsTraceIDs(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: ExporterNone})
	if err != nil {
		t.Fatalf("Init none: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := StartClientSpan(context.Background(), p.Tracer, "db.query")
	defer span.End()
	if !span.SpanContext().HasTraceID() {
		t.Fatal("spans should carry trace ids for log correlation even when nothing is exported")
	}
}

func TestInit_SpansCarryRunResource(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	p, err := Init(context.Background(), Config{
		Enabled:      true,
		ServiceName:  "orders-load",
		RunID:        "run-42",
		SpanExporter: exporter,
		MetricReader: sdkmetric.NewManualReader(),
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := StartClientSpan(context.Background(), p.Tracer, "llm.complete",
		AttrModel.String("gpt-4o-mini"),
		AttrAttempt.Int(1),
	)
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 exported span, got %d", len(spans))
	}
	got := spans[0]
	if got.Name != "llm.complete" {
		t.Fatalf("span name: %q", got.Name)
	}
	if got.InstrumentationScope.Name != TracerName {
		t.Fatalf("instrumentation scope: %q", got.InstrumentationScope.Name)
	}
	if v := resourceValue(t, got.Resource, semconv.ServiceNameKey); v != "orders-load" {
		t.Fatalf("service.name = %q", v)
	}
	if v := resourceValue(t, got.Resource, semconv.ServiceVersionKey); v != Version {
		t.Fatalf("service.version = %q", v)
	}
	if v := resourceValue(t, got.Resource, AttrRunID); v != "run-42" {
		t.Fatalf("%s = %q", AttrRunID, v)
	}
}

func TestInit_DefaultServiceName(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: ExporterNone})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())
	if v := resourceValue(t, p.Resource, semconv.ServiceNameKey); v != "sqlagent" {
		t.Fatalf("service.name = %q", v)
	}
	if _, ok := p.Resource.Set().Value(AttrRunID); ok {
		t.Fatal("run id attribute set without a run id")
	}
}

func TestInit_ExportsQueueGaugesWithRunResource(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := Init(context.Background(), Config{
		Enabled:      true,
		Exporter:     ExporterNone,
		RunID:        "run-7",
		MetricReader: reader,
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	depth := 3
	reg, err := RegisterQueueGauges(p.Meter, func() int { return depth }, func() int { return 100 })
	if err != nil {
		t.Fatalf("RegisterQueueGauges: %v", err)
	}
	defer reg.Unregister()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if v := resourceValue(t, rm.Resource, AttrRunID); v != "run-7" {
		t.Fatalf("metric resource %s = %q", AttrRunID, v)
	}
	gauges := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		if sm.Scope.Name != MeterName {
			continue
		}
		for _, m := range sm.Metrics {
			if g, ok := m.Data.(metricdata.Gauge[int64]); ok && len(g.DataPoints) == 1 {
				gauges[m.Name] = g.DataPoints[0].Value
			}
		}
	}
	if gauges["sqlagent.queue.depth"] != 3 || gauges["sqlagent.queue.capacity"] != 100 {
		t.Fatalf("exported queue gauges: %v", gauges)
	}

	depth = 9
	if got := collectSum(t, reader, "sqlagent.queue.depth"); got != 9 {
		t.Fatalf("depth after change = %d, want 9", got)
	}
}
