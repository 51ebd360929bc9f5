// Package otel wires OpenTelemetry traces and metrics for the workload
// generator. When disabled every instrument is a no-op.
package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "sqlagent"
	MeterName  = "sqlagent"
	// Version is reported as service.version.
	Version = "v0.3.0"

	// AttrRunID identifies one workload run on every exported span and
	// metric.
	AttrRunID = attribute.Key("sqlagent.run.id")
)

// Exporter strategies.
const (
	ExporterOTLPHTTP = "otlp-http"
	ExporterStdout   = "stdout"
	ExporterNone     = "none"
)

// Config holds OTel configuration.
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	// MetricInterval is the periodic export interval; 0 means 30s.
	MetricInterval time.Duration `yaml:"-"`

	RunID string `yaml:"-"`

	// SpanExporter and MetricReader, when set, replace the exporters
	// chosen by Exporter.
	SpanExporter sdktrace.SpanExporter `yaml:"-"`
	MetricReader sdkmetric.Reader      `yaml:"-"`
}

// Provider wraps OTel tracer and meter providers with cleanup.
type Provider struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	Resource       *resource.Resource
	shutdown       func(context.Context) error
}

// Init sets up tracing and metrics for one run and installs them as the
// global providers. The returned Provider must be shut down on exit so
// buffered spans and the last metric interval are flushed.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return newNoopProvider(), nil
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	spanExp, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create span exporter: %w", err)
	}
	reader, err := newMetricReader(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create metric reader: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	}
	switch {
	case cfg.SpanExporter != nil:
		tpOpts = append(tpOpts, sdktrace.WithSyncer(spanExp))
	case spanExp != nil:
		tpOpts = append(tpOpts, sdktrace.WithBatcher(spanExp))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if reader != nil {
		mpOpts = append(mpOpts, sdkmetric.WithReader(reader))
	}
	mp := sdkmetric.NewMeterProvider(mpOpts...)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(TracerName),
		Meter:          mp.Meter(MeterName),
		Resource:       res,
		shutdown: func(ctx context.Context) error {
			return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
		},
	}, nil
}

func newNoopProvider() *Provider {
	tp := nooptrace.NewTracerProvider()
	mp := noop.NewMeterProvider()
	return &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(TracerName),
		Meter:          mp.Meter(MeterName),
		shutdown:       func(context.Context) error { return nil },
	}
}

// Shutdown flushes and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "sqlagent"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(Version),
	}
	if cfg.RunID != "" {
		attrs = append(attrs, AttrRunID.String(cfg.RunID))
	}
	return resource.New(ctx, resource.WithAttributes(attrs...))
}

// newSpanExporter returns nil for the none strategy: spans still carry
// valid trace ids for the logs but are never exported.
func newSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	if cfg.SpanExporter != nil {
		return cfg.SpanExporter, nil
	}
	switch cfg.Exporter {
	case ExporterOTLPHTTP, "":
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpointOrDefault(cfg.Endpoint)),
			otlptracehttp.WithInsecure(),
		)
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterNone:
		return nil, nil
	default:
		return nil, unknownExporter(cfg.Exporter)
	}
}

func newMetricReader(ctx context.Context, cfg Config) (sdkmetric.Reader, error) {
	if cfg.MetricReader != nil {
		return cfg.MetricReader, nil
	}
	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	var (
		exp sdkmetric.Exporter
		err error
	)
	switch cfg.Exporter {
	case ExporterOTLPHTTP, "":
		exp, err = otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(endpointOrDefault(cfg.Endpoint)),
			otlpmetrichttp.WithInsecure(),
		)
	case ExporterStdout:
		exp, err = stdoutmetric.New(stdoutmetric.WithPrettyPrint())
	case ExporterNone:
		return nil, nil
	default:
		return nil, unknownExporter(cfg.Exporter)
	}
	if err != nil {
		return nil, err
	}
	return sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval)), nil
}

func endpointOrDefault(endpoint string) string {
	if endpoint == "" {
		return "localhost:4318"
	}
	return endpoint
}

func unknownExporter(name string) error {
	return fmt.Errorf("unknown exporter: %s (supported: %s, %s, %s)", name, ExporterOTLPHTTP, ExporterStdout, ExporterNone)
}
