// Package observability provides OpenTelemetry tracing and metrics for the
// kernel: a span per watchdog cycle and counters over decisions, rejections,
// and probe violations. Telemetry is disabled by default and the kernel
// behaves identically with it off.
package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/acvlabs/watchtower"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC endpoint, e.g. "localhost:4317"
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns disabled-by-default settings.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "watchtower-kernel",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider owns the tracer, meter, and kernel instruments for one run.
type Provider struct {
	tracer          trace.Tracer
	decisions       metric.Int64Counter
	rejections      metric.Int64Counter
	probeViolations metric.Int64Counter
	shutdown        []func(context.Context) error
}

// Init builds the providers. When disabled, the global no-op tracer and
// meter are used and no exporter connection is attempted.
func Init(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	p := &Provider{}
	if cfg.Enabled {
		res := resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		)

		traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
			metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
		}

		traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
		if err != nil {
			return nil, fmt.Errorf("observability: trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{},
		))
		p.shutdown = append(p.shutdown, tp.Shutdown)

		metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
		if err != nil {
			return nil, fmt.Errorf("observability: metric exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		)
		otel.SetMeterProvider(mp)
		p.shutdown = append(p.shutdown, mp.Shutdown)
	}

	p.tracer = otel.Tracer(instrumentationName)
	meter := otel.Meter(instrumentationName)

	var err error
	if p.decisions, err = meter.Int64Counter("watchtower.decisions",
		metric.WithDescription("Kernel decisions by outcome")); err != nil {
		return nil, fmt.Errorf("observability: decisions counter: %w", err)
	}
	if p.rejections, err = meter.Int64Counter("watchtower.rejections",
		metric.WithDescription("Kernel rejections by reason code")); err != nil {
		return nil, fmt.Errorf("observability: rejections counter: %w", err)
	}
	if p.probeViolations, err = meter.Int64Counter("watchtower.probe_violations",
		metric.WithDescription("Probe violations by probe id")); err != nil {
		return nil, fmt.Errorf("observability: probe violations counter: %w", err)
	}
	return p, nil
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StartCycle opens a span around one watchdog decide cycle.
func (p *Provider) StartCycle(ctx context.Context, actionID string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "watchdog.decide",
		trace.WithAttributes(attribute.String("action_id", actionID)))
}

// RecordDecision increments the decision counters.
func (p *Provider) RecordDecision(ctx context.Context, outcome, reason string) {
	p.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if reason != "" {
		p.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// RecordProbeViolation increments the probe violation counter.
func (p *Provider) RecordProbeViolation(ctx context.Context, probeID string) {
	p.probeViolations.Add(ctx, 1, metric.WithAttributes(attribute.String("probe_id", probeID)))
}
