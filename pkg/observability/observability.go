// Package observability provides OpenTelemetry-based tracing and RED
// (Rate, Errors, Duration) metrics for the gate's pipeline stages.
//
// This is deliberately separate from pkg/metrics: that package serves a
// local Prometheus /metrics scrape target, while this one exports spans
// and instruments to an OTLP collector when one is configured. A gate
// operator can run either, both, or neither — both packages degrade to
// safe no-ops when unconfigured.
package observability

import (
	"context"
	"fmt"
	"log/slog"
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

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName  string
	OTLPEndpoint string // e.g. "localhost:4317". Empty disables export.
	Insecure     bool
	BatchTimeout time.Duration
}

// Provider manages OpenTelemetry trace and metric providers for one
// process lifetime. A Provider built with an empty OTLPEndpoint is a
// fully functional no-op: every method is safe to call, nothing is
// exported, matching the gate's everywhere-optional posture.
type Provider struct {
	enabled        bool
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	logger         *slog.Logger

	stageCounter   metric.Int64Counter
	errorCounter   metric.Int64Counter
	stageDuration  metric.Float64Histogram
}

// New builds a Provider. If cfg.OTLPEndpoint is empty, it returns a
// disabled Provider immediately rather than dialing anything.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	logger := slog.Default().With("component", "observability")
	p := &Provider{logger: logger}

	if cfg.OTLPEndpoint == "" {
		logger.InfoContext(ctx, "observability disabled: no OTLP endpoint configured")
		return p, nil
	}
	p.enabled = true

	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = 5 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: building resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, cfg, res); err != nil {
		return nil, fmt.Errorf("observability: init trace provider: %w", err)
	}
	if err := p.initMeterProvider(ctx, cfg, res); err != nil {
		return nil, fmt.Errorf("observability: init meter provider: %w", err)
	}

	p.tracer = otel.Tracer("ubl-gate")
	if err := p.initStageMetrics(); err != nil {
		return nil, fmt.Errorf("observability: init stage metrics: %w", err)
	}

	logger.InfoContext(ctx, "observability initialized", "endpoint", cfg.OTLPEndpoint, "service", cfg.ServiceName)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, cfg Config, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return err
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMeterProvider(ctx context.Context, cfg Config, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return err
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initStageMetrics() error {
	meter := otel.Meter("ubl-gate")
	var err error
	p.stageCounter, err = meter.Int64Counter("ubl_gate.stage.total",
		metric.WithDescription("Chips processed per pipeline stage"),
		metric.WithUnit("{chip}"),
	)
	if err != nil {
		return err
	}
	p.errorCounter, err = meter.Int64Counter("ubl_gate.stage.errors",
		metric.WithDescription("Stage failures per pipeline stage"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}
	p.stageDuration, err = meter.Float64Histogram("ubl_gate.stage.duration",
		metric.WithDescription("Stage processing duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5),
	)
	return err
}

// Shutdown flushes and tears down the providers. Safe to call on a
// disabled Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || !p.enabled {
		return nil
	}
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "meter provider shutdown failed", "error", err)
		}
	}
	return nil
}

// StartStage opens a span named by stage and returns a function to close
// it and record RED metrics. The returned func takes the terminal error
// (nil on success) so duration and error counters stay bound to the span
// they describe.
func (p *Provider) StartStage(ctx context.Context, stage string) (context.Context, func(error)) {
	if p == nil || !p.enabled {
		return ctx, func(error) {}
	}
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, stage, trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("ubl.stage", stage)))
	attrs := metric.WithAttributes(attribute.String("stage", stage))

	return ctx, func(err error) {
		p.stageCounter.Add(ctx, 1, attrs)
		p.stageDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		if err != nil {
			span.RecordError(err)
			p.errorCounter.Add(ctx, 1, attrs)
		}
		span.End()
	}
}
