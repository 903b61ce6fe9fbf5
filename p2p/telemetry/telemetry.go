// Package telemetry configures OpenTelemetry tracing and metrics for the
// gossip node: an OTLP/HTTP exporter to Jaeger plus a Prometheus metrics
// reader, the same pair this tree's app telemetry wired up for block and
// transaction execution, generalized here to gossip rounds instead.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	metricsdk "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

const serviceName = "gossipd"

// Config holds the telemetry configuration, the fields a node operator
// would set in their YAML/flags layer.
type Config struct {
	Enabled        bool
	JaegerEndpoint string
	SampleRate     float64
	Environment    string

	PrometheusEnabled bool
}

// Provider owns the tracer and meter providers for the process lifetime.
// A disabled Provider hands back no-op tracers so callers never need to
// nil-check before starting a span.
type Provider struct {
	tracerProvider *tracesdk.TracerProvider
	meterProvider  *metricsdk.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	config         Config
}

func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{config: cfg, tracer: otel.Tracer(serviceName)}, nil
	}

	if _, err := url.Parse(cfg.JaegerEndpoint); err != nil {
		return nil, fmt.Errorf("invalid jaeger endpoint: %w", err)
	}
	if cfg.SampleRate < 0 || cfg.SampleRate > 1 {
		return nil, fmt.Errorf("sample rate must be between 0 and 1")
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	p := &Provider{config: cfg}

	if err := p.initTracing(res); err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	if cfg.PrometheusEnabled {
		if err := p.initMetrics(res); err != nil {
			return nil, fmt.Errorf("failed to initialize metrics: %w", err)
		}
	}

	return p, nil
}

func (p *Provider) initTracing(res *resource.Resource) error {
	endpoint := strings.TrimPrefix(p.config.JaegerEndpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")

	client := otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
		otlptracehttp.WithURLPath("/v1/traces"),
	)

	exporter, err := otlptrace.New(context.Background(), client)
	if err != nil {
		return fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exporter,
			tracesdk.WithMaxExportBatchSize(512),
			tracesdk.WithMaxQueueSize(2048),
			tracesdk.WithBatchTimeout(5*time.Second),
		),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(p.config.SampleRate))),
	)

	otel.SetTracerProvider(tp)
	p.tracerProvider = tp
	p.tracer = tp.Tracer(serviceName)
	return nil
}

func (p *Provider) initMetrics(res *resource.Resource) error {
	exporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	mp := metricsdk.NewMeterProvider(
		metricsdk.WithResource(res),
		metricsdk.WithReader(exporter),
	)

	otel.SetMeterProvider(mp)
	p.meterProvider = mp
	p.meter = mp.Meter(serviceName)
	return nil
}

func (p *Provider) Shutdown(ctx context.Context) error {
	var err error
	if p.tracerProvider != nil {
		if e := p.tracerProvider.Shutdown(ctx); e != nil {
			err = fmt.Errorf("failed to shutdown tracer provider: %w", e)
		}
	}
	if p.meterProvider != nil {
		if e := p.meterProvider.Shutdown(ctx); e != nil {
			if err != nil {
				err = fmt.Errorf("%w; failed to shutdown meter provider: %w", err, e)
			} else {
				err = fmt.Errorf("failed to shutdown meter provider: %w", e)
			}
		}
	}
	return err
}

func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(serviceName)
	}
	return p.tracer
}

// StartGossipSpan starts a span for one round-trip through the engine's
// event loop: an item arriving, a fanout round, or an inbound message being
// dispatched.
func (p *Provider) StartGossipSpan(ctx context.Context, event string, id string) (context.Context, trace.Span) {
	ctx, span := p.Tracer().Start(ctx, "gossip."+event,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("gossip.item_id", id)),
	)
	return ctx, span
}

// StartPeerSendSpan starts a span for one outbound send or fanout call.
func (p *Provider) StartPeerSendSpan(ctx context.Context, peer string, count int) (context.Context, trace.Span) {
	ctx, span := p.Tracer().Start(ctx, "gossip.send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("gossip.peer", peer),
			attribute.Int("gossip.fanout", count),
		),
	)
	return ctx, span
}

// RecordError records err on span and marks it failed, a no-op if either
// is nil.
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// End sets span's final status from err (nil meaning success) and ends it.
// A nil span is a no-op, so call sites don't need to check whether tracing
// is enabled.
func End(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
