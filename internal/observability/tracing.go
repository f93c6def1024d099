package observability

import (
	"context"
	"fmt"

	"github.com/tekscripts/bypassgate/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/tekscripts/bypassgate"

// Span names.
const (
	SpanGate     = "bypassgate.gate"
	SpanResolve  = "bypassgate.resolve"
	SpanProvider = "bypassgate.provider"
)

// Span attribute keys shared by the gate and the resolver.
var (
	AttrProvider         = attribute.Key("bypassgate.provider")
	AttrProviderCount    = attribute.Key("bypassgate.provider_count")
	AttrAttempts         = attribute.Key("bypassgate.attempts")
	AttrOutcome          = attribute.Key("bypassgate.outcome")
	AttrBlocked          = attribute.Key("bypassgate.blocked")
	AttrBlockStarted     = attribute.Key("bypassgate.block_started")
	AttrMinutesRemaining = attribute.Key("bypassgate.minutes_remaining")
)

// Tracer returns the tracer for gate, resolve and provider spans. It follows
// the global provider, so spans are no-ops until InitTracing enables export.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTracing exports spans over OTLP/HTTP and installs the W3C trace
// context propagator. The returned function flushes and stops the exporter.
func InitTracing(ctx context.Context, cfg config.TracingConfig, version string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(_ context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := newResource(ctx, cfg.ServiceName, version)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// newResource describes this process: service identity, host attributes and
// anything set in OTEL_RESOURCE_ATTRIBUTES.
func newResource(ctx context.Context, serviceName, version string) (*resource.Resource, error) {
	if serviceName == "" {
		serviceName = "bypassgate"
	}
	own, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
			semconv.ServiceNamespace("tekscripts"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	return own, nil
}

// newSampler samples root spans at rate and otherwise follows the parent.
func newSampler(rate float64) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch {
	case rate <= 0:
		root = sdktrace.NeverSample()
	case rate >= 1:
		root = sdktrace.AlwaysSample()
	default:
		root = sdktrace.TraceIDRatioBased(rate)
	}
	return sdktrace.ParentBased(root)
}
