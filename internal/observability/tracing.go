package observability

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/quantarax/e2ee"

// TracingConfig selects the Jaeger collector and sampling.
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	// Endpoint is the collector URL; empty falls back to
	// OTEL_EXPORTER_JAEGER_ENDPOINT.
	Endpoint string
	// SampleRatio is the fraction of root spans kept, in [0, 1].
	SampleRatio float64
}

// InitTracing installs a Jaeger-backed tracer provider. Without an endpoint
// tracing stays a no-op and the returned shutdown does nothing.
func InitTracing(ctx context.Context, cfg TracingConfig) (func(context.Context) error, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_JAEGER_ENDPOINT")
	}
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	if err != nil {
		return nil, fmt.Errorf("jaeger exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}
	tp := trace.NewTracerProvider(
		trace.WithBatcher(exp, trace.WithBatchTimeout(5*time.Second)),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the channel's tracer from the global provider.
func Tracer() oteltrace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span tagged with the session id and key version.
func StartSpan(ctx context.Context, name, sessionID string, version uint32) (context.Context, oteltrace.Span) {
	return Tracer().Start(ctx, name, oteltrace.WithAttributes(
		attribute.String("e2ee.session_id", sessionID),
		attribute.Int64("e2ee.key_version", int64(version)),
	))
}

// EndSpan records err (if any) and ends span. Only the error kind is
// attached, never the message payload.
func EndSpan(span oteltrace.Span, errorKind string, err error) {
	if err != nil {
		span.SetAttributes(attribute.String("e2ee.error_kind", errorKind))
		span.SetStatus(codes.Error, errorKind)
	}
	span.End()
}
