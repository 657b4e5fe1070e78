package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config selects how runs are traced.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// SampleRatio is the fraction of root spans kept. Zero keeps nothing.
	SampleRatio float64
	// Exporter receives finished spans. Nil records spans in-process only,
	// which still gives every run a trace id for logs and audit events.
	Exporter sdktrace.SpanExporter
}

var (
	providerMu sync.Mutex
	provider   *sdktrace.TracerProvider
)

// InitOpenTelemetry installs the process-wide tracer provider. Calls after
// the first are no-ops until ShutdownOpenTelemetry.
func InitOpenTelemetry(cfg Config) error {
	providerMu.Lock()
	defer providerMu.Unlock()
	if provider != nil {
		return nil
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return err
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithResource(res),
	}
	if cfg.Exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(cfg.Exporter))
	}

	provider = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	return nil
}

// ShutdownOpenTelemetry flushes and removes the tracer provider.
func ShutdownOpenTelemetry(ctx context.Context) error {
	providerMu.Lock()
	tp := provider
	provider = nil
	providerMu.Unlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// FlushOpenTelemetry exports spans still buffered by the provider.
func FlushOpenTelemetry(ctx context.Context) error {
	providerMu.Lock()
	tp := provider
	providerMu.Unlock()
	if tp == nil {
		return nil
	}
	return tp.ForceFlush(ctx)
}

// StartSpan starts a span and copies its trace id into the context ids when
// none is set yet.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))

	if GetTraceID(ctx) == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}
	return ctx, span
}

// SetOutcome marks span as ok, or as an error carrying the task error code.
func SetOutcome(span trace.Span, success bool, code string) {
	if success {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.SetStatus(codes.Error, code)
	if code != "" {
		span.SetAttributes(attribute.String("error.code", code))
	}
}
