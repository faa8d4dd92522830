package tracer

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Tracer interface {
	Start(ctx context.Context, spanName string, kv ...attribute.KeyValue) (context.Context, Span)
}

type Span interface {
	End()
}

type NoOpTracer struct{}

func (t *NoOpTracer) Start(ctx context.Context, _ string, _ ...attribute.KeyValue) (context.Context, Span) {
	return ctx, &NoOpSpan{}
}

type NoOpSpan struct{}

func (s *NoOpSpan) End() {}

// OtelTracer creates spans with the globally registered otel provider.
type OtelTracer struct {
	tracer trace.Tracer
}

func NewOtelTracer(name string) *OtelTracer {
	return &OtelTracer{tracer: otel.Tracer(name)}
}

func (t *OtelTracer) Start(ctx context.Context, spanName string, kv ...attribute.KeyValue) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, spanName, trace.WithAttributes(kv...))
	return ctx, otelSpan{span}
}

type otelSpan struct {
	trace.Span
}

func (s otelSpan) End() {
	s.Span.End()
}

var tracer Tracer = NewOtelTracer("github.com/livekit/gstcore")

// Can be used for your own tracing (for example, with Lightstep)
func SetTracer(t Tracer) {
	tracer = t
}

func Start(ctx context.Context, spanName string, kv ...attribute.KeyValue) (context.Context, Span) {
	return tracer.Start(ctx, spanName, kv...)
}
