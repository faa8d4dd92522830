package tracer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

type recordingTracer struct {
	started []string
	ended   int
}

type recordingSpan struct {
	t *recordingTracer
}

func (s recordingSpan) End() {
	s.t.ended++
}

func (r *recordingTracer) Start(ctx context.Context, spanName string, _ ...attribute.KeyValue) (context.Context, Span) {
	r.started = append(r.started, spanName)
	return ctx, recordingSpan{t: r}
}

func TestOtelTracer(t *testing.T) {
	var tr Tracer = NewOtelTracer("test")
	ctx, span := tr.Start(context.Background(), "span", attribute.String("key", "value"))
	require.NotNil(t, ctx)
	_, ok := span.(otelSpan)
	require.True(t, ok)
	span.End()
}

func TestSetTracer(t *testing.T) {
	prev := tracer
	defer SetTracer(prev)

	r := &recordingTracer{}
	SetTracer(r)
	_, span := Start(context.Background(), "Pipeline.SetState")
	span.End()
	require.Equal(t, []string{"Pipeline.SetState"}, r.started)
	require.Equal(t, 1, r.ended)

	SetTracer(&NoOpTracer{})
	_, span = Start(context.Background(), "ignored")
	span.End()
	require.Len(t, r.started, 1)
}
