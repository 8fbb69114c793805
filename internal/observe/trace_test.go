package observe

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTraceIDWithoutSpan(t *testing.T) {
	if got := TraceID(context.Background()); got != "" {
		t.Fatalf("TraceID = %q, want empty", got)
	}
}

func TestStartSpanRecordsError(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	ctx, span := StartSpan(context.Background(), "stt.transcribe")
	if len(TraceID(ctx)) != 32 {
		t.Fatalf("unexpected trace id %q", TraceID(ctx))
	}
	EndSpan(span, errors.New("boom"))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans", len(spans))
	}
	if spans[0].Name != "stt.transcribe" || spans[0].Status.Code != codes.Error {
		t.Fatalf("unexpected span %s %v", spans[0].Name, spans[0].Status)
	}
}
