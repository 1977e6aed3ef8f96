package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracerProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

func TestCorrelationID_EmptyByDefault(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
}

func TestCorrelationID_ReturnsTraceID(t *testing.T) {
	tp, _ := newTestTracerProvider(t)
	ctx, span := tp.Tracer("test").Start(context.Background(), "batch")
	defer span.End()

	cid := CorrelationID(ctx)
	if cid != span.SpanContext().TraceID().String() {
		t.Errorf("CorrelationID = %q, want %q", cid, span.SpanContext().TraceID())
	}
}

func TestStartSpan_UsesGlobalProvider(t *testing.T) {
	tp, exp := newTestTracerProvider(t)
	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	_, span := StartSpan(context.Background(), "denoise.file")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "denoise.file" {
		t.Fatalf("recorded spans = %v, want one denoise.file span", spans)
	}
}

func TestWithTrace(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	WithTrace(context.Background(), base).Info("no span")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log without span contains trace_id: %s", buf.String())
	}
	buf.Reset()

	tp, _ := newTestTracerProvider(t)
	ctx, span := tp.Tracer("test").Start(context.Background(), "batch")
	defer span.End()

	WithTrace(ctx, base).Info("with span")
	out := buf.String()
	if !strings.Contains(out, "trace_id="+span.SpanContext().TraceID().String()) {
		t.Errorf("log missing trace_id: %s", out)
	}
	if !strings.Contains(out, "span_id="+span.SpanContext().SpanID().String()) {
		t.Errorf("log missing span_id: %s", out)
	}
}

func TestWithTrace_NoSpan(t *testing.T) {
	base := slog.Default()
	if WithTrace(context.Background(), base) != base {
		t.Error("WithTrace without span should return the logger unchanged")
	}
}

func TestFail(t *testing.T) {
	tp, exp := newTestTracerProvider(t)
	_, span := tp.Tracer("test").Start(context.Background(), "channel")

	want := errors.New("short output")
	if got := Fail(span, want); got != want {
		t.Errorf("Fail returned %v, want %v", got, want)
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Status.Code != codes.Error || spans[0].Status.Description != "short output" {
		t.Errorf("status = %+v, want Error/short output", spans[0].Status)
	}
	if len(spans[0].Events) != 1 || spans[0].Events[0].Name != "exception" {
		t.Errorf("events = %+v, want one exception event", spans[0].Events)
	}
}
