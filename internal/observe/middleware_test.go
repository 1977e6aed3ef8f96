package observe

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var routes = []string{"/metrics", "/healthz", "/readyz"}

// testSetup creates both metrics and tracing infrastructure for middleware tests.
func testSetup(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	m, reader := newTestMetrics(t)

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	return m, reader, exp
}

func TestMiddleware_SetsCorrelationID(t *testing.T) {
	m, _, exp := testSetup(t)

	var captured string
	handler := Middleware(m, slog.Default(), routes...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = CorrelationID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if len(captured) != 32 {
		t.Fatalf("correlation ID = %q, want 32 hex chars", captured)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != captured {
		t.Errorf("X-Correlation-ID = %q, want %q", got, captured)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "HTTP GET /healthz" {
		t.Errorf("spans = %v, want one HTTP GET /healthz span", spans)
	}
}

func TestMiddleware_RecordsDurationAndStatus(t *testing.T) {
	m, reader, exp := testSetup(t)

	handler := Middleware(m, slog.Default(), routes...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}

	met := findMetric(collect(t, reader), "neuralmic.http.request.duration")
	if met == nil {
		t.Fatal("neuralmic.http.request.duration not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Fatalf("unexpected histogram data: %+v", met.Data)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	var status int64
	for _, kv := range spans[0].Attributes {
		if kv.Key == "http.response.status_code" {
			status = kv.Value.AsInt64()
		}
	}
	if status != http.StatusServiceUnavailable {
		t.Errorf("span status attribute = %d, want 503", status)
	}
}

func TestMiddleware_PropagatesW3CTraceContext(t *testing.T) {
	m, _, _ := testSetup(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	var captured string
	handler := Middleware(m, slog.Default(), routes...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = CorrelationID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if captured != traceID {
		t.Errorf("trace ID = %q, want %q", captured, traceID)
	}
}

func TestMiddleware_UnknownPathIsOther(t *testing.T) {
	m, reader, exp := testSetup(t)

	handler := Middleware(m, slog.Default(), routes...)(http.NotFoundHandler())
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/debug/pprof", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "HTTP GET other" {
		t.Fatalf("spans = %v, want one HTTP GET other span", spans)
	}

	met := findMetric(collect(t, reader), "neuralmic.http.request.duration")
	if met == nil {
		t.Fatal("neuralmic.http.request.duration not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	route, ok := hist.DataPoints[0].Attributes.Value("route")
	if !ok || route.AsString() != "other" {
		t.Errorf("route attribute = %v, want other", route.AsString())
	}
}
