package observe

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

func TestInitProvider_ExportsToRegisterer(t *testing.T) {
	origMP, origTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	reg := prometheus.NewRegistry()
	p, err := InitProvider(context.Background(), ProviderConfig{
		ServiceVersion: "test",
		Registerer:     reg,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	m, err := NewMetrics(p.MeterProvider)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.ActiveSessions.Add(context.Background(), 1)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "neuralmic_active_sessions") {
			found = true
		}
	}
	if !found {
		t.Errorf("neuralmic_active_sessions not exported; got %d families", len(families))
	}

	if otel.GetTracerProvider() != p.TracerProvider {
		t.Error("tracer provider not registered globally")
	}
}

func TestProvider_ShutdownIsClean(t *testing.T) {
	origMP, origTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	p, err := InitProvider(context.Background(), ProviderConfig{
		Registerer:  prometheus.NewRegistry(),
		SampleRatio: 0.5,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
