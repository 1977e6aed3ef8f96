package observe

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName is the service name reported in telemetry. Default: "neuralmic".
	ServiceName string

	// ServiceVersion is the service version reported in telemetry.
	ServiceVersion string

	// TraceExporter is an optional span exporter. When nil, spans are
	// recorded but not exported.
	TraceExporter sdktrace.SpanExporter

	// SampleRatio is the fraction of root spans sampled. Zero or anything
	// above one samples every span. File mode produces one trace per file,
	// so full sampling is the sensible default.
	SampleRatio float64

	// Registerer receives the Prometheus collectors. Nil uses
	// prometheus.DefaultRegisterer, which promhttp.Handler serves.
	Registerer prometheus.Registerer
}

// Provider holds the SDK providers created by [InitProvider].
type Provider struct {
	// MeterProvider feeds the Prometheus exporter. Pass it to [NewMetrics].
	MeterProvider *sdkmetric.MeterProvider

	// TracerProvider records the spans started through [StartSpan].
	TracerProvider *sdktrace.TracerProvider
}

// InitProvider initialises the OTel SDK and registers the providers as the
// globals:
//
//   - a meter provider bridged to Prometheus, scraped via /metrics;
//   - a tracer provider with the configured exporter and sampler;
//   - a W3C trace context + baggage propagator, used by [Middleware].
//
// Call [Provider.Shutdown] before exiting to flush exporters.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "neuralmic"
	}

	// Schemaless so the merge cannot conflict with the SDK's default schema.
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	var promOpts []promexporter.Option
	if cfg.Registerer != nil {
		promOpts = append(promOpts, promexporter.WithRegisterer(cfg.Registerer))
	}
	promExp, err := promexporter.New(promOpts...)
	if err != nil {
		return nil, err
	}

	p := &Provider{
		MeterProvider: sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(promExp),
		),
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	p.TracerProvider = sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(p.MeterProvider)
	otel.SetTracerProvider(p.TracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return p, nil
}

// Shutdown flushes and closes both providers. Errors from each are joined.
func (p *Provider) Shutdown(ctx context.Context) error {
	return errors.Join(
		p.MeterProvider.Shutdown(ctx),
		p.TracerProvider.Shutdown(ctx),
	)
}
