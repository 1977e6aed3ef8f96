// Package observe provides observability primitives for neuralmic:
// OpenTelemetry metrics, tracing helpers, trace-aware logging and HTTP
// middleware that ties them together.
//
// Realtime callbacks never call into OpenTelemetry. The pipeline keeps
// atomic counters and [Metrics.ObserveSession] registers observable
// instruments that sample them at collection time. A Prometheus exporter
// bridge is installed by [InitProvider] so metrics can be scraped from
// /metrics. Tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"math"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all neuralmic metrics.
const meterName = "github.com/MrWong99/neuralmic"

// SessionSnapshot is the sampled state of a running session. Counters are
// cumulative since process start.
type SessionSnapshot struct {
	FramesProcessed    uint64
	TransformFailures  uint64
	ContractViolations uint64
	Bypassed           uint64
	BreakerTrips       uint64
	OverflowSamples    uint64
	UnderflowSamples   uint64
	DeviceErrors       uint64
	DeviceRecoveries   uint64
	RecoveryFailures   uint64
	InputLevelDBFS     float64
	OutputLevelDBFS    float64

	// LocalSNRDB is the transform's SNR estimate. It is reported only when
	// HasLocalSNR is set.
	LocalSNRDB  float64
	HasLocalSNR bool
}

// Metrics holds the OpenTelemetry instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	meter metric.Meter

	// BatchDuration tracks how long file-mode processing of one channel
	// takes.
	BatchDuration metric.Float64Histogram

	// ActiveSessions tracks the number of Running sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// Observable instruments fed by ObserveSession.
	framesProcessed    metric.Int64ObservableCounter
	transformFailures  metric.Int64ObservableCounter
	contractViolations metric.Int64ObservableCounter
	bypassed           metric.Int64ObservableCounter
	breakerTrips       metric.Int64ObservableCounter
	overflowSamples    metric.Int64ObservableCounter
	underflowSamples   metric.Int64ObservableCounter
	deviceErrors       metric.Int64ObservableCounter
	deviceRecoveries   metric.Int64ObservableCounter
	recoveryFailures   metric.Int64ObservableCounter
	inputLevel         metric.Float64ObservableGauge
	outputLevel        metric.Float64ObservableGauge
	localSNR           metric.Float64ObservableGauge
}

// batchBuckets defines histogram bucket boundaries (in seconds) for
// file-mode processing.
var batchBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.BatchDuration, err = m.Float64Histogram("neuralmic.batch.duration",
		metric.WithDescription("Time to denoise one channel of a file."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(batchBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("neuralmic.active_sessions",
		metric.WithDescription("Number of running realtime sessions."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("neuralmic.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	counters := []struct {
		dst  *metric.Int64ObservableCounter
		name string
		desc string
		unit string
	}{
		{&met.framesProcessed, "neuralmic.frames.processed", "Frames enhanced by the transform.", "{frame}"},
		{&met.transformFailures, "neuralmic.transform.failures", "Frames passed through because the transform failed.", "{frame}"},
		{&met.contractViolations, "neuralmic.transform.contract_violations", "Frames passed through because of a size contract violation.", "{frame}"},
		{&met.bypassed, "neuralmic.transform.bypassed", "Frames passed through while the circuit breaker was open.", "{frame}"},
		{&met.breakerTrips, "neuralmic.transform.breaker_trips", "Times the transform circuit breaker opened.", "{event}"},
		{&met.overflowSamples, "neuralmic.ring.overflow_samples", "Samples dropped by the playback ring on overflow.", "{sample}"},
		{&met.underflowSamples, "neuralmic.ring.underflow_samples", "Silent samples emitted by the playback ring on underflow.", "{sample}"},
		{&met.deviceErrors, "neuralmic.device.errors", "Underruns, overruns and stops signalled by devices.", "{event}"},
		{&met.deviceRecoveries, "neuralmic.device.recoveries", "Successful device recoveries.", "{event}"},
		{&met.recoveryFailures, "neuralmic.device.recovery_failures", "Device recoveries abandoned after the last retry.", "{event}"},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64ObservableCounter(c.name,
			metric.WithDescription(c.desc),
			metric.WithUnit(c.unit),
		); err != nil {
			return nil, err
		}
	}

	if met.inputLevel, err = m.Float64ObservableGauge("neuralmic.input.level",
		metric.WithDescription("RMS level of the last captured frame."),
		metric.WithUnit("dBFS"),
	); err != nil {
		return nil, err
	}
	if met.outputLevel, err = m.Float64ObservableGauge("neuralmic.output.level",
		metric.WithDescription("RMS level of the last processed frame."),
		metric.WithUnit("dBFS"),
	); err != nil {
		return nil, err
	}
	if met.localSNR, err = m.Float64ObservableGauge("neuralmic.transform.lsnr",
		metric.WithDescription("Local SNR estimated by the transform for the last frame."),
		metric.WithUnit("dB"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// ObserveSession registers snapshot as the source for the session
// instruments. snapshot is called once per collection, off the realtime
// path. Unregister the returned registration when the session goes away.
func (m *Metrics) ObserveSession(snapshot func() SessionSnapshot) (metric.Registration, error) {
	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := snapshot()
		o.ObserveInt64(m.framesProcessed, clampInt64(s.FramesProcessed))
		o.ObserveInt64(m.transformFailures, clampInt64(s.TransformFailures))
		o.ObserveInt64(m.contractViolations, clampInt64(s.ContractViolations))
		o.ObserveInt64(m.bypassed, clampInt64(s.Bypassed))
		o.ObserveInt64(m.breakerTrips, clampInt64(s.BreakerTrips))
		o.ObserveInt64(m.overflowSamples, clampInt64(s.OverflowSamples))
		o.ObserveInt64(m.underflowSamples, clampInt64(s.UnderflowSamples))
		o.ObserveInt64(m.deviceErrors, clampInt64(s.DeviceErrors))
		o.ObserveInt64(m.deviceRecoveries, clampInt64(s.DeviceRecoveries))
		o.ObserveInt64(m.recoveryFailures, clampInt64(s.RecoveryFailures))
		o.ObserveFloat64(m.inputLevel, s.InputLevelDBFS)
		o.ObserveFloat64(m.outputLevel, s.OutputLevelDBFS)
		if s.HasLocalSNR {
			o.ObserveFloat64(m.localSNR, s.LocalSNRDB)
		}
		return nil
	},
		m.framesProcessed, m.transformFailures, m.contractViolations, m.bypassed,
		m.breakerTrips, m.overflowSamples, m.underflowSamples, m.deviceErrors,
		m.deviceRecoveries, m.recoveryFailures, m.inputLevel, m.outputLevel,
		m.localSNR,
	)
}

func clampInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

// RecordBatch records the duration of one file-mode channel.
func (m *Metrics) RecordBatch(ctx context.Context, seconds float64, status string) {
	m.BatchDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}
