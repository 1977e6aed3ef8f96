package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/MrWong99/neuralmic/internal/resilience"
	"github.com/MrWong99/neuralmic/pkg/filter"
)

// logEvery is the rate limit for repeated warnings on the realtime path: the
// first occurrence is logged, then every logEvery-th.
const logEvery = 100

// ProcessorStats is a snapshot of a [Processor]'s counters.
type ProcessorStats struct {
	// Processed counts frames successfully enhanced by the transform.
	Processed uint64

	// Failures counts frames passed through because the transform failed.
	Failures uint64

	// Violations counts frames passed through because of a frame, state or
	// output size mismatch.
	Violations uint64

	// Bypassed counts frames passed through without calling the transform
	// because the circuit breaker was open.
	Bypassed uint64

	// BreakerTrips counts how often the circuit breaker opened.
	BreakerTrips uint64
}

// ProcessorOption configures a [Processor].
type ProcessorOption func(*Processor)

// WithStrength sets the initial attenuation limit in dB.
func WithStrength(db float32) ProcessorOption {
	return func(p *Processor) {
		p.SetStrength(db)
	}
}

// WithBreaker routes transform calls through cb so a persistently failing
// transform is bypassed instead of being called for every frame.
func WithBreaker(cb *resilience.CircuitBreaker) ProcessorOption {
	return func(p *Processor) {
		p.breaker = cb
	}
}

// WithLogger sets the logger used for transform failures. Defaults to
// slog.Default().
func WithLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.log = l
	}
}

// Processor owns the filter state of one session and applies the transform
// to one frame at a time.
//
// When the transform fails or violates its size contract, the original frame
// is returned unchanged and the state is left as it was before the call.
//
// Process and Reset belong to a single goroutine (the capture context in
// realtime mode). SetStrength, RequestReset and Stats may be called from any
// goroutine.
type Processor struct {
	tr      filter.Transform
	geo     filter.Geometry
	state   filter.State
	out     filter.Frame
	breaker *resilience.CircuitBreaker
	log     *slog.Logger

	strength atomic.Uint32
	resetReq atomic.Bool

	processed  atomic.Uint64
	failures   atomic.Uint64
	violations atomic.Uint64
	bypassed   atomic.Uint64
}

// NewProcessor returns a Processor for tr with a zero-initialised state.
func NewProcessor(tr filter.Transform, opts ...ProcessorOption) (*Processor, error) {
	geo := tr.Geometry()
	if err := geo.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	p := &Processor{
		tr:    tr,
		geo:   geo,
		state: filter.NewState(geo.StateSize),
		out:   make(filter.Frame, geo.HopSize),
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Geometry returns the transform's geometry.
func (p *Processor) Geometry() filter.Geometry { return p.geo }

// Process enhances a single frame. The returned frame is either an internal
// buffer valid until the next call, or frame itself when the transform was
// skipped or failed; in the latter case the error says why.
func (p *Processor) Process(frame filter.Frame) (filter.Frame, error) {
	if p.resetReq.Swap(false) {
		p.state.Reset()
	}
	if err := p.geo.CheckFrame(frame); err != nil {
		p.violation(err)
		return frame, err
	}
	if p.breaker != nil && !p.breaker.Allow() {
		p.bypassed.Add(1)
		return frame, resilience.ErrCircuitOpen
	}

	out, next, err := p.tr.Apply(frame, p.state, p.Strength())
	if err == nil {
		err = errors.Join(p.geo.CheckOutput(out), p.geo.CheckState(next))
	}
	if err != nil {
		if errors.Is(err, filter.ErrContractViolation) {
			p.violation(err)
		} else {
			p.failure(err)
		}
		if p.breaker != nil {
			p.breaker.Failure()
		}
		return frame, err
	}

	copy(p.state, next)
	copy(p.out, out)
	p.processed.Add(1)
	if p.breaker != nil {
		p.breaker.Success()
	}
	return p.out, nil
}

func (p *Processor) violation(err error) {
	if n := p.violations.Add(1); n == 1 || n%logEvery == 0 {
		p.log.Error("transform contract violation; passing frame through", "err", err, "count", n)
	}
}

func (p *Processor) failure(err error) {
	if n := p.failures.Add(1); n == 1 || n%logEvery == 0 {
		p.log.Warn("transform failed; passing frame through", "err", err, "count", n)
	}
}

// SetStrength sets the attenuation limit in dB, clamped to
// [filter.MinStrength, filter.MaxStrength].
func (p *Processor) SetStrength(db float32) {
	p.strength.Store(math.Float32bits(filter.ClampStrength(db)))
}

// Strength returns the current attenuation limit in dB.
func (p *Processor) Strength() float32 {
	return math.Float32frombits(p.strength.Load())
}

// Reset zeroes the filter state immediately. It must not race with Process.
func (p *Processor) Reset() {
	p.resetReq.Store(false)
	p.state.Reset()
}

// RequestReset asks the owning goroutine to zero the state before its next
// Process call.
func (p *Processor) RequestReset() {
	p.resetReq.Store(true)
}

// Stats returns a snapshot of the processing counters.
func (p *Processor) Stats() ProcessorStats {
	st := ProcessorStats{
		Processed:  p.processed.Load(),
		Failures:   p.failures.Load(),
		Violations: p.violations.Load(),
		Bypassed:   p.bypassed.Load(),
	}
	if p.breaker != nil {
		st.BreakerTrips = p.breaker.Trips()
	}
	return st
}
