// Package filter defines the contract between the streaming pipeline and a
// stateful per-frame audio transform such as a noise-suppression model.
//
// A [Transform] consumes one [Frame] of exactly [Geometry.HopSize] samples
// together with the [State] produced by its previous call and returns the
// enhanced frame plus the successor state. The pipeline treats the transform
// as a black box: it only relies on the frame/state sizes reported by
// [Transform.Geometry] and on the outputs being deterministic for identical
// inputs.
//
// Implementations need not be safe for concurrent use. The pipeline calls a
// single Transform from one goroutine (or one device callback context) at a
// time.
package filter

import (
	"errors"
	"fmt"
)

// Strength bounds in dB. Strength is passed to the transform as an
// attenuation limit; 0 disables attenuation limiting.
const (
	MinStrength float32 = -30
	MaxStrength float32 = 0
)

// Frame is a fixed-length run of mono samples normalised to [-1, 1].
type Frame []float32

// State is the opaque per-session memory threaded through successive
// transform calls. The zero-filled State reproduces the transform's
// cold-start behaviour.
type State []float32

// NewState returns a zero-initialised state of the given size.
func NewState(size int) State {
	return make(State, size)
}

// Reset zeroes s in place.
func (s State) Reset() {
	clear(s)
}

// Geometry describes the fixed framing properties of a transform.
type Geometry struct {
	// HopSize is the number of samples consumed and produced per call.
	HopSize int

	// FFTSize is the transform's analysis window. FFTSize >= HopSize.
	FFTSize int

	// StateSize is the length of the State vector.
	StateSize int
}

// Delay returns the fixed output latency in samples introduced by the
// transform's look-ahead window.
func (g Geometry) Delay() int {
	return g.FFTSize - g.HopSize
}

// Validate reports whether g describes a usable transform.
func (g Geometry) Validate() error {
	var errs []error
	if g.HopSize <= 0 {
		errs = append(errs, fmt.Errorf("filter: hop size %d must be positive", g.HopSize))
	}
	if g.FFTSize < g.HopSize {
		errs = append(errs, fmt.Errorf("filter: fft size %d must be >= hop size %d", g.FFTSize, g.HopSize))
	}
	if g.StateSize <= 0 {
		errs = append(errs, fmt.Errorf("filter: state size %d must be positive", g.StateSize))
	}
	return errors.Join(errs...)
}

// Transform is a stateful per-frame audio transform.
type Transform interface {
	// Geometry returns the framing properties of the transform. It must
	// return the same value for the lifetime of the Transform.
	Geometry() Geometry

	// Apply enhances frame using state and returns the enhanced frame and
	// the successor state. frame has exactly Geometry().HopSize samples and
	// state exactly Geometry().StateSize values; neither is modified.
	//
	// strength is the attenuation limit in dB, within [MinStrength, MaxStrength].
	//
	// The returned slices may alias buffers owned by the transform and are
	// only valid until the next call to Apply. Callers copy what they keep.
	Apply(frame Frame, state State, strength float32) (Frame, State, error)
}

// SNREstimator is implemented by transforms that estimate the local
// signal-to-noise ratio of the last frame they enhanced. LSNR may be called
// from any goroutine.
type SNREstimator interface {
	LSNR() float32
}

// ErrContractViolation is the root of all frame/state size mismatches
// between the pipeline and a transform. It indicates a programming error
// rather than a transient runtime failure.
var ErrContractViolation = errors.New("filter: contract violation")

var (
	// ErrFrameSize is returned when a frame does not have HopSize samples.
	ErrFrameSize = fmt.Errorf("%w: frame size", ErrContractViolation)

	// ErrStateSize is returned when a state vector does not have StateSize values.
	ErrStateSize = fmt.Errorf("%w: state size", ErrContractViolation)

	// ErrOutputSize is returned when a transform produces an enhanced frame
	// that is not exactly one hop long.
	ErrOutputSize = fmt.Errorf("%w: output size", ErrContractViolation)
)

// CheckFrame returns an error wrapping [ErrFrameSize] if f is not exactly
// one hop long.
func (g Geometry) CheckFrame(f Frame) error {
	if len(f) != g.HopSize {
		return fmt.Errorf("%w: got %d samples, want %d", ErrFrameSize, len(f), g.HopSize)
	}
	return nil
}

// CheckState returns an error wrapping [ErrStateSize] if s does not have
// exactly StateSize values.
func (g Geometry) CheckState(s State) error {
	if len(s) != g.StateSize {
		return fmt.Errorf("%w: got %d values, want %d", ErrStateSize, len(s), g.StateSize)
	}
	return nil
}

// CheckOutput returns an error wrapping [ErrOutputSize] if f is not exactly
// one hop long.
func (g Geometry) CheckOutput(f Frame) error {
	if len(f) != g.HopSize {
		return fmt.Errorf("%w: got %d samples, want %d", ErrOutputSize, len(f), g.HopSize)
	}
	return nil
}

// ClampStrength limits db to [MinStrength, MaxStrength].
func ClampStrength(db float32) float32 {
	return min(max(db, MinStrength), MaxStrength)
}
