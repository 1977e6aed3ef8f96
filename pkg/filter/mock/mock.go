// Package mock provides test doubles for the filter.Transform interface.
//
// The zero-configured Transform is an identity filter: it returns the input
// frame unchanged and the input state unchanged. Set ApplyFunc to script
// custom behaviour, or Err to make every call fail.
//
// Example:
//
//	tr := &mock.Transform{
//	    Geo: filter.Geometry{HopSize: 4, FFTSize: 8, StateSize: 1},
//	    ApplyFunc: func(f filter.Frame, s filter.State, _ float32) (filter.Frame, filter.State, error) {
//	        return f, filter.State{s[0] + 1}, nil
//	    },
//	}
package mock

import (
	"slices"
	"sync"

	"github.com/MrWong99/neuralmic/pkg/filter"
)

// ApplyCall records a single invocation of Transform.Apply. Frame and State
// are copies taken at call time.
type ApplyCall struct {
	Frame    filter.Frame
	State    filter.State
	Strength float32
}

// Transform is a mock implementation of filter.Transform.
type Transform struct {
	mu sync.Mutex

	// Geo is returned by Geometry.
	Geo filter.Geometry

	// ApplyFunc, if set, computes the result of Apply. It takes precedence
	// over Err.
	ApplyFunc func(frame filter.Frame, state filter.State, strength float32) (filter.Frame, filter.State, error)

	// Err, if non-nil, is returned by every Apply call.
	Err error

	// DiscardCalls disables call recording, for long-running tests.
	DiscardCalls bool

	// ApplyCalls records every call to Apply in order.
	ApplyCalls []ApplyCall
}

// Geometry returns Geo.
func (t *Transform) Geometry() filter.Geometry {
	return t.Geo
}

// Apply records the call and returns the scripted result.
func (t *Transform) Apply(frame filter.Frame, state filter.State, strength float32) (filter.Frame, filter.State, error) {
	t.mu.Lock()
	if !t.DiscardCalls {
		t.ApplyCalls = append(t.ApplyCalls, ApplyCall{
			Frame:    slices.Clone(frame),
			State:    slices.Clone(state),
			Strength: strength,
		})
	}
	fn, err := t.ApplyFunc, t.Err
	t.mu.Unlock()

	if fn != nil {
		return fn(frame, state, strength)
	}
	if err != nil {
		return nil, nil, err
	}
	return frame, state, nil
}

// Calls returns a copy of the recorded calls. Thread-safe.
func (t *Transform) Calls() []ApplyCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.ApplyCalls)
}

// CallCount returns the number of recorded calls. Thread-safe.
func (t *Transform) CallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ApplyCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (t *Transform) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ApplyCalls = nil
}

// Counter returns a transform with a single-value state that passes frames
// through unchanged and returns state+1 on every call.
func Counter(hopSize, fftSize int) *Transform {
	out := filter.State{0}
	return &Transform{
		Geo: filter.Geometry{HopSize: hopSize, FFTSize: fftSize, StateSize: 1},
		ApplyFunc: func(f filter.Frame, s filter.State, _ float32) (filter.Frame, filter.State, error) {
			out[0] = s[0] + 1
			return f, out, nil
		},
	}
}

// Gain returns a stateless transform that multiplies every sample by g.
func Gain(geo filter.Geometry, g float32) *Transform {
	buf := make(filter.Frame, geo.HopSize)
	return &Transform{
		Geo: geo,
		ApplyFunc: func(f filter.Frame, s filter.State, _ float32) (filter.Frame, filter.State, error) {
			for i, v := range f {
				buf[i] = v * g
			}
			return buf, s, nil
		},
	}
}

// Delay returns a transform that behaves like an ideal model with a
// look-ahead of fftSize-hopSize samples: every output is the input delayed
// by exactly that many samples. The pending samples live in the state, so
// a zero state starts from silence.
func Delay(hopSize, fftSize int) *Transform {
	d := fftSize - hopSize
	geo := filter.Geometry{HopSize: hopSize, FFTSize: fftSize, StateSize: max(d, 1)}
	joined := make([]float32, d+hopSize)
	return &Transform{
		Geo: geo,
		ApplyFunc: func(f filter.Frame, s filter.State, _ float32) (filter.Frame, filter.State, error) {
			if d == 0 {
				return f, s, nil
			}
			copy(joined, s[:d])
			copy(joined[d:], f)
			return joined[:hopSize], joined[hopSize:], nil
		},
	}
}
