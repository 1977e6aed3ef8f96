package pipeline_test

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/neuralmic/internal/pipeline"
	"github.com/MrWong99/neuralmic/internal/resilience"
	"github.com/MrWong99/neuralmic/pkg/filter"
	"github.com/MrWong99/neuralmic/pkg/filter/mock"
)

var errModel = errors.New("model exploded")

func newProcessor(t *testing.T, tr filter.Transform, opts ...pipeline.ProcessorOption) *pipeline.Processor {
	t.Helper()
	p, err := pipeline.NewProcessor(tr, opts...)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	return p
}

func TestNewProcessor_InvalidGeometry(t *testing.T) {
	t.Parallel()
	tr := &mock.Transform{Geo: filter.Geometry{HopSize: 8, FFTSize: 4, StateSize: 1}}
	if _, err := pipeline.NewProcessor(tr); err == nil {
		t.Fatal("expected geometry error")
	}
}

func TestProcessor_AppliesTransform(t *testing.T) {
	t.Parallel()
	tr := mock.Gain(filter.Geometry{HopSize: 2, FFTSize: 2, StateSize: 1}, 2)
	p := newProcessor(t, tr)

	out, err := p.Process(filter.Frame{1, -1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slices.Equal(out, filter.Frame{2, -2}) {
		t.Errorf("out = %v, want [2 -2]", out)
	}
	if s := p.Stats(); s.Processed != 1 {
		t.Errorf("Processed = %d, want 1", s.Processed)
	}
}

func TestProcessor_FailurePassesThroughAndKeepsState(t *testing.T) {
	t.Parallel()
	calls := 0
	tr := &mock.Transform{
		Geo: filter.Geometry{HopSize: 2, FFTSize: 2, StateSize: 1},
		ApplyFunc: func(f filter.Frame, s filter.State, _ float32) (filter.Frame, filter.State, error) {
			calls++
			if calls == 2 {
				// Partial garbage state alongside an error must be ignored.
				return nil, filter.State{99}, errModel
			}
			return filter.Frame{0, 0}, filter.State{s[0] + 1}, nil
		},
	}
	p := newProcessor(t, tr)

	p.Process(filter.Frame{1, 1})
	in := filter.Frame{5, 6}
	out, err := p.Process(in)
	if !errors.Is(err, errModel) {
		t.Fatalf("err = %v, want errModel", err)
	}
	if !slices.Equal(out, in) {
		t.Errorf("out = %v, want pass-through %v", out, in)
	}
	p.Process(filter.Frame{1, 1})

	recorded := tr.Calls()
	if got := recorded[2].State[0]; got != 1 {
		t.Errorf("state after failure = %v, want 1 (unchanged)", got)
	}
	if s := p.Stats(); s.Failures != 1 || s.Processed != 2 || s.Violations != 0 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestProcessor_ContractViolations(t *testing.T) {
	t.Parallel()
	geo := filter.Geometry{HopSize: 4, FFTSize: 4, StateSize: 2}

	tests := []struct {
		name    string
		frame   filter.Frame
		apply   func(filter.Frame, filter.State, float32) (filter.Frame, filter.State, error)
		wantErr error
	}{
		{
			name:    "short input frame",
			frame:   filter.Frame{1, 2, 3},
			wantErr: filter.ErrFrameSize,
		},
		{
			name:  "wrong state length",
			frame: filter.Frame{1, 2, 3, 4},
			apply: func(f filter.Frame, _ filter.State, _ float32) (filter.Frame, filter.State, error) {
				return f, filter.State{1, 2, 3}, nil
			},
			wantErr: filter.ErrStateSize,
		},
		{
			name:  "short output",
			frame: filter.Frame{1, 2, 3, 4},
			apply: func(f filter.Frame, s filter.State, _ float32) (filter.Frame, filter.State, error) {
				return f[:2], s, nil
			},
			wantErr: filter.ErrOutputSize,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := newProcessor(t, &mock.Transform{Geo: geo, ApplyFunc: tt.apply})
			out, err := p.Process(tt.frame)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if !slices.Equal(out, tt.frame) {
				t.Errorf("out = %v, want pass-through %v", out, tt.frame)
			}
			if s := p.Stats(); s.Violations != 1 || s.Failures != 0 {
				t.Errorf("Stats() = %+v, want one violation", s)
			}
		})
	}
}

func TestProcessor_StrengthIsClamped(t *testing.T) {
	t.Parallel()
	tr := &mock.Transform{Geo: filter.Geometry{HopSize: 1, FFTSize: 1, StateSize: 1}}
	p := newProcessor(t, tr, pipeline.WithStrength(-12))

	p.Process(filter.Frame{0})
	p.SetStrength(-100)
	p.Process(filter.Frame{0})

	calls := tr.Calls()
	if calls[0].Strength != -12 || calls[1].Strength != -30 {
		t.Errorf("strengths = %v, %v; want -12, -30", calls[0].Strength, calls[1].Strength)
	}
}

func TestProcessor_RequestReset(t *testing.T) {
	t.Parallel()
	tr := mock.Counter(2, 2)
	p := newProcessor(t, tr)

	for range 3 {
		p.Process(filter.Frame{0, 0})
	}
	p.RequestReset()
	p.Process(filter.Frame{0, 0})

	calls := tr.Calls()
	if got := calls[3].State[0]; got != 0 {
		t.Errorf("state after RequestReset = %v, want 0", got)
	}
}

func TestProcessor_BreakerBypassesTransform(t *testing.T) {
	t.Parallel()
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  3,
		ResetTimeout: time.Hour,
	})
	tr := &mock.Transform{Geo: filter.Geometry{HopSize: 1, FFTSize: 1, StateSize: 1}, Err: errModel}
	p := newProcessor(t, tr, pipeline.WithBreaker(cb))

	for range 10 {
		out, _ := p.Process(filter.Frame{0.5})
		if out[0] != 0.5 {
			t.Fatalf("out = %v, want pass-through", out)
		}
	}
	if tr.CallCount() != 3 {
		t.Errorf("transform called %d times, want 3", tr.CallCount())
	}
	if s := p.Stats(); s.Failures != 3 || s.Bypassed != 7 || s.BreakerTrips != 1 {
		t.Errorf("Stats() = %+v, want 3 failures, 7 bypassed and 1 trip", s)
	}
}

func TestProcessor_NoAllocs(t *testing.T) {
	tr := &mock.Transform{Geo: filter.Geometry{HopSize: 480, FFTSize: 960, StateSize: 64}, DiscardCalls: true}
	p := newProcessor(t, tr)
	frame := make(filter.Frame, 480)
	allocs := testing.AllocsPerRun(100, func() {
		p.Process(frame)
	})
	if allocs != 0 {
		t.Errorf("allocs per Process = %v, want 0", allocs)
	}
}
