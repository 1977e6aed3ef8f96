package filter_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/neuralmic/pkg/filter"
)

func TestGeometry_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		geo     filter.Geometry
		wantErr bool
	}{
		{"deepfilternet", filter.Geometry{HopSize: 480, FFTSize: 960, StateSize: 45304}, false},
		{"fft equals hop", filter.Geometry{HopSize: 16, FFTSize: 16, StateSize: 1}, false},
		{"zero hop", filter.Geometry{HopSize: 0, FFTSize: 16, StateSize: 1}, true},
		{"fft below hop", filter.Geometry{HopSize: 32, FFTSize: 16, StateSize: 1}, true},
		{"no state", filter.Geometry{HopSize: 16, FFTSize: 32, StateSize: 0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.geo.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGeometry_Delay(t *testing.T) {
	t.Parallel()
	g := filter.Geometry{HopSize: 480, FFTSize: 960, StateSize: 1}
	if got := g.Delay(); got != 480 {
		t.Errorf("Delay() = %d, want 480", got)
	}
}

func TestGeometry_CheckFrame(t *testing.T) {
	t.Parallel()
	g := filter.Geometry{HopSize: 4, FFTSize: 8, StateSize: 2}

	if err := g.CheckFrame(make(filter.Frame, 4)); err != nil {
		t.Errorf("CheckFrame(4): unexpected error: %v", err)
	}
	err := g.CheckFrame(make(filter.Frame, 3))
	if !errors.Is(err, filter.ErrFrameSize) {
		t.Fatalf("CheckFrame(3): got %v, want ErrFrameSize", err)
	}
	if !errors.Is(err, filter.ErrContractViolation) {
		t.Errorf("ErrFrameSize must wrap ErrContractViolation")
	}
	if err := g.CheckState(make(filter.State, 3)); !errors.Is(err, filter.ErrStateSize) {
		t.Errorf("CheckState(3): got %v, want ErrStateSize", err)
	}
}

func TestState_Reset(t *testing.T) {
	t.Parallel()
	s := filter.NewState(3)
	s[0], s[1], s[2] = 1, 2, 3
	s.Reset()
	for i, v := range s {
		if v != 0 {
			t.Errorf("s[%d] = %v after Reset, want 0", i, v)
		}
	}
}

func TestClampStrength(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want float32
	}{
		{-50, -30},
		{-30, -30},
		{-12.5, -12.5},
		{0, 0},
		{6, 0},
	}
	for _, tt := range tests {
		if got := filter.ClampStrength(tt.in); got != tt.want {
			t.Errorf("ClampStrength(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
