package pipeline_test

import (
	"math"
	"testing"

	"github.com/MrWong99/neuralmic/internal/pipeline"
)

func TestLevelMeter(t *testing.T) {
	t.Parallel()
	m := pipeline.NewLevelMeter(8)

	m.Observe([]float32{0.5, -0.5, 0.5, -0.5})
	if got := m.RMS(); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("RMS() = %v, want 0.5", got)
	}
	if got := m.Peak(); got != 0.5 {
		t.Errorf("Peak() = %v, want 0.5", got)
	}
	if got := m.DBFS(); math.Abs(got-(-6.0206)) > 1e-3 {
		t.Errorf("DBFS() = %v, want about -6.02", got)
	}

	m.Observe(make([]float32, 8))
	if got := m.DBFS(); got != -120 {
		t.Errorf("DBFS() of silence = %v, want -120", got)
	}
}

func TestLevelMeter_IgnoresExcessSamples(t *testing.T) {
	t.Parallel()
	m := pipeline.NewLevelMeter(2)
	m.Observe([]float32{0, 0, 1, 1})
	if m.Peak() != 0 {
		t.Errorf("Peak() = %v, want 0", m.Peak())
	}
}

func TestLevelMeter_NoAllocs(t *testing.T) {
	m := pipeline.NewLevelMeter(480)
	frame := make([]float32, 480)
	allocs := testing.AllocsPerRun(100, func() {
		m.Observe(frame)
	})
	if allocs != 0 {
		t.Errorf("allocs per Observe = %v, want 0", allocs)
	}
}
