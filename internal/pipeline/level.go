package pipeline

import (
	"math"
	"sync/atomic"

	vecmath "github.com/cwbudde/algo-vecmath"
)

// silenceDBFS is reported for an all-zero frame.
const silenceDBFS = -120

// LevelMeter tracks the RMS and peak level of the most recent frame.
//
// Observe belongs to a single goroutine and does not allocate. RMS, Peak and
// DBFS may be read from any goroutine.
type LevelMeter struct {
	wide []float64
	sq   []float64

	rms  atomic.Uint64
	peak atomic.Uint64
}

// NewLevelMeter returns a meter for frames of up to frameSize samples.
func NewLevelMeter(frameSize int) *LevelMeter {
	return &LevelMeter{
		wide: make([]float64, frameSize),
		sq:   make([]float64, frameSize),
	}
}

// Observe measures frame. Samples beyond the meter's frame size are ignored.
func (m *LevelMeter) Observe(frame []float32) {
	n := min(len(frame), len(m.wide))
	if n == 0 {
		return
	}
	wide, sq := m.wide[:n], m.sq[:n]
	var peak float64
	for i, v := range frame[:n] {
		x := float64(v)
		wide[i] = x
		peak = max(peak, math.Abs(x))
	}
	vecmath.MulBlock(sq, wide, wide)

	var sum float64
	for _, v := range sq {
		sum += v
	}
	m.rms.Store(math.Float64bits(math.Sqrt(sum / float64(n))))
	m.peak.Store(math.Float64bits(peak))
}

// RMS returns the root-mean-square level of the last observed frame.
func (m *LevelMeter) RMS() float64 {
	return math.Float64frombits(m.rms.Load())
}

// Peak returns the absolute peak of the last observed frame.
func (m *LevelMeter) Peak() float64 {
	return math.Float64frombits(m.peak.Load())
}

// DBFS returns the RMS level in decibels relative to full scale.
func (m *LevelMeter) DBFS() float64 {
	return ToDBFS(m.RMS())
}

// ToDBFS converts a linear amplitude to dBFS, flooring silence.
func ToDBFS(linear float64) float64 {
	if linear <= 0 {
		return silenceDBFS
	}
	return max(20*math.Log10(linear), silenceDBFS)
}
