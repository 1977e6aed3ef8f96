package pipeline

import (
	"sync/atomic"

	"github.com/MrWong99/neuralmic/pkg/filter"
)

// Accumulator slices variable-size capture chunks into frames of exactly one
// hop, carrying the remainder across calls.
//
// Push, Pending and Reset belong to the capture context. RequestClear may be
// called from any goroutine.
type Accumulator struct {
	hop   int
	carry []float32
	clear atomic.Bool
}

// NewAccumulator returns an Accumulator producing frames of hopSize samples.
func NewAccumulator(hopSize int) *Accumulator {
	return &Accumulator{
		hop:   hopSize,
		carry: make([]float32, 0, hopSize),
	}
}

// Push appends chunk and calls emit once for every complete frame, in order.
// It returns the number of frames emitted.
//
// Frames passed to emit alias chunk or the internal carry buffer and are only
// valid for the duration of the emit call.
func (a *Accumulator) Push(chunk []float32, emit func(filter.Frame)) int {
	if a.clear.Swap(false) {
		a.carry = a.carry[:0]
	}

	frames := 0
	if len(a.carry) > 0 {
		need := a.hop - len(a.carry)
		if len(chunk) < need {
			a.carry = append(a.carry, chunk...)
			return 0
		}
		a.carry = append(a.carry, chunk[:need]...)
		chunk = chunk[need:]
		emit(a.carry)
		a.carry = a.carry[:0]
		frames++
	}

	for len(chunk) >= a.hop {
		emit(chunk[:a.hop:a.hop])
		chunk = chunk[a.hop:]
		frames++
	}

	a.carry = append(a.carry, chunk...)
	return frames
}

// Pending returns the number of carried samples, always below one hop.
func (a *Accumulator) Pending() int {
	return len(a.carry)
}

// RequestClear asks the capture context to drop the carry at the start of
// its next Push. Used when the device reports an overrun, since the carried
// samples are no longer contiguous with the next chunk.
func (a *Accumulator) RequestClear() {
	a.clear.Store(true)
}

// Reset drops the carry immediately.
func (a *Accumulator) Reset() {
	a.carry = a.carry[:0]
	a.clear.Store(false)
}
