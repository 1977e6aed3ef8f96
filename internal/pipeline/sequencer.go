package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/neuralmic/pkg/filter"
)

var (
	// ErrEmptySignal is returned when there is nothing to process.
	ErrEmptySignal = errors.New("pipeline: empty signal")

	// ErrShortOutput is returned when the transform produced less audio than
	// the filter delay plus the input length.
	ErrShortOutput = fmt.Errorf("%w: short output", filter.ErrContractViolation)
)

// Sequencer runs a whole in-memory signal through a [Processor] one hop at a
// time and compensates for the transform's filter delay.
type Sequencer struct {
	proc *Processor
}

// NewSequencer returns a Sequencer driving proc.
func NewSequencer(proc *Processor) *Sequencer {
	return &Sequencer{proc: proc}
}

// FrameCount returns how many frames Process feeds to the transform for a
// signal of n samples: the signal plus FFTSize samples of trailing silence,
// rounded up to whole hops.
func FrameCount(g filter.Geometry, n int) int {
	return (n + g.FFTSize + g.HopSize - 1) / g.HopSize
}

// Process returns the enhanced signal, exactly as long as signal.
//
// The filter state is reset before the first frame and threaded through all
// following frames in order. A frame whose transform call fails is passed
// through unchanged. A frame whose output has the wrong length aborts the
// run with [ErrShortOutput], since the result could not be aligned.
func (s *Sequencer) Process(ctx context.Context, signal []float32) ([]float32, error) {
	if len(signal) == 0 {
		return nil, ErrEmptySignal
	}
	geo := s.proc.Geometry()
	hop := geo.HopSize
	frames := FrameCount(geo, len(signal))

	padded := make([]float32, frames*hop)
	copy(padded, signal)
	out := make([]float32, 0, frames*hop)

	s.proc.Reset()
	for i := range frames {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("pipeline: frame %d/%d: %w", i, frames, err)
		}
		enhanced, err := s.proc.Process(padded[i*hop : (i+1)*hop])
		if errors.Is(err, filter.ErrOutputSize) {
			return nil, fmt.Errorf("%w: frame %d: %w", ErrShortOutput, i, err)
		}
		out = append(out, enhanced...)
	}

	d := geo.Delay()
	if len(out) < d+len(signal) {
		return nil, fmt.Errorf("%w: got %d samples, need %d", ErrShortOutput, len(out), d+len(signal))
	}
	return out[d : d+len(signal) : d+len(signal)], nil
}
