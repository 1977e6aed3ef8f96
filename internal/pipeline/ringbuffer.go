package pipeline

import (
	"fmt"
	"sync/atomic"
)

// maxReadRetries bounds how often Read restarts when the producer drops
// samples underneath it.
const maxReadRetries = 4

// RingBuffer is a single-producer/single-consumer circular sample buffer.
//
// Write and Read never block and never allocate. The write cursor is owned by
// the producer. The read cursor is advanced by the consumer after a read and
// by the producer when it drops the oldest samples on overflow; both sides use
// compare-and-swap so a drop that races a read makes the read start over from
// the new position instead of returning stale samples.
//
// Cursors are monotonically increasing sample counts; the slot for cursor c is
// c mod capacity. At most capacity-reserve samples are ever buffered, with a
// reserve of one frame, so a single frame written while the consumer is
// copying never lands in the slots being copied.
type RingBuffer struct {
	buf      []float32
	capacity uint64
	reserve  uint64

	write atomic.Uint64
	read  atomic.Uint64

	overflow  atomic.Uint64
	underflow atomic.Uint64
}

// NewRingBuffer allocates a ring of frames*frameSize samples with a one-frame
// reserve margin. frames must be at least 2.
func NewRingBuffer(frameSize, frames int) (*RingBuffer, error) {
	if frameSize <= 0 {
		return nil, fmt.Errorf("pipeline: ring frame size %d must be positive", frameSize)
	}
	if frames < 2 {
		return nil, fmt.Errorf("pipeline: ring needs at least 2 frames, got %d", frames)
	}
	capacity := uint64(frameSize) * uint64(frames)
	return &RingBuffer{
		buf:      make([]float32, capacity),
		capacity: capacity,
		reserve:  uint64(frameSize),
	}, nil
}

// Limit returns the maximum number of samples that can be buffered at once.
func (r *RingBuffer) Limit() int { return int(r.capacity - r.reserve) }

// Available returns the number of samples ready to be read.
func (r *RingBuffer) Available() int {
	rd := r.read.Load()
	return int(r.write.Load() - rd)
}

// Write appends frame. If the buffer would hold more than Limit samples, the
// oldest unread samples are dropped first. Only the producer may call Write.
func (r *RingBuffer) Write(frame []float32) {
	limit := r.capacity - r.reserve
	n := uint64(len(frame))
	if n > limit {
		r.overflow.Add(n - limit)
		frame = frame[n-limit:]
		n = limit
	}

	w := r.write.Load()
	for {
		rd := r.read.Load()
		used := w - rd
		if used+n <= limit {
			break
		}
		excess := used + n - limit
		if r.read.CompareAndSwap(rd, rd+excess) {
			r.overflow.Add(excess)
			break
		}
	}

	start := w % r.capacity
	copied := copy(r.buf[start:], frame)
	copy(r.buf, frame[copied:])
	r.write.Store(w + n)
}

// Read fills out with the oldest buffered samples and zero-fills whatever the
// buffer cannot supply. It returns the number of buffered samples delivered.
// Only the consumer may call Read.
func (r *RingBuffer) Read(out []float32) int {
	for range maxReadRetries {
		rd := r.read.Load()
		w := r.write.Load()
		n := min(w-rd, uint64(len(out)))

		start := rd % r.capacity
		first := min(n, r.capacity-start)
		copy(out[:first], r.buf[start:start+first])
		copy(out[first:n], r.buf[:n-first])

		if r.read.CompareAndSwap(rd, rd+n) {
			if rest := uint64(len(out)) - n; rest > 0 {
				clear(out[n:])
				r.underflow.Add(rest)
			}
			return int(n)
		}
	}
	clear(out)
	r.underflow.Add(uint64(len(out)))
	return 0
}

// Stats returns the total number of samples dropped on overflow and
// zero-filled on underflow.
func (r *RingBuffer) Stats() (overflow, underflow uint64) {
	return r.overflow.Load(), r.underflow.Load()
}

// Reset discards all buffered samples and clears the statistics. It must
// not be called while a producer or consumer is active.
func (r *RingBuffer) Reset() {
	r.write.Store(0)
	r.read.Store(0)
	r.overflow.Store(0)
	r.underflow.Store(0)
	clear(r.buf)
}
