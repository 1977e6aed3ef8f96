// Package pipeline implements the realtime and batch frame machinery that sits
// between audio devices and a [filter.Transform].
//
// The realtime path is:
//
//	capture callback → [Accumulator] → [Processor] → [RingBuffer] → playback callback
//
// and the batch path is:
//
//	signal → [Sequencer] → [Processor] → signal
//
// Accumulator, Processor and the producer side of RingBuffer are owned by the
// capture callback context; the consumer side of RingBuffer is owned by the
// playback callback context. None of them lock or allocate once constructed.
package pipeline
