package session

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/neuralmic/internal/pipeline"
	"github.com/MrWong99/neuralmic/pkg/audio/wav"
)

// recorder drains a ring buffer into a WAV file at hop cadence so the
// capture callback never touches the file.
type recorder struct {
	ring     *pipeline.RingBuffer
	w        *wav.Writer
	interval time.Duration
	log      *slog.Logger
	buf      []float32

	written atomic.Uint64

	done     chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopOnce sync.Once
	err      error
}

func newRecorder(ring *pipeline.RingBuffer, w *wav.Writer, interval time.Duration, log *slog.Logger) *recorder {
	return &recorder{
		ring:     ring,
		w:        w,
		interval: interval,
		log:      log,
		buf:      make([]float32, ring.Limit()),
		done:     make(chan struct{}),
	}
}

func (r *recorder) start() {
	r.started = true
	r.wg.Add(1)
	go r.run()
}

func (r *recorder) run() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var failures int
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			if err := r.drain(); err != nil {
				failures++
				if failures == 1 || failures%xrunLogEvery == 0 {
					r.log.Warn("recording write failed", "err", err, "count", failures)
				}
			}
		}
	}
}

// drain writes everything currently readable. It reads only what is
// available so the ring never pads the recording with silence.
func (r *recorder) drain() error {
	for n := r.ring.Available(); n > 0; n = r.ring.Available() {
		chunk := r.buf[:min(n, len(r.buf))]
		got := r.ring.Read(chunk)
		if err := r.w.Write(chunk[:got]); err != nil {
			return err
		}
		r.written.Add(uint64(got))
	}
	return nil
}

// stop waits for the drain loop, flushes what the producer left behind and
// closes the file. The producer must have stopped.
func (r *recorder) stop() error {
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
		var flushErr error
		if r.started {
			flushErr = r.drain()
		}
		closeErr := r.w.Close()
		switch {
		case flushErr != nil:
			r.err = fmt.Errorf("session: flush recording: %w", flushErr)
		case closeErr != nil:
			r.err = fmt.Errorf("session: close recording: %w", closeErr)
		}
		if r.err == nil && r.started {
			r.log.Info("recording closed", "samples", r.written.Load())
		}
	})
	return r.err
}
