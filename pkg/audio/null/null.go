// Package null provides an [audio.Backend] without hardware. Capture devices
// deliver silence (or samples from a Source) and playback devices discard
// what they are given, both paced by a ticker at the stream's real-time rate.
//
// It is useful for soak-testing the pipeline and for running the service on
// machines without a sound card.
package null

import (
	"sync"
	"time"

	"github.com/MrWong99/neuralmic/pkg/audio"
)

var _ audio.Backend = (*Backend)(nil)

// Backend opens ticker-driven devices.
type Backend struct {
	// Source, if set, fills every capture period. It runs on the device
	// goroutine. Nil yields silence.
	Source func(dst []float32)

	// Sink, if set, receives every playback period after the callback has
	// filled it. It runs on the device goroutine.
	Sink func(samples []float32)
}

// New returns a Backend producing silence.
func New() *Backend { return &Backend{} }

// Name implements [audio.Backend].
func (b *Backend) Name() string { return "null" }

// Open implements [audio.Backend]. A zero FramesPerBuffer becomes 10 ms.
func (b *Backend) Open(cfg audio.StreamConfig) (audio.Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.FramesPerBuffer == 0 {
		cfg.FramesPerBuffer = max(cfg.SampleRate/100, 1)
	}
	return &device{
		cfg:    cfg,
		period: time.Duration(cfg.FramesPerBuffer) * time.Second / time.Duration(cfg.SampleRate),
		buf:    make([]float32, cfg.FramesPerBuffer*cfg.Channels),
		source: b.Source,
		sink:   b.Sink,
	}, nil
}

// Close implements [audio.Backend].
func (b *Backend) Close() error { return nil }

type device struct {
	cfg    audio.StreamConfig
	period time.Duration
	buf    []float32
	source func([]float32)
	sink   func([]float32)

	mu     sync.Mutex
	cb     audio.Callback
	stop   chan struct{}
	done   chan struct{}
	closed bool
}

func (d *device) Config() audio.StreamConfig { return d.cfg }

func (d *device) SetCallback(cb audio.Callback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cb = cb
}

// OnError is accepted but never fires: a null device cannot xrun.
func (d *device) OnError(func(audio.ErrorCode)) {}

func (d *device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return audio.ErrDeviceClosed
	}
	if d.stop != nil {
		return nil
	}
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.run(d.cb, d.stop, d.done)
	return nil
}

func (d *device) run(cb audio.Callback, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(d.period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if d.cfg.Direction == audio.Capture {
			if d.source != nil {
				d.source(d.buf)
			} else {
				clear(d.buf)
			}
		}
		if cb != nil {
			cb(d.buf)
		}
		if d.cfg.Direction == audio.Playback && d.sink != nil {
			d.sink(d.buf)
		}
	}
}

func (d *device) Stop() error {
	d.mu.Lock()
	stop, done := d.stop, d.done
	d.stop, d.done = nil, nil
	d.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

func (d *device) Recover(audio.ErrorCode) error { return nil }

func (d *device) Close() error {
	err := d.Stop()
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return err
}
