// Package mock provides in-memory implementations of [audio.Backend] and
// [audio.Device] for unit tests.
//
// Devices never run on their own: tests drive the data callback explicitly
// with [Device.Capture] and [Device.Pull], and raise device conditions with
// [Device.EmitError]. Like a real backend, a mock device only invokes its
// callback while started, and Stop waits for an in-flight callback to return.
//
// Typical usage:
//
//	backend := &mock.Backend{}
//	ctrl := session.New(backend, proc, cfg)
//	_ = ctrl.Configure()
//	_ = ctrl.Start()
//	_ = backend.Device(audio.Capture).Capture(samples)
//	out, _ := backend.Device(audio.Playback).Pull(480)
package mock

import (
	"errors"
	"sync"

	"github.com/MrWong99/neuralmic/pkg/audio"
)

var _ audio.Backend = (*Backend)(nil)

// ─── Backend ──────────────────────────────────────────────────────────────────

// Backend is a mock implementation of [audio.Backend].
// Set the exported fields before use; inspect the Call* fields after.
type Backend struct {
	mu sync.Mutex

	// OpenErr, if set, is consulted on every Open; a non-nil result fails
	// the call.
	OpenErr func(cfg audio.StreamConfig) error

	// Negotiate, if set, rewrites the requested config into the config the
	// device reports as accepted.
	Negotiate func(cfg audio.StreamConfig) audio.StreamConfig

	// StartErr is returned by Start on every device this backend opens.
	StartErr error

	// CloseError is returned by Close.
	CloseError error

	// OpenCalls records every config passed to Open, in order.
	OpenCalls []audio.StreamConfig

	// Devices records every device successfully opened, in order.
	Devices []*Device

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Name implements [audio.Backend].
func (b *Backend) Name() string { return "mock" }

// Open implements [audio.Backend].
func (b *Backend) Open(cfg audio.StreamConfig) (audio.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.OpenCalls = append(b.OpenCalls, cfg)
	if b.OpenErr != nil {
		if err := b.OpenErr(cfg); err != nil {
			return nil, err
		}
	}
	if b.Negotiate != nil {
		cfg = b.Negotiate(cfg)
	}
	d := &Device{cfg: cfg, StartErr: b.StartErr}
	b.Devices = append(b.Devices, d)
	return d, nil
}

// Close implements [audio.Backend].
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CallCountClose++
	return b.CloseError
}

// Device returns the most recently opened device for dir, or nil.
func (b *Backend) Device(dir audio.Direction) *Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.Devices) - 1; i >= 0; i-- {
		if b.Devices[i].cfg.Direction == dir {
			return b.Devices[i]
		}
	}
	return nil
}

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock implementation of [audio.Device].
type Device struct {
	cfg audio.StreamConfig

	// cbMu is held while the data callback runs so Stop can wait for it.
	cbMu sync.Mutex
	cb   audio.Callback

	mu      sync.Mutex
	onErr   func(audio.ErrorCode)
	started bool
	closed  bool

	// StartErr is returned by Start.
	StartErr error

	// StopErr is returned by Stop. The device stops regardless.
	StopErr error

	// RecoverErr is returned by Recover.
	RecoverErr error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// RecoverCalls records the code of every Recover call, in order.
	RecoverCalls []audio.ErrorCode
}

var _ audio.Device = (*Device)(nil)

// Config implements [audio.Device].
func (d *Device) Config() audio.StreamConfig { return d.cfg }

// SetCallback implements [audio.Device].
func (d *Device) SetCallback(cb audio.Callback) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	d.cb = cb
}

// OnError implements [audio.Device].
func (d *Device) OnError(fn func(audio.ErrorCode)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onErr = fn
}

// Start implements [audio.Device].
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStart++
	if d.closed {
		return audio.ErrDeviceClosed
	}
	if d.StartErr != nil {
		return d.StartErr
	}
	d.started = true
	return nil
}

// Stop implements [audio.Device]. It waits for an in-flight callback.
func (d *Device) Stop() error {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStop++
	d.started = false
	return d.StopErr
}

// Recover implements [audio.Device].
func (d *Device) Recover(code audio.ErrorCode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.RecoverCalls = append(d.RecoverCalls, code)
	if d.closed {
		return audio.ErrDeviceClosed
	}
	return d.RecoverErr
}

// Close implements [audio.Device].
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	d.closed = true
	d.started = false
	return nil
}

// Started reports whether the device is between Start and Stop.
func (d *Device) Started() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started
}

// Closed reports whether Close has been called.
func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Recovered returns a copy of the recorded Recover codes.
func (d *Device) Recovered() []audio.ErrorCode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]audio.ErrorCode(nil), d.RecoverCalls...)
}

// ErrNotStarted is returned by Capture and Pull when the device is stopped.
var ErrNotStarted = errors.New("mock: device not started")

// Capture delivers samples to the data callback as a capture period would.
func (d *Device) Capture(samples []float32) error {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	if !d.Started() || d.cb == nil {
		return ErrNotStarted
	}
	d.cb(samples)
	return nil
}

// Pull runs one playback period of frames sample frames and returns the
// samples the callback produced.
func (d *Device) Pull(frames int) ([]float32, error) {
	buf := make([]float32, frames*max(d.cfg.Channels, 1))
	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	if !d.Started() || d.cb == nil {
		return nil, ErrNotStarted
	}
	d.cb(buf)
	return buf, nil
}

// EmitError reports code to the registered error handler, as a backend
// would from its own context.
func (d *Device) EmitError(code audio.ErrorCode) {
	d.mu.Lock()
	fn := d.onErr
	d.mu.Unlock()
	if fn != nil {
		fn(code)
	}
}
