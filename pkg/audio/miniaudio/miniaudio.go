// Package miniaudio implements [audio.Backend] on top of miniaudio through
// github.com/gen2brain/malgo.
//
// Devices are opened with 16-bit or float PCM and converted to the
// normalised float32 samples the pipeline expects in preallocated buffers,
// so the data callback does not allocate. miniaudio handles xruns
// internally; the only condition surfaced through [audio.Device.OnError] is
// an unexpected device stop, recovered by restarting the device.
package miniaudio

import (
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/neuralmic/pkg/audio"
)

// defaultPeriodFrames sizes conversion buffers when the caller leaves
// FramesPerBuffer at zero.
const defaultPeriodFrames = 1024

var _ audio.Backend = (*Backend)(nil)

// Backend owns a miniaudio context.
type Backend struct {
	ctx *malgo.AllocatedContext
	log *slog.Logger
}

// New initialises a miniaudio context using the platform's preferred API.
func New(log *slog.Logger) (*Backend, error) {
	if log == nil {
		log = slog.Default()
	}
	var backends []malgo.Backend
	if b, ok := platformBackend(runtime.GOOS); ok {
		backends = []malgo.Backend{b}
	}
	ctx, err := malgo.InitContext(backends, malgo.ContextConfig{}, func(message string) {
		log.Debug("miniaudio", "msg", strings.TrimSpace(message))
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init context: %w", err)
	}
	return &Backend{ctx: ctx, log: log}, nil
}

// platformBackend returns the audio API to prefer on goos. Other systems let
// miniaudio pick.
func platformBackend(goos string) (malgo.Backend, bool) {
	switch goos {
	case "linux":
		return malgo.BackendAlsa, true
	case "windows":
		return malgo.BackendWasapi, true
	case "darwin":
		return malgo.BackendCoreaudio, true
	}
	return malgo.BackendNull, false
}

// Name implements [audio.Backend].
func (b *Backend) Name() string { return "miniaudio" }

// Close implements [audio.Backend].
func (b *Backend) Close() error {
	if err := b.ctx.Uninit(); err != nil {
		return fmt.Errorf("miniaudio: uninit context: %w", err)
	}
	b.ctx.Free()
	return nil
}

// Open implements [audio.Backend].
func (b *Backend) Open(cfg audio.StreamConfig) (audio.Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	kind := malgo.Capture
	if cfg.Direction == audio.Playback {
		kind = malgo.Playback
	}
	format := malgo.FormatS16
	if cfg.Format == audio.FormatF32 {
		format = malgo.FormatF32
	}

	dc := malgo.DefaultDeviceConfig(kind)
	dc.SampleRate = uint32(cfg.SampleRate)
	dc.PeriodSizeInFrames = uint32(cfg.FramesPerBuffer)
	dc.Alsa.NoMMap = 1
	sub := &dc.Capture
	if kind == malgo.Playback {
		sub = &dc.Playback
	}
	sub.Format = format
	sub.Channels = uint32(cfg.Channels)

	// infos must stay reachable until InitDevice returns: the device ID
	// pointer refers into it.
	var infos []malgo.DeviceInfo
	if cfg.DeviceID != "" {
		var err error
		infos, err = b.ctx.Devices(kind)
		if err != nil {
			return nil, fmt.Errorf("miniaudio: list %s devices: %w", cfg.Direction, err)
		}
		i := findDevice(infos, cfg.DeviceID)
		if i < 0 {
			return nil, fmt.Errorf("miniaudio: %s device %q not found", cfg.Direction, cfg.DeviceID)
		}
		sub.DeviceID = infos[i].ID.Pointer()
	}

	period := cfg.FramesPerBuffer
	if period == 0 {
		period = defaultPeriodFrames
	}
	d := &device{
		cfg:     cfg,
		log:     b.log.With("direction", cfg.Direction.String()),
		scratch: make([]float32, period*cfg.Channels),
	}
	dev, err := malgo.InitDevice(b.ctx.Context, dc, malgo.DeviceCallbacks{
		Data: d.onData,
		Stop: d.onStop,
	})
	runtime.KeepAlive(infos)
	if err != nil {
		return nil, fmt.Errorf("%w: miniaudio %s: %w", audio.ErrUnsupportedFormat, cfg, err)
	}
	d.dev = dev

	if kind == malgo.Capture {
		d.cfg.Channels = int(dev.CaptureChannels())
	} else {
		d.cfg.Channels = int(dev.PlaybackChannels())
	}
	d.cfg.SampleRate = int(dev.SampleRate())
	return d, nil
}

// findDevice returns the index of the device whose name equals or contains
// id, or -1.
func findDevice(infos []malgo.DeviceInfo, id string) int {
	for i := range infos {
		if infos[i].Name() == id {
			return i
		}
	}
	for i := range infos {
		if strings.Contains(infos[i].Name(), id) {
			return i
		}
	}
	return -1
}

type device struct {
	cfg     audio.StreamConfig
	log     *slog.Logger
	dev     *malgo.Device
	scratch []float32

	cb       atomic.Pointer[audio.Callback]
	onErr    atomic.Pointer[func(audio.ErrorCode)]
	stopping atomic.Bool

	mu     sync.Mutex
	closed bool
}

func (d *device) Config() audio.StreamConfig { return d.cfg }

func (d *device) SetCallback(cb audio.Callback) { d.cb.Store(&cb) }

func (d *device) OnError(fn func(audio.ErrorCode)) { d.onErr.Store(&fn) }

// onData runs on miniaudio's device thread.
func (d *device) onData(out, in []byte, frames uint32) {
	cbp := d.cb.Load()
	if cbp == nil {
		clear(out)
		return
	}
	cb := *cbp
	bytesPerSample := 2
	if d.cfg.Format == audio.FormatF32 {
		bytesPerSample = 4
	}

	if d.cfg.Direction == audio.Capture {
		for len(in) > 0 {
			n := d.decode(in)
			if n == 0 {
				return
			}
			cb(d.scratch[:n])
			in = in[n*bytesPerSample:]
		}
		return
	}
	for len(out) > 0 {
		n := min(len(d.scratch), len(out)/bytesPerSample)
		if n == 0 {
			return
		}
		cb(d.scratch[:n])
		d.encode(out, d.scratch[:n])
		out = out[n*bytesPerSample:]
	}
}

func (d *device) decode(in []byte) int {
	if d.cfg.Format == audio.FormatF32 {
		return audio.DecodeF32LE(d.scratch, in)
	}
	return audio.DecodeS16LE(d.scratch, in)
}

func (d *device) encode(out []byte, samples []float32) {
	if d.cfg.Format == audio.FormatF32 {
		audio.EncodeF32LE(out, samples)
		return
	}
	audio.EncodeS16LE(out, samples)
}

// onStop fires both for requested and unexpected stops; only the latter is
// reported.
func (d *device) onStop() {
	if d.stopping.Load() {
		return
	}
	if fn := d.onErr.Load(); fn != nil {
		(*fn)(audio.ErrorStopped)
	}
}

func (d *device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return audio.ErrDeviceClosed
	}
	d.stopping.Store(false)
	if err := d.dev.Start(); err != nil {
		return fmt.Errorf("miniaudio: start %s: %w", d.cfg.Direction, err)
	}
	return nil
}

func (d *device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || !d.dev.IsStarted() {
		return nil
	}
	d.stopping.Store(true)
	if err := d.dev.Stop(); err != nil {
		return fmt.Errorf("miniaudio: stop %s: %w", d.cfg.Direction, err)
	}
	return nil
}

// Recover restarts a device that stopped on its own. Xruns need no action
// since miniaudio re-primes internally.
func (d *device) Recover(code audio.ErrorCode) error {
	if code != audio.ErrorStopped {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return audio.ErrDeviceClosed
	}
	if d.stopping.Load() || d.dev.IsStarted() {
		return nil
	}
	d.log.Info("restarting audio device")
	if err := d.dev.Start(); err != nil {
		return fmt.Errorf("miniaudio: restart %s: %w", d.cfg.Direction, err)
	}
	return nil
}

func (d *device) Close() error {
	if err := d.Stop(); err != nil {
		d.log.Warn("stop before close failed", "err", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.dev.Uninit()
	return nil
}
