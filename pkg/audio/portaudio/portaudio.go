// Package portaudio implements [audio.Backend] on top of PortAudio through
// github.com/gordonklaus/portaudio.
//
// Streams are opened with float32 samples, so the callback hands the
// device buffer to the pipeline without conversion. PortAudio's status
// flags are surfaced through [audio.Device.OnError]: input overflow as
// [audio.ErrorOverrun] and output underflow as [audio.ErrorUnderrun].
package portaudio

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/neuralmic/pkg/audio"
)

var _ audio.Backend = (*Backend)(nil)

// Backend owns the PortAudio library initialisation.
type Backend struct {
	closeOnce sync.Once
}

// New initialises PortAudio.
func New() (*Backend, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return &Backend{}, nil
}

// Name implements [audio.Backend].
func (b *Backend) Name() string { return "portaudio" }

// Close implements [audio.Backend].
func (b *Backend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = portaudio.Terminate()
	})
	return err
}

// Open implements [audio.Backend]. Format is ignored: PortAudio converts to
// float32 on the host side.
func (b *Backend) Open(cfg audio.StreamConfig) (audio.Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	info, err := lookupDevice(cfg)
	if err != nil {
		return nil, err
	}

	params := portaudio.StreamParameters{
		SampleRate:      float64(cfg.SampleRate),
		FramesPerBuffer: cfg.FramesPerBuffer,
	}
	if cfg.FramesPerBuffer == 0 {
		params.FramesPerBuffer = portaudio.FramesPerBufferUnspecified
	}
	if cfg.Direction == audio.Capture {
		params.Input = portaudio.StreamDeviceParameters{
			Device:   info,
			Channels: cfg.Channels,
			Latency:  info.DefaultLowInputLatency,
		}
	} else {
		params.Output = portaudio.StreamDeviceParameters{
			Device:   info,
			Channels: cfg.Channels,
			Latency:  info.DefaultLowOutputLatency,
		}
	}

	cfg.Format = audio.FormatF32
	d := &device{cfg: cfg}
	stream, err := portaudio.OpenStream(params, d.process)
	if err != nil {
		return nil, fmt.Errorf("%w: portaudio %s on %q: %w", audio.ErrUnsupportedFormat, cfg, info.Name, err)
	}
	d.stream = stream
	return d, nil
}

func lookupDevice(cfg audio.StreamConfig) (*portaudio.DeviceInfo, error) {
	if cfg.DeviceID == "" {
		var info *portaudio.DeviceInfo
		var err error
		if cfg.Direction == audio.Capture {
			info, err = portaudio.DefaultInputDevice()
		} else {
			info, err = portaudio.DefaultOutputDevice()
		}
		if err != nil {
			return nil, fmt.Errorf("portaudio: default %s device: %w", cfg.Direction, err)
		}
		return info, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	if info := matchDevice(devices, cfg.Direction, cfg.DeviceID); info != nil {
		return info, nil
	}
	return nil, fmt.Errorf("portaudio: %s device %q not found", cfg.Direction, cfg.DeviceID)
}

// matchDevice prefers an exact name match over a substring match and skips
// devices without channels in the requested direction.
func matchDevice(devices []*portaudio.DeviceInfo, dir audio.Direction, id string) *portaudio.DeviceInfo {
	usable := func(d *portaudio.DeviceInfo) bool {
		if dir == audio.Capture {
			return d.MaxInputChannels > 0
		}
		return d.MaxOutputChannels > 0
	}
	for _, d := range devices {
		if usable(d) && d.Name == id {
			return d
		}
	}
	for _, d := range devices {
		if usable(d) && strings.Contains(d.Name, id) {
			return d
		}
	}
	return nil
}

type device struct {
	cfg    audio.StreamConfig
	stream *portaudio.Stream

	cb    atomic.Pointer[audio.Callback]
	onErr atomic.Pointer[func(audio.ErrorCode)]

	mu      sync.Mutex
	started bool
	closed  bool
}

func (d *device) Config() audio.StreamConfig { return d.cfg }

func (d *device) SetCallback(cb audio.Callback) { d.cb.Store(&cb) }

func (d *device) OnError(fn func(audio.ErrorCode)) { d.onErr.Store(&fn) }

// process runs on PortAudio's callback thread.
func (d *device) process(in, out []float32, _ portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
	if flags != 0 {
		if fn := d.onErr.Load(); fn != nil {
			if flags&portaudio.InputOverflow != 0 {
				(*fn)(audio.ErrorOverrun)
			}
			if flags&portaudio.OutputUnderflow != 0 {
				(*fn)(audio.ErrorUnderrun)
			}
		}
	}
	cbp := d.cb.Load()
	if d.cfg.Direction == audio.Capture {
		if cbp != nil {
			(*cbp)(in)
		}
		return
	}
	if cbp == nil {
		clear(out)
		return
	}
	(*cbp)(out)
}

func (d *device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return audio.ErrDeviceClosed
	}
	if d.started {
		return nil
	}
	if err := d.stream.Start(); err != nil {
		return fmt.Errorf("portaudio: start %s: %w", d.cfg.Direction, err)
	}
	d.started = true
	return nil
}

func (d *device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}
	d.started = false
	if err := d.stream.Stop(); err != nil {
		return fmt.Errorf("portaudio: stop %s: %w", d.cfg.Direction, err)
	}
	return nil
}

// Recover restarts the stream after it stopped. PortAudio recovers from
// xruns by itself, so those need no action.
func (d *device) Recover(code audio.ErrorCode) error {
	if code != audio.ErrorStopped {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return audio.ErrDeviceClosed
	}
	_ = d.stream.Abort()
	if err := d.stream.Start(); err != nil {
		d.started = false
		return fmt.Errorf("portaudio: restart %s: %w", d.cfg.Direction, err)
	}
	d.started = true
	return nil
}

func (d *device) Close() error {
	if err := d.Stop(); err != nil {
		_ = d.stream.Abort()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if err := d.stream.Close(); err != nil {
		return fmt.Errorf("portaudio: close %s: %w", d.cfg.Direction, err)
	}
	return nil
}
