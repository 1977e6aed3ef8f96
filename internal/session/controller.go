package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/neuralmic/internal/pipeline"
	"github.com/MrWong99/neuralmic/pkg/audio"
	"github.com/MrWong99/neuralmic/pkg/audio/wav"
	"github.com/MrWong99/neuralmic/pkg/filter"
)

// State is the lifecycle state of a [Controller].
type State int32

const (
	// Idle means no devices are open.
	Idle State = iota

	// Configured means devices are open and buffers allocated, but no
	// callback is registered.
	Configured

	// Running means callbacks are registered and the devices are started.
	Running

	// Stopped means the callbacks have quiesced and the devices are closed.
	Stopped
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Configured:
		return "configured"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var (
	// ErrInvalidState is returned when an operation is not allowed in the
	// controller's current state.
	ErrInvalidState = errors.New("session: invalid state transition")

	// ErrNegotiation is returned by Configure when a device cannot run with
	// the requested stream parameters.
	ErrNegotiation = errors.New("session: device negotiation failed")
)

// defaultRingFrames is the playback ring capacity in frames.
const defaultRingFrames = 20

// recordRingFactor sizes the recorder ring relative to the playback ring; the
// recorder drains on a timer and needs more slack than a device callback.
const recordRingFactor = 4

// defaultScratchFrames bounds the per-callback mono scratch when the device
// period is left to the backend. Larger periods are handled in pieces.
const defaultScratchFrames = 4096

// Config describes the devices and buffering of a session.
type Config struct {
	// SampleRate is required from both devices; the transform runs at a
	// fixed rate and no resampling is done.
	SampleRate int

	// CaptureChannels is the requested capture channel count (1 or 2).
	// Stereo input is downmixed to mono before processing.
	CaptureChannels int

	// PlaybackChannels is the requested playback channel count (1 or 2).
	// Zero uses CaptureChannels.
	PlaybackChannels int

	// FramesPerBuffer is the preferred device period. Zero lets the backend
	// choose.
	FramesPerBuffer int

	// CaptureDevice and PlaybackDevice select devices by backend name.
	// Empty selects the default.
	CaptureDevice  string
	PlaybackDevice string

	// Monitor enables the playback device.
	Monitor bool

	// RingFrames is the playback ring capacity in frames. Defaults to 20.
	RingFrames int

	// RecordPath, when set, records the processed stream to a WAV file.
	RecordPath string
}

// Validate reports every problem with c.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("session: sample rate %d must be positive", c.SampleRate))
	}
	if c.CaptureChannels != 1 && c.CaptureChannels != 2 {
		errs = append(errs, fmt.Errorf("session: capture channels %d must be 1 or 2", c.CaptureChannels))
	}
	if c.PlaybackChannels != 0 && c.PlaybackChannels != 1 && c.PlaybackChannels != 2 {
		errs = append(errs, fmt.Errorf("session: playback channels %d must be 1 or 2", c.PlaybackChannels))
	}
	if c.FramesPerBuffer < 0 {
		errs = append(errs, fmt.Errorf("session: frames per buffer %d must not be negative", c.FramesPerBuffer))
	}
	if c.RingFrames != 0 && c.RingFrames < 2 {
		errs = append(errs, fmt.Errorf("session: ring frames %d must be at least 2", c.RingFrames))
	}
	return errors.Join(errs...)
}

// Stats is a snapshot of a session's counters and levels.
type Stats struct {
	State      State
	Processor  pipeline.ProcessorStats
	Overflow   uint64
	Underflow  uint64
	Buffered   int
	Recorded   uint64
	Devices    DeviceStats
	InputRMS   float64
	OutputRMS  float64
	InputPeak  float64
	OutputPeak float64
}

// DeviceStats counts device conditions and recoveries across both devices.
type DeviceStats struct {
	Errors     uint64
	Recoveries uint64
	Failed     uint64
}

// Option configures a [Controller].
type Option func(*Controller)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		c.log = l
	}
}

// WithRecovery overrides the device recovery backoff.
func WithRecovery(rc RecoveryConfig) Option {
	return func(c *Controller) {
		c.recovery = rc
	}
}

// Controller owns the devices and realtime buffers of one session.
//
// Configure, Start, Stop and Cleanup are safe for concurrent use. State and
// Stats may be called at any time, including from a metrics collector.
type Controller struct {
	backend  audio.Backend
	proc     *pipeline.Processor
	cfg      Config
	log      *slog.Logger
	recovery RecoveryConfig

	mu       sync.Mutex
	state    atomic.Int32
	capture  audio.Device
	playback audio.Device
	monitors []*recoverer
	rec      *recorder

	// Realtime path. Allocated by Configure, touched only by callbacks
	// between Start and Stop.
	cancel    atomic.Bool
	acc       *pipeline.Accumulator
	ring      *pipeline.RingBuffer
	recRing   *pipeline.RingBuffer
	inLevel   *pipeline.LevelMeter
	outLevel  *pipeline.LevelMeter
	capMono   []float32
	playMono  []float32
	capChans  int
	playChans int
	emitFn    func(filter.Frame)

	devErrors  atomic.Uint64
	recoveries atomic.Uint64
	failed     atomic.Uint64

	// Ring counters of sessions already cleaned up, so Stats stays
	// monotonic across sessions.
	baseOverflow  atomic.Uint64
	baseUnderflow atomic.Uint64
	baseRecorded  atomic.Uint64
}

// New returns an Idle controller. proc is reset on every Configure.
func New(backend audio.Backend, proc *pipeline.Processor, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		backend:  backend,
		proc:     proc,
		cfg:      cfg,
		log:      slog.Default(),
		recovery: DefaultRecoveryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	hop := proc.Geometry().HopSize
	c.inLevel = pipeline.NewLevelMeter(hop)
	c.outLevel = pipeline.NewLevelMeter(hop)
	c.emitFn = c.emit
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State { return State(c.state.Load()) }

// Processor returns the processor the session runs frames through.
func (c *Controller) Processor() *pipeline.Processor { return c.proc }

// Configure opens and negotiates the devices, allocates the realtime buffers
// and zeroes the filter state. On any failure every handle opened so far is
// released and the controller stays Idle.
func (c *Controller) Configure() (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s := c.State(); s != Idle {
		return fmt.Errorf("%w: configure in state %s", ErrInvalidState, s)
	}
	if err := c.cfg.Validate(); err != nil {
		return err
	}

	defer func() {
		if err != nil {
			c.release()
		}
	}()

	hop := c.proc.Geometry().HopSize
	c.capture, err = c.open(audio.Capture, c.cfg.CaptureDevice, c.cfg.CaptureChannels)
	if err != nil {
		return err
	}
	c.capChans = c.capture.Config().Channels

	if c.cfg.Monitor {
		chans := c.cfg.PlaybackChannels
		if chans == 0 {
			chans = c.capChans
		}
		c.playback, err = c.open(audio.Playback, c.cfg.PlaybackDevice, chans)
		if err != nil {
			return err
		}
		c.playChans = c.playback.Config().Channels
	}

	ringFrames := c.cfg.RingFrames
	if ringFrames == 0 {
		ringFrames = defaultRingFrames
	}
	// Rings survive Cleanup empty, so a reconfigured session reuses them.
	if c.playback != nil && c.ring == nil {
		if c.ring, err = pipeline.NewRingBuffer(hop, ringFrames); err != nil {
			return err
		}
	}
	if c.cfg.RecordPath != "" {
		if c.recRing == nil {
			if c.recRing, err = pipeline.NewRingBuffer(hop, ringFrames*recordRingFactor); err != nil {
				return err
			}
		}
		w, werr := wav.Create(c.cfg.RecordPath, c.cfg.SampleRate, 1)
		if werr != nil {
			return fmt.Errorf("session: open recording: %w", werr)
		}
		c.rec = newRecorder(c.recRing, w, hopInterval(hop, c.cfg.SampleRate), c.log)
	}

	scratch := c.cfg.FramesPerBuffer
	if scratch == 0 {
		scratch = defaultScratchFrames
	}
	c.acc = pipeline.NewAccumulator(hop)
	c.capMono = make([]float32, max(scratch, hop))
	c.playMono = make([]float32, max(scratch, hop))
	c.proc.Reset()

	c.state.Store(int32(Configured))
	c.log.Info("session configured",
		"capture", c.capture.Config(),
		"monitor", c.playback != nil,
		"record_path", c.cfg.RecordPath,
		"hop_size", hop,
		"ring_frames", ringFrames,
	)
	return nil
}

// open opens one device and checks the parameters it accepted.
func (c *Controller) open(dir audio.Direction, id string, channels int) (audio.Device, error) {
	want := audio.StreamConfig{
		Direction:       dir,
		DeviceID:        id,
		Format:          audio.FormatS16,
		SampleRate:      c.cfg.SampleRate,
		Channels:        channels,
		FramesPerBuffer: c.cfg.FramesPerBuffer,
	}
	dev, err := c.backend.Open(want)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrNegotiation, want, err)
	}
	got := dev.Config()
	if got.SampleRate != want.SampleRate || got.Channels < 1 || got.Channels > 2 {
		_ = dev.Close()
		return nil, fmt.Errorf("%w: %s device accepted %s, want %s", ErrNegotiation, dir, got, want)
	}
	return dev, nil
}

// Start registers the callbacks and starts the devices. Playback is started
// first so the first processed frame finds a consumer.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s := c.State(); s != Configured {
		return fmt.Errorf("%w: start in state %s", ErrInvalidState, s)
	}

	// A failed Start may have let the capture callback run briefly.
	c.acc.Reset()

	c.cancel.Store(false)
	c.monitors = c.monitors[:0]
	c.capture.SetCallback(c.onCapture)
	c.capture.OnError(c.watch(c.capture, func(code audio.ErrorCode) {
		if code == audio.ErrorOverrun {
			c.acc.RequestClear()
		}
	}))
	if c.playback != nil {
		c.playback.SetCallback(c.onPlayback)
		c.playback.OnError(c.watch(c.playback, nil))
		if err := c.playback.Start(); err != nil {
			c.stopMonitors()
			return fmt.Errorf("session: start playback: %w", err)
		}
	}
	if err := c.capture.Start(); err != nil {
		errs := []error{fmt.Errorf("session: start capture: %w", err)}
		if c.playback != nil {
			if serr := c.playback.Stop(); serr != nil {
				errs = append(errs, fmt.Errorf("session: stop playback: %w", serr))
			}
		}
		c.stopMonitors()
		return errors.Join(errs...)
	}
	if c.rec != nil {
		c.rec.start()
	}

	c.state.Store(int32(Running))
	c.log.Info("session started")
	return nil
}

// watch starts a recovery monitor for dev and returns the error handler to
// register with it. extra runs on the backend's context before the monitor
// is notified.
func (c *Controller) watch(dev audio.Device, extra func(audio.ErrorCode)) func(audio.ErrorCode) {
	m := newRecoverer(dev, c.recovery, c.log, &c.recoveries, &c.failed)
	c.monitors = append(c.monitors, m)
	m.start()
	return func(code audio.ErrorCode) {
		if c.cancel.Load() {
			return
		}
		c.devErrors.Add(1)
		if extra != nil {
			extra(code)
		}
		m.Notify(code)
	}
}

// onCapture runs on the capture callback context.
func (c *Controller) onCapture(samples []float32) {
	if c.cancel.Load() {
		return
	}
	if c.capChans == 1 {
		c.acc.Push(samples, c.emitFn)
		return
	}
	for len(samples) >= c.capChans {
		n := audio.Downmix(c.capMono, samples, c.capChans)
		c.acc.Push(c.capMono[:n], c.emitFn)
		samples = samples[n*c.capChans:]
	}
}

// emit processes one complete frame on the capture callback context.
func (c *Controller) emit(frame filter.Frame) {
	c.inLevel.Observe(frame)
	out, _ := c.proc.Process(frame)
	c.outLevel.Observe(out)
	if c.ring != nil {
		c.ring.Write(out)
	}
	if c.recRing != nil {
		c.recRing.Write(out)
	}
}

// onPlayback runs on the playback callback context.
func (c *Controller) onPlayback(out []float32) {
	if c.cancel.Load() {
		clear(out)
		return
	}
	if c.playChans == 1 {
		c.ring.Read(out)
		return
	}
	for len(out) >= c.playChans {
		frames := min(len(out)/c.playChans, len(c.playMono))
		mono := c.playMono[:frames]
		c.ring.Read(mono)
		audio.Upmix(out, mono, c.playChans)
		out = out[frames*c.playChans:]
	}
	clear(out)
}

// Stop quiesces both callbacks, stops and closes the devices and finalises
// the recording. Stopping a stopped session is a no-op.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch s := c.State(); s {
	case Stopped:
		return nil
	case Running:
	default:
		return fmt.Errorf("%w: stop in state %s", ErrInvalidState, s)
	}

	c.cancel.Store(true)
	c.stopMonitors()

	var errs []error
	if err := c.capture.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("session: stop capture: %w", err))
	}
	if c.playback != nil {
		if err := c.playback.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("session: stop playback: %w", err))
		}
	}
	carried := c.acc.Pending()
	if err := c.release(); err != nil {
		errs = append(errs, err)
	}

	c.state.Store(int32(Stopped))
	st := c.proc.Stats()
	c.log.Info("session stopped",
		"unprocessed_samples", carried,
		"processed", st.Processed,
		"failures", st.Failures,
		"violations", st.Violations,
		"bypassed", st.Bypassed,
	)
	return errors.Join(errs...)
}

// Cleanup returns a Stopped or Configured session to Idle, closing anything
// still open. Cleanup on an Idle session is a no-op.
func (c *Controller) Cleanup() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch s := c.State(); s {
	case Idle:
		return nil
	case Stopped, Configured:
	default:
		return fmt.Errorf("%w: cleanup in state %s", ErrInvalidState, s)
	}

	err := c.release()
	if c.ring != nil {
		over, under := c.ring.Stats()
		c.baseOverflow.Add(over)
		c.baseUnderflow.Add(under)
		c.ring.Reset()
	}
	if c.recRing != nil {
		c.recRing.Reset()
	}
	c.acc = nil
	c.capMono = nil
	c.playMono = nil
	c.state.Store(int32(Idle))
	return err
}

// release closes every open handle. It is called on every exit path that
// leaves devices behind.
func (c *Controller) release() error {
	var errs []error
	if c.rec != nil {
		if err := c.rec.stop(); err != nil {
			errs = append(errs, err)
		}
		c.baseRecorded.Add(c.rec.written.Load())
		c.rec = nil
	}
	if c.capture != nil {
		if err := c.capture.Close(); err != nil {
			errs = append(errs, fmt.Errorf("session: close capture: %w", err))
		}
		c.capture = nil
	}
	if c.playback != nil {
		if err := c.playback.Close(); err != nil {
			errs = append(errs, fmt.Errorf("session: close playback: %w", err))
		}
		c.playback = nil
	}
	return errors.Join(errs...)
}

func (c *Controller) stopMonitors() {
	for _, m := range c.monitors {
		m.Stop()
	}
	c.monitors = c.monitors[:0]
}

// Stats returns a snapshot of the session's counters.
func (c *Controller) Stats() Stats {
	st := Stats{
		State:      c.State(),
		Processor:  c.proc.Stats(),
		InputRMS:   c.inLevel.RMS(),
		OutputRMS:  c.outLevel.RMS(),
		InputPeak:  c.inLevel.Peak(),
		OutputPeak: c.outLevel.Peak(),
		Devices: DeviceStats{
			Errors:     c.devErrors.Load(),
			Recoveries: c.recoveries.Load(),
			Failed:     c.failed.Load(),
		},
	}
	// The base counters and the live handles are read together so a
	// concurrent Stop or Cleanup cannot count a session twice.
	c.mu.Lock()
	ring, rec := c.ring, c.rec
	st.Overflow, st.Underflow = c.baseOverflow.Load(), c.baseUnderflow.Load()
	st.Recorded = c.baseRecorded.Load()
	c.mu.Unlock()
	if ring != nil {
		over, under := ring.Stats()
		st.Overflow += over
		st.Underflow += under
		st.Buffered = ring.Available()
	}
	if rec != nil {
		st.Recorded += rec.written.Load()
	}
	return st
}

func hopInterval(hop, rate int) time.Duration {
	return time.Duration(hop) * time.Second / time.Duration(rate)
}
