// Package audio defines the device backend contract used by the streaming
// pipeline, together with the sample conversions needed to move between
// device formats and the pipeline's normalised float32 mono frames.
//
// The primary abstractions are:
//
//   - [Backend] opens a capture or playback stream on a named device and
//     returns a [Device].
//   - [Device] is an opened stream. Its [Callback] runs on a context owned
//     by the backend (usually a realtime audio thread) that the application
//     never schedules directly.
//
// Implementations live in sub-packages (audio/miniaudio, audio/portaudio,
// audio/null). This package lives under pkg/ because third-party backends
// are expected to implement [Backend] and [Device].
package audio

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedFormat is returned by [Backend.Open] when the device
	// cannot be opened with the requested parameters.
	ErrUnsupportedFormat = errors.New("audio: unsupported stream format")

	// ErrDeviceClosed is returned by [Device] methods after Close.
	ErrDeviceClosed = errors.New("audio: device closed")
)

// Direction selects whether a stream captures or plays back audio.
type Direction int

const (
	// Capture streams deliver samples from an input device.
	Capture Direction = iota

	// Playback streams request samples for an output device.
	Playback
)

// String returns the human-readable name of the direction.
func (d Direction) String() string {
	switch d {
	case Capture:
		return "capture"
	case Playback:
		return "playback"
	default:
		return "unknown"
	}
}

// SampleFormat is the on-the-wire sample encoding a device is opened with.
// Callbacks always see normalised float32 samples regardless.
type SampleFormat int

const (
	// FormatS16 is signed 16-bit little-endian PCM.
	FormatS16 SampleFormat = iota

	// FormatF32 is 32-bit IEEE float PCM.
	FormatF32
)

// String returns the human-readable name of the format.
func (f SampleFormat) String() string {
	switch f {
	case FormatS16:
		return "s16"
	case FormatF32:
		return "f32"
	default:
		return "unknown"
	}
}

// StreamConfig describes a stream to open. After [Backend.Open] succeeds,
// [Device.Config] reports the parameters the device actually accepted.
type StreamConfig struct {
	// Direction selects capture or playback.
	Direction Direction

	// DeviceID selects a device by backend-specific name or ID. Empty
	// selects the system default.
	DeviceID string

	// Format is the device sample encoding.
	Format SampleFormat

	// SampleRate in Hz (e.g., 48000).
	SampleRate int

	// Channels is the number of interleaved channels: 1 or 2.
	Channels int

	// FramesPerBuffer is the preferred callback period in sample frames.
	// Zero lets the backend choose. Devices may deliver other sizes.
	FramesPerBuffer int
}

// Validate checks that c describes a stream this package can convert.
func (c StreamConfig) Validate() error {
	var errs []error
	if c.Direction != Capture && c.Direction != Playback {
		errs = append(errs, fmt.Errorf("audio: unknown direction %d", c.Direction))
	}
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio: sample rate %d must be positive", c.SampleRate))
	}
	if c.Channels != 1 && c.Channels != 2 {
		errs = append(errs, fmt.Errorf("audio: %d channels unsupported; want 1 or 2", c.Channels))
	}
	if c.FramesPerBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio: frames per buffer %d must not be negative", c.FramesPerBuffer))
	}
	return errors.Join(errs...)
}

// String returns a short description such as "capture 48000Hz mono s16".
func (c StreamConfig) String() string {
	return fmt.Sprintf("%s %s %s", c.Direction, formatString(c.SampleRate, c.Channels), c.Format)
}

// Callback is invoked by the backend for every device period. For capture
// streams samples holds the recorded interleaved audio; for playback
// streams the callback must fill samples completely.
//
// The slice is only valid for the duration of the call. Callbacks run on a
// backend-owned context with a hard deadline and must not block, lock or
// allocate.
type Callback func(samples []float32)

// ErrorCode classifies a recoverable condition signalled by a device.
type ErrorCode int

const (
	// ErrorUnderrun means playback consumed data faster than it was supplied.
	ErrorUnderrun ErrorCode = iota + 1

	// ErrorOverrun means capture produced data faster than it was consumed
	// and the device discarded samples.
	ErrorOverrun

	// ErrorStopped means the device stopped on its own (for instance it was
	// unplugged or the audio server restarted).
	ErrorStopped
)

// String returns the human-readable name of the code.
func (e ErrorCode) String() string {
	switch e {
	case ErrorUnderrun:
		return "underrun"
	case ErrorOverrun:
		return "overrun"
	case ErrorStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Device is an opened audio stream.
//
// Methods other than the registered [Callback] are control operations and
// are never called from a callback context. Implementations must be safe
// for concurrent use of control operations.
type Device interface {
	// Config returns the negotiated stream parameters.
	Config() StreamConfig

	// SetCallback registers cb as the data callback. It must be called
	// before Start; subsequent calls replace the previous registration.
	SetCallback(cb Callback)

	// OnError registers fn to be told about recoverable device conditions.
	// fn may run on the callback context and must not block.
	OnError(fn func(ErrorCode))

	// Start begins invoking the callback.
	Start() error

	// Stop halts the stream. When Stop returns no further callback is
	// running or will be invoked until the next Start. Calling Stop on a
	// stopped device is a no-op.
	Stop() error

	// Recover re-primes the device after code was signalled, without
	// reopening it.
	Recover(code ErrorCode) error

	// Close releases the device. Calling Close more than once is safe.
	Close() error
}

// Backend opens streams on a particular audio API.
type Backend interface {
	// Name returns the backend identifier used in configuration.
	Name() string

	// Open opens a stream. The returned device may have accepted different
	// parameters than requested; callers inspect [Device.Config].
	Open(cfg StreamConfig) (Device, error)

	// Close releases backend-wide resources. Devices must be closed first.
	Close() error
}
