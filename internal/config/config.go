// Package config provides the configuration schema, loader, hot-reload
// watcher and backend registry for neuralmic.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/neuralmic/pkg/filter"
)

// Defaults applied by [LoadFromReader] to fields left empty.
const (
	DefaultBackend          = "miniaudio"
	DefaultTransform        = "deepfilter"
	DefaultSampleRate       = 48000
	DefaultCaptureChannels  = 1
	DefaultRingFrames       = 20
	DefaultHopSize          = 480
	DefaultFFTSize          = 960
	DefaultStateSize        = 45304
	DefaultBreakerFailures  = 50
	DefaultBreakerResetTime = 5 * time.Second
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to its slog level. Unknown values map to Info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server ServerConfig `yaml:"server"`
	Audio  AudioConfig  `yaml:"audio"`
	Filter FilterConfig `yaml:"filter"`
}

// ServerConfig holds logging and the optional metrics/health listener.
type ServerConfig struct {
	// ListenAddr is the TCP address for /metrics, /healthz and /readyz
	// (e.g., ":9090"). Empty disables the listener.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig selects the device backend and describes the session.
type AudioConfig struct {
	// Backend names a backend registered in the [Registry]: miniaudio,
	// portaudio or null.
	Backend string `yaml:"backend"`

	// SampleRate in Hz. Both devices must accept it; there is no resampling.
	SampleRate int `yaml:"sample_rate"`

	// CaptureChannels is 1 or 2. Stereo input is downmixed.
	CaptureChannels int `yaml:"capture_channels"`

	// PlaybackChannels is 1 or 2. Zero uses CaptureChannels.
	PlaybackChannels int `yaml:"playback_channels"`

	// FramesPerBuffer is the preferred device period. Zero lets the backend
	// choose.
	FramesPerBuffer int `yaml:"frames_per_buffer"`

	// CaptureDevice and PlaybackDevice select devices by backend name.
	CaptureDevice  string `yaml:"capture_device"`
	PlaybackDevice string `yaml:"playback_device"`

	// Monitor plays the processed stream on the playback device.
	Monitor bool `yaml:"monitor"`

	// RingFrames is the playback ring capacity in frames (minimum 2).
	RingFrames int `yaml:"ring_frames"`

	// RecordPath, when set, records the processed stream as WAV.
	RecordPath string `yaml:"record_path"`
}

// FilterConfig selects and parameterises the denoising transform.
type FilterConfig struct {
	// Name selects a transform registered in the [Registry].
	Name string `yaml:"name"`

	// ModelPath is the path to the model file.
	ModelPath string `yaml:"model_path"`

	// RuntimeLibrary overrides the inference runtime shared library path.
	RuntimeLibrary string `yaml:"runtime_library"`

	// Threads limits intra-op inference threads. Zero uses the runtime
	// default.
	Threads int `yaml:"threads"`

	// HopSize, FFTSize and StateSize describe the model's framing.
	HopSize   int `yaml:"hop_size"`
	FFTSize   int `yaml:"fft_size"`
	StateSize int `yaml:"state_size"`

	// AttenuationLimitDB is the suppression strength, clamped to
	// [-30, 0]. Hot-reloadable.
	AttenuationLimitDB float32 `yaml:"attenuation_limit_db"`

	// Breaker bypasses a persistently failing transform.
	Breaker BreakerConfig `yaml:"breaker"`
}

// Geometry returns the configured framing.
func (f FilterConfig) Geometry() filter.Geometry {
	return filter.Geometry{HopSize: f.HopSize, FFTSize: f.FFTSize, StateSize: f.StateSize}
}

// BreakerConfig configures the transform circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the
	// breaker.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	a := &cfg.Audio
	if a.Backend == "" {
		a.Backend = DefaultBackend
	}
	if a.SampleRate == 0 {
		a.SampleRate = DefaultSampleRate
	}
	if a.CaptureChannels == 0 {
		a.CaptureChannels = DefaultCaptureChannels
	}
	if a.PlaybackChannels == 0 {
		a.PlaybackChannels = a.CaptureChannels
	}
	if a.RingFrames == 0 {
		a.RingFrames = DefaultRingFrames
	}

	f := &cfg.Filter
	if f.Name == "" {
		f.Name = DefaultTransform
	}
	if f.HopSize == 0 {
		f.HopSize = DefaultHopSize
	}
	if f.FFTSize == 0 {
		f.FFTSize = DefaultFFTSize
	}
	if f.StateSize == 0 {
		f.StateSize = DefaultStateSize
	}
	if f.Breaker.MaxFailures == 0 {
		f.Breaker.MaxFailures = DefaultBreakerFailures
	}
	if f.Breaker.ResetTimeout == 0 {
		f.Breaker.ResetTimeout = DefaultBreakerResetTime
	}
}
