package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/neuralmic/pkg/filter"
)

// ValidBackendNames lists the audio backends the binary ships with.
var ValidBackendNames = []string{"miniaudio", "portaudio", "null"}

// ValidTransformNames lists the transforms the binary ships with.
var ValidTransformNames = []string{"deepfilter"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Values that are merely suspicious are logged as warnings.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio
	a := cfg.Audio
	if !slices.Contains(ValidBackendNames, a.Backend) {
		errs = append(errs, fmt.Errorf("audio.backend %q is invalid; valid values: %v", a.Backend, ValidBackendNames))
	}
	if a.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", a.SampleRate))
	}
	if a.CaptureChannels != 1 && a.CaptureChannels != 2 {
		errs = append(errs, fmt.Errorf("audio.capture_channels %d must be 1 or 2", a.CaptureChannels))
	}
	if a.PlaybackChannels != 0 && a.PlaybackChannels != 1 && a.PlaybackChannels != 2 {
		errs = append(errs, fmt.Errorf("audio.playback_channels %d must be 1 or 2", a.PlaybackChannels))
	}
	if a.FramesPerBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.frames_per_buffer %d must not be negative", a.FramesPerBuffer))
	}
	if a.RingFrames < 2 {
		errs = append(errs, fmt.Errorf("audio.ring_frames %d must be at least 2", a.RingFrames))
	}
	if !a.Monitor && a.RecordPath == "" {
		slog.Warn("audio.monitor is off and audio.record_path is empty; processed audio will be discarded")
	}

	// Filter
	f := cfg.Filter
	if err := f.Geometry().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("filter geometry: %w", err))
	}
	if f.Name != "" && !slices.Contains(ValidTransformNames, f.Name) {
		slog.Warn("unknown transform name; may be a typo or third-party transform",
			"name", f.Name,
			"known", ValidTransformNames,
		)
	}
	if f.AttenuationLimitDB < filter.MinStrength || f.AttenuationLimitDB > filter.MaxStrength {
		slog.Warn("filter.attenuation_limit_db out of range; it will be clamped",
			"value", f.AttenuationLimitDB,
			"min", filter.MinStrength,
			"max", filter.MaxStrength,
		)
	}
	if f.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("filter.breaker.max_failures %d must not be negative", f.Breaker.MaxFailures))
	}
	if f.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("filter.breaker.reset_timeout %s must not be negative", f.Breaker.ResetTimeout))
	}

	return errors.Join(errs...)
}
