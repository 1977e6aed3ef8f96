package app

import (
	"log/slog"
	"testing"

	"github.com/MrWong99/neuralmic/internal/config"
	filtermock "github.com/MrWong99/neuralmic/pkg/filter/mock"
)

func TestApplyReload(t *testing.T) {
	t.Parallel()

	old := &config.Config{}
	config.ApplyDefaults(old)
	old.Filter.AttenuationLimitDB = -10

	var level slog.LevelVar
	a, err := New(old, nil, WithTransform(filtermock.Counter(4, 8)), WithLevelVar(&level))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	next := *old
	next.Server.LogLevel = config.LogDebug
	next.Filter.AttenuationLimitDB = -24
	next.Audio.SampleRate = 16000

	a.applyReload(old, &next)

	if got := level.Level(); got != slog.LevelDebug {
		t.Errorf("level = %v, want debug", got)
	}
	if got := a.proc.Strength(); got != -24 {
		t.Errorf("strength = %v, want -24", got)
	}
	// Restart-only changes are reported, not applied.
	if a.cfg.Audio.SampleRate != old.Audio.SampleRate {
		t.Errorf("sample rate changed to %d on reload", a.cfg.Audio.SampleRate)
	}
}

func TestApplyReload_ClampsAttenuation(t *testing.T) {
	t.Parallel()

	old := &config.Config{}
	config.ApplyDefaults(old)
	a, err := New(old, nil, WithTransform(filtermock.Counter(4, 8)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	next := *old
	next.Filter.AttenuationLimitDB = 12
	a.applyReload(old, &next)

	if got := a.proc.Strength(); got != 0 {
		t.Errorf("strength = %v, want 0", got)
	}
}
