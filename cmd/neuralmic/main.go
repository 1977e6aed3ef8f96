// Command neuralmic denoises a live microphone stream or a WAV file.
//
// Without -in it runs a realtime session: the configured capture device is
// denoised frame by frame and optionally monitored on the playback device
// and recorded to a WAV file. With -in and -out it processes the file and
// exits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/neuralmic/internal/app"
	"github.com/MrWong99/neuralmic/internal/config"
	"github.com/MrWong99/neuralmic/internal/observe"
	"github.com/MrWong99/neuralmic/pkg/audio"
	"github.com/MrWong99/neuralmic/pkg/audio/miniaudio"
	"github.com/MrWong99/neuralmic/pkg/audio/null"
	"github.com/MrWong99/neuralmic/pkg/audio/portaudio"
	"github.com/MrWong99/neuralmic/pkg/filter"
	"github.com/MrWong99/neuralmic/pkg/filter/deepfilter"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// reloadInterval is how often the config file is polled for changes.
const reloadInterval = 2 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	inPath := flag.String("in", "", "denoise this WAV file instead of running a realtime session")
	outPath := flag.String("out", "", "output WAV file for -in")
	flag.Parse()

	if (*inPath == "") != (*outPath == "") {
		fmt.Fprintln(os.Stderr, "neuralmic: -in and -out must be given together")
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "neuralmic: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "neuralmic: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("neuralmic starting",
		"version", version,
		"config", *configPath,
		"backend", cfg.Audio.Backend,
		"transform", cfg.Filter.Name,
		"listen_addr", cfg.Server.ListenAddr,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := telemetry.Shutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(telemetry.MeterProvider)
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Registry ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg, logger)

	application, err := app.New(cfg, reg,
		app.WithLogger(logger),
		app.WithLevelVar(level),
		app.WithMetrics(metrics),
		app.WithConfigWatch(*configPath, reloadInterval),
	)
	if err != nil {
		args := []any{"err", err}
		if errors.Is(err, config.ErrNotRegistered) {
			args = append(args, "available", reg.Transforms())
		}
		slog.Error("failed to initialise application", args...)
		return 1
	}

	code := 0
	if *inPath != "" {
		if err := application.ProcessFile(ctx, *inPath, *outPath); err != nil {
			slog.Error("file processing failed", "err", err)
			code = 1
		}
	} else {
		slog.Info("session starting, press Ctrl+C to stop")
		if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			args := []any{"err", err}
			if errors.Is(err, config.ErrNotRegistered) {
				args = append(args, "available", reg.Backends())
			}
			slog.Error("run error", args...)
			code = 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// registerBuiltins wires the backends and transforms that ship with
// neuralmic into reg.
func registerBuiltins(reg *config.Registry, logger *slog.Logger) {
	reg.RegisterBackend("miniaudio", func(config.AudioConfig) (audio.Backend, error) {
		return miniaudio.New(logger)
	})
	reg.RegisterBackend("portaudio", func(config.AudioConfig) (audio.Backend, error) {
		return portaudio.New()
	})
	reg.RegisterBackend("null", func(config.AudioConfig) (audio.Backend, error) {
		return null.New(), nil
	})

	reg.RegisterTransform("deepfilter", func(fc config.FilterConfig) (filter.Transform, error) {
		opts := []deepfilter.Option{deepfilter.WithGeometry(fc.Geometry())}
		if fc.RuntimeLibrary != "" {
			opts = append(opts, deepfilter.WithLibraryPath(fc.RuntimeLibrary))
		}
		if fc.Threads > 0 {
			opts = append(opts, deepfilter.WithThreads(fc.Threads, 1))
		}
		return deepfilter.New(fc.ModelPath, opts...)
	})
}
