// Package app wires the neuralmic subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates the transform and the
// frame processor, Run opens the audio devices and serves metrics and health
// probes until the context is cancelled, and Shutdown releases everything in
// order. ProcessFile runs the same processor over a WAV file instead.
//
// For testing, inject mock implementations via functional options
// (WithBackend, WithTransform, etc.). When an option is not provided, New
// creates real implementations from the config registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/neuralmic/internal/config"
	"github.com/MrWong99/neuralmic/internal/health"
	"github.com/MrWong99/neuralmic/internal/observe"
	"github.com/MrWong99/neuralmic/internal/pipeline"
	"github.com/MrWong99/neuralmic/internal/resilience"
	"github.com/MrWong99/neuralmic/internal/session"
	"github.com/MrWong99/neuralmic/pkg/audio"
	"github.com/MrWong99/neuralmic/pkg/filter"
)

// statsInterval is how often a running session logs its counters at Debug.
const statsInterval = 10 * time.Second

// serverShutdownTimeout bounds the graceful HTTP shutdown in Run.
const serverShutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config
	reg *config.Registry
	log *slog.Logger

	// level is adjusted on hot reload. Nil disables log level reloads.
	level *slog.LevelVar

	backend   audio.Backend
	transform filter.Transform
	breaker   *resilience.CircuitBreaker
	proc      *pipeline.Processor
	session   *session.Controller
	metrics   *observe.Metrics
	recovery  *session.RecoveryConfig

	configPath    string
	watchInterval time.Duration
	watcher       *config.Watcher

	listener net.Listener

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithBackend injects an audio backend instead of creating one from config.
// The App takes ownership and closes it on Shutdown.
func WithBackend(b audio.Backend) Option {
	return func(a *App) { a.backend = b }
}

// WithTransform injects a transform instead of creating one from config.
func WithTransform(t filter.Transform) Option {
	return func(a *App) { a.transform = t }
}

// WithMetrics sets the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the application logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets configuration reloads change the log level.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithConfigWatch enables hot reload of the config file at path. Only the
// log level and the attenuation limit are applied to a running session.
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.configPath = path
		a.watchInterval = interval
	}
}

// WithListener serves HTTP on l instead of listening on
// server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithRecovery overrides the device-error recovery policy.
func WithRecovery(rc session.RecoveryConfig) Option {
	return func(a *App) { a.recovery = &rc }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. reg supplies the transform and backend
// factories for everything not injected via options; it may be nil when both
// are injected.
//
// New builds the transform, the circuit breaker and the frame processor.
// Audio devices are only opened by Run, so file mode never touches the
// sound system.
func New(cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg: cfg,
		reg: reg,
		log: slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if a.transform == nil {
		if reg == nil {
			return nil, errors.New("app: no transform and no registry")
		}
		tr, err := reg.CreateTransform(cfg.Filter)
		if err != nil {
			return nil, fmt.Errorf("app: create transform: %w", err)
		}
		a.transform = tr
		if c, ok := tr.(io.Closer); ok {
			a.closers = append(a.closers, c.Close)
		}
	}

	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "transform",
		MaxFailures:  cfg.Filter.Breaker.MaxFailures,
		ResetTimeout: cfg.Filter.Breaker.ResetTimeout,
	})

	proc, err := pipeline.NewProcessor(a.transform,
		pipeline.WithStrength(cfg.Filter.AttenuationLimitDB),
		pipeline.WithBreaker(a.breaker),
		pipeline.WithLogger(a.log),
	)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: %w", err)
	}
	a.proc = proc

	geo := proc.Geometry()
	a.log.Info("transform ready",
		"name", cfg.Filter.Name,
		"hop_size", geo.HopSize,
		"fft_size", geo.FFTSize,
		"state_size", geo.StateSize,
		"attenuation_limit_db", proc.Strength(),
	)
	return a, nil
}

// Processor returns the frame processor shared by realtime and file mode.
func (a *App) Processor() *pipeline.Processor { return a.proc }

// Session returns the realtime session controller, or nil before Run.
func (a *App) Session() *session.Controller { return a.session }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run opens the audio devices, starts the realtime session and blocks until
// ctx is cancelled. The session is stopped and cleaned up before Run
// returns. When ctx is done, Run returns context.Canceled (or the underlying
// cause).
func (a *App) Run(ctx context.Context) error {
	if err := a.initBackend(); err != nil {
		return err
	}

	sessOpts := []session.Option{session.WithLogger(a.log)}
	if a.recovery != nil {
		sessOpts = append(sessOpts, session.WithRecovery(*a.recovery))
	}
	a.session = session.New(a.backend, a.proc, sessionConfig(a.cfg.Audio), sessOpts...)

	if err := a.session.Configure(); err != nil {
		return fmt.Errorf("app: configure session: %w", err)
	}
	if err := a.session.Start(); err != nil {
		_ = a.session.Cleanup()
		return fmt.Errorf("app: start session: %w", err)
	}
	a.metrics.ActiveSessions.Add(ctx, 1)

	registration, err := a.metrics.ObserveSession(a.snapshot)
	if err != nil {
		a.log.Warn("session metrics unavailable", "err", err)
	}

	if a.configPath != "" {
		if err := a.startWatcher(); err != nil {
			a.log.Warn("config hot reload disabled", "err", err)
		}
	}

	a.log.Info("session running",
		"backend", a.backend.Name(),
		"sample_rate", a.cfg.Audio.SampleRate,
		"monitor", a.cfg.Audio.Monitor,
		"record_path", a.cfg.Audio.RecordPath,
	)

	g, gctx := errgroup.WithContext(ctx)
	if a.listener != nil || a.cfg.Server.ListenAddr != "" {
		g.Go(func() error { return a.serve(gctx) })
	}
	g.Go(func() error {
		a.logStats(gctx)
		return nil
	})
	runErr := g.Wait()

	if a.watcher != nil {
		a.watcher.Stop()
	}
	if registration != nil {
		if err := registration.Unregister(); err != nil {
			a.log.Warn("unregister session metrics", "err", err)
		}
	}
	// The caller's context is done here; record the decrement without it.
	a.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	stopErr := a.session.Stop()
	if err := a.session.Cleanup(); err != nil {
		stopErr = errors.Join(stopErr, err)
	}
	if stopErr != nil {
		a.log.Warn("session stop", "err", stopErr)
	}

	if runErr != nil {
		return runErr
	}
	return ctx.Err()
}

func (a *App) initBackend() error {
	if a.backend == nil {
		if a.reg == nil {
			return errors.New("app: no backend and no registry")
		}
		b, err := a.reg.CreateBackend(a.cfg.Audio)
		if err != nil {
			return fmt.Errorf("app: create backend: %w", err)
		}
		a.backend = b
	}
	a.closers = append([]func() error{a.backend.Close}, a.closers...)
	return nil
}

func sessionConfig(ac config.AudioConfig) session.Config {
	return session.Config{
		SampleRate:       ac.SampleRate,
		CaptureChannels:  ac.CaptureChannels,
		PlaybackChannels: ac.PlaybackChannels,
		FramesPerBuffer:  ac.FramesPerBuffer,
		CaptureDevice:    ac.CaptureDevice,
		PlaybackDevice:   ac.PlaybackDevice,
		Monitor:          ac.Monitor,
		RingFrames:       ac.RingFrames,
		RecordPath:       ac.RecordPath,
	}
}

// snapshot feeds the observable session instruments.
func (a *App) snapshot() observe.SessionSnapshot {
	st := a.session.Stats()
	snap := observe.SessionSnapshot{
		FramesProcessed:    st.Processor.Processed,
		TransformFailures:  st.Processor.Failures,
		ContractViolations: st.Processor.Violations,
		Bypassed:           st.Processor.Bypassed,
		BreakerTrips:       st.Processor.BreakerTrips,
		OverflowSamples:    st.Overflow,
		UnderflowSamples:   st.Underflow,
		DeviceErrors:       st.Devices.Errors,
		DeviceRecoveries:   st.Devices.Recoveries,
		RecoveryFailures:   st.Devices.Failed,
		InputLevelDBFS:     pipeline.ToDBFS(st.InputRMS),
		OutputLevelDBFS:    pipeline.ToDBFS(st.OutputRMS),
	}
	if est, ok := a.transform.(filter.SNREstimator); ok {
		snap.LocalSNRDB = float64(est.LSNR())
		snap.HasLocalSNR = true
	}
	return snap
}

func (a *App) logStats(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := a.session.Stats()
			a.log.Debug("session stats",
				"processed", st.Processor.Processed,
				"failures", st.Processor.Failures,
				"bypassed", st.Processor.Bypassed,
				"breaker_trips", st.Processor.BreakerTrips,
				"overflow", st.Overflow,
				"underflow", st.Underflow,
				"buffered", st.Buffered,
				"recorded", st.Recorded,
				"device_errors", st.Devices.Errors,
				"recovery_failures", st.Devices.Failed,
				"input_dbfs", pipeline.ToDBFS(st.InputRMS),
				"output_dbfs", pipeline.ToDBFS(st.OutputRMS),
			)
		}
	}
}

// ─── HTTP ────────────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving /metrics, /healthz and /readyz.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(
		health.Func("session", a.checkSession),
		health.Func("transform", a.checkTransform),
	).Register(mux)
	return observe.Middleware(a.metrics, a.log, "/metrics", "/healthz", "/readyz")(mux)
}

func (a *App) checkSession() error {
	if a.session == nil {
		return errors.New("not started")
	}
	if st := a.session.State(); st != session.Running {
		return fmt.Errorf("session is %s", st)
	}
	return nil
}

func (a *App) checkTransform() error {
	if st := a.breaker.State(); st == resilience.StateOpen {
		return fmt.Errorf("transform bypassed: %w", resilience.ErrCircuitOpen)
	}
	return nil
}

func (a *App) serve(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
		}
	}
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	a.log.Info("http server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return fmt.Errorf("app: http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serverShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("http server shutdown", "err", err)
	}
	return nil
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

func (a *App) startWatcher() error {
	opts := []config.WatcherOption{config.WithWatcherLogger(a.log)}
	if a.watchInterval > 0 {
		opts = append(opts, config.WithInterval(a.watchInterval))
	}
	w, err := config.NewWatcher(a.configPath, a.applyReload, opts...)
	if err != nil {
		return err
	}
	a.watcher = w
	return nil
}

func (a *App) applyReload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.AttenuationChanged {
		a.proc.SetStrength(d.NewAttenuationDB)
		a.log.Info("attenuation limit changed", "attenuation_limit_db", a.proc.Strength())
	}
	for _, section := range d.RestartRequired {
		a.log.Warn("config change requires a restart", "section", section)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases the audio backend and the transform. It is safe to call
// more than once; only the first call does any work.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll() {
	for _, closer := range a.closers {
		_ = closer()
	}
	a.closers = nil
}
