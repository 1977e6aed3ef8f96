package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/neuralmic/pkg/audio"
)

// Default recovery parameters.
const (
	defaultMaxAttempts = 5
	defaultBackoff     = 100 * time.Millisecond
	defaultMaxBackoff  = 2 * time.Second

	// xrunLogEvery rate-limits device condition warnings: the first is
	// logged, then every xrunLogEvery-th.
	xrunLogEvery = 100
)

// RecoveryConfig configures how a device is re-primed after it signals an
// error.
type RecoveryConfig struct {
	// MaxAttempts is the number of Recover calls per signal before giving
	// up. Defaults to 5 if zero.
	MaxAttempts int

	// Backoff is the wait after the first failed attempt. Doubles each
	// attempt up to MaxBackoff. Defaults to 100ms if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on the wait. Defaults to 2s if zero.
	MaxBackoff time.Duration
}

// DefaultRecoveryConfig returns the recovery parameters used when none are
// configured.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		MaxAttempts: defaultMaxAttempts,
		Backoff:     defaultBackoff,
		MaxBackoff:  defaultMaxBackoff,
	}
}

func (rc RecoveryConfig) withDefaults() RecoveryConfig {
	if rc.MaxAttempts <= 0 {
		rc.MaxAttempts = defaultMaxAttempts
	}
	if rc.Backoff <= 0 {
		rc.Backoff = defaultBackoff
	}
	if rc.MaxBackoff <= 0 {
		rc.MaxBackoff = defaultMaxBackoff
	}
	return rc
}

// recoverer re-primes one device after it signals an underrun, overrun or
// stop. Signals arrive from the backend's callback context through
// [recoverer.Notify], which never blocks; the recovery itself runs on the
// recoverer's own goroutine.
//
// A failed recovery is logged and counted but never tears the session down.
type recoverer struct {
	dev        audio.Device
	dir        audio.Direction
	cfg        RecoveryConfig
	log        *slog.Logger
	recoveries *atomic.Uint64
	failed     *atomic.Uint64

	// One single-slot channel per code, indexed by audio.ErrorCode.
	signals [audio.ErrorStopped + 1]chan struct{}
	seen    [audio.ErrorStopped + 1]uint64

	cancel   context.CancelFunc
	ctx      context.Context
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newRecoverer(dev audio.Device, cfg RecoveryConfig, log *slog.Logger, recoveries, failed *atomic.Uint64) *recoverer {
	ctx, cancel := context.WithCancel(context.Background())
	r := &recoverer{
		dev:        dev,
		dir:        dev.Config().Direction,
		cfg:        cfg.withDefaults(),
		log:        log,
		recoveries: recoveries,
		failed:     failed,
		ctx:        ctx,
		cancel:     cancel,
	}
	for code := audio.ErrorUnderrun; code <= audio.ErrorStopped; code++ {
		r.signals[code] = make(chan struct{}, 1)
	}
	return r
}

func (r *recoverer) start() {
	r.wg.Add(1)
	go r.loop()
}

// Notify records that the device signalled code. Safe to call from a
// callback context; repeated signals while one is pending coalesce.
func (r *recoverer) Notify(code audio.ErrorCode) {
	if code < audio.ErrorUnderrun || code > audio.ErrorStopped {
		return
	}
	select {
	case r.signals[code] <- struct{}{}:
	default:
		// Already pending.
	}
}

// Stop halts the recoverer and waits for an in-flight attempt to finish.
// Safe to call multiple times.
func (r *recoverer) Stop() {
	r.stopOnce.Do(r.cancel)
	r.wg.Wait()
}

func (r *recoverer) loop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.signals[audio.ErrorStopped]:
			r.handle(audio.ErrorStopped)
		case <-r.signals[audio.ErrorOverrun]:
			r.handle(audio.ErrorOverrun)
		case <-r.signals[audio.ErrorUnderrun]:
			r.handle(audio.ErrorUnderrun)
		}
	}
}

func (r *recoverer) handle(code audio.ErrorCode) {
	r.seen[code]++
	if n := r.seen[code]; n == 1 || n%xrunLogEvery == 0 {
		r.log.Warn("device signalled error",
			"direction", r.dir,
			"code", code,
			"count", n,
		)
	}
	r.attempt(code)
}

// attempt calls Recover with exponential backoff.
func (r *recoverer) attempt(code audio.ErrorCode) {
	backoff := r.cfg.Backoff

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if r.ctx.Err() != nil {
			return
		}

		err := r.dev.Recover(code)
		if err == nil {
			r.recoveries.Add(1)
			if attempt > 1 {
				r.log.Info("device recovered",
					"direction", r.dir,
					"code", code,
					"attempt", attempt,
				)
			}
			return
		}

		r.log.Warn("device recovery attempt failed",
			"direction", r.dir,
			"code", code,
			"attempt", attempt,
			"max_attempts", r.cfg.MaxAttempts,
			"err", err,
		)

		if attempt == r.cfg.MaxAttempts {
			break
		}
		select {
		case <-r.ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, r.cfg.MaxBackoff)
	}

	r.failed.Add(1)
	r.log.Error("device recovery failed after max attempts",
		"direction", r.dir,
		"code", code,
		"max_attempts", r.cfg.MaxAttempts,
	)
}
