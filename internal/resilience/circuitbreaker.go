// Package resilience provides a circuit breaker that lets the realtime
// pipeline stop calling a transform that keeps failing.
//
// [CircuitBreaker] is a classic three-state breaker (closed → open →
// half-open). Unlike a general-purpose breaker it is built for a single
// caller running inside an audio callback: the hot path uses only atomic
// loads and stores, never a mutex, and never allocates.
package resilience

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen reports a call skipped because the breaker is open and the
// reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int32

const (
	// StateClosed is the normal operating state. All calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive failures.
	// Calls are rejected until the reset timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the reset timeout.
	// Calls are forwarded; HalfOpenMax successes close the breaker and any
	// failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 50.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before transitioning to
	// half-open. Default: 5s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of consecutive successful probes needed in
	// the half-open state to close the breaker. Default: 3.
	HalfOpenMax int

	// Now overrides the clock. Used by tests.
	Now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
//
// Allow, Success and Failure must be called from a single goroutine
// (the capture callback). State and Trips may be read from any goroutine.
type CircuitBreaker struct {
	name         string
	maxFailures  int64
	resetTimeout time.Duration
	halfOpenMax  int64
	now          func() time.Time

	state       atomic.Int32
	consecutive atomic.Int64
	openedAt    atomic.Int64
	probes      atomic.Int64
	trips       atomic.Uint64
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 50
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 5 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  int64(cfg.MaxFailures),
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  int64(cfg.HalfOpenMax),
		now:          cfg.Now,
	}
}

// Allow reports whether the next call may proceed. An open breaker whose
// reset timeout has elapsed moves to half-open and allows the call.
func (cb *CircuitBreaker) Allow() bool {
	switch State(cb.state.Load()) {
	case StateOpen:
		if cb.now().UnixNano()-cb.openedAt.Load() < int64(cb.resetTimeout) {
			return false
		}
		cb.probes.Store(0)
		cb.state.Store(int32(StateHalfOpen))
		slog.Info("circuit breaker transitioning to half-open", "name", cb.name)
		return true
	default:
		return true
	}
}

// Success records a successful call.
func (cb *CircuitBreaker) Success() {
	if State(cb.state.Load()) != StateHalfOpen {
		cb.consecutive.Store(0)
		return
	}
	if cb.probes.Add(1) >= cb.halfOpenMax {
		cb.consecutive.Store(0)
		cb.state.Store(int32(StateClosed))
		slog.Info("circuit breaker closed after successful probes", "name", cb.name)
	}
}

// Failure records a failed call.
func (cb *CircuitBreaker) Failure() {
	switch State(cb.state.Load()) {
	case StateHalfOpen:
		cb.trip()
		slog.Warn("circuit breaker re-opened from half-open", "name", cb.name)
	case StateClosed:
		if n := cb.consecutive.Add(1); n >= cb.maxFailures {
			cb.trip()
			slog.Warn("circuit breaker opened",
				"name", cb.name,
				"consecutive_failures", n)
		}
	}
}

func (cb *CircuitBreaker) trip() {
	cb.openedAt.Store(cb.now().UnixNano())
	cb.state.Store(int32(StateOpen))
	cb.trips.Add(1)
}

// State returns the current [State] of the breaker. If the breaker is open and
// the reset timeout has elapsed, the returned state is [StateHalfOpen] (the
// actual transition happens on the next [CircuitBreaker.Allow] call).
func (cb *CircuitBreaker) State() State {
	s := State(cb.state.Load())
	if s == StateOpen && cb.now().UnixNano()-cb.openedAt.Load() >= int64(cb.resetTimeout) {
		return StateHalfOpen
	}
	return s
}

// Trips returns how many times the breaker has opened.
func (cb *CircuitBreaker) Trips() uint64 {
	return cb.trips.Load()
}
