// Package resilience keeps the dictation pipeline running when a provider
// misbehaves: a whisper server that stopped answering, an LLM endpoint
// rate-limiting extraction calls.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open) that
// stops hammering a provider once it fails repeatedly. [FallbackGroup] chains
// several providers of one kind behind per-provider breakers, so a batch can
// finish on a backup backend while the primary recovers. [STTFallback] and
// [LLMFallback] bind the group to the two provider interfaces the pipeline
// consumes.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen means the provider behind the breaker tripped recently and
// calls are being rejected until the recovery window elapses.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// Breaker defaults, tuned for batch dictation processing: a few files'
// worth of failures trips, and a recovery probe happens well within one
// watch-mode poll cycle.
const (
	defaultMaxFailures  = 5
	defaultResetTimeout = 30 * time.Second
	defaultHalfOpenMax  = 3
)

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call to the provider.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen]; the provider failed
	// too many times in a row and gets a recovery window.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through to decide
	// whether the provider recovered.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreakerConfig tunes one breaker. Zero fields take the package
// defaults.
type CircuitBreakerConfig struct {
	// Name labels the guarded provider in logs (e.g. "whisper-local").
	Name string

	// MaxFailures is the failure streak that trips the breaker.
	MaxFailures int

	// ResetTimeout is the recovery window before probing resumes.
	ResetTimeout time.Duration

	// HalfOpenMax bounds the probe calls in the half-open state; that many
	// consecutive successes close the breaker again.
	HalfOpenMax int
}

// CircuitBreaker guards calls to one provider. Safe for concurrent use.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int

	mu            sync.Mutex
	state         State
	failStreak    int
	lastFailure   time.Time
	halfOpenCalls int
	halfOpenFails int
}

// NewCircuitBreaker returns a closed breaker with cfg applied over the
// package defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = defaultHalfOpenMax
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		state:        StateClosed,
	}
}

// Execute runs fn under the breaker's admission rules: rejected outright
// while open, counted as a probe while half-open, and plain accounting while
// closed. fn's error is returned unchanged so callers can still inspect the
// provider failure.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.halfOpenCalls = 0
		cb.halfOpenFails = 0
		slog.Info("provider recovery probe window opened", "provider", cb.name)

	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMax {
			// Probe budget spent; wait for the running probes to decide.
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	probing := cb.state == StateHalfOpen
	if probing {
		cb.halfOpenCalls++
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.onFailure(probing)
	} else {
		cb.onSuccess(probing)
	}
	return err
}

// onFailure updates the counters after a failed call. Caller holds cb.mu.
func (cb *CircuitBreaker) onFailure(probing bool) {
	cb.lastFailure = time.Now()

	if probing {
		// A failed probe ends the recovery attempt immediately.
		cb.halfOpenFails++
		cb.state = StateOpen
		cb.failStreak = cb.maxFailures
		slog.Warn("provider failed its recovery probe", "provider", cb.name)
		return
	}

	cb.failStreak++
	if cb.failStreak >= cb.maxFailures {
		cb.state = StateOpen
		slog.Warn("provider circuit opened",
			"provider", cb.name, "failure_streak", cb.failStreak)
	}
}

// onSuccess updates the counters after a successful call. Caller holds cb.mu.
func (cb *CircuitBreaker) onSuccess(probing bool) {
	if !probing {
		cb.failStreak = 0
		return
	}
	if cb.halfOpenCalls-cb.halfOpenFails >= cb.halfOpenMax {
		cb.state = StateClosed
		cb.failStreak = 0
		cb.halfOpenCalls = 0
		cb.halfOpenFails = 0
		slog.Info("provider circuit closed", "provider", cb.name)
	}
}

// State reports the breaker's mode. An open breaker whose recovery window has
// elapsed reports half-open; the stored state flips on the next Execute.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears all counters. Used when the
// operator knows the provider is back (e.g. after restarting a local whisper
// server).
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failStreak = 0
	cb.halfOpenCalls = 0
	cb.halfOpenFails = 0
	slog.Info("provider circuit reset", "provider", cb.name)
}
