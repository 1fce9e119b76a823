package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed means no provider in a [FallbackGroup] produced a result:
// every entry either failed or sat behind an open breaker. The last provider
// error is attached for diagnosis.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig is the per-provider breaker configuration a [FallbackGroup]
// stamps onto each of its entries, varying only the name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// member is one provider in the failover chain with its own breaker, so a
// flapping primary cannot poison the fallbacks' accounting.
type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup chains providers of one kind in preference order: a batch
// run keeps moving on the first healthy backend while broken ones sit out
// their recovery window.
//
// Safe for concurrent use once assembled; AddFallback is not synchronised
// with Execute and belongs in setup.
type FallbackGroup[T any] struct {
	members []member[T]
	cfg     FallbackConfig
}

// NewFallbackGroup starts a group with primary as the preferred provider.
// Register backups with [FallbackGroup.AddFallback].
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.add(primaryName, primary)
	return fg
}

// AddFallback appends a backup provider; backups are tried in registration
// order after the primary.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	fg.add(name, fallback)
}

func (fg *FallbackGroup[T]) add(name string, value T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.members = append(fg.members, member[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Execute runs fn against each provider in order until one succeeds.
// Providers with an open breaker are skipped without being called. When
// nothing succeeds the last error is wrapped in [ErrAllFailed].
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	var lastErr error
	for i := range fg.members {
		m := &fg.members[i]
		err := m.breaker.Execute(func() error {
			return fn(m.value)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		logFailover(m.name, err)
	}
	return fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that return a value.
// A package-level function because Go methods cannot introduce the result
// type parameter.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var lastErr error
	for i := range fg.members {
		m := &fg.members[i]
		var result R
		err := m.breaker.Execute(func() error {
			var callErr error
			result, callErr = fn(m.value)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		logFailover(m.name, err)
	}
	var zero R
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

func logFailover(provider string, err error) {
	if errors.Is(err, ErrCircuitOpen) {
		slog.Debug("provider sitting out its recovery window", "provider", provider)
		return
	}
	slog.Warn("provider failed, trying the next one", "provider", provider, "error", err)
}
