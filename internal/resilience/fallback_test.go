package resilience

import (
	"errors"
	"testing"
	"time"
)

func newSTTGroup(t *testing.T, cfg CircuitBreakerConfig) *FallbackGroup[string] {
	t.Helper()
	fg := NewFallbackGroup("whisper-local", "whisper-local", FallbackConfig{CircuitBreaker: cfg})
	fg.AddFallback("whisper-cloud", "whisper-cloud")
	return fg
}

func TestFallbackGroupExecute(t *testing.T) {
	t.Parallel()

	t.Run("healthy primary wins", func(t *testing.T) {
		t.Parallel()
		fg := newSTTGroup(t, CircuitBreakerConfig{MaxFailures: 3})

		var served string
		err := fg.Execute(func(backend string) error {
			served = backend
			return nil
		})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if served != "whisper-local" {
			t.Fatalf("served by %q, want whisper-local", served)
		}
	})

	t.Run("failed primary falls through", func(t *testing.T) {
		t.Parallel()
		fg := newSTTGroup(t, CircuitBreakerConfig{MaxFailures: 3})

		var served string
		err := fg.Execute(func(backend string) error {
			if backend == "whisper-local" {
				return errProviderDown
			}
			served = backend
			return nil
		})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if served != "whisper-cloud" {
			t.Fatalf("served by %q, want whisper-cloud", served)
		}
	})

	t.Run("everything down", func(t *testing.T) {
		t.Parallel()
		fg := newSTTGroup(t, CircuitBreakerConfig{MaxFailures: 3})

		err := fg.Execute(func(string) error { return errProviderDown })
		if !errors.Is(err, ErrAllFailed) {
			t.Fatalf("Execute error = %v, want ErrAllFailed", err)
		}
	})

	t.Run("open breaker skips the primary without calling it", func(t *testing.T) {
		t.Parallel()
		fg := newSTTGroup(t, CircuitBreakerConfig{
			MaxFailures:  2,
			ResetTimeout: time.Hour,
		})

		// Trip the primary's breaker.
		for i := 0; i < 2; i++ {
			_ = fg.Execute(func(backend string) error {
				if backend == "whisper-local" {
					return errProviderDown
				}
				return nil
			})
		}

		primaryCalled := false
		var served string
		err := fg.Execute(func(backend string) error {
			if backend == "whisper-local" {
				primaryCalled = true
			}
			served = backend
			return nil
		})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if primaryCalled {
			t.Fatal("tripped primary was still called")
		}
		if served != "whisper-cloud" {
			t.Fatalf("served by %q, want whisper-cloud", served)
		}
	})
}

func TestExecuteWithResult(t *testing.T) {
	t.Parallel()

	newGroup := func() *FallbackGroup[string] {
		fg := NewFallbackGroup("ollama", "ollama", FallbackConfig{
			CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
		})
		fg.AddFallback("openai", "openai")
		return fg
	}

	t.Run("primary result", func(t *testing.T) {
		t.Parallel()
		got, err := ExecuteWithResult(newGroup(), func(backend string) (string, error) {
			return "extraction from " + backend, nil
		})
		if err != nil {
			t.Fatalf("ExecuteWithResult: %v", err)
		}
		if got != "extraction from ollama" {
			t.Fatalf("result = %q", got)
		}
	})

	t.Run("failover result", func(t *testing.T) {
		t.Parallel()
		got, err := ExecuteWithResult(newGroup(), func(backend string) (string, error) {
			if backend == "ollama" {
				return "", errProviderDown
			}
			return "extraction from " + backend, nil
		})
		if err != nil {
			t.Fatalf("ExecuteWithResult: %v", err)
		}
		if got != "extraction from openai" {
			t.Fatalf("result = %q", got)
		}
	})

	t.Run("everything down", func(t *testing.T) {
		t.Parallel()
		_, err := ExecuteWithResult(newGroup(), func(string) (string, error) {
			return "", errProviderDown
		})
		if !errors.Is(err, ErrAllFailed) {
			t.Fatalf("ExecuteWithResult error = %v, want ErrAllFailed", err)
		}
	})
}
