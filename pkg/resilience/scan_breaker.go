// Package resilience provides fault tolerance patterns for external service calls.
package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when the breaker rejects a call outright.
var ErrCircuitOpen = gobreaker.ErrOpenState

// BreakerConfig holds configuration for a circuit breaker.
type BreakerConfig struct {
	Name             string
	FailureThreshold uint32        // consecutive failures before opening (default: 5)
	OpenTimeout      time.Duration // time to wait before half-open (default: 30s)
	MaxHalfOpen      uint32        // max requests allowed in half-open (default: 1)
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig(name string) *BreakerConfig {
	return &BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		MaxHalfOpen:      1,
	}
}

// Breaker wraps a circuit breaker for error-only call sites.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker creates a circuit breaker with the given config.
func NewBreaker(cfg *BreakerConfig, onStateChange func(name, from, to string)) *Breaker {
	if cfg == nil {
		cfg = DefaultBreakerConfig("default")
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxHalfOpen,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
	}
	if onStateChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			onStateChange(name, from.String(), to.String())
		}
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn under breaker protection.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// State returns the current breaker state string.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// IsOpen reports whether err came from a rejected (not executed) call.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// RetryConfig controls exponential backoff with full jitter.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig matches the upstream API guidance: three attempts,
// short jittered waits.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   400 * time.Millisecond,
		MaxDelay:    4 * time.Second,
	}
}

// Retry runs fn up to MaxAttempts times, sleeping between attempts with
// exponential backoff and full jitter. retryable decides which errors
// are worth another attempt; ctx cancellation always stops the loop.
func Retry(ctx context.Context, cfg *RetryConfig, retryable func(error) bool, fn func() error) error {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := cfg.BaseDelay << (attempt - 1)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
			jittered := time.Duration(rand.Int63n(int64(delay) + 1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jittered):
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
