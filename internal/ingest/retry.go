package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// RetryConfig defines how remote sources are re-fetched after transient
// failures.
type RetryConfig struct {
	MaxAttempts       int           `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay" yaml:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	Jitter            bool          `json:"jitter" yaml:"jitter"`
}

// DefaultRetry is used by NewLoader.
var DefaultRetry = RetryConfig{
	MaxAttempts:       3,
	InitialDelay:      1 * time.Second,
	MaxDelay:          30 * time.Second,
	BackoffMultiplier: 2.0,
	Jitter:            true,
}

// statusError is a non-200 response.
type statusError struct {
	url  string
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("failed to GET %s: status %d", e.url, e.code)
}

// retryable reports whether a failed fetch may succeed when repeated.
// Transport errors, 429 and 5xx are; other statuses are not.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= http.StatusInternalServerError
	}
	return true
}

// delay returns the wait before the given retry (1-based), with exponential
// backoff capped at MaxDelay.
func (c RetryConfig) delay(attempt int) time.Duration {
	d := time.Duration(float64(c.InitialDelay) * math.Pow(c.BackoffMultiplier, float64(attempt-1)))
	if d > c.MaxDelay {
		d = c.MaxDelay
	}
	if c.Jitter && d > 0 {
		// up to 10% either way
		d += time.Duration((rand.Float64()*0.2 - 0.1) * float64(d))
	}
	return d
}

// withRetry runs op until it succeeds, fails permanently or runs out of
// attempts. The last error is returned.
func withRetry[T any](ctx context.Context, cfg RetryConfig, onRetry func(attempt int, wait time.Duration, err error), op func() (T, error)) (T, error) {
	attempts := max(cfg.MaxAttempts, 1)
	for attempt := 1; ; attempt++ {
		v, err := op()
		if err == nil || attempt >= attempts || !retryable(err) {
			return v, err
		}

		wait := cfg.delay(attempt)
		if onRetry != nil {
			onRetry(attempt, wait, err)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			var zero T
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}
