package client

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for retry operations.
var (
	retryBackoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvest_retry_backoff_seconds",
		Help:    "Backoff slept between attempts of one task",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	})
)

// DefaultMaxAttempts is the per-task attempt cap.
const DefaultMaxAttempts = 5

// Decision is what the executor does after a failed attempt.
type Decision int

const (
	// Retry runs another attempt with the cached session.
	Retry Decision = iota
	// RetryAfterReauth refreshes the session before the next attempt.
	RetryAfterReauth
	// Abandon marks the task Failed.
	Abandon
)

// String returns the decision name.
func (d Decision) String() string {
	switch d {
	case Retry:
		return "retry"
	case RetryAfterReauth:
		return "retry_after_reauth"
	case Abandon:
		return "abandon"
	default:
		return "unknown"
	}
}

// Decide is the retry policy. attempt is 1-based and counts the attempt that
// just failed. Business rejections are retried like transient failures:
// they have been seen to reflect transient server state.
func Decide(attempt, maxAttempts int, kind Kind) Decision {
	if attempt >= maxAttempts {
		return Abandon
	}
	switch kind {
	case AuthExpired:
		return RetryAfterReauth
	case RetryableFailure, FatalFailure:
		return Retry
	default:
		return Abandon
	}
}

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts per task (including the first).
	MaxAttempts int

	// InitialBackoff is the initial backoff duration. Zero disables backoff.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       DefaultMaxAttempts,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Backoff returns the delay to wait after the given failed attempt, with
// ±20% jitter to avoid workers retrying in lockstep.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	if c.InitialBackoff <= 0 || attempt < 1 {
		return 0
	}
	multiplier := c.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}

	backoff := float64(c.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= multiplier
		if c.MaxBackoff > 0 && backoff > float64(c.MaxBackoff) {
			backoff = float64(c.MaxBackoff)
			break
		}
	}

	return time.Duration(backoff * (0.8 + rand.Float64()*0.4))
}

// Wait sleeps for the backoff of attempt, returning early with an error if
// ctx is cancelled.
func (c RetryConfig) Wait(ctx context.Context, attempt int) error {
	d := c.Backoff(attempt)
	if d <= 0 {
		return nil
	}
	retryBackoffSeconds.Observe(d.Seconds())

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
