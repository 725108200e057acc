package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Response headers carrying the quota.
const (
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
)

// Prometheus metrics for rate limit tracking.
var (
	remainingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvest_ratelimit_remaining",
		Help: "Requests remaining in the current rate limit window",
	})

	waitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_ratelimit_waits_total",
		Help: "Requests delayed until the rate limit window reset",
	})

	throttlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_ratelimit_throttles_total",
		Help: "Requests throttled due to the warning threshold",
	})
)

// Default delays.
const (
	DefaultThrottleDelay = 1 * time.Second
	DefaultMaxWait       = 15 * time.Minute
)

// Tracker monitors the remote quota and gates requests.
type Tracker struct {
	backend       Backend
	logger        zerolog.Logger
	throttleDelay time.Duration
	maxWait       time.Duration
}

// NewTracker creates a new rate limit tracker. A nil backend keeps state in memory.
func NewTracker(backend Backend, logger zerolog.Logger) *Tracker {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	return &Tracker{
		backend:       backend,
		logger:        logger,
		throttleDelay: DefaultThrottleDelay,
		maxWait:       DefaultMaxWait,
	}
}

// SetDelays overrides the throttle delay and the cap on critical waits.
func (t *Tracker) SetDelays(throttle, maxWait time.Duration) {
	t.throttleDelay = throttle
	t.maxWait = maxWait
}

// GetState returns the current state, or a healthy default before any
// response has been seen.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	state, err := t.backend.Load(ctx)
	if errors.Is(err, ErrNoState) {
		t.logger.Debug().Msg("No rate limit state yet, assuming healthy")
		return defaultState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load rate limit state: %w", err)
	}
	return state, nil
}

// UpdateFromHeaders parses the quota headers and stores the new state.
// Responses without the headers leave the state untouched.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	remainStr := headers.Get(HeaderRemaining)
	if remainStr == "" {
		return nil
	}

	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
	}

	resetAt, err := parseReset(headers.Get(HeaderReset))
	if err != nil {
		return err
	}

	now := time.Now()
	state := &State{
		Remaining:  remain,
		ResetAt:    resetAt,
		LastUpdate: now,
	}
	state.UpdateHealth()

	if err := t.backend.Save(ctx, state); err != nil {
		return err
	}

	remainingGauge.Set(float64(remain))

	switch {
	case state.NeedsCriticalWait():
		t.logger.Error().
			Int("remaining", remain).
			Time("reset_at", state.ResetAt).
			Msg("Rate limit CRITICAL - requests will wait for reset")
	case state.NeedsThrottling():
		t.logger.Warn().
			Int("remaining", remain).
			Time("reset_at", state.ResetAt).
			Msg("Rate limit WARNING - requests will be throttled")
	default:
		t.logger.Debug().
			Int("remaining", remain).
			Bool("is_healthy", state.IsHealthy).
			Msg("Rate limit state updated")
	}

	return nil
}

// parseReset accepts either an epoch timestamp or a number of seconds until
// the reset; values below one billion are treated as relative.
func parseReset(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, fmt.Errorf("%s header missing", HeaderReset)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s header: %w", HeaderReset, err)
	}
	if n < 1_000_000_000 {
		return time.Now().Add(time.Duration(n) * time.Second), nil
	}
	return time.Unix(n, 0), nil
}

// Wait blocks until a request may be sent. Below the critical threshold it
// waits for the window reset (capped); below the warning threshold it
// throttles briefly.
func (t *Tracker) Wait(ctx context.Context) error {
	state, err := t.GetState(ctx)
	if err != nil {
		return fmt.Errorf("get rate limit state: %w", err)
	}

	var delay time.Duration
	switch {
	case state.NeedsCriticalWait():
		delay = state.TimeUntilReset()
		if t.maxWait > 0 && delay > t.maxWait {
			delay = t.maxWait
		}
		waitsTotal.Inc()
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Dur("wait_duration", delay).
			Msg("Rate limit critical - waiting for reset")
	case state.NeedsThrottling():
		delay = t.throttleDelay
		throttlesTotal.Inc()
		t.logger.Debug().
			Int("remaining", state.Remaining).
			Msg("Rate limit warning - throttling request")
	default:
		return nil
	}

	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
