// Package ratelimit tracks the remote API's request quota and gates requests.
// It reads the X-RateLimit-Remaining and X-RateLimit-Reset headers of every
// response so long unattended runs slow down before the quota runs dry
// instead of burning attempts on rejected requests.
package ratelimit

import (
	"time"
)

// Redis keys for rate limit state storage.
const (
	RedisKeyRemaining      = "harvest:rate_limit:remaining"
	RedisKeyResetTimestamp = "harvest:rate_limit:reset_timestamp"
	RedisKeyLastUpdate     = "harvest:rate_limit:last_update"
)

// Thresholds for rate limit decisions.
const (
	// ThresholdCritical makes requests wait for the quota reset when the
	// remaining quota falls below this value.
	ThresholdCritical = 5

	// ThresholdWarning applies throttling when the remaining quota falls below this value.
	ThresholdWarning = 20

	// ThresholdHealthy indicates normal operation.
	ThresholdHealthy = 50
)

// State represents the current quota state.
type State struct {
	// Remaining is the number of requests left in the current window.
	Remaining int `json:"remaining"`

	// ResetAt is when the window resets.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this state was last updated from a response.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when Remaining >= ThresholdHealthy.
	IsHealthy bool `json:"is_healthy"`
}

// IsStale returns true if the state data is older than the given duration.
func (s *State) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// NeedsCriticalWait returns true if requests must wait for the reset.
func (s *State) NeedsCriticalWait() bool {
	return s.Remaining < ThresholdCritical
}

// NeedsThrottling returns true if requests should be throttled due to warning threshold.
func (s *State) NeedsThrottling() bool {
	return s.Remaining < ThresholdWarning && !s.NeedsCriticalWait()
}

// TimeUntilReset returns the duration until the window resets.
// Returns 0 if the reset time has already passed.
func (s *State) TimeUntilReset() time.Duration {
	duration := time.Until(s.ResetAt)
	if duration < 0 {
		return 0
	}
	return duration
}

// UpdateHealth updates the IsHealthy field based on current Remaining.
func (s *State) UpdateHealth() {
	s.IsHealthy = s.Remaining >= ThresholdHealthy
}

func defaultState() *State {
	return &State{
		Remaining:  ThresholdHealthy * 2,
		ResetAt:    time.Now().Add(60 * time.Second),
		LastUpdate: time.Now(),
		IsHealthy:  true,
	}
}
