// Package ratelimit tracks the request budget a listing API advertises in
// its X-RateLimit-Remaining and X-RateLimit-Reset headers and gates
// requests before the budget runs out.
package ratelimit

import (
	"time"
)

// Response headers read by the tracker.
const (
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
)

// Thresholds for rate limit decisions.
const (
	// ThresholdCritical blocks requests when the remaining budget falls below this value.
	ThresholdCritical = 5

	// ThresholdWarning throttles requests when the remaining budget falls below this value.
	ThresholdWarning = 20

	// ThresholdHealthy marks the budget as healthy at or above this value.
	ThresholdHealthy = 50
)

// State represents the current request budget.
// With a RedisStore it is shared by every harvester process using the same API key.
type State struct {
	// Remaining is the number of requests left in the current window.
	Remaining int `json:"remaining"`

	// ResetAt is when the window resets (now + X-RateLimit-Reset seconds).
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this state was last refreshed from headers.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when Remaining >= ThresholdHealthy.
	IsHealthy bool `json:"is_healthy"`
}

// defaultState is assumed until the API reports real numbers.
func defaultState() *State {
	now := time.Now()
	return &State{
		Remaining:  100,
		ResetAt:    now.Add(60 * time.Second),
		LastUpdate: now,
		IsHealthy:  true,
	}
}

// IsStale returns true if the state is older than maxAge.
func (s *State) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// WindowExpired reports whether the reset time has passed, so the
// remaining count no longer applies.
func (s *State) WindowExpired() bool {
	return !s.ResetAt.After(time.Now())
}

// NeedsCriticalBlock returns true if requests should be blocked.
func (s *State) NeedsCriticalBlock() bool {
	return s.Remaining < ThresholdCritical && !s.WindowExpired()
}

// NeedsThrottling returns true if requests should be slowed down.
func (s *State) NeedsThrottling() bool {
	return s.Remaining < ThresholdWarning && !s.WindowExpired() && !s.NeedsCriticalBlock()
}

// TimeUntilReset returns the duration until the window resets, or 0.
func (s *State) TimeUntilReset() time.Duration {
	d := time.Until(s.ResetAt)
	if d < 0 {
		return 0
	}
	return d
}

// UpdateHealth recomputes IsHealthy from Remaining.
func (s *State) UpdateHealth() {
	s.IsHealthy = s.Remaining >= ThresholdHealthy
}
