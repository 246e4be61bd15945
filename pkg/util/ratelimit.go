package util

import (
	"time"
)

// RateLimiter decides whether an expensive operation should run on a given call. It proceeds on the
// Sampling-th call since it last proceeded, or once MaxInterval has elapsed since it last proceeded,
// whichever comes first. A zero MaxInterval or Sampling disables that condition.
//
// The very first check proceeds, unless InitialDelay is set, in which case the first check starts the
// MaxInterval window and is otherwise treated like any other check.
//
// A RateLimiter is not safe for concurrent use.
type RateLimiter struct {
	MaxInterval  time.Duration
	Sampling     int
	InitialDelay bool

	lastFired time.Time
	calls     int
	started   bool
}

// Check records a call at now and returns true if the caller should proceed.
func (rl *RateLimiter) Check(now time.Time) bool {
	rl.calls++
	if !rl.started {
		rl.started = true
		if !rl.InitialDelay {
			rl.fire(now)
			return true
		}
		rl.lastFired = now
	}
	if rl.Sampling > 0 && rl.calls >= rl.Sampling {
		rl.fire(now)
		return true
	}
	if rl.MaxInterval > 0 && now.Sub(rl.lastFired) >= rl.MaxInterval {
		rl.fire(now)
		return true
	}
	return false
}

func (rl *RateLimiter) fire(now time.Time) {
	rl.calls = 0
	rl.lastFired = now
}
