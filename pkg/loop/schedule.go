package loop

import (
	"time"
)

// schedule tracks the target time of the next tick. Targets carry forward by whole intervals, so a slow
// tick never shifts the phase of later ticks, it only skips the targets that are already in the past.
//
// With align set the first target is the next multiple of the interval:
// [roundup(T, interval), roundup(T, interval)+interval, ...]
//
// Without it ticks start immediately:
// [T, T+interval, T+2*interval, ...]
type schedule struct {
	interval time.Duration
	next     time.Time
}

func newSchedule(now time.Time, interval time.Duration, align bool) *schedule {
	next := now
	if align {
		next = roundup(now, interval)
	}
	return &schedule{
		interval: interval,
		next:     next,
	}
}

func roundup(t time.Time, i time.Duration) time.Time {
	return t.Truncate(i).Add(i)
}

// advance moves the target past now, returning the number of targets that were skipped because the
// previous tick overran them.
func (s *schedule) advance(now time.Time) int {
	s.next = s.next.Add(s.interval)
	skipped := 0
	for !s.next.After(now) {
		s.next = s.next.Add(s.interval)
		skipped++
	}
	return skipped
}
