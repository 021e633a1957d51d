// Package ratelimit gates noisy operations (discovery broadcasts, media
// rescans) to at most one run per minimum interval.
package ratelimit

import (
	"math"
	"sync/atomic"
	"time"
)

// never marks a limiter that has not run since construction or Reset.
const never = math.MinInt64

// Clock returns a monotonic reading in nanoseconds. Only differences
// between readings are meaningful.
type Clock func() int64

// MonotonicClock returns a Clock backed by the runtime monotonic clock,
// measured from the moment it is created.
func MonotonicClock() Clock {
	start := time.Now()

	return func() int64 {
		return int64(time.Since(start))
	}
}

// Limiter allows one acquisition per interval. The zero value is not
// usable; construct with New.
type Limiter struct {
	interval time.Duration
	clock    Clock
	last     atomic.Int64
}

// New returns a Limiter with the given minimum interval. A nil clock uses
// MonotonicClock.
func New(interval time.Duration, clock Clock) *Limiter {
	if clock == nil {
		clock = MonotonicClock()
	}

	l := &Limiter{interval: interval, clock: clock}
	l.last.Store(never)

	return l
}

// TryAcquire reports whether the caller may run now. When several
// goroutines race inside the same window exactly one of them wins the
// compare-and-swap and gets true.
func (l *Limiter) TryAcquire() bool {
	now := l.clock()
	last := l.last.Load()

	if last != never && now-last < int64(l.interval) {
		return false
	}

	return l.last.CompareAndSwap(last, now)
}

// Reset clears the last-run time so the next TryAcquire succeeds.
func (l *Limiter) Reset() {
	l.last.Store(never)
}

// Interval returns the configured minimum interval.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}
