package queue

import (
	"context"
	"sync"
	"time"
)

// Limiter caps job throughput with a sliding window: at most Max handler
// invocations per Window across all workers sharing the Limiter.
//
// A nil *Limiter never blocks, so backends can treat rate limiting as
// optional.
type Limiter struct {
	max    int
	window time.Duration

	mu     sync.Mutex
	stamps []time.Time
}

// NewLimiter returns a Limiter allowing max acquisitions per window. A max or
// window of zero or less disables limiting and returns nil.
func NewLimiter(max int, window time.Duration) *Limiter {
	if max <= 0 || window <= 0 {
		return nil
	}
	return &Limiter{
		max:    max,
		window: window,
		stamps: make([]time.Time, 0, max),
	}
}

// Wait blocks until an acquisition slot is available or ctx is done. It
// returns ctx.Err() on cancellation, nil once a slot was taken.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	for {
		wait := l.tryAcquire(time.Now())
		if wait <= 0 {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAcquire records an acquisition if the window has room and returns 0.
// Otherwise it returns how long until the oldest stamp leaves the window.
func (l *Limiter) tryAcquire(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	kept := l.stamps[:0]
	for _, ts := range l.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.stamps = kept

	if len(l.stamps) < l.max {
		l.stamps = append(l.stamps, now)
		return 0
	}

	wait := l.stamps[0].Sub(cutoff)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait
}
