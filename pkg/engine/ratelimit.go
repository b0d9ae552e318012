package engine

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// RateLimiter allows at most Max events within a trailing Window and
// requires MinInterval between consecutive events. It is shared by the
// decision loop and the traffic-stall detector.
type RateLimiter struct {
	mu          sync.Mutex
	clock       clock.Clock
	max         int
	window      time.Duration
	minInterval time.Duration
	stamps      []time.Time
}

// NewRateLimiter creates a limiter
func NewRateLimiter(clk clock.Clock, max int, window, minInterval time.Duration) *RateLimiter {
	return &RateLimiter{
		clock:       clk,
		max:         max,
		window:      window,
		minInterval: minInterval,
	}
}

// Allow reports whether an event may happen now without recording it
func (l *RateLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowLocked(l.clock.Now())
}

// TryAcquire records an event if it is allowed
func (l *RateLimiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	if !l.allowLocked(now) {
		return false
	}
	l.stamps = append(l.stamps, now)
	return true
}

// InWindow returns how many events fall inside the trailing window
func (l *RateLimiter) InWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.clock.Now())
	return len(l.stamps)
}

// Reset forgets all recorded events
func (l *RateLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stamps = nil
}

func (l *RateLimiter) allowLocked(now time.Time) bool {
	l.pruneLocked(now)
	if len(l.stamps) >= l.max {
		return false
	}
	if n := len(l.stamps); n > 0 && now.Sub(l.stamps[n-1]) < l.minInterval {
		return false
	}
	return true
}

// pruneLocked drops events older than the window
func (l *RateLimiter) pruneLocked(now time.Time) {
	keep := 0
	for keep < len(l.stamps) && now.Sub(l.stamps[keep]) > l.window {
		keep++
	}
	l.stamps = l.stamps[keep:]
}
