package health

import (
	"context"
	"time"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
	CheckTypeDNS  CheckType = "dns"
)

// Result represents the result of a health check
type Result struct {
	Healthy   bool
	Message   string
	Target    string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() CheckType
}

// Config holds health check configuration
type Config struct {
	// Timeout bounds a single check
	Timeout time.Duration

	// Retries is the number of consecutive failures before the target is
	// considered unhealthy
	Retries int
}

// Status tracks consecutive outcomes for one target
type Status struct {
	// ConsecutiveFailures is the number of consecutive failed checks
	ConsecutiveFailures int

	// ConsecutiveSuccesses is the number of consecutive successful checks
	ConsecutiveSuccesses int

	// LastResult is the most recent check result
	LastResult Result

	// Healthy is false once ConsecutiveFailures reaches Config.Retries
	Healthy bool
}

// NewStatus creates a new health status, healthy until proven otherwise
func NewStatus() *Status {
	return &Status{Healthy: true}
}

// Update records a result. It reports whether this result flipped the
// target from healthy to unhealthy.
func (s *Status) Update(result Result, config Config) bool {
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return false
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.Healthy && s.ConsecutiveFailures >= config.Retries {
		s.Healthy = false
		return true
	}
	return false
}

// Reset clears the failure streak and marks the target healthy again
func (s *Status) Reset() {
	s.ConsecutiveFailures = 0
	s.ConsecutiveSuccesses = 0
	s.Healthy = true
}

// FirstHealthy runs the checkers in order and returns the first healthy
// result. If none succeeds the last failure is returned.
func FirstHealthy(ctx context.Context, checkers ...Checker) Result {
	last := Result{Message: "no checkers configured", CheckedAt: time.Now()}
	for _, c := range checkers {
		if err := ctx.Err(); err != nil {
			last.Healthy = false
			last.Message = "canceled: " + err.Error()
			return last
		}
		last = c.Check(ctx)
		if last.Healthy {
			return last
		}
	}
	return last
}
