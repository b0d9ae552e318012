package corereset

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cuemby/sentinel/pkg/config"
	"github.com/cuemby/sentinel/pkg/events"
	"github.com/cuemby/sentinel/pkg/log"
	"github.com/cuemby/sentinel/pkg/metrics"
	"github.com/cuemby/sentinel/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrNotRunning is returned when the session is not running
	ErrNotRunning = errors.New("corereset: session not running")

	// ErrDebounced is returned when a reset arrives inside the minimum interval
	ErrDebounced = errors.New("corereset: reset too soon after previous reset")

	// ErrEscalated is returned when repeated failures turned the reset into a
	// restart request
	ErrEscalated = errors.New("corereset: escalated to restart")

	// ErrRestartCooldown is returned when escalation is due but a restart was
	// requested too recently
	ErrRestartCooldown = errors.New("corereset: restart escalation in cooldown")
)

// Core is the port to the session's network stack
type Core interface {
	IsRunning() bool
	CloseConnections(ctx context.Context) error
	ResetNetwork(ctx context.Context) error
	RestartService(ctx context.Context, reason string) error
}

// Requester accepts requests for serialized execution
type Requester interface {
	Request(req types.Request)
}

// Stats is a snapshot of reset activity
type Stats struct {
	Failures        int
	LastResetAt     time.Time
	LastSuccessAt   time.Time
	LastEscalatedAt time.Time
	PendingReset    bool
}

// Manager performs debounced core network resets and escalates to a
// restart after repeated failures
type Manager struct {
	cfg       config.CoreReset
	core      Core
	requester Requester
	clock     clock.Clock
	events    events.Publisher
	logger    zerolog.Logger

	// serialises resets
	execMu sync.Mutex

	mu              sync.Mutex
	lastResetAt     time.Time
	lastSuccessAt   time.Time
	firstFailureAt  time.Time
	lastEscalatedAt time.Time
	failures        int
	pending         *clock.Timer
	wg              sync.WaitGroup
}

// Option configures a Manager
type Option func(*Manager)

// WithClock sets the clock
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) { m.clock = clk }
}

// WithRequester routes debounced resets and restart escalations through r
// instead of calling the session directly
func WithRequester(r Requester) Option {
	return func(m *Manager) { m.requester = r }
}

// WithEvents publishes escalations on p
func WithEvents(p events.Publisher) Option {
	return func(m *Manager) { m.events = p }
}

// NewManager creates a reset manager for core
func NewManager(cfg config.CoreReset, core Core, opts ...Option) *Manager {
	m := &Manager{
		cfg:    cfg,
		core:   core,
		clock:  clock.New(),
		logger: log.WithComponent("corereset"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ResetNow resets the core network immediately. With skipIntervalCheck
// false, a reset inside the debounce interval (or the shorter forced
// interval) is rejected with ErrDebounced.
func (m *Manager) ResetNow(ctx context.Context, reason string, force, skipIntervalCheck bool) error {
	if err := m.checkEscalation(ctx); err != nil {
		return err
	}
	if !m.core.IsRunning() {
		m.logger.Warn().Str("reason", reason).Msg("Session not running, skipping reset")
		return ErrNotRunning
	}

	m.mu.Lock()
	now := m.clock.Now()
	if !skipIntervalCheck && !m.lastResetAt.IsZero() && now.Sub(m.lastResetAt) < m.minInterval(force) {
		m.mu.Unlock()
		return ErrDebounced
	}
	m.lastResetAt = now
	m.mu.Unlock()

	m.execMu.Lock()
	defer m.execMu.Unlock()

	err := m.perform(ctx, force)
	m.record(reason, force, err)
	if err != nil {
		return fmt.Errorf("core network reset: %w", err)
	}
	return nil
}

// RequestReset schedules a reset. Non-forced requests are debounced; a
// forced request runs at once unless one ran within the forced interval.
func (m *Manager) RequestReset(reason string, force bool) {
	ctx := context.Background()
	if m.checkEscalation(ctx) != nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	sinceLast := now.Sub(m.lastResetAt)
	if m.lastResetAt.IsZero() {
		sinceLast = m.cfg.Debounce
	}

	if force {
		if sinceLast < m.cfg.ForceMinInterval {
			return
		}
		m.lastResetAt = now
		m.stopPendingLocked()
		m.dispatchLocked(reason, true)
		return
	}

	delay := m.cfg.Debounce - sinceLast
	if delay <= 0 {
		m.lastResetAt = now
		m.stopPendingLocked()
		m.dispatchLocked(reason, false)
		return
	}
	if m.pending != nil {
		return
	}

	m.pending = m.clock.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.pending = nil
		t := m.clock.Now()
		if t.Sub(m.lastResetAt) < m.cfg.Debounce {
			return
		}
		m.lastResetAt = t
		m.dispatchLocked(reason, false)
	})
}

// dispatchLocked hands the reset to the requester, or runs it in the
// background when the manager is used standalone
func (m *Manager) dispatchLocked(reason string, force bool) {
	if m.requester != nil {
		m.requester.Request(types.NewResetCoreNetwork(reason, force))
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.ResetNow(context.Background(), reason, force, true); err != nil {
			m.logger.Debug().Err(err).Str("reason", reason).Msg("Scheduled reset did not complete")
		}
	}()
}

// CancelPendingReset drops a debounced reset that has not fired yet
func (m *Manager) CancelPendingReset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopPendingLocked()
}

// Cleanup cancels pending work and waits for background resets
func (m *Manager) Cleanup() {
	m.CancelPendingReset()
	m.wg.Wait()
}

// Failures returns the current consecutive failure count
func (m *Manager) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// Stats returns a snapshot of reset activity
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Failures:        m.failures,
		LastResetAt:     m.lastResetAt,
		LastSuccessAt:   m.lastSuccessAt,
		LastEscalatedAt: m.lastEscalatedAt,
		PendingReset:    m.pending != nil,
	}
}

func (m *Manager) stopPendingLocked() {
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
}

func (m *Manager) minInterval(force bool) time.Duration {
	if force {
		return m.cfg.ForceMinInterval
	}
	return m.cfg.Debounce
}

// perform closes connections first on a forced reset, waits for them to
// drain, then resets the network stack
func (m *Manager) perform(ctx context.Context, force bool) error {
	if force {
		if err := m.core.CloseConnections(ctx); err != nil {
			m.logger.Debug().Err(err).Msg("Closing connections before forced reset failed")
		}
		select {
		case <-m.clock.After(m.cfg.ForceCloseWait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.core.ResetNetwork(ctx)
}

func (m *Manager) record(reason string, force bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		m.failures = 0
		m.firstFailureAt = time.Time{}
		m.lastSuccessAt = m.clock.Now()
		metrics.CoreResetsTotal.WithLabelValues("success").Inc()
		metrics.CoreResetFailures.Set(0)
		m.logger.Info().Str("reason", reason).Bool("force", force).Msg("Core network reset")
		return
	}

	m.failures++
	if m.failures == 1 {
		m.firstFailureAt = m.clock.Now()
	}
	metrics.CoreResetsTotal.WithLabelValues("failure").Inc()
	metrics.CoreResetFailures.Set(float64(m.failures))
	m.logger.Warn().
		Err(err).
		Str("reason", reason).
		Bool("force", force).
		Int("failures", m.failures).
		Msg("Core network reset failed")
}

// checkEscalation returns a non-nil error when repeated failures call for
// a restart instead of another reset. The failure window is measured from
// the last success, or from the first failure when no reset ever succeeded.
func (m *Manager) checkEscalation(ctx context.Context) error {
	m.mu.Lock()
	now := m.clock.Now()

	if m.failures < m.cfg.FailureThreshold {
		m.mu.Unlock()
		return nil
	}
	ref := m.lastSuccessAt
	if ref.IsZero() {
		ref = m.firstFailureAt
	}
	if now.Sub(ref) < m.cfg.EscalateAfter {
		m.mu.Unlock()
		return nil
	}

	failures := m.failures
	if !m.lastEscalatedAt.IsZero() && now.Sub(m.lastEscalatedAt) < m.cfg.RestartCooldown {
		m.mu.Unlock()
		m.logger.Warn().Int("failures", failures).Msg("Too many reset failures, restart in cooldown")
		return ErrRestartCooldown
	}
	if !m.core.IsRunning() {
		m.mu.Unlock()
		m.logger.Warn().Int("failures", failures).Msg("Too many reset failures, session not running")
		return ErrNotRunning
	}
	m.lastEscalatedAt = now
	m.mu.Unlock()

	const reason = "excessive core network reset failures"
	m.logger.Warn().Int("failures", failures).Msg("Too many reset failures, requesting restart")
	metrics.CoreResetEscalationsTotal.Inc()
	events.Emit(m.events, events.EventResetEscalated, reason, map[string]string{
		"failures": strconv.Itoa(failures),
	})

	if m.requester != nil {
		m.requester.Request(types.NewRestart(reason))
	} else if err := m.core.RestartService(ctx, reason); err != nil {
		return fmt.Errorf("%w: %v", ErrEscalated, err)
	}
	return ErrEscalated
}
