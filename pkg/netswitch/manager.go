package netswitch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cuemby/sentinel/pkg/config"
	"github.com/cuemby/sentinel/pkg/events"
	"github.com/cuemby/sentinel/pkg/health"
	"github.com/cuemby/sentinel/pkg/log"
	"github.com/cuemby/sentinel/pkg/metrics"
	"github.com/cuemby/sentinel/pkg/types"
	"github.com/rs/zerolog"
)

// Platform is the host's network layer
type Platform interface {
	// Capabilities returns the current view of a network, false if it is gone
	Capabilities(id types.NetworkID) (types.NetworkCapabilities, bool)
	// SetUnderlyingNetwork binds the tunnel to a physical network. An empty
	// id unbinds it.
	SetUnderlyingNetwork(id types.NetworkID) error
	// UpdateInterface tells the tunnel engine which interface to use
	UpdateInterface(name string, metered bool)
}

var (
	// ErrNoNetwork is returned by NetworkBump before any network was bound
	ErrNoNetwork = errors.New("netswitch: no underlying network bound")

	// ErrClosed is returned after Cleanup
	ErrClosed = errors.New("netswitch: manager closed")
)

// SessionState reports whether the tunnel session is up
type SessionState interface {
	IsRunning() bool
}

// Requester accepts recovery requests
type Requester interface {
	Request(req types.Request)
}

// ProbeFunc builds the connectivity probes run against a new network when
// it does not validate in time
type ProbeFunc func(id types.NetworkID) []health.Checker

// Stats are cumulative counters
type Stats struct {
	Switches           uint64
	TypeChanges        uint64
	FailedHealthChecks uint64
	Deferred           uint64
	Bumps              uint64
	LastSwitchAt       time.Time
	LastBumpAt         time.Time
	LastNetwork        types.NetworkID
	LastType           types.NetworkType
}

// Manager turns raw network updates into debounced reset requests
type Manager struct {
	cfg       config.NetSwitch
	platform  Platform
	session   SessionState
	requester Requester
	clock     clock.Clock
	events    events.Publisher
	probes    ProbeFunc
	logger    zerolog.Logger

	mu          sync.Mutex
	startedAt   time.Time
	lastSwitch  time.Time
	lastType    types.NetworkType
	lastNetwork types.NetworkID
	pending     types.NetworkID
	pendingSet  bool
	timer       *clock.Timer
	followups   map[*clock.Timer]struct{}
	stats       Stats
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Manager
type Option func(*Manager)

// WithClock sets the clock
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) { m.clock = clk }
}

// WithEvents publishes switches and probe results on p
func WithEvents(p events.Publisher) Option {
	return func(m *Manager) { m.events = p }
}

// WithProbes replaces the configured probe targets
func WithProbes(fn ProbeFunc) Option {
	return func(m *Manager) { m.probes = fn }
}

// New creates a manager
func New(cfg config.NetSwitch, platform Platform, session SessionState, requester Requester, opts ...Option) *Manager {
	m := &Manager{
		cfg:       cfg,
		platform:  platform,
		session:   session,
		requester: requester,
		clock:     clock.New(),
		logger:    log.WithComponent("netswitch"),
		lastType:  types.NetworkOther,
		followups: make(map[*clock.Timer]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.probes == nil {
		m.probes = m.defaultProbes
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// MarkStarted records the session start; updates within the startup
// window are deferred until it has passed
func (m *Manager) MarkStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startedAt = m.clock.Now()
	metrics.UpdateComponent("netswitch", true, "")
}

// HandleNetworkUpdate is the entry point for raw platform network events
func (m *Manager) HandleNetworkUpdate(id types.NetworkID) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()

	if !m.startedAt.IsZero() {
		if since := now.Sub(m.startedAt); since < m.cfg.StartupWindow {
			delay := m.cfg.StartupWindow - since + m.cfg.StartupSlack
			m.deferLocked(id, delay, "startup")
			m.mu.Unlock()
			m.logger.Debug().Str("network", string(id)).Dur("delay", delay).Msg("Network update during startup window, deferring")
			return
		}
	}

	if !m.lastSwitch.IsZero() && now.Sub(m.lastSwitch) < m.cfg.MinSwitchInterval {
		m.deferLocked(id, m.cfg.AggregateDelay, "aggregate")
		m.mu.Unlock()
		m.logger.Debug().Str("network", string(id)).Msg("Network update too fast, aggregating")
		return
	}

	// a direct update supersedes anything deferred
	m.clearPendingLocked()
	m.mu.Unlock()
	m.process(id)
}

// deferLocked replaces the pending update and restarts its timer
func (m *Manager) deferLocked(id types.NetworkID, delay time.Duration, reason string) {
	m.clearPendingLocked()
	m.pending = id
	m.pendingSet = true
	m.stats.Deferred++
	metrics.NetworkEventsDeferredTotal.WithLabelValues(reason).Inc()

	var t *clock.Timer
	t = m.clock.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.timer != t || !m.pendingSet || m.closed {
			m.mu.Unlock()
			return
		}
		id := m.pending
		m.pending, m.pendingSet, m.timer = "", false, nil
		m.mu.Unlock()
		m.process(id)
	})
	m.timer = t
}

func (m *Manager) clearPendingLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.pending, m.pendingSet = "", false
}

// process applies one network update
func (m *Manager) process(id types.NetworkID) {
	caps, ok := m.platform.Capabilities(id)
	logger := log.WithNetwork(string(id)).With().Str("component", "netswitch").Logger()
	if !ok || !caps.IsValidPhysical() {
		logger.Debug().Msg("Not a valid physical network, ignoring")
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	m.lastSwitch = now
	m.stats.Switches++
	m.stats.LastSwitchAt = now

	current := caps.Transport
	if current == "" {
		current = types.NetworkOther
	}
	previous := m.lastType
	m.lastType = current
	m.stats.LastType = current
	typeChanged := current != previous && previous != types.NetworkOther
	if typeChanged {
		m.stats.TypeChanges++
	}

	networkChanged := id != m.lastNetwork
	if networkChanged {
		m.lastNetwork = id
		m.stats.LastNetwork = id
		m.wg.Add(1)
	}
	m.mu.Unlock()

	metrics.NetworkSwitchesTotal.Inc()
	if typeChanged {
		metrics.NetworkTypeChangesTotal.Inc()
		logger.Info().Str("from", string(previous)).Str("to", string(current)).Msg("Network type changed")
	}

	if networkChanged {
		if err := m.platform.SetUnderlyingNetwork(id); err != nil {
			logger.Warn().Err(err).Msg("Failed to set underlying network")
		} else {
			logger.Info().Str("interface", caps.InterfaceName).Msg("Switched underlying network")
		}

		reason := "underlying_network_changed"
		if typeChanged {
			reason = fmt.Sprintf("network_type_change_%s_to_%s", previous, current)
		}
		events.Emit(m.events, events.EventNetworkSwitched, reason, map[string]string{
			"network":      string(id),
			"type":         string(current),
			"type_changed": fmt.Sprint(typeChanged),
		})
		m.after(m.cfg.SettleDelay, func() {
			m.requester.Request(types.NewResetCoreNetwork(reason, typeChanged))
		})
	}

	if caps.InterfaceName != "" {
		m.platform.UpdateInterface(caps.InterfaceName, !caps.NotMetered)
	}

	if typeChanged && m.session.IsRunning() {
		m.after(m.cfg.ResetConnectionsDelay, func() {
			m.requester.Request(types.NewResetConnections("network_type_change", true))
		})
	}

	if networkChanged {
		go func() {
			defer m.wg.Done()
			m.checkHealth(m.ctx, id, logger)
		}()
	}
}

// after runs fn once delay has passed unless the manager is cleaned up first
func (m *Manager) after(delay time.Duration, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	var t *clock.Timer
	t = m.clock.AfterFunc(delay, func() {
		m.mu.Lock()
		_, live := m.followups[t]
		delete(m.followups, t)
		m.mu.Unlock()
		if live {
			fn()
		}
	})
	m.followups[t] = struct{}{}
}

// checkHealth waits for the platform to validate the network, then probes
// well-known endpoints if it never does
func (m *Manager) checkHealth(ctx context.Context, id types.NetworkID, logger zerolog.Logger) {
	start := m.clock.Now()
	for {
		if caps, ok := m.platform.Capabilities(id); ok && caps.Validated {
			logger.Info().Dur("after", m.clock.Since(start)).Msg("Network validated")
			m.recordProbe(id, "validated", "network validated")
			return
		}
		if m.clock.Since(start) >= m.cfg.ValidationTimeout {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.cfg.ValidationPoll):
		}
	}

	result := health.FirstHealthy(ctx, m.probes(id)...)
	if ctx.Err() != nil {
		return
	}
	if result.Healthy {
		logger.Info().Str("target", result.Target).Msg("Connectivity verified")
		m.recordProbe(id, "probe_ok", "connectivity verified via "+result.Target)
		return
	}

	m.mu.Lock()
	m.stats.FailedHealthChecks++
	m.mu.Unlock()
	logger.Warn().Str("error", result.Message).Msg("Network health check failed")
	m.recordProbe(id, "failed", result.Message)
}

func (m *Manager) recordProbe(id types.NetworkID, result, message string) {
	metrics.NetworkProbesTotal.WithLabelValues(result).Inc()
	events.Emit(m.events, events.EventNetworkProbe, message, map[string]string{
		"network": string(id),
		"result":  result,
	})
}

func (m *Manager) defaultProbes(types.NetworkID) []health.Checker {
	checkers := make([]health.Checker, 0, len(m.cfg.ProbeTargets))
	for _, target := range m.cfg.ProbeTargets {
		if m.cfg.ProbeMode == config.ProbeDNS {
			checkers = append(checkers, health.NewDNSChecker(target).WithTimeout(m.cfg.ProbeTimeout))
			continue
		}
		checkers = append(checkers, health.NewTCPChecker(target).WithTimeout(m.cfg.ProbeTimeout))
	}
	return checkers
}

// NetworkBump unbinds the tunnel from its physical network for the bump
// hold and binds it again. Apps see a network change and rebuild their
// connections.
func (m *Manager) NetworkBump(ctx context.Context, reason string) (bool, error) {
	m.mu.Lock()
	closed, id := m.closed, m.lastNetwork
	m.mu.Unlock()
	switch {
	case closed:
		return false, ErrClosed
	case id == "":
		metrics.NetworkBumpsTotal.WithLabelValues("skipped").Inc()
		return false, ErrNoNetwork
	}

	if err := m.platform.SetUnderlyingNetwork(""); err != nil {
		metrics.NetworkBumpsTotal.WithLabelValues("failed").Inc()
		return false, fmt.Errorf("unbind %s: %w", id, err)
	}
	select {
	case <-ctx.Done():
	case <-m.clock.After(m.cfg.BumpHold):
	}

	// A switch during the hold moves the binding to the new network
	m.mu.Lock()
	if m.lastNetwork != "" {
		id = m.lastNetwork
	}
	m.mu.Unlock()
	logger := log.WithNetwork(string(id)).With().Str("component", "netswitch").Logger()

	if err := m.platform.SetUnderlyingNetwork(id); err != nil {
		metrics.NetworkBumpsTotal.WithLabelValues("failed").Inc()
		logger.Warn().Err(err).Str("reason", reason).Msg("Failed to rebind underlying network")
		return false, fmt.Errorf("rebind %s: %w", id, err)
	}

	m.mu.Lock()
	m.stats.Bumps++
	m.stats.LastBumpAt = m.clock.Now()
	m.mu.Unlock()
	metrics.NetworkBumpsTotal.WithLabelValues("ok").Inc()
	logger.Info().Str("reason", reason).Dur("hold", m.cfg.BumpHold).Msg("Bumped underlying network")
	events.Emit(m.events, events.EventNetworkBumped, reason, map[string]string{"network": string(id)})
	return true, nil
}

// CancelPending drops any deferred update
func (m *Manager) CancelPending() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearPendingLocked()
}

// Stats returns cumulative counters
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Cleanup cancels deferred work and waits for running health checks
func (m *Manager) Cleanup() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.clearPendingLocked()
	for t := range m.followups {
		t.Stop()
	}
	m.followups = make(map[*clock.Timer]struct{})
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	metrics.UpdateComponent("netswitch", false, "stopped")
}
