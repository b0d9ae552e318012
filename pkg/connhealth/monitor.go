package connhealth

import (
	"context"
	"sort"
	"strings"
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
	"golang.org/x/time/rate"
)

// ConnectionSample describes the open connections of one identity
type ConnectionSample struct {
	Identity        string
	ConnectionCount int
	HasRecentData   bool
	OldestConnAge   time.Duration
}

// Source reports the session's open connections grouped by identity
type Source interface {
	IsRunning() bool
	ActiveConnections(ctx context.Context) ([]ConnectionSample, error)
}

// Requester accepts recovery requests
type Requester interface {
	Request(req types.Request)
}

// IdentityState is the monitor's view of one identity after a sample
type IdentityState struct {
	Identity         string
	ConnectionCount  int
	ErrorCount       int
	Stale            bool
	ConsecutiveStale int
	LastActiveAt     time.Time
	LastErrorAt      time.Time
}

// Snapshot is the result of the most recent sample
type Snapshot struct {
	Score      int
	Identities []IdentityState
	Stale      []string
	SampledAt  time.Time
}

type tracked struct {
	state  IdentityState
	status *health.Status
}

// Monitor samples connection activity, scores it and confirms staleness
// over consecutive ticks before requesting recovery
type Monitor struct {
	cfg       config.Monitor
	source    Source
	requester Requester
	clock     clock.Clock
	events    events.Publisher
	logger    zerolog.Logger
	staleLog  rate.Sometimes

	mu         sync.RWMutex
	identities map[string]*tracked
	snapshot   Snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Monitor
type Option func(*Monitor)

// WithClock sets the clock
func WithClock(clk clock.Clock) Option {
	return func(m *Monitor) { m.clock = clk }
}

// WithEvents publishes stale confirmations on p
func WithEvents(p events.Publisher) Option {
	return func(m *Monitor) { m.events = p }
}

// New creates a monitor. Confirmed staleness is submitted to requester.
func New(cfg config.Monitor, source Source, requester Requester, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:        cfg,
		source:     source,
		requester:  requester,
		clock:      clock.New(),
		logger:     log.WithComponent("monitor"),
		staleLog:   rate.Sometimes{Interval: 30 * time.Second},
		identities: make(map[string]*tracked),
		snapshot:   Snapshot{Score: 100},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start runs the sampling loop until ctx is canceled or Stop is called
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	ticker := m.clock.Ticker(m.cfg.Interval)
	metrics.UpdateComponent("monitor", true, "")
	m.logger.Info().Dur("interval", m.cfg.Interval).Msg("Connection health monitor started")

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sample(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the sampling loop and forgets tracked identities
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	m.mu.Lock()
	m.identities = make(map[string]*tracked)
	m.snapshot = Snapshot{Score: 100}
	m.mu.Unlock()
	metrics.UpdateComponent("monitor", false, "stopped")
	m.logger.Info().Msg("Connection health monitor stopped")
}

// Sample performs one tick: fetch, score, detect staleness and escalate
// identities that stayed stale for the confirmation window
func (m *Monitor) Sample(ctx context.Context) Snapshot {
	now := m.clock.Now()

	if !m.source.IsRunning() {
		return m.publish(Snapshot{Score: 0, SampledAt: now})
	}
	samples, err := m.source.ActiveConnections(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to read active connections")
		metrics.UpdateComponent("monitor", false, err.Error())
		return m.publish(Snapshot{Score: 0, SampledAt: now})
	}
	metrics.UpdateComponent("monitor", true, "")

	statusCfg := health.Config{Retries: m.cfg.ConfirmTicks}
	var confirmed []string

	m.mu.Lock()
	seen := make(map[string]bool, len(samples))
	for _, s := range samples {
		id := s.Identity
		if id == "" {
			id = "unknown"
		}
		seen[id] = true

		t, ok := m.identities[id]
		if !ok {
			t = &tracked{state: IdentityState{Identity: id}, status: health.NewStatus()}
			m.identities[id] = t
		}

		stale := s.ConnectionCount > 0 && !s.HasRecentData && s.OldestConnAge > m.cfg.StaleAfter
		t.state.ConnectionCount = s.ConnectionCount
		t.state.Stale = stale
		switch {
		case stale:
			t.state.ErrorCount++
			t.state.LastErrorAt = now
		case s.HasRecentData:
			t.state.ErrorCount = 0
			t.state.LastActiveAt = now
		}

		if t.status.Update(health.Result{Healthy: !stale, Target: id, CheckedAt: now}, statusCfg) {
			confirmed = append(confirmed, id)
			t.status.Reset()
		}
		t.state.ConsecutiveStale = t.status.ConsecutiveFailures
	}

	for id := range m.identities {
		if !seen[id] {
			delete(m.identities, id)
		}
	}

	snap := Snapshot{SampledAt: now}
	scores := make([]int, 0, len(m.identities))
	for _, t := range m.identities {
		snap.Identities = append(snap.Identities, t.state)
		if t.state.Stale {
			snap.Stale = append(snap.Stale, t.state.Identity)
		}
		scores = append(scores, m.identityScore(t.state))
	}
	m.mu.Unlock()

	snap.Score = averageScore(scores)
	sort.Slice(snap.Identities, func(i, j int) bool {
		return snap.Identities[i].Identity < snap.Identities[j].Identity
	})
	sort.Strings(snap.Stale)

	if len(snap.Stale) > 0 {
		m.staleLog.Do(func() {
			m.logger.Warn().Strs("identities", snap.Stale).Int("score", snap.Score).Msg("Stale connections detected")
		})
	}
	if len(confirmed) > 0 {
		m.escalate(confirmed)
	}
	return m.publish(snap)
}

func (m *Monitor) escalate(identities []string) {
	sort.Strings(identities)
	ids := strings.Join(identities, ",")
	reason := "stale_confirmed:" + ids

	for _, id := range identities {
		idLogger := log.WithIdentity(id)
		idLogger.Debug().Int("confirm_ticks", m.cfg.ConfirmTicks).Msg("Identity stale across confirmation window")
	}
	m.logger.Warn().
		Strs("identities", identities).
		Bool("precise", m.cfg.PreciseRecovery).
		Msg("Staleness confirmed, requesting recovery")
	metrics.StaleConfirmationsTotal.Inc()
	events.Emit(m.events, events.EventStaleConfirmed, reason, map[string]string{"identities": ids})

	if m.cfg.PreciseRecovery {
		m.requester.Request(types.NewCloseIdentities(identities, reason))
		return
	}
	m.requester.Request(types.NewRecover(types.ModeQuick, reason))
}

// identityScore is 100 minus penalties for stale ticks and connection
// floods, clamped to 0..100
func (m *Monitor) identityScore(s IdentityState) int {
	score := 100 - m.cfg.ErrorPenalty*s.ErrorCount
	if s.ConnectionCount > m.cfg.ConnectionLimit {
		score -= m.cfg.ConnectionPenalty
	}
	return clamp(score)
}

// averageScore is 100 for an empty set; idle is not unhealthy
func averageScore(scores []int) int {
	if len(scores) == 0 {
		return 100
	}
	total := 0
	for _, s := range scores {
		total += s
	}
	return clamp(total / len(scores))
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func (m *Monitor) publish(snap Snapshot) Snapshot {
	m.mu.Lock()
	m.snapshot = snap
	m.mu.Unlock()

	metrics.HealthScore.Set(float64(snap.Score))
	metrics.StaleIdentities.Set(float64(len(snap.Stale)))
	metrics.TrackedIdentities.Set(float64(len(snap.Identities)))
	return snap
}

// Snapshot returns the most recent sample
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.snapshot
	s.Identities = append([]IdentityState(nil), s.Identities...)
	s.Stale = append([]string(nil), s.Stale...)
	return s
}

// HealthScore returns the most recent health score
func (m *Monitor) HealthScore() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot.Score
}

// StaleIdentities returns identities flagged stale on the most recent sample
func (m *Monitor) StaleIdentities() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.snapshot.Stale...)
}
