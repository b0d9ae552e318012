package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cuemby/sentinel/pkg/config"
	"github.com/cuemby/sentinel/pkg/connhealth"
	"github.com/cuemby/sentinel/pkg/events"
	"github.com/cuemby/sentinel/pkg/log"
	"github.com/cuemby/sentinel/pkg/metrics"
	"github.com/cuemby/sentinel/pkg/storage"
	"github.com/cuemby/sentinel/pkg/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Signals provides the latest connection health sample
type Signals interface {
	Snapshot() connhealth.Snapshot
}

// SessionState reports whether the tunnel session is up
type SessionState interface {
	IsRunning() bool
}

// Requester accepts recovery requests
type Requester interface {
	Request(req types.Request)
}

// Stats are cumulative engine counters
type Stats struct {
	Ticks         uint64
	Recoveries    uint64
	Waits         uint64
	Ignores       uint64
	RateLimited   uint64
	TrafficStalls uint64
}

// Engine turns health signals into recovery decisions on a fixed cadence
type Engine struct {
	cfg       config.Engine
	signals   Signals
	session   SessionState
	requester Requester
	clock     clock.Clock
	events    events.Publisher
	store     storage.Store
	traffic   TrafficSource
	logger    zerolog.Logger
	quietLog  rate.Sometimes

	limiter *RateLimiter

	mu        sync.Mutex
	behaviors *lru.Cache[string, *types.AppBehavior]
	history   *history
	detector  stallDetector
	stats     Stats

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures an Engine
type Option func(*Engine)

// WithClock sets the clock
func WithClock(clk clock.Clock) Option {
	return func(e *Engine) { e.clock = clk }
}

// WithEvents publishes decisions and stalls on p
func WithEvents(p events.Publisher) Option {
	return func(e *Engine) { e.events = p }
}

// WithStore persists behaviours and decisions in s
func WithStore(s storage.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithTraffic enables the upload-only stall detector fed by src
func WithTraffic(src TrafficSource) Option {
	return func(e *Engine) { e.traffic = src }
}

// New creates an engine
func New(cfg config.Engine, signals Signals, session SessionState, requester Requester, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:       cfg,
		signals:   signals,
		session:   session,
		requester: requester,
		clock:     clock.New(),
		logger:    log.WithComponent("engine"),
		quietLog:  rate.Sometimes{Interval: time.Minute},
		history:   newHistory(cfg.HistorySize),
		detector:  stallDetector{cfg: cfg.Traffic},
	}
	for _, opt := range opts {
		opt(e)
	}

	cache, err := lru.New[string, *types.AppBehavior](max(cfg.MaxBehaviors, 1))
	if err != nil {
		return nil, fmt.Errorf("failed to create behaviour cache: %w", err)
	}
	e.behaviors = cache
	e.limiter = NewRateLimiter(e.clock, cfg.RateLimit.MaxRecoveries, cfg.RateLimit.Window, cfg.RateLimit.MinInterval)
	return e, nil
}

// Limiter returns the limiter shared by the decision loop and the stall detector
func (e *Engine) Limiter() *RateLimiter {
	return e.limiter
}

// Start loads persisted behaviours and runs the decision and traffic loops
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return nil
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	if err := e.loadBehaviors(); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to load persisted behaviours")
	}

	e.runLoop(ctx, e.cfg.TickInterval, func() { e.Tick(ctx) })
	if e.traffic != nil && e.cfg.Traffic.Enabled {
		e.runLoop(ctx, e.cfg.Traffic.SampleInterval, e.SampleTraffic)
	}

	metrics.UpdateComponent("engine", true, "")
	e.logger.Info().
		Dur("tick_interval", e.cfg.TickInterval).
		Bool("traffic", e.traffic != nil && e.cfg.Traffic.Enabled).
		Msg("Decision engine started")
	return nil
}

func (e *Engine) runLoop(ctx context.Context, interval time.Duration, fn func()) {
	ticker := e.clock.Ticker(interval)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends both loops, flushes behaviours and clears transient state
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	e.wg.Wait()

	e.mu.Lock()
	e.flushBehaviorsLocked()
	e.detector.reset()
	e.mu.Unlock()
	e.limiter.Reset()

	metrics.UpdateComponent("engine", false, "stopped")
	e.logger.Info().Msg("Decision engine stopped")
}

// Tick runs one decision. It does nothing while the session is down.
func (e *Engine) Tick(ctx context.Context) (types.DecisionRecord, bool) {
	if ctx.Err() != nil || !e.session.IsRunning() {
		return types.DecisionRecord{}, false
	}

	snap := e.signals.Snapshot()
	now := e.clock.Now()

	e.mu.Lock()
	e.stats.Ticks++
	for _, id := range snap.Identities {
		e.behaviorLocked(id.Identity).TotalChecks++
	}

	score := e.decisionScoreLocked(snap)
	rec := types.DecisionRecord{
		Timestamp:       now,
		HealthScore:     snap.Score,
		DecisionScore:   score,
		StaleIdentities: append([]string(nil), snap.Stale...),
	}

	var mode types.RecoveryMode
	switch {
	case score >= e.cfg.RecoverThreshold && len(snap.Stale) == 0:
		rec.Decision = types.DecisionWait
		rec.Reason = fmt.Sprintf("No stale identities to recover at score %d", score)
		e.stats.Waits++
	case score >= e.cfg.RecoverThreshold && e.limiter.TryAcquire():
		mode = types.ModeQuick
		if score >= e.cfg.FullModeThreshold {
			mode = types.ModeFull
		}
		rec.Decision = types.DecisionRecover
		rec.Reason = fmt.Sprintf("High recovery score (%d >= %d)", score, e.cfg.RecoverThreshold)
		e.recordRecoveryLocked(snap.Stale, now)
		e.stats.Recoveries++
	case score >= e.cfg.RecoverThreshold:
		rec.Decision = types.DecisionWait
		rec.Reason = fmt.Sprintf("Rate limited at score %d", score)
		e.stats.RateLimited++
		e.stats.Waits++
		metrics.RateLimitedTotal.WithLabelValues("decision").Inc()
	case score >= e.cfg.WaitThreshold:
		rec.Decision = types.DecisionWait
		rec.Reason = fmt.Sprintf("Moderate score (%d), monitoring", score)
		e.stats.Waits++
	default:
		rec.Decision = types.DecisionIgnore
		rec.Reason = fmt.Sprintf("Low score (%d), no action needed", score)
		e.stats.Ignores++
	}
	e.history.add(rec)
	e.mu.Unlock()

	metrics.DecisionScore.Set(float64(score))
	metrics.DecisionsTotal.WithLabelValues(string(rec.Decision)).Inc()
	e.persistDecision(rec)

	if rec.Decision != types.DecisionRecover {
		e.quietLog.Do(func() {
			e.logger.Debug().
				Int("health_score", rec.HealthScore).
				Int("decision_score", score).
				Str("decision", string(rec.Decision)).
				Msg(rec.Reason)
		})
		return rec, true
	}

	reason := "smart_recovery score=" + fmt.Sprint(score)
	if len(rec.StaleIdentities) > 0 {
		reason += " stale=" + strings.Join(rec.StaleIdentities, ",")
	}
	e.logger.Info().
		Int("health_score", rec.HealthScore).
		Int("decision_score", score).
		Str("mode", mode.String()).
		Strs("stale", rec.StaleIdentities).
		Msg("Requesting recovery")
	events.Emit(e.events, events.EventDecisionMade, rec.Reason, map[string]string{
		"decision": string(rec.Decision),
		"mode":     mode.String(),
		"score":    fmt.Sprint(score),
	})
	e.requester.Request(types.NewRecover(mode, reason))
	return rec, true
}

// decisionScoreLocked computes (100 - health) plus a weight per stale
// identity, adjusted by what is known about each stale identity
func (e *Engine) decisionScoreLocked(snap connhealth.Snapshot) int {
	score := 100 - snap.Score + e.cfg.StaleWeight*len(snap.Stale)
	for _, id := range snap.Stale {
		b, ok := e.behaviors.Peek(id)
		if !ok {
			continue
		}
		if b.StaleCount > e.cfg.FlakyStaleCount {
			score -= e.cfg.FlakyPenalty
		}
		if b.RecoveryCount > 0 && b.AvgRecoveryInterval < e.cfg.FastRecoveryInterval {
			score += e.cfg.FastRecoveryBonus
		}
	}
	return min(max(score, 0), 100)
}

func (e *Engine) behaviorLocked(identity string) *types.AppBehavior {
	if b, ok := e.behaviors.Get(identity); ok {
		return b
	}
	b := &types.AppBehavior{Identity: identity}
	e.behaviors.Add(identity, b)
	return b
}

func (e *Engine) recordRecoveryLocked(stale []string, now time.Time) {
	for _, id := range stale {
		b := e.behaviorLocked(id)
		if !b.LastRecoveryAt.IsZero() {
			interval := now.Sub(b.LastRecoveryAt)
			n := time.Duration(b.RecoveryCount)
			b.AvgRecoveryInterval = (b.AvgRecoveryInterval*n + interval) / (n + 1)
		}
		b.StaleCount++
		b.RecoveryCount++
		b.LastRecoveryAt = now
		e.saveBehaviorLocked(b)
	}
}

// SampleTraffic feeds the stall detector one sample of byte counters
func (e *Engine) SampleTraffic() {
	if e.traffic == nil || !e.session.IsRunning() {
		return
	}
	up, down, err := e.traffic.TrafficTotals()
	if err != nil {
		e.logger.Debug().Err(err).Msg("Failed to read traffic counters")
		return
	}

	e.mu.Lock()
	st, stalled := e.detector.observe(e.clock.Now(), up, down)
	e.mu.Unlock()
	if !stalled {
		return
	}

	if !e.limiter.TryAcquire() {
		e.mu.Lock()
		e.stats.RateLimited++
		e.mu.Unlock()
		metrics.RateLimitedTotal.WithLabelValues("traffic").Inc()
		e.logger.Debug().Msg("Traffic stall detected but rate limited")
		return
	}

	e.mu.Lock()
	e.stats.TrafficStalls++
	e.mu.Unlock()
	metrics.TrafficStallsTotal.Inc()
	reason := st.reason()
	e.logger.Warn().
		Int64("upload_bytes", st.upload).
		Int64("download_bytes", st.download).
		Dur("lasted", st.lasted).
		Msg("Upload-only traffic stall, closing idle connections")
	events.Emit(e.events, events.EventTrafficStall, reason, nil)
	e.requester.Request(types.NewCloseIdleConnections(e.cfg.Traffic.IdleMaxAge, reason))
}

// DecisionHistory returns recent decisions oldest first
func (e *Engine) DecisionHistory() []types.DecisionRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.list()
}

// AppBehaviors returns copies of all tracked behaviours sorted by identity
func (e *Engine) AppBehaviors() []types.AppBehavior {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.AppBehavior, 0, e.behaviors.Len())
	for _, b := range e.behaviors.Values() {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Stats returns cumulative counters
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// SampleMetrics updates gauges that are not maintained inline
func (e *Engine) SampleMetrics() {
	e.mu.Lock()
	n := e.behaviors.Len()
	e.mu.Unlock()
	metrics.AppBehaviorsTracked.Set(float64(n))
}

// ClearHistory forgets in-memory decisions
func (e *Engine) ClearHistory() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history.clear()
}

func (e *Engine) loadBehaviors() error {
	if e.store == nil {
		return nil
	}
	list, err := e.store.ListBehaviors()
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, b := range list {
		e.behaviors.Add(b.Identity, b)
	}
	e.logger.Debug().Int("count", len(list)).Msg("Loaded persisted behaviours")
	return nil
}

func (e *Engine) saveBehaviorLocked(b *types.AppBehavior) {
	if e.store == nil {
		return
	}
	cp := *b
	if err := e.store.SaveBehavior(&cp); err != nil {
		e.logger.Warn().Err(err).Str("identity", b.Identity).Msg("Failed to persist behaviour")
	}
}

func (e *Engine) flushBehaviorsLocked() {
	if e.store == nil {
		return
	}
	for _, b := range e.behaviors.Values() {
		e.saveBehaviorLocked(b)
	}
}

func (e *Engine) persistDecision(rec types.DecisionRecord) {
	if e.store == nil {
		return
	}
	if err := e.store.AppendDecision(&rec); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to persist decision")
	}
}
