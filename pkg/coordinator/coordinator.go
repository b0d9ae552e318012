package coordinator

import (
	"context"
	"errors"
	"fmt"
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
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// Stats is a snapshot of coordinator activity
type Stats struct {
	Submitted          uint64
	Merged             uint64
	Executed           uint64
	Skipped            uint64
	Failed             uint64
	WorkerActive       bool
	LastRestartAt      time.Time
	LastDeepRecoveryAt time.Time
	LastNetworkBumpAt  time.Time
}

// IdentityRecovery records the latest attempt to close one identity's
// connections
type IdentityRecovery struct {
	Identity string        `json:"identity"`
	At       time.Time     `json:"at"`
	Success  bool          `json:"success"`
	Method   string        `json:"method"`
	Closed   int           `json:"closed"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Reason   string        `json:"reason"`
}

// Identity close methods
const (
	MethodClose       = "close"
	MethodNetworkBump = "network_bump"
)

// Coordinator is the single entry point for corrective operations against
// the session. Requests are coalesced in a one-slot mailbox and executed
// one at a time by an on-demand worker.
type Coordinator struct {
	cfg          config.Coordinator
	clock        clock.Clock
	logger       zerolog.Logger
	events       events.Publisher
	verifier     health.Checker
	coreResetter CoreResetter
	bumper       NetworkBumper
	records      *lru.Cache[string, IdentityRecovery]

	// execMu serializes workers across generations. Lock order: execMu, mu.
	execMu sync.Mutex

	mu           sync.Mutex
	session      Session
	caps         Capabilities
	ctx          context.Context
	cancel       context.CancelFunc
	generation   uint64
	pending      *types.Request
	workerActive bool
	armTimer     *clock.Timer
	followUps    map[*clock.Timer]struct{}

	// Written only by the worker, read under mu by Stats
	lastRestartAt       time.Time
	lastDeepRecoveryAt  time.Time
	lastNetworkBumpAt   time.Time
	lastIdentityCloseAt time.Time

	stats Stats
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithClock sets the clock used for coalescing and cooldowns
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) { c.clock = clk }
}

// WithEvents publishes execution outcomes on p
func WithEvents(p events.Publisher) Option {
	return func(c *Coordinator) { c.events = p }
}

// WithVerifier sets the checker used for connectivity verification when the
// session cannot probe its own data plane
func WithVerifier(checker health.Checker) Option {
	return func(c *Coordinator) { c.verifier = checker }
}

// New creates a coordinator. It does nothing until Init binds a session.
func New(cfg config.Coordinator, opts ...Option) *Coordinator {
	// lru.New only fails for a non-positive size
	records, _ := lru.New[string, IdentityRecovery](max(cfg.MaxIdentityRecords, 1))
	c := &Coordinator{
		cfg:       cfg,
		clock:     clock.New(),
		logger:    log.WithComponent("coordinator"),
		records:   records,
		followUps: make(map[*clock.Timer]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Init binds the session. Its capabilities are read once here. Binding
// again retires the current worker; a pending request is kept and handed
// to a fresh worker that starts once the retired one finishes.
func (c *Coordinator) Init(session Session) error {
	if session == nil {
		return fmt.Errorf("init: %w", ErrNotInitialized)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopTimersLocked()
	if c.cancel != nil {
		c.cancel()
	}
	c.session = session
	c.caps = session.Capabilities()
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.generation++
	c.workerActive = false
	metrics.WorkerActive.Set(0)
	if c.pending != nil {
		c.armLocked()
	}

	c.logger.Info().
		Bool("close_idle", c.caps.CloseIdleConnections).
		Bool("data_plane_probe", c.caps.DataPlaneProbe).
		Bool("close_identity", c.caps.CloseIdentityConnections).
		Msg("Coordinator initialized")
	metrics.UpdateComponent("coordinator", true, "")
	return nil
}

// SetCoreResetter routes core network resets through r. It exists because
// the reset manager itself needs the coordinator to escalate to a restart.
func (c *Coordinator) SetCoreResetter(r CoreResetter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.coreResetter = r
}

// SetNetworkBumper routes network bumps through b. Without one, bumps fail
// with ErrUnsupported and escalate to a full recovery.
func (c *Coordinator) SetNetworkBumper(b NetworkBumper) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bumper = b
}

// Cleanup drops the pending request, stops the worker after its current
// operation and releases the session
func (c *Coordinator) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopTimersLocked()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.generation++
	c.pending = nil
	c.workerActive = false
	c.session = nil
	c.records.Purge()

	metrics.PendingRequests.Set(0)
	metrics.WorkerActive.Set(0)
	metrics.UpdateComponent("coordinator", false, "cleaned up")
	c.logger.Info().Msg("Coordinator cleaned up")
}

// Request submits a corrective operation. It never blocks on execution.
func (c *Coordinator) Request(req types.Request) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = c.clock.Now()
	}
	req.Reason = types.TruncateReason(req.Reason)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		c.logger.Warn().
			Str("request", req.String()).
			Str("reason", req.Reason).
			Msg("Dropping request, coordinator not initialized")
		return
	}

	metrics.RequestsSubmittedTotal.WithLabelValues(string(req.Kind)).Inc()
	c.stats.Submitted++

	if c.pending == nil {
		c.pending = &req
	} else {
		merged := Merge(*c.pending, req)
		c.logger.Debug().
			Str("pending", c.pending.String()).
			Str("incoming", req.String()).
			Str("merged", merged.String()).
			Msg("Merged request into pending slot")
		c.pending = &merged
		c.stats.Merged++
		metrics.RequestsMergedTotal.Inc()
	}
	metrics.PendingRequests.Set(1)

	if !c.workerActive {
		c.armLocked()
	}
}

// armLocked starts a worker for the current generation after the coalesce
// window. c.mu must be held.
func (c *Coordinator) armLocked() {
	c.workerActive = true
	metrics.WorkerActive.Set(1)

	gen := c.generation
	c.armTimer = c.clock.AfterFunc(c.cfg.CoalesceWindow, func() {
		c.drain(gen)
	})
}

func (c *Coordinator) stopTimersLocked() {
	if c.armTimer != nil {
		c.armTimer.Stop()
		c.armTimer = nil
	}
	for t := range c.followUps {
		t.Stop()
	}
	c.followUps = make(map[*clock.Timer]struct{})
}

// Pending returns a copy of the request waiting in the mailbox
func (c *Coordinator) Pending() (types.Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return types.Request{}, false
	}
	return *c.pending, true
}

// Stats returns a snapshot of coordinator counters
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.WorkerActive = c.workerActive
	s.LastRestartAt = c.lastRestartAt
	s.LastDeepRecoveryAt = c.lastDeepRecoveryAt
	s.LastNetworkBumpAt = c.lastNetworkBumpAt
	return s
}

// IdentityRecoveries returns the latest close attempt per identity, oldest
// first
func (c *Coordinator) IdentityRecoveries() []IdentityRecovery {
	return c.records.Values()
}

// IdentityRecovery returns the latest close attempt for identity
func (c *Coordinator) IdentityRecovery(identity string) (IdentityRecovery, bool) {
	return c.records.Peek(identity)
}

// drain is the worker loop. It exits when the mailbox is empty or the
// coordinator was cleaned up or re-bound since it started. A worker of a
// newer generation waits here until the retired one finishes its operation.
func (c *Coordinator) drain(gen uint64) {
	for {
		c.execMu.Lock()
		c.mu.Lock()
		if c.generation != gen {
			c.mu.Unlock()
			c.execMu.Unlock()
			return
		}
		if c.pending == nil {
			c.workerActive = false
			c.armTimer = nil
			metrics.WorkerActive.Set(0)
			c.mu.Unlock()
			c.execMu.Unlock()
			return
		}
		req := *c.pending
		c.pending = nil
		session, ctx := c.session, c.ctx
		metrics.PendingRequests.Set(0)
		c.mu.Unlock()

		c.execute(ctx, session, req)
		c.execMu.Unlock()
	}
}

// execute runs a request, splitting composites into their items in
// descending priority. Each item is gated on its own.
func (c *Coordinator) execute(ctx context.Context, session Session, req types.Request) {
	leaves := req.Leaves()
	sort.SliceStable(leaves, func(i, j int) bool {
		return leaves[i].Priority() > leaves[j].Priority()
	})

	for _, leaf := range leaves {
		if ctx.Err() != nil {
			c.logger.Info().
				Str("request", leaf.String()).
				Msg("Coordinator stopped, abandoning remaining items")
			return
		}
		c.executeOne(ctx, session, leaf)
	}
}

func (c *Coordinator) executeOne(ctx context.Context, session Session, req types.Request) {
	logger := log.WithRequestID(req.ID).With().Str("component", "coordinator").Logger()
	kind := string(req.Kind)

	if skip := c.gate(session, req); skip != "" {
		logger.Info().
			Str("request", req.String()).
			Str("skip", skip).
			Str("reason", req.Reason).
			Msg("Skipped request")
		session.AddLog(fmt.Sprintf("INFO [Recovery] %s skipped (%s) reason=%s", req.String(), skip, req.Reason))
		metrics.RequestsExecutedTotal.WithLabelValues(kind, "skipped").Inc()
		c.count(func(s *Stats) { s.Skipped++ })
		events.Emit(c.events, events.EventRequestSkipped, req.String(), map[string]string{
			"id": req.ID, "kind": kind, "skip": skip, "reason": req.Reason,
		})
		return
	}

	// In-flight operations run to completion even after Cleanup
	opCtx := context.WithoutCancel(ctx)
	start := c.clock.Now()
	timer := metrics.NewTimer()
	detail, err := c.perform(opCtx, session, req)
	timer.ObserveDurationVec(metrics.RequestExecutionDuration, kind)
	cost := c.clock.Since(start).Milliseconds()

	if err != nil {
		logger.Warn().
			Err(err).
			Str("request", req.String()).
			Str("reason", req.Reason).
			Msg("Request failed")
		session.AddLog(fmt.Sprintf("WARN [Recovery] %s failed: %v cost=%dms reason=%s", req.String(), err, cost, req.Reason))
		metrics.RequestsExecutedTotal.WithLabelValues(kind, "failed").Inc()
		c.count(func(s *Stats) { s.Failed++ })
		events.Emit(c.events, events.EventRequestFailed, req.String(), map[string]string{
			"id": req.ID, "kind": kind, "error": err.Error(), "reason": req.Reason,
		})
	} else {
		logger.Info().
			Str("request", req.String()).
			Str("detail", detail).
			Int64("cost_ms", cost).
			Str("reason", req.Reason).
			Msg("Executed request")
		session.AddLog(strings.TrimSpace(fmt.Sprintf("INFO [Recovery] %s %s cost=%dms reason=%s", req.String(), detail, cost, req.Reason)))
		metrics.RequestsExecutedTotal.WithLabelValues(kind, "executed").Inc()
		c.count(func(s *Stats) { s.Executed++ })
		events.Emit(c.events, events.EventRequestExecuted, req.String(), map[string]string{
			"id": req.ID, "kind": kind, "reason": req.Reason,
		})
	}

	// Neither result alone proves the data plane works
	if c.cfg.VerifyAfterRecover &&
		(req.Kind == types.KindRecover || (req.Kind == types.KindNetworkBump && err == nil)) {
		c.scheduleVerification(req)
	}
}

// gate returns a non-empty skip label when req must not run now. Cooldown
// timestamps are stamped here, before the operation starts.
func (c *Coordinator) gate(session Session, req types.Request) string {
	running, stopping := session.IsRunning(), session.IsStopping()
	if !running || stopping {
		return "state"
	}

	now := c.clock.Now()
	switch {
	case req.Kind == types.KindRestart:
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.lastRestartAt.IsZero() && now.Sub(c.lastRestartAt) < c.cfg.RestartCooldown {
			return "cooldown"
		}
		c.lastRestartAt = now

	case req.Kind == types.KindRecover && req.Mode == types.ModeDeep:
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.cooldownExempt(req.Reason) &&
			!c.lastDeepRecoveryAt.IsZero() && now.Sub(c.lastDeepRecoveryAt) < c.cfg.DeepRecoveryCooldown {
			return "cooldown"
		}
		c.lastDeepRecoveryAt = now

	case req.Kind == types.KindNetworkBump:
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.cooldownExempt(req.Reason) &&
			!c.lastNetworkBumpAt.IsZero() && now.Sub(c.lastNetworkBumpAt) < c.cfg.NetworkBumpCooldown {
			return "cooldown"
		}
		c.lastNetworkBumpAt = now

	case req.Kind == types.KindCloseIdentities:
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.lastIdentityCloseAt.IsZero() && now.Sub(c.lastIdentityCloseAt) < c.cfg.IdentityCloseCooldown {
			return "cooldown"
		}
		c.lastIdentityCloseAt = now
	}
	return ""
}

func (c *Coordinator) cooldownExempt(reason string) bool {
	lower := strings.ToLower(reason)
	for _, kw := range c.cfg.CooldownExemptKeywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// perform calls the session for one leaf request and returns a short
// outcome description for the session log
func (c *Coordinator) perform(ctx context.Context, session Session, req types.Request) (string, error) {
	switch req.Kind {
	case types.KindRecover:
		ok, err := session.RecoverNetwork(ctx, req.Mode, req.Reason)
		return boolOutcome(ok, err)

	case types.KindEnterDeviceIdle:
		ok, err := session.EnterDeviceIdle(ctx, req.Reason)
		return boolOutcome(ok, err)

	case types.KindResetConnections:
		return "", session.ResetConnections(ctx, req.Reason, req.SkipDebounce)

	case types.KindResetCoreNetwork:
		c.mu.Lock()
		resetter := c.coreResetter
		c.mu.Unlock()
		if resetter != nil {
			return "", resetter.ResetNow(ctx, req.Reason, req.Force, true)
		}
		return "", session.ResetCoreNetwork(ctx, req.Reason, req.Force)

	case types.KindRestart:
		return "", session.RestartService(ctx, req.Reason)

	case types.KindCloseIdleConnections:
		if !c.capabilities().CloseIdleConnections {
			return "fallback=resetConnections", session.ResetConnections(ctx, req.Reason, false)
		}
		n, err := session.CloseIdleConnections(ctx, req.MaxIdle, req.Reason)
		return fmt.Sprintf("closed=%d", n), err

	case types.KindVerifyConnectivity:
		return c.verify(ctx, session, req)

	case types.KindNetworkBump:
		return c.networkBump(ctx, session, req)

	case types.KindCloseIdentities:
		return c.closeIdentities(ctx, session, req)

	default:
		return "", fmt.Errorf("unknown request kind %q", req.Kind)
	}
}

func (c *Coordinator) capabilities() Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

func boolOutcome(ok bool, err error) (string, error) {
	if err != nil {
		return "", err
	}
	if !ok {
		return "ok=false", ErrOperationFailed
	}
	return "ok=true", nil
}

// verify probes the data plane and, on failure, submits the next recovery
// step: quick/auto -> full -> deep -> restart. A failed proactive recovery
// is not escalated.
func (c *Coordinator) verify(ctx context.Context, session Session, req types.Request) (string, error) {
	var (
		latency time.Duration
		err     error
	)
	switch {
	case c.capabilities().DataPlaneProbe:
		latency, err = session.ProbeDataPlane(ctx, c.verifyURL(), c.cfg.VerifyTimeout)
	case c.verifier != nil:
		probeCtx, cancel := context.WithTimeout(ctx, c.cfg.VerifyTimeout)
		result := c.verifier.Check(probeCtx)
		cancel()
		latency = result.Duration
		if !result.Healthy {
			err = errors.New(result.Message)
		}
	default:
		return "probe=unavailable", nil
	}

	if err == nil {
		return fmt.Sprintf("latency=%dms", latency.Milliseconds()), nil
	}

	if next, ok := escalation(req.Mode, "escalate_from_"+req.Reason); ok && req.Escalate {
		session.AddLog(fmt.Sprintf("WARN [Escalate] %s -> %s", req.Mode, next.String()))
		c.logger.Warn().
			Str("from", req.Mode.String()).
			Str("to", next.String()).
			Msg("Escalating recovery after failed verification")
		c.Request(next)
	}
	return "", fmt.Errorf("%w: %v", ErrVerifyFailed, err)
}

func (c *Coordinator) verifyURL() string {
	if c.cfg.VerifyURL != "" {
		return c.cfg.VerifyURL
	}
	return health.DefaultConnectivityURL
}

func escalation(from types.RecoveryMode, reason string) (types.Request, bool) {
	switch from {
	case types.ModeAuto, types.ModeQuick:
		return types.NewRecover(types.ModeFull, reason), true
	case types.ModeFull:
		return types.NewRecover(types.ModeDeep, reason), true
	case types.ModeDeep:
		return types.NewRestart(reason), true
	default:
		return types.Request{}, false
	}
}

// networkBump asks the bumper to rebind the underlying network. A failed
// bump schedules a full recovery.
func (c *Coordinator) networkBump(ctx context.Context, session Session, req types.Request) (string, error) {
	c.mu.Lock()
	bumper := c.bumper
	c.mu.Unlock()

	var (
		ok  bool
		err error
	)
	if bumper == nil {
		err = ErrUnsupported
	} else {
		ok, err = bumper.NetworkBump(ctx, req.Reason)
	}
	if err == nil && ok {
		return "ok=true", nil
	}
	if err == nil {
		err = ErrOperationFailed
	}

	session.AddLog("WARN [Recovery] networkBump failed, escalating to Recover")
	c.logger.Warn().
		Err(err).
		Dur("delay", c.cfg.BumpEscalationDelay).
		Msg("Network bump failed, scheduling full recovery")
	c.scheduleFollowUp(c.cfg.BumpEscalationDelay,
		types.NewRecover(types.ModeFull, "networkbump_failed:"+req.Reason))
	return "", err
}

// closeIdentities closes the connections of each identity in turn. Without
// the session capability a network bump is requested instead. When every
// identity fails a quick recovery is requested.
func (c *Coordinator) closeIdentities(ctx context.Context, session Session, req types.Request) (string, error) {
	if !c.capabilities().CloseIdentityConnections {
		now := c.clock.Now()
		for _, id := range req.Identities {
			c.record(IdentityRecovery{Identity: id, At: now, Success: true, Method: MethodNetworkBump, Reason: req.Reason})
		}
		c.Request(types.NewNetworkBump("identity_fallback:" + req.Reason))
		return "fallback=networkBump", nil
	}

	var (
		closed, failed int
		errs           error
	)
	for _, id := range req.Identities {
		start := c.clock.Now()
		n, err := session.CloseIdentityConnections(ctx, id, req.Reason)
		c.record(IdentityRecovery{
			Identity: id,
			At:       start,
			Success:  err == nil,
			Method:   MethodClose,
			Closed:   n,
			Duration: c.clock.Since(start),
			Reason:   req.Reason,
		})
		if err != nil {
			failed++
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", id, err))
			metrics.IdentityClosesTotal.WithLabelValues("failed").Inc()
			continue
		}
		closed += n
		metrics.IdentityClosesTotal.WithLabelValues("closed").Inc()
	}

	detail := fmt.Sprintf("identities=%d closed=%d", len(req.Identities), closed)
	switch {
	case failed > 0 && failed == len(req.Identities):
		c.Request(types.NewRecover(types.ModeQuick, "identity_close_failed:"+req.Reason))
		return detail, errs
	case failed > 0:
		c.logger.Warn().Err(errs).Int("failed", failed).Msg("Some identity closes failed")
	}
	return detail, nil
}

// record stores rec as the latest attempt for its identity
func (c *Coordinator) record(rec IdentityRecovery) {
	rec.Attempts = 1
	if prev, ok := c.records.Peek(rec.Identity); ok {
		rec.Attempts = prev.Attempts + 1
	}
	c.records.Add(rec.Identity, rec)
}

func (c *Coordinator) scheduleVerification(recovered types.Request) {
	c.scheduleFollowUp(c.cfg.VerifyDelay,
		types.NewVerifyConnectivity(recovered.Mode, true, "verify_after_"+recovered.Reason))
}

// scheduleFollowUp submits req after d unless the coordinator is cleaned up
// or re-bound first
func (c *Coordinator) scheduleFollowUp(d time.Duration, req types.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return
	}

	var t *clock.Timer
	t = c.clock.AfterFunc(d, func() {
		c.mu.Lock()
		delete(c.followUps, t)
		c.mu.Unlock()
		c.Request(req)
	})
	c.followUps[t] = struct{}{}
}

func (c *Coordinator) count(fn func(*Stats)) {
	c.mu.Lock()
	fn(&c.stats)
	c.mu.Unlock()
}
