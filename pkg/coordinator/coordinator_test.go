package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cuemby/sentinel/pkg/config"
	"github.com/cuemby/sentinel/pkg/health"
	"github.com/cuemby/sentinel/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	mu       sync.Mutex
	running  bool
	stopping bool
	caps     Capabilities
	calls    []string
	reasons  []string
	logs     []string
	failOn   map[string]error
	holds    map[string]chan struct{}
	probeErr error
	bumpOK   bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{running: true, failOn: map[string]error{}, holds: map[string]chan struct{}{}}
}

// record logs the call and blocks while a hold is registered for it
func (f *fakeSession) record(call, reason string) error {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.reasons = append(f.reasons, reason)
	err := f.failOn[call]
	hold := f.holds[call]
	f.mu.Unlock()

	if hold != nil {
		<-hold
	}
	return err
}

func (f *fakeSession) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSession) Reasons() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reasons...)
}

func (f *fakeSession) Logs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.logs...)
}

func (f *fakeSession) setRunning(running bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = running
}

func (f *fakeSession) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeSession) IsStopping() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopping
}

func (f *fakeSession) RecoverNetwork(_ context.Context, mode types.RecoveryMode, reason string) (bool, error) {
	err := f.record("recover:"+mode.String(), reason)
	return err == nil, err
}

func (f *fakeSession) EnterDeviceIdle(_ context.Context, reason string) (bool, error) {
	err := f.record("idle", reason)
	return err == nil, err
}

func (f *fakeSession) ResetConnections(_ context.Context, reason string, skipDebounce bool) error {
	return f.record(fmt.Sprintf("resetConnections:%t", skipDebounce), reason)
}

func (f *fakeSession) ResetCoreNetwork(_ context.Context, reason string, force bool) error {
	return f.record(fmt.Sprintf("resetCore:%t", force), reason)
}

func (f *fakeSession) RestartService(_ context.Context, reason string) error {
	return f.record("restart", reason)
}

func (f *fakeSession) CloseIdleConnections(_ context.Context, maxIdle time.Duration, reason string) (int, error) {
	return 2, f.record("closeIdle:"+maxIdle.String(), reason)
}

func (f *fakeSession) CloseIdentityConnections(_ context.Context, identity, reason string) (int, error) {
	return 3, f.record("closeIdentity:"+identity, reason)
}

// NetworkBump lets the fake double as the coordinator's bumper
func (f *fakeSession) NetworkBump(_ context.Context, reason string) (bool, error) {
	err := f.record("bump", reason)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bumpOK && err == nil, err
}

func (f *fakeSession) ProbeDataPlane(context.Context, string, time.Duration) (time.Duration, error) {
	_ = f.record("probe", "")
	f.mu.Lock()
	defer f.mu.Unlock()
	return 20 * time.Millisecond, f.probeErr
}

func (f *fakeSession) AddLog(message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, message)
}

func (f *fakeSession) Capabilities() Capabilities {
	return f.caps
}

type harness struct {
	c       *Coordinator
	mock    *clock.Mock
	session *fakeSession
	cfg     config.Coordinator
}

func newHarness(t *testing.T, mutate ...func(*config.Coordinator, *fakeSession)) *harness {
	t.Helper()
	cfg := config.Default().Coordinator
	cfg.VerifyAfterRecover = false
	session := newFakeSession()
	for _, m := range mutate {
		m(&cfg, session)
	}
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	c := New(cfg, WithClock(mock))
	require.NoError(t, c.Init(session))
	t.Cleanup(c.Cleanup)
	return &harness{c: c, mock: mock, session: session, cfg: cfg}
}

// flush fires the coalescing window and waits for the worker to go idle
func (h *harness) flush(t *testing.T) {
	t.Helper()
	h.mock.Add(h.cfg.CoalesceWindow)
	require.Eventually(t, func() bool {
		_, pending := h.c.Pending()
		return !pending && !h.c.Stats().WorkerActive
	}, 2*time.Second, 2*time.Millisecond)
}

// followUp advances past a scheduled follow-up request and runs it
func (h *harness) followUp(t *testing.T, d time.Duration) {
	t.Helper()
	h.mock.Add(d)
	require.Eventually(t, func() bool { return h.c.Stats().WorkerActive }, time.Second, 2*time.Millisecond)
	h.flush(t)
}

func TestInitRequiresSession(t *testing.T) {
	c := New(config.Default().Coordinator)
	assert.ErrorIs(t, c.Init(nil), ErrNotInitialized)
}

func TestRequestBeforeInitIsDropped(t *testing.T) {
	c := New(config.Default().Coordinator, WithClock(clock.NewMock()))
	c.Request(types.NewRestart("early"))

	_, pending := c.Pending()
	assert.False(t, pending)
	assert.Zero(t, c.Stats().Submitted)
}

func TestDeviceIdleSupersedesReset(t *testing.T) {
	h := newHarness(t)

	h.c.Request(types.NewResetConnections("foreground", false))
	h.c.Request(types.NewEnterDeviceIdle("doze"))
	h.flush(t)

	assert.Equal(t, []string{"idle"}, h.session.Calls())
	reason := h.session.Reasons()[0]
	assert.Contains(t, reason, "foreground")
	assert.Contains(t, reason, "doze")
	assert.Equal(t, uint64(1), h.c.Stats().Merged)
}

func TestResetsExecuteAsCompositeInPriorityOrder(t *testing.T) {
	h := newHarness(t)

	h.c.Request(types.NewResetConnections("type changed", true))
	h.c.Request(types.NewResetCoreNetwork("network changed", true))

	pending, ok := h.c.Pending()
	require.True(t, ok)
	assert.Equal(t, types.KindComposite, pending.Kind)

	h.flush(t)
	assert.Equal(t, []string{"resetCore:true", "resetConnections:true"}, h.session.Calls())
}

func TestRestartCooldown(t *testing.T) {
	h := newHarness(t)

	h.c.Request(types.NewRestart("first"))
	h.flush(t)
	first := h.c.Stats().LastRestartAt

	h.mock.Add(60 * time.Second)
	h.c.Request(types.NewRestart("second"))
	h.flush(t)
	assert.Equal(t, []string{"restart"}, h.session.Calls())
	assert.Equal(t, uint64(1), h.c.Stats().Skipped)
	assert.Contains(t, strings.Join(h.session.Logs(), "\n"), "restart skipped (cooldown) reason=second")

	h.mock.Set(first.Add(120 * time.Second))
	h.c.Request(types.NewRestart("third"))
	h.flush(t)
	assert.Equal(t, []string{"restart", "restart"}, h.session.Calls())
}

func TestRestartSkippedWhenNotRunning(t *testing.T) {
	h := newHarness(t)
	h.session.setRunning(false)

	h.c.Request(types.NewRestart("dead session"))
	h.flush(t)

	assert.Empty(t, h.session.Calls())
	assert.True(t, h.c.Stats().LastRestartAt.IsZero(), "skipped restart must not stamp the cooldown")
}

func TestDeepRecoveryCooldown(t *testing.T) {
	h := newHarness(t)

	h.c.Request(types.NewRecover(types.ModeDeep, "a"))
	h.flush(t)
	h.mock.Add(10 * time.Second)
	h.c.Request(types.NewRecover(types.ModeDeep, "b"))
	h.flush(t)
	assert.Equal(t, []string{"recover:deep"}, h.session.Calls())

	h.mock.Add(30 * time.Second)
	h.c.Request(types.NewRecover(types.ModeDeep, "c"))
	h.flush(t)
	assert.Equal(t, []string{"recover:deep", "recover:deep"}, h.session.Calls())
}

func TestDeepRecoveryCooldownExemptKeyword(t *testing.T) {
	h := newHarness(t, func(cfg *config.Coordinator, _ *fakeSession) {
		cfg.CooldownExemptKeywords = []string{"doze_exit"}
	})

	h.c.Request(types.NewRecover(types.ModeDeep, "stale"))
	h.flush(t)
	h.c.Request(types.NewRecover(types.ModeDeep, "DOZE_EXIT wake"))
	h.flush(t)

	assert.Equal(t, []string{"recover:deep", "recover:deep"}, h.session.Calls())
}

func TestNonRestartGatedOnSessionState(t *testing.T) {
	h := newHarness(t)
	h.session.setRunning(false)

	h.c.Request(types.NewRecover(types.ModeQuick, "stale"))
	h.flush(t)
	assert.Empty(t, h.session.Calls())

	h.session.setRunning(true)
	h.c.Request(types.NewRecover(types.ModeQuick, "stale again"))
	h.flush(t)
	assert.Equal(t, []string{"recover:quick"}, h.session.Calls())
}

func TestFailureDoesNotStopWorker(t *testing.T) {
	h := newHarness(t, func(_ *config.Coordinator, s *fakeSession) {
		s.failOn["resetConnections:false"] = errors.New("socket closed")
	})

	h.c.Request(types.NewResetConnections("a", false))
	h.flush(t)
	h.c.Request(types.NewRecover(types.ModeQuick, "b"))
	h.flush(t)

	assert.Equal(t, []string{"resetConnections:false", "recover:quick"}, h.session.Calls())
	stats := h.c.Stats()
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(1), stats.Executed)
	assert.Contains(t, h.session.Logs()[0], "WARN [Recovery]")
}

func TestWorkerDrainsAndStops(t *testing.T) {
	h := newHarness(t)

	h.c.Request(types.NewRecover(types.ModeAuto, "once"))
	assert.True(t, h.c.Stats().WorkerActive)
	h.flush(t)

	// Nothing else happens without a new request
	h.mock.Add(time.Minute)
	assert.Equal(t, []string{"recover:auto"}, h.session.Calls())
	assert.False(t, h.c.Stats().WorkerActive)
}

func TestCloseIdleConnections(t *testing.T) {
	t.Run("supported", func(t *testing.T) {
		h := newHarness(t, func(_ *config.Coordinator, s *fakeSession) {
			s.caps.CloseIdleConnections = true
		})
		h.c.Request(types.NewCloseIdleConnections(30*time.Second, "upload stall"))
		h.flush(t)
		assert.Equal(t, []string{"closeIdle:30s"}, h.session.Calls())
		assert.Contains(t, h.session.Logs()[0], "closed=2")
	})

	t.Run("fallback", func(t *testing.T) {
		h := newHarness(t)
		h.c.Request(types.NewCloseIdleConnections(30*time.Second, "upload stall"))
		h.flush(t)
		assert.Equal(t, []string{"resetConnections:false"}, h.session.Calls())
	})
}

func TestVerifyEscalatesAfterFailedCheck(t *testing.T) {
	h := newHarness(t, func(cfg *config.Coordinator, s *fakeSession) {
		cfg.VerifyAfterRecover = true
		s.caps.DataPlaneProbe = true
		s.probeErr = errors.New("timeout")
	})

	h.c.Request(types.NewRecover(types.ModeQuick, "stale"))
	h.flush(t)
	assert.Equal(t, []string{"recover:quick"}, h.session.Calls())

	// Verification is queued after the delay, fails and escalates to full
	h.followUp(t, h.cfg.VerifyDelay)

	// The escalation is merged into the mailbox while the worker is still
	// running and executes back-to-back
	calls := h.session.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, []string{"recover:quick", "probe", "recover:full"}, calls)
	assert.Equal(t, "escalate_from_verify_after_stale", h.session.Reasons()[2])
}

func TestVerifyWithChecker(t *testing.T) {
	checker := &stubChecker{result: health.Result{Healthy: true, Duration: 15 * time.Millisecond}}
	cfg := config.Default().Coordinator
	mock := clock.NewMock()
	session := newFakeSession()

	c := New(cfg, WithClock(mock), WithVerifier(checker))
	require.NoError(t, c.Init(session))
	defer c.Cleanup()

	c.Request(types.NewVerifyConnectivity(types.ModeFull, true, "manual"))
	mock.Add(cfg.CoalesceWindow)
	require.Eventually(t, func() bool { return c.Stats().Executed == 1 }, time.Second, 2*time.Millisecond)

	assert.Equal(t, 1, checker.calls())
	assert.Contains(t, session.Logs()[0], "latency=15ms")
}

func TestCleanupDropsPending(t *testing.T) {
	h := newHarness(t)

	h.c.Request(types.NewRestart("pending"))
	h.c.Cleanup()
	h.mock.Add(time.Second)

	assert.Empty(t, h.session.Calls())
	_, pending := h.c.Pending()
	assert.False(t, pending)

	h.c.Request(types.NewRestart("after cleanup"))
	_, pending = h.c.Pending()
	assert.False(t, pending)
}

func TestVerifyAfterFailedRecover(t *testing.T) {
	h := newHarness(t, func(cfg *config.Coordinator, s *fakeSession) {
		cfg.VerifyAfterRecover = true
		s.caps.DataPlaneProbe = true
		s.failOn["recover:quick"] = errors.New("core busy")
	})

	h.c.Request(types.NewRecover(types.ModeQuick, "stale"))
	h.flush(t)
	h.followUp(t, h.cfg.VerifyDelay)

	assert.Equal(t, []string{"recover:quick", "probe"}, h.session.Calls())
}

func TestFailedProactiveRecoveryIsNotEscalated(t *testing.T) {
	h := newHarness(t, func(cfg *config.Coordinator, s *fakeSession) {
		cfg.VerifyAfterRecover = true
		s.caps.DataPlaneProbe = true
		s.probeErr = errors.New("timeout")
	})

	h.c.Request(types.NewRecover(types.ModeProactive, "screen_on"))
	h.flush(t)
	h.followUp(t, h.cfg.VerifyDelay)

	assert.Equal(t, []string{"recover:proactive", "probe"}, h.session.Calls())
	_, pending := h.c.Pending()
	assert.False(t, pending)
	assert.NotContains(t, strings.Join(h.session.Logs(), "\n"), "[Escalate]")
}

func TestNetworkBumpVerifiesAfterSuccess(t *testing.T) {
	h := newHarness(t, func(cfg *config.Coordinator, s *fakeSession) {
		cfg.VerifyAfterRecover = true
		s.caps.DataPlaneProbe = true
		s.bumpOK = true
	})
	h.c.SetNetworkBumper(h.session)

	h.c.Request(types.NewNetworkBump("app_foreground"))
	h.flush(t)
	assert.Equal(t, []string{"bump"}, h.session.Calls())
	assert.False(t, h.c.Stats().LastNetworkBumpAt.IsZero())

	h.followUp(t, h.cfg.VerifyDelay)
	assert.Equal(t, []string{"bump", "probe"}, h.session.Calls())
	assert.Equal(t, "verify_after_app_foreground", h.session.Reasons()[1])
}

func TestNetworkBumpFailureEscalatesToFullRecovery(t *testing.T) {
	h := newHarness(t)
	h.c.SetNetworkBumper(h.session)

	h.c.Request(types.NewNetworkBump("screen_on"))
	h.flush(t)
	assert.Equal(t, []string{"bump"}, h.session.Calls())
	assert.Equal(t, uint64(1), h.c.Stats().Failed)
	assert.Contains(t, strings.Join(h.session.Logs(), "\n"), "WARN [Recovery] networkBump failed, escalating to Recover")

	h.followUp(t, h.cfg.BumpEscalationDelay)
	assert.Equal(t, []string{"bump", "recover:full"}, h.session.Calls())
	assert.Equal(t, "networkbump_failed:screen_on", h.session.Reasons()[1])
}

func TestNetworkBumpWithoutBumper(t *testing.T) {
	h := newHarness(t)

	h.c.Request(types.NewNetworkBump("manual"))
	h.flush(t)
	assert.Empty(t, h.session.Calls())
	assert.Contains(t, strings.Join(h.session.Logs(), "\n"), ErrUnsupported.Error())

	h.followUp(t, h.cfg.BumpEscalationDelay)
	assert.Equal(t, []string{"recover:full"}, h.session.Calls())
}

func TestNetworkBumpCooldown(t *testing.T) {
	h := newHarness(t, func(cfg *config.Coordinator, s *fakeSession) {
		cfg.CooldownExemptKeywords = []string{"screen_on"}
		s.bumpOK = true
	})
	h.c.SetNetworkBumper(h.session)

	h.c.Request(types.NewNetworkBump("a"))
	h.flush(t)
	h.mock.Add(time.Second)
	h.c.Request(types.NewNetworkBump("b"))
	h.flush(t)
	assert.Equal(t, []string{"bump"}, h.session.Calls())
	assert.Equal(t, uint64(1), h.c.Stats().Skipped)

	// exempt reasons bypass the cooldown but still stamp it
	h.c.Request(types.NewNetworkBump("screen_on"))
	h.flush(t)
	h.mock.Add(h.cfg.NetworkBumpCooldown - time.Millisecond)
	h.c.Request(types.NewNetworkBump("c"))
	h.flush(t)
	assert.Equal(t, []string{"bump", "bump"}, h.session.Calls())

	h.mock.Add(time.Millisecond)
	h.c.Request(types.NewNetworkBump("d"))
	h.flush(t)
	assert.Equal(t, []string{"bump", "bump", "bump"}, h.session.Calls())
}

func TestBumpAndRecoverRunInPriorityOrder(t *testing.T) {
	h := newHarness(t, func(_ *config.Coordinator, s *fakeSession) {
		s.bumpOK = true
	})
	h.c.SetNetworkBumper(h.session)

	h.c.Request(types.NewRecover(types.ModeQuick, "stale"))
	h.c.Request(types.NewNetworkBump("app_foreground"))
	h.flush(t)

	assert.Equal(t, []string{"bump", "recover:quick"}, h.session.Calls())
}

func TestCloseIdentities(t *testing.T) {
	supported := func(_ *config.Coordinator, s *fakeSession) {
		s.caps.CloseIdentityConnections = true
	}

	t.Run("supported", func(t *testing.T) {
		h := newHarness(t, supported)
		h.c.Request(types.NewCloseIdentities([]string{"a", "b"}, "stale_confirmed:a,b"))
		h.flush(t)

		assert.Equal(t, []string{"closeIdentity:a", "closeIdentity:b"}, h.session.Calls())
		assert.Contains(t, h.session.Logs()[0], "identities=2 closed=6")
		rec, ok := h.c.IdentityRecovery("a")
		require.True(t, ok)
		assert.True(t, rec.Success)
		assert.Equal(t, MethodClose, rec.Method)
		assert.Equal(t, 3, rec.Closed)
		assert.Equal(t, 1, rec.Attempts)

		h.mock.Add(h.cfg.IdentityCloseCooldown)
		h.c.Request(types.NewCloseIdentities([]string{"a"}, "stale_confirmed:a"))
		h.flush(t)
		rec, _ = h.c.IdentityRecovery("a")
		assert.Equal(t, 2, rec.Attempts)
		assert.Len(t, h.c.IdentityRecoveries(), 2)
	})

	t.Run("cooldown", func(t *testing.T) {
		h := newHarness(t, supported)
		h.c.Request(types.NewCloseIdentities([]string{"a"}, "first"))
		h.flush(t)
		h.c.Request(types.NewCloseIdentities([]string{"b"}, "second"))
		h.flush(t)

		assert.Equal(t, []string{"closeIdentity:a"}, h.session.Calls())
		_, ok := h.c.IdentityRecovery("b")
		assert.False(t, ok)
	})

	t.Run("fallback to bump", func(t *testing.T) {
		h := newHarness(t, func(_ *config.Coordinator, s *fakeSession) {
			s.bumpOK = true
		})
		h.c.SetNetworkBumper(h.session)
		h.c.Request(types.NewCloseIdentities([]string{"a"}, "stale"))
		h.flush(t)

		assert.Equal(t, []string{"bump"}, h.session.Calls())
		assert.Equal(t, "identity_fallback:stale", h.session.Reasons()[0])
		rec, ok := h.c.IdentityRecovery("a")
		require.True(t, ok)
		assert.Equal(t, MethodNetworkBump, rec.Method)
	})

	t.Run("all failed", func(t *testing.T) {
		h := newHarness(t, func(cfg *config.Coordinator, s *fakeSession) {
			supported(cfg, s)
			s.failOn["closeIdentity:a"] = errors.New("no such uid")
		})
		h.c.Request(types.NewCloseIdentities([]string{"a"}, "stale"))
		h.flush(t)

		assert.Equal(t, []string{"closeIdentity:a", "recover:quick"}, h.session.Calls())
		assert.Equal(t, "identity_close_failed:stale", h.session.Reasons()[1])
		rec, _ := h.c.IdentityRecovery("a")
		assert.False(t, rec.Success)
	})
}

func TestReinitWhileArmedKeepsWorking(t *testing.T) {
	h := newHarness(t)

	h.c.Request(types.NewResetConnections("before rebind", false))
	require.NoError(t, h.c.Init(h.session))
	assert.True(t, h.c.Stats().WorkerActive, "pending request is handed to a new worker")
	h.flush(t)
	assert.Equal(t, []string{"resetConnections:false"}, h.session.Calls())

	h.c.Request(types.NewRestart("after rebind"))
	h.flush(t)
	assert.Equal(t, []string{"resetConnections:false", "restart"}, h.session.Calls())
}

func TestRebindDuringInFlightOperationSerializes(t *testing.T) {
	h := newHarness(t)
	hold := make(chan struct{})
	h.session.holds["restart"] = hold

	h.c.Request(types.NewRestart("slow"))
	h.mock.Add(h.cfg.CoalesceWindow)
	require.Eventually(t, func() bool { return len(h.session.Calls()) == 1 }, time.Second, 2*time.Millisecond)

	h.c.Cleanup()
	next := newFakeSession()
	require.NoError(t, h.c.Init(next))
	h.c.Request(types.NewResetConnections("after rebind", true))
	h.mock.Add(h.cfg.CoalesceWindow)

	require.Never(t, func() bool { return len(next.Calls()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	close(hold)

	require.Eventually(t, func() bool {
		return len(next.Calls()) == 1 && !h.c.Stats().WorkerActive
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, []string{"resetConnections:true"}, next.Calls())
	assert.Equal(t, []string{"restart"}, h.session.Calls())
}

type recordingResetter struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingResetter) ResetNow(_ context.Context, reason string, force, skip bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf("%s force=%t skip=%t", reason, force, skip))
	return nil
}

func TestCoreResetRoutedThroughResetter(t *testing.T) {
	h := newHarness(t)
	resetter := &recordingResetter{}
	h.c.SetCoreResetter(resetter)

	h.c.Request(types.NewResetCoreNetwork("wifi handoff", false))
	h.flush(t)

	assert.Empty(t, h.session.Calls())
	resetter.mu.Lock()
	defer resetter.mu.Unlock()
	assert.Equal(t, []string{"wifi handoff force=false skip=true"}, resetter.calls)
}

type stubChecker struct {
	mu     sync.Mutex
	n      int
	result health.Result
}

func (s *stubChecker) Check(context.Context) health.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return s.result
}

func (s *stubChecker) Type() health.CheckType { return health.CheckTypeHTTP }

func (s *stubChecker) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}
