package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cuemby/sentinel/pkg/config"
	"github.com/cuemby/sentinel/pkg/connhealth"
	"github.com/cuemby/sentinel/pkg/coordinator"
	"github.com/cuemby/sentinel/pkg/events"
	"github.com/cuemby/sentinel/pkg/storage"
	"github.com/cuemby/sentinel/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	mu      sync.Mutex
	running bool
	calls   []string
	conns   []connhealth.ConnectionSample
}

func (f *fakeSession) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeSession) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeSession) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeSession) IsStopping() bool { return false }

func (f *fakeSession) RecoverNetwork(context.Context, types.RecoveryMode, string) (bool, error) {
	f.record("recover")
	return true, nil
}

func (f *fakeSession) EnterDeviceIdle(context.Context, string) (bool, error) {
	f.record("idle")
	return true, nil
}

func (f *fakeSession) ResetConnections(context.Context, string, bool) error {
	f.record("reset_connections")
	return nil
}

func (f *fakeSession) ResetCoreNetwork(context.Context, string, bool) error {
	f.record("session_reset_core")
	return nil
}

func (f *fakeSession) RestartService(context.Context, string) error {
	f.record("restart")
	return nil
}

func (f *fakeSession) CloseIdleConnections(context.Context, time.Duration, string) (int, error) {
	f.record("close_idle")
	return 0, nil
}

func (f *fakeSession) CloseIdentityConnections(context.Context, string, string) (int, error) {
	f.record("close_identity")
	return 1, nil
}

func (f *fakeSession) ProbeDataPlane(context.Context, string, time.Duration) (time.Duration, error) {
	return time.Millisecond, nil
}

func (f *fakeSession) AddLog(string) {}

func (f *fakeSession) Capabilities() coordinator.Capabilities {
	return coordinator.Capabilities{CloseIdleConnections: true, DataPlaneProbe: true}
}

func (f *fakeSession) CloseConnections(context.Context) error {
	f.record("close_connections")
	return nil
}

func (f *fakeSession) ResetNetwork(context.Context) error {
	f.record("reset_network")
	return nil
}

func (f *fakeSession) ActiveConnections(context.Context) ([]connhealth.ConnectionSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]connhealth.ConnectionSample(nil), f.conns...), nil
}

type fakePlatform struct{}

func (fakePlatform) Capabilities(types.NetworkID) (types.NetworkCapabilities, bool) {
	return types.NetworkCapabilities{Transport: types.NetworkWiFi, HasInternet: true, NotVPN: true, Validated: true}, true
}

func (fakePlatform) SetUnderlyingNetwork(types.NetworkID) error { return nil }

func (fakePlatform) UpdateInterface(string, bool) {}

// recordingPlatform remembers every underlying network binding
type recordingPlatform struct {
	fakePlatform
	mu    sync.Mutex
	bound []types.NetworkID
}

func (p *recordingPlatform) SetUnderlyingNetwork(id types.NetworkID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bound = append(p.bound, id)
	return nil
}

func (p *recordingPlatform) networks() []types.NetworkID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]types.NetworkID(nil), p.bound...)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Storage.Enabled = false
	return cfg
}

func TestStackRoutesCoreResetThroughManager(t *testing.T) {
	mock := clock.NewMock()
	sess := &fakeSession{running: true}
	stack, err := New(testConfig(), sess, fakePlatform{}, WithClock(mock))
	require.NoError(t, err)
	require.NoError(t, stack.Start(context.Background()))
	defer func() { assert.NoError(t, stack.Stop()) }()

	stack.Request(types.NewResetCoreNetwork("manual", false))
	mock.Add(100 * time.Millisecond)

	require.Eventually(t, func() bool { return sess.count("reset_network") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, sess.count("session_reset_core"))
	assert.Equal(t, 0, stack.CoreReset.Failures())
}

func TestStackNetworkUpdateReachesSession(t *testing.T) {
	mock := clock.NewMock()
	sess := &fakeSession{running: true}
	stack, err := New(testConfig(), sess, fakePlatform{}, WithClock(mock))
	require.NoError(t, err)
	require.NoError(t, stack.Start(context.Background()))
	defer func() { assert.NoError(t, stack.Stop()) }()

	mock.Add(2 * time.Second)
	stack.HandleNetworkUpdate("wlan0")

	require.Eventually(t, func() bool {
		mock.Add(50 * time.Millisecond)
		return sess.count("reset_network") == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), stack.NetSwitch.Stats().Switches)
}

func TestStackPublishesEvents(t *testing.T) {
	mock := clock.NewMock()
	sess := &fakeSession{running: true}
	stack, err := New(testConfig(), sess, fakePlatform{}, WithClock(mock))
	require.NoError(t, err)

	sub := stack.Events.Subscribe()
	require.NoError(t, stack.Start(context.Background()))
	defer func() { assert.NoError(t, stack.Stop()) }()

	stack.Request(types.NewEnterDeviceIdle("doze"))
	mock.Add(100 * time.Millisecond)

	seen := map[events.EventType]bool{}
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-sub:
				seen[ev.Type] = true
			default:
				return seen[events.EventSessionStarted] && seen[events.EventRequestExecuted]
			}
		}
	}, time.Second, 5*time.Millisecond)
}

func TestStackPersistsDecisions(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewBoltStore(dir, 0)
	require.NoError(t, err)

	mock := clock.NewMock()
	sess := &fakeSession{running: true}
	stack, err := New(testConfig(), sess, fakePlatform{}, WithClock(mock), WithStore(store))
	require.NoError(t, err)
	require.NoError(t, stack.Start(context.Background()))

	_, ok := stack.Engine.Tick(context.Background())
	require.True(t, ok)
	require.NoError(t, stack.Stop())
	assert.Nil(t, stack.Store)

	reopened, err := storage.NewBoltStore(dir, 0)
	require.NoError(t, err)
	defer reopened.Close()
	recs, err := reopened.ListDecisions(10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, types.DecisionIgnore, recs[0].Decision)
}

func TestStackCannotRestart(t *testing.T) {
	stack, err := New(testConfig(), &fakeSession{running: true}, fakePlatform{}, WithClock(clock.NewMock()))
	require.NoError(t, err)
	require.NoError(t, stack.Start(context.Background()))
	require.NoError(t, stack.Stop())
	require.NoError(t, stack.Stop())

	assert.ErrorIs(t, stack.Start(context.Background()), ErrStopped)
}

func TestStackDisabledNetSwitchDropsUpdates(t *testing.T) {
	cfg := testConfig()
	cfg.NetSwitch.Enabled = false
	mock := clock.NewMock()
	sess := &fakeSession{running: true}
	stack, err := New(cfg, sess, fakePlatform{}, WithClock(mock))
	require.NoError(t, err)
	require.NoError(t, stack.Start(context.Background()))
	defer func() { assert.NoError(t, stack.Stop()) }()

	stack.HandleNetworkUpdate("wlan0")
	assert.Equal(t, uint64(0), stack.NetSwitch.Stats().Switches)
}

func TestStackBumpsThroughNetSwitch(t *testing.T) {
	mock := clock.NewMock()
	sess := &fakeSession{running: true}
	platform := &recordingPlatform{}
	stack, err := New(testConfig(), sess, platform, WithClock(mock))
	require.NoError(t, err)
	require.NoError(t, stack.Start(context.Background()))
	defer func() { assert.NoError(t, stack.Stop()) }()

	mock.Add(2 * time.Second)
	stack.HandleNetworkUpdate("wlan0")
	require.Eventually(t, func() bool {
		mock.Add(50 * time.Millisecond)
		return len(platform.networks()) == 1
	}, time.Second, 5*time.Millisecond)

	stack.Request(types.NewNetworkBump("app_foreground"))
	require.Eventually(t, func() bool {
		mock.Add(50 * time.Millisecond)
		return stack.NetSwitch.Stats().Bumps == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []types.NetworkID{"wlan0", "", "wlan0"}, platform.networks())
	assert.Equal(t, 0, sess.count("recover"))
}
