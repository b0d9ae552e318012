package simulator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cuemby/sentinel/pkg/connhealth"
	"github.com/cuemby/sentinel/pkg/coordinator"
	"github.com/cuemby/sentinel/pkg/log"
	"github.com/cuemby/sentinel/pkg/netswitch"
	"github.com/cuemby/sentinel/pkg/types"
	"github.com/rs/zerolog"
)

// Operation names recorded by Session
const (
	OpRecoverNetwork       = "recover_network"
	OpEnterDeviceIdle      = "enter_device_idle"
	OpResetConnections     = "reset_connections"
	OpResetCoreNetwork     = "reset_core_network"
	OpRestartService       = "restart_service"
	OpCloseIdleConnections = "close_idle_connections"
	OpCloseIdentity        = "close_identity_connections"
	OpProbeDataPlane       = "probe_data_plane"
	OpCloseConnections     = "close_connections"
	OpResetNetwork         = "reset_network"
	OpSetUnderlying        = "set_underlying_network"
)

// Operation is one call the stack made against the session
type Operation struct {
	Name   string
	Reason string
	Detail string
	At     time.Time
}

// Session is an in-memory tunnel session and network platform. It records
// every operation and lets tests and scenarios inject state and failures.
type Session struct {
	clock  clock.Clock
	caps   coordinator.Capabilities
	logger zerolog.Logger

	mu          sync.Mutex
	running     bool
	stopping    bool
	conns       map[string]connhealth.ConnectionSample
	upload      int64
	download    int64
	networks    map[types.NetworkID]types.NetworkCapabilities
	underlying  types.NetworkID
	iface       string
	failures    map[string]error
	probeHealth bool
	ops         []Operation
	logs        []string
}

// SessionOption configures a Session
type SessionOption func(*Session)

// WithSessionClock sets the clock used to stamp operations
func WithSessionClock(clk clock.Clock) SessionOption {
	return func(s *Session) { s.clock = clk }
}

// WithCapabilities sets the capabilities advertised to the coordinator
func WithCapabilities(caps coordinator.Capabilities) SessionOption {
	return func(s *Session) { s.caps = caps }
}

// NewSession creates a stopped session with full capabilities
func NewSession(opts ...SessionOption) *Session {
	s := &Session{
		clock:       clock.New(),
		caps:        coordinator.Capabilities{CloseIdleConnections: true, DataPlaneProbe: true, CloseIdentityConnections: true},
		logger:      log.WithComponent("simulator"),
		conns:       make(map[string]connhealth.ConnectionSample),
		networks:    make(map[types.NetworkID]types.NetworkCapabilities),
		failures:    make(map[string]error),
		probeHealth: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start marks the session running
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running, s.stopping = true, false
}

// Stop marks the session stopped and drops its connections
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running, s.stopping = false, false
	s.conns = make(map[string]connhealth.ConnectionSample)
}

// SetStopping flags the session as shutting down
func (s *Session) SetStopping(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopping = v
}

// SetConnections replaces the open connection set
func (s *Session) SetConnections(samples ...connhealth.ConnectionSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns = make(map[string]connhealth.ConnectionSample, len(samples))
	for _, c := range samples {
		s.conns[c.Identity] = c
	}
}

// AddTraffic grows the cumulative byte counters
func (s *Session) AddTraffic(upload, download int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upload += upload
	s.download += download
}

// SetNetwork registers or updates a physical network
func (s *Session) SetNetwork(id types.NetworkID, caps types.NetworkCapabilities) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.networks[id] = caps
}

// SetValidated flips the validated flag of a known network
func (s *Session) SetValidated(id types.NetworkID, validated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.networks[id]; ok {
		c.Validated = validated
		s.networks[id] = c
	}
}

// Fail makes op return err until cleared with a nil err
func (s *Session) Fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// SetProbeHealthy controls the outcome of ProbeDataPlane
func (s *Session) SetProbeHealthy(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probeHealth = v
}

// Operations returns every recorded operation in call order
func (s *Session) Operations() []Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Operation(nil), s.ops...)
}

// Count returns how many times op was called
func (s *Session) Count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, o := range s.ops {
		if o.Name == op {
			n++
		}
	}
	return n
}

// Logs returns the session log lines
func (s *Session) Logs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.logs...)
}

// Underlying returns the bound physical network
func (s *Session) Underlying() types.NetworkID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.underlying
}

// record appends an operation and returns its injected failure
func (s *Session) record(op, reason, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, Operation{Name: op, Reason: reason, Detail: detail, At: s.clock.Now()})
	s.logger.Debug().Str("op", op).Str("reason", reason).Str("detail", detail).Msg("Session operation")
	return s.failures[op]
}

// IsRunning reports whether the session is up
func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// IsStopping reports whether the session is shutting down
func (s *Session) IsStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func (s *Session) RecoverNetwork(_ context.Context, mode types.RecoveryMode, reason string) (bool, error) {
	if err := s.record(OpRecoverNetwork, reason, mode.String()); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Session) EnterDeviceIdle(_ context.Context, reason string) (bool, error) {
	if err := s.record(OpEnterDeviceIdle, reason, ""); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Session) ResetConnections(_ context.Context, reason string, skipDebounce bool) error {
	return s.record(OpResetConnections, reason, fmt.Sprintf("skip_debounce=%t", skipDebounce))
}

func (s *Session) ResetCoreNetwork(ctx context.Context, reason string, force bool) error {
	if err := s.record(OpResetCoreNetwork, reason, fmt.Sprintf("force=%t", force)); err != nil {
		return err
	}
	if err := s.CloseConnections(ctx); err != nil {
		return err
	}
	return s.ResetNetwork(ctx)
}

// RestartService restarts the session in place
func (s *Session) RestartService(_ context.Context, reason string) error {
	if err := s.record(OpRestartService, reason, ""); err != nil {
		return err
	}
	s.mu.Lock()
	s.conns = make(map[string]connhealth.ConnectionSample)
	s.running, s.stopping = true, false
	s.mu.Unlock()
	return nil
}

// CloseIdleConnections drops connections older than maxIdle that carry no data
func (s *Session) CloseIdleConnections(_ context.Context, maxIdle time.Duration, reason string) (int, error) {
	if err := s.record(OpCloseIdleConnections, reason, maxIdle.String()); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	closed := 0
	for id, c := range s.conns {
		if !c.HasRecentData && c.OldestConnAge > maxIdle {
			closed += c.ConnectionCount
			delete(s.conns, id)
		}
	}
	return closed, nil
}

// CloseIdentityConnections drops the connections owned by identity
func (s *Session) CloseIdentityConnections(_ context.Context, identity, reason string) (int, error) {
	if err := s.record(OpCloseIdentity, reason, identity); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[identity]
	if !ok {
		return 0, nil
	}
	delete(s.conns, identity)
	return c.ConnectionCount, nil
}

func (s *Session) ProbeDataPlane(_ context.Context, url string, _ time.Duration) (time.Duration, error) {
	if err := s.record(OpProbeDataPlane, "", url); err != nil {
		return 0, err
	}
	s.mu.Lock()
	healthy := s.probeHealth
	s.mu.Unlock()
	if !healthy {
		return 0, fmt.Errorf("probe %s: no response", url)
	}
	return 20 * time.Millisecond, nil
}

func (s *Session) AddLog(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, message)
}

func (s *Session) Capabilities() coordinator.Capabilities {
	return s.caps
}

// CloseConnections drops every open connection
func (s *Session) CloseConnections(context.Context) error {
	if err := s.record(OpCloseConnections, "", ""); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns = make(map[string]connhealth.ConnectionSample)
	return nil
}

// ResetNetwork resets the core network stack
func (s *Session) ResetNetwork(context.Context) error {
	return s.record(OpResetNetwork, "", "")
}

// ActiveConnections returns the open connections sorted by identity
func (s *Session) ActiveConnections(context.Context) ([]connhealth.ConnectionSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures["active_connections"]; err != nil {
		return nil, err
	}
	out := make([]connhealth.ConnectionSample, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, nil
}

// TrafficTotals returns cumulative byte counters
func (s *Session) TrafficTotals() (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upload, s.download, nil
}

// NetworkCapabilities returns the view of a physical network, false when unknown
func (s *Session) NetworkCapabilities(id types.NetworkID) (types.NetworkCapabilities, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.networks[id]
	return c, ok
}

func (s *Session) SetUnderlyingNetwork(id types.NetworkID) error {
	if err := s.record(OpSetUnderlying, "", string(id)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.underlying = id
	return nil
}

func (s *Session) UpdateInterface(name string, _ bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iface = name
}

// Platform returns the network-platform view of the session
func (s *Session) Platform() netswitch.Platform {
	return platform{s}
}

type platform struct{ s *Session }

func (p platform) Capabilities(id types.NetworkID) (types.NetworkCapabilities, bool) {
	return p.s.NetworkCapabilities(id)
}

func (p platform) SetUnderlyingNetwork(id types.NetworkID) error {
	return p.s.SetUnderlyingNetwork(id)
}

func (p platform) UpdateInterface(name string, metered bool) {
	p.s.UpdateInterface(name, metered)
}
