package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/cuemby/sentinel/pkg/config"
	"github.com/cuemby/sentinel/pkg/connhealth"
	"github.com/cuemby/sentinel/pkg/coordinator"
	"github.com/cuemby/sentinel/pkg/corereset"
	"github.com/cuemby/sentinel/pkg/engine"
	"github.com/cuemby/sentinel/pkg/events"
	"github.com/cuemby/sentinel/pkg/health"
	"github.com/cuemby/sentinel/pkg/log"
	"github.com/cuemby/sentinel/pkg/metrics"
	"github.com/cuemby/sentinel/pkg/netswitch"
	"github.com/cuemby/sentinel/pkg/storage"
	"github.com/cuemby/sentinel/pkg/types"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// ErrStopped is returned when starting a stack that was stopped
var ErrStopped = errors.New("recovery: stack stopped")

// Session is everything the stack needs from the tunnel session
type Session interface {
	coordinator.Session
	CloseConnections(ctx context.Context) error
	ResetNetwork(ctx context.Context) error
	ActiveConnections(ctx context.Context) ([]connhealth.ConnectionSample, error)
}

// Stack wires the recovery components around one session
type Stack struct {
	Coordinator *coordinator.Coordinator
	CoreReset   *corereset.Manager
	Monitor     *connhealth.Monitor
	Engine      *engine.Engine
	NetSwitch   *netswitch.Manager
	Events      *events.Broker
	Store       storage.Store

	cfg       config.Config
	session   Session
	clock     clock.Clock
	collector *metrics.Collector
	logger    zerolog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
}

// Option configures a Stack
type Option func(*options)

type options struct {
	clock   clock.Clock
	store   storage.Store
	traffic engine.TrafficSource
	probes  netswitch.ProbeFunc
}

// WithClock sets the clock shared by every component
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithStore uses s instead of opening the configured bolt store
func WithStore(s storage.Store) Option {
	return func(o *options) { o.store = s }
}

// WithTraffic feeds the engine's stall detector from src. By default the
// session is used when it reports traffic counters.
func WithTraffic(src engine.TrafficSource) Option {
	return func(o *options) { o.traffic = src }
}

// WithProbes replaces the network switch connectivity probes
func WithProbes(fn netswitch.ProbeFunc) Option {
	return func(o *options) { o.probes = fn }
}

// New builds a stack. Nothing runs until Start.
func New(cfg *config.Config, session Session, platform netswitch.Platform, opts ...Option) (*Stack, error) {
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.traffic == nil {
		if src, ok := session.(engine.TrafficSource); ok {
			o.traffic = src
		}
	}

	s := &Stack{
		cfg:     *cfg,
		session: session,
		clock:   o.clock,
		Events:  events.NewBroker(),
		Store:   o.store,
		logger:  log.WithComponent("stack"),
	}

	if s.Store == nil && cfg.Storage.Enabled {
		store, err := storage.NewBoltStore(cfg.Storage.DataDir, cfg.Storage.MaxDecisions)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		s.Store = store
	}

	coordOpts := []coordinator.Option{
		coordinator.WithClock(o.clock),
		coordinator.WithEvents(s.Events),
	}
	if cfg.Coordinator.VerifyURL != "" {
		coordOpts = append(coordOpts, coordinator.WithVerifier(
			health.NewHTTPChecker(cfg.Coordinator.VerifyURL).WithTimeout(cfg.Coordinator.VerifyTimeout)))
	}
	s.Coordinator = coordinator.New(cfg.Coordinator, coordOpts...)

	s.CoreReset = corereset.NewManager(cfg.CoreReset, session,
		corereset.WithClock(o.clock),
		corereset.WithRequester(s.Coordinator),
		corereset.WithEvents(s.Events),
	)
	s.Coordinator.SetCoreResetter(s.CoreReset)

	s.Monitor = connhealth.New(cfg.Monitor, session, s.Coordinator,
		connhealth.WithClock(o.clock),
		connhealth.WithEvents(s.Events),
	)

	engOpts := []engine.Option{
		engine.WithClock(o.clock),
		engine.WithEvents(s.Events),
	}
	if s.Store != nil {
		engOpts = append(engOpts, engine.WithStore(s.Store))
	}
	if o.traffic != nil {
		engOpts = append(engOpts, engine.WithTraffic(o.traffic))
	}
	eng, err := engine.New(cfg.Engine, s.Monitor, session, s.Coordinator, engOpts...)
	if err != nil {
		return nil, multierr.Append(err, s.closeStore())
	}
	s.Engine = eng

	nsOpts := []netswitch.Option{
		netswitch.WithClock(o.clock),
		netswitch.WithEvents(s.Events),
	}
	if o.probes != nil {
		nsOpts = append(nsOpts, netswitch.WithProbes(o.probes))
	}
	s.NetSwitch = netswitch.New(cfg.NetSwitch, platform, session, s.Coordinator, nsOpts...)
	s.Coordinator.SetNetworkBumper(s.NetSwitch)

	s.collector = metrics.NewCollector(o.clock, cfg.Metrics.CollectInterval,
		s.Engine,
		metrics.SamplerFunc(func() {
			metrics.CoreResetFailures.Set(float64(s.CoreReset.Failures()))
		}),
	)
	return s, nil
}

// Start binds the session and starts every enabled component. A stopped
// stack cannot be started again.
func (s *Stack) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return nil
	}

	if err := s.Coordinator.Init(s.session); err != nil {
		return fmt.Errorf("failed to init coordinator: %w", err)
	}
	s.Events.Start()

	if s.cfg.Monitor.Enabled {
		s.Monitor.Start(ctx)
	}
	if s.cfg.Engine.Enabled {
		if err := s.Engine.Start(ctx); err != nil {
			return fmt.Errorf("failed to start engine: %w", err)
		}
	}
	if s.cfg.NetSwitch.Enabled {
		s.NetSwitch.MarkStarted()
	}
	s.collector.Start()
	s.started = true

	events.Emit(s.Events, events.EventSessionStarted, "recovery stack started", nil)
	s.logger.Info().
		Bool("monitor", s.cfg.Monitor.Enabled).
		Bool("engine", s.cfg.Engine.Enabled).
		Bool("netswitch", s.cfg.NetSwitch.Enabled).
		Bool("storage", s.Store != nil).
		Msg("Recovery stack started")
	return nil
}

// Request submits a manual corrective operation
func (s *Stack) Request(req types.Request) {
	s.Coordinator.Request(req)
}

// HandleNetworkUpdate forwards a platform network event. It is dropped
// when network switch handling is disabled.
func (s *Stack) HandleNetworkUpdate(id types.NetworkID) {
	if !s.cfg.NetSwitch.Enabled {
		return
	}
	s.NetSwitch.HandleNetworkUpdate(id)
}

// Stop tears the stack down in reverse dependency order
func (s *Stack) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	if !s.started {
		return s.closeStore()
	}

	events.Emit(s.Events, events.EventSessionStopped, "recovery stack stopped", nil)

	s.NetSwitch.Cleanup()
	s.Engine.Stop()
	s.Monitor.Stop()
	s.CoreReset.Cleanup()
	s.Coordinator.Cleanup()
	s.collector.Stop()
	s.Events.Stop()

	err := s.closeStore()
	if err != nil {
		s.logger.Warn().Err(err).Msg("Recovery stack stopped with errors")
	} else {
		s.logger.Info().Msg("Recovery stack stopped")
	}
	return err
}

func (s *Stack) closeStore() error {
	if s.Store == nil {
		return nil
	}
	err := s.Store.Close()
	s.Store = nil
	if err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}
