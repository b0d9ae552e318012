package simulator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cuemby/sentinel/pkg/config"
	"github.com/cuemby/sentinel/pkg/connhealth"
	"github.com/cuemby/sentinel/pkg/coordinator"
	"github.com/cuemby/sentinel/pkg/health"
	"github.com/cuemby/sentinel/pkg/log"
	"github.com/cuemby/sentinel/pkg/recovery"
	"github.com/cuemby/sentinel/pkg/types"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// Report is the outcome of one scenario run
type Report struct {
	Name        string
	Start       time.Time
	Elapsed     time.Duration
	Operations  []Operation
	Logs        []string
	Decisions   []types.DecisionRecord
	Coordinator coordinator.Stats
	Failures    []string
}

// Passed reports whether every expectation held
func (r *Report) Passed() bool {
	return len(r.Failures) == 0
}

// Runner drives scenarios on a mock clock
type Runner struct {
	cfg    config.Config
	settle time.Duration
	logger zerolog.Logger
}

// NewRunner creates a runner. Persistent storage is disabled for runs.
func NewRunner(cfg *config.Config) *Runner {
	c := *cfg
	c.Storage.Enabled = false
	return &Runner{
		cfg:    c,
		settle: 2 * time.Millisecond,
		logger: log.WithComponent("simulator"),
	}
}

// Run executes sc and checks its expectations. Unmet expectations are
// reported in the Report, not as an error.
func (r *Runner) Run(ctx context.Context, sc *Scenario) (*Report, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}

	mock := clock.NewMock()
	sessOpts := []SessionOption{WithSessionClock(mock)}
	if sc.Capabilities != nil {
		sessOpts = append(sessOpts, WithCapabilities(coordinator.Capabilities{
			CloseIdleConnections:     sc.Capabilities.CloseIdleConnections,
			DataPlaneProbe:           sc.Capabilities.DataPlaneProbe,
			CloseIdentityConnections: sc.Capabilities.CloseIdentity,
		}))
	}
	session := NewSession(sessOpts...)

	stack, err := recovery.New(&r.cfg, session, session.Platform(),
		recovery.WithClock(mock),
		recovery.WithProbes(func(id types.NetworkID) []health.Checker {
			return []health.Checker{&networkProbe{session: session, id: id}}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build stack: %w", err)
	}
	if err := stack.Start(ctx); err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to start stack: %w", err), stack.Stop())
	}

	r.logger.Info().Str("scenario", sc.Name).Dur("duration", sc.Duration).Int("steps", len(sc.Steps)).Msg("Running scenario")
	start := mock.Now()
	next := 0
	var runErr error
	for elapsed := time.Duration(0); elapsed <= sc.Duration; elapsed += sc.Resolution {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		for next < len(sc.Steps) && sc.Steps[next].At <= elapsed {
			r.apply(stack, session, sc.Steps[next])
			next++
		}
		r.yield()
		mock.Add(sc.Resolution)
		r.yield()
	}
	r.waitIdle(stack, mock, sc.Resolution)

	report := &Report{
		Name:        sc.Name,
		Start:       start,
		Elapsed:     mock.Since(start),
		Decisions:   stack.Engine.DecisionHistory(),
		Coordinator: stack.Coordinator.Stats(),
	}
	runErr = multierr.Append(runErr, stack.Stop())

	report.Operations = session.Operations()
	report.Logs = session.Logs()
	for _, e := range sc.Expect {
		if err := e.check(session.Count(e.Op)); err != nil {
			report.Failures = append(report.Failures, err.Error())
		}
	}
	return report, runErr
}

func (r *Runner) apply(stack *recovery.Stack, session *Session, st Step) {
	r.logger.Debug().Str("action", st.Action).Dur("at", st.At).Msg("Applying step")
	switch st.Action {
	case ActionStartSession:
		session.Start()
		stack.NetSwitch.MarkStarted()
	case ActionStopSession:
		session.Stop()
	case ActionNetwork:
		transport := st.Transport
		if transport == "" {
			transport = types.NetworkOther
		}
		session.SetNetwork(st.Network, types.NetworkCapabilities{
			Transport:     transport,
			HasInternet:   true,
			NotVPN:        true,
			Validated:     st.Validated,
			NotMetered:    !st.Metered,
			InterfaceName: string(st.Network),
		})
		stack.HandleNetworkUpdate(st.Network)
	case ActionValidate:
		session.SetValidated(st.Network, st.Validated)
	case ActionConnections:
		conns := make([]connhealth.ConnectionSample, 0, len(st.Connections))
		for _, c := range st.Connections {
			conns = append(conns, c.sample())
		}
		session.SetConnections(conns...)
	case ActionTraffic:
		session.AddTraffic(st.Upload, st.Download)
	case ActionDeviceIdle:
		stack.Request(types.NewEnterDeviceIdle(st.Reason))
	case ActionRequest:
		req, err := st.Request.Build()
		if err != nil {
			r.logger.Warn().Err(err).Msg("Skipping invalid request step")
			return
		}
		stack.Request(req)
	case ActionFail:
		msg := st.Error
		if msg == "" {
			msg = "injected failure"
		}
		session.Fail(st.Op, errors.New(msg))
	case ActionHeal:
		session.Fail(st.Op, nil)
	case ActionProbe:
		session.SetProbeHealthy(st.Healthy)
	}
}

// yield lets goroutines started by fired timers run
func (r *Runner) yield() {
	time.Sleep(r.settle)
}

// waitIdle keeps the clock moving until the coordinator has drained, for
// at most one second of real time
func (r *Runner) waitIdle(stack *recovery.Stack, mock *clock.Mock, step time.Duration) {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		_, pending := stack.Coordinator.Pending()
		if !pending && !stack.Coordinator.Stats().WorkerActive {
			return
		}
		mock.Add(step)
		r.yield()
	}
	r.logger.Warn().Msg("Coordinator still busy at end of scenario")
}

// networkProbe succeeds when the simulated network has internet access
type networkProbe struct {
	session *Session
	id      types.NetworkID
}

func (p *networkProbe) Check(context.Context) health.Result {
	caps, ok := p.session.NetworkCapabilities(p.id)
	res := health.Result{Healthy: ok && caps.HasInternet, Target: string(p.id), CheckedAt: time.Now()}
	if !res.Healthy {
		res.Message = "network unreachable"
	}
	return res
}

func (p *networkProbe) Type() health.CheckType {
	return health.CheckTypeTCP
}
