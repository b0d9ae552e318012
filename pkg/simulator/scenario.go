package simulator

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/cuemby/sentinel/pkg/connhealth"
	"github.com/cuemby/sentinel/pkg/types"
	"gopkg.in/yaml.v3"
)

// Step actions
const (
	ActionStartSession = "start_session"
	ActionStopSession  = "stop_session"
	ActionNetwork      = "network"
	ActionValidate     = "validate"
	ActionConnections  = "connections"
	ActionTraffic      = "traffic"
	ActionDeviceIdle   = "device_idle"
	ActionRequest      = "request"
	ActionFail         = "fail"
	ActionHeal         = "heal"
	ActionProbe        = "probe"
)

// ErrInvalidScenario is returned for scenarios that cannot be run
var ErrInvalidScenario = errors.New("simulator: invalid scenario")

// Scenario is a timed script run against an in-memory session
type Scenario struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Duration    time.Duration `yaml:"duration"`
	Resolution  time.Duration `yaml:"resolution"`
	// Capabilities default to everything supported
	Capabilities *Capabilities `yaml:"capabilities"`
	Steps        []Step        `yaml:"steps"`
	Expect       []Expectation `yaml:"expect"`
}

// Capabilities mirrors coordinator.Capabilities for scenario files
type Capabilities struct {
	CloseIdleConnections bool `yaml:"close_idle_connections"`
	DataPlaneProbe       bool `yaml:"data_plane_probe"`
	CloseIdentity        bool `yaml:"close_identity_connections"`
}

// Step is one scripted action at an offset from the scenario start
type Step struct {
	At     time.Duration `yaml:"at"`
	Action string        `yaml:"action"`

	// network, validate
	Network   types.NetworkID   `yaml:"network"`
	Transport types.NetworkType `yaml:"transport"`
	Validated bool              `yaml:"validated"`
	Metered   bool              `yaml:"metered"`

	// connections
	Connections []Connection `yaml:"connections"`

	// traffic
	Upload   int64 `yaml:"upload"`
	Download int64 `yaml:"download"`

	// request
	Request *RequestSpec `yaml:"request"`

	// fail, heal
	Op    string `yaml:"op"`
	Error string `yaml:"error"`

	// probe
	Healthy bool `yaml:"healthy"`

	Reason string `yaml:"reason"`
}

// Connection is a scripted connection sample
type Connection struct {
	Identity   string        `yaml:"identity"`
	Count      int           `yaml:"count"`
	RecentData bool          `yaml:"recent_data"`
	OldestAge  time.Duration `yaml:"oldest_age"`
}

// RequestSpec describes a manual request
type RequestSpec struct {
	Kind         types.RequestKind `yaml:"kind"`
	Mode         int               `yaml:"mode"`
	Force        bool              `yaml:"force"`
	SkipDebounce bool              `yaml:"skip_debounce"`
	MaxIdle      time.Duration     `yaml:"max_idle"`
	Identities   []string          `yaml:"identities"`
	Reason       string            `yaml:"reason"`
}

// Expectation bounds how many times an operation ran
type Expectation struct {
	Op  string `yaml:"op"`
	Min *int   `yaml:"min"`
	Max *int   `yaml:"max"`
}

// LoadScenario reads a scenario file
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a YAML scenario
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks actions and fills defaults
func (sc *Scenario) Validate() error {
	if sc.Resolution <= 0 {
		sc.Resolution = 50 * time.Millisecond
	}
	var last time.Duration
	for i, st := range sc.Steps {
		if st.At < 0 {
			return fmt.Errorf("%w: step %d has negative offset", ErrInvalidScenario, i)
		}
		last = max(last, st.At)
		switch st.Action {
		case ActionStartSession, ActionStopSession, ActionConnections, ActionTraffic, ActionDeviceIdle, ActionProbe:
		case ActionNetwork, ActionValidate:
			if st.Network == "" {
				return fmt.Errorf("%w: step %d (%s) needs a network", ErrInvalidScenario, i, st.Action)
			}
		case ActionRequest:
			if st.Request == nil {
				return fmt.Errorf("%w: step %d needs a request", ErrInvalidScenario, i)
			}
			if _, err := st.Request.Build(); err != nil {
				return fmt.Errorf("%w: step %d: %v", ErrInvalidScenario, i, err)
			}
		case ActionFail, ActionHeal:
			if st.Op == "" {
				return fmt.Errorf("%w: step %d (%s) needs an op", ErrInvalidScenario, i, st.Action)
			}
		default:
			return fmt.Errorf("%w: step %d has unknown action %q", ErrInvalidScenario, i, st.Action)
		}
	}
	for i, e := range sc.Expect {
		if e.Op == "" {
			return fmt.Errorf("%w: expectation %d needs an op", ErrInvalidScenario, i)
		}
		if e.Min == nil && e.Max == nil {
			return fmt.Errorf("%w: expectation %d (%s) needs min or max", ErrInvalidScenario, i, e.Op)
		}
	}
	if sc.Duration < last {
		sc.Duration = last + 5*time.Second
	}

	sort.SliceStable(sc.Steps, func(i, j int) bool { return sc.Steps[i].At < sc.Steps[j].At })
	return nil
}

// Build constructs the described request
func (r *RequestSpec) Build() (types.Request, error) {
	return types.Build(types.Request{
		Kind:         r.Kind,
		Mode:         types.RecoveryMode(r.Mode),
		Force:        r.Force,
		SkipDebounce: r.SkipDebounce,
		MaxIdle:      r.MaxIdle,
		Identities:   r.Identities,
		Escalate:     true,
		Reason:       r.Reason,
	})
}

func (c Connection) sample() connhealth.ConnectionSample {
	return connhealth.ConnectionSample{
		Identity:        c.Identity,
		ConnectionCount: c.Count,
		HasRecentData:   c.RecentData,
		OldestConnAge:   c.OldestAge,
	}
}

func (e Expectation) check(count int) error {
	if e.Min != nil && count < *e.Min {
		return fmt.Errorf("%s ran %d times, want at least %d", e.Op, count, *e.Min)
	}
	if e.Max != nil && count > *e.Max {
		return fmt.Errorf("%s ran %d times, want at most %d", e.Op, count, *e.Max)
	}
	return nil
}
