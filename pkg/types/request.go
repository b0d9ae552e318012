package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxReasonLength caps the diagnostic reason carried by a request
const MaxReasonLength = 240

// RequestKind identifies the corrective operation a Request asks for
type RequestKind string

const (
	KindRecover              RequestKind = "recover"
	KindResetConnections     RequestKind = "reset_connections"
	KindResetCoreNetwork     RequestKind = "reset_core_network"
	KindRestart              RequestKind = "restart"
	KindEnterDeviceIdle      RequestKind = "enter_device_idle"
	KindCloseIdleConnections RequestKind = "close_idle_connections"
	KindVerifyConnectivity   RequestKind = "verify_connectivity"
	KindNetworkBump          RequestKind = "network_bump"
	KindCloseIdentities      RequestKind = "close_identity_connections"
	KindComposite            RequestKind = "composite"
)

// RecoveryMode selects how aggressively the session recovers its network.
// The numeric values are shared with the session controller.
type RecoveryMode int

const (
	ModeAuto      RecoveryMode = 0
	ModeQuick     RecoveryMode = 1
	ModeFull      RecoveryMode = 2
	ModeDeep      RecoveryMode = 3
	ModeProactive RecoveryMode = 4
)

// String returns the mode name
func (m RecoveryMode) String() string {
	switch m {
	case ModeQuick:
		return "quick"
	case ModeFull:
		return "full"
	case ModeDeep:
		return "deep"
	case ModeProactive:
		return "proactive"
	default:
		return "auto"
	}
}

// Priorities used when two pending requests are merged. Higher wins.
const (
	PriorityRestart              = 100
	PriorityEnterDeviceIdle      = 95
	PriorityRecoverDeep          = 90
	PriorityNetworkBump          = 85
	PriorityRecoverFull          = 80
	PriorityRecoverProactive     = 70
	PriorityRecoverQuick         = 60
	PriorityRecoverAuto          = 55
	PriorityResetCoreForced      = 50
	PriorityResetCore            = 45
	PriorityResetConnections     = 40
	PriorityCloseIdentities      = 35
	PriorityVerifyConnectivity   = 30
	PriorityCloseIdleConnections = 20
)

// Request is the unit of scheduling for the recovery coordinator.
// Kind selects which of the variant fields are meaningful.
type Request struct {
	ID   string
	Kind RequestKind

	// Mode is the recovery mode for KindRecover, and the mode that preceded
	// the probe for KindVerifyConnectivity.
	Mode RecoveryMode

	// SkipDebounce applies to KindResetConnections
	SkipDebounce bool

	// Force applies to KindResetCoreNetwork
	Force bool

	// MaxIdle applies to KindCloseIdleConnections
	MaxIdle time.Duration

	// Escalate applies to KindVerifyConnectivity
	Escalate bool

	// Identities applies to KindCloseIdentities
	Identities []string

	// Items holds the flattened members of a KindComposite
	Items []Request

	Reason      string
	RequestedAt time.Time
}

// ErrUnknownKind is returned by Build for kinds it cannot construct
var ErrUnknownKind = errors.New("unknown request kind")

// Build constructs a leaf request of tmpl.Kind from the variant fields of
// tmpl, with a fresh ID. Composites are built with NewComposite.
func Build(tmpl Request) (Request, error) {
	switch tmpl.Kind {
	case KindRecover:
		return NewRecover(tmpl.Mode, tmpl.Reason), nil
	case KindResetConnections:
		return NewResetConnections(tmpl.Reason, tmpl.SkipDebounce), nil
	case KindResetCoreNetwork:
		return NewResetCoreNetwork(tmpl.Reason, tmpl.Force), nil
	case KindRestart:
		return NewRestart(tmpl.Reason), nil
	case KindEnterDeviceIdle:
		return NewEnterDeviceIdle(tmpl.Reason), nil
	case KindCloseIdleConnections:
		return NewCloseIdleConnections(tmpl.MaxIdle, tmpl.Reason), nil
	case KindVerifyConnectivity:
		return NewVerifyConnectivity(tmpl.Mode, tmpl.Escalate, tmpl.Reason), nil
	case KindNetworkBump:
		return NewNetworkBump(tmpl.Reason), nil
	case KindCloseIdentities:
		if len(tmpl.Identities) == 0 {
			return Request{}, fmt.Errorf("%s requires at least one identity", tmpl.Kind)
		}
		return NewCloseIdentities(tmpl.Identities, tmpl.Reason), nil
	default:
		return Request{}, fmt.Errorf("%w %q", ErrUnknownKind, tmpl.Kind)
	}
}

func newRequest(kind RequestKind, reason string) Request {
	return Request{
		ID:     uuid.NewString(),
		Kind:   kind,
		Reason: TruncateReason(reason),
	}
}

// NewRecover creates a Recover(mode) request
func NewRecover(mode RecoveryMode, reason string) Request {
	r := newRequest(KindRecover, reason)
	r.Mode = mode
	return r
}

// NewResetConnections creates a ResetConnections(skipDebounce) request
func NewResetConnections(reason string, skipDebounce bool) Request {
	r := newRequest(KindResetConnections, reason)
	r.SkipDebounce = skipDebounce
	return r
}

// NewResetCoreNetwork creates a ResetCoreNetwork(force) request
func NewResetCoreNetwork(reason string, force bool) Request {
	r := newRequest(KindResetCoreNetwork, reason)
	r.Force = force
	return r
}

// NewRestart creates a Restart request
func NewRestart(reason string) Request {
	return newRequest(KindRestart, reason)
}

// NewEnterDeviceIdle creates an EnterDeviceIdle request
func NewEnterDeviceIdle(reason string) Request {
	return newRequest(KindEnterDeviceIdle, reason)
}

// NewCloseIdleConnections creates a request closing connections idle longer than maxIdle
func NewCloseIdleConnections(maxIdle time.Duration, reason string) Request {
	r := newRequest(KindCloseIdleConnections, reason)
	r.MaxIdle = maxIdle
	return r
}

// NewVerifyConnectivity creates a data-plane probe request
func NewVerifyConnectivity(fromMode RecoveryMode, escalate bool, reason string) Request {
	r := newRequest(KindVerifyConnectivity, reason)
	r.Mode = fromMode
	r.Escalate = escalate
	return r
}

// NewNetworkBump creates a request that briefly unbinds and rebinds the
// tunnel's underlying network so apps rebuild their connections
func NewNetworkBump(reason string) Request {
	return newRequest(KindNetworkBump, reason)
}

// NewCloseIdentities creates a request closing every connection owned by
// the given identities
func NewCloseIdentities(identities []string, reason string) Request {
	r := newRequest(KindCloseIdentities, reason)
	r.Identities = append([]string(nil), identities...)
	return r
}

// NewComposite bundles requests. Nested composites are flattened.
func NewComposite(items []Request, reason string) Request {
	r := newRequest(KindComposite, reason)
	for _, item := range items {
		r.Items = append(r.Items, item.Leaves()...)
	}
	for _, item := range r.Items {
		if r.RequestedAt.IsZero() || (!item.RequestedAt.IsZero() && item.RequestedAt.Before(r.RequestedAt)) {
			r.RequestedAt = item.RequestedAt
		}
	}
	return r
}

// Priority returns the merge priority of the request
func (r Request) Priority() int {
	switch r.Kind {
	case KindRestart:
		return PriorityRestart
	case KindEnterDeviceIdle:
		return PriorityEnterDeviceIdle
	case KindNetworkBump:
		return PriorityNetworkBump
	case KindCloseIdentities:
		return PriorityCloseIdentities
	case KindRecover:
		switch r.Mode {
		case ModeDeep:
			return PriorityRecoverDeep
		case ModeFull:
			return PriorityRecoverFull
		case ModeProactive:
			return PriorityRecoverProactive
		case ModeQuick:
			return PriorityRecoverQuick
		default:
			return PriorityRecoverAuto
		}
	case KindResetCoreNetwork:
		if r.Force {
			return PriorityResetCoreForced
		}
		return PriorityResetCore
	case KindResetConnections:
		return PriorityResetConnections
	case KindVerifyConnectivity:
		return PriorityVerifyConnectivity
	case KindCloseIdleConnections:
		return PriorityCloseIdleConnections
	case KindComposite:
		highest := 0
		for _, item := range r.Items {
			if p := item.Priority(); p > highest {
				highest = p
			}
		}
		return highest
	default:
		return 0
	}
}

// IsResetStyle reports whether the request only resets connections or the
// core network stack
func (r Request) IsResetStyle() bool {
	switch r.Kind {
	case KindResetConnections, KindResetCoreNetwork:
		return true
	case KindComposite:
		if len(r.Items) == 0 {
			return false
		}
		for _, item := range r.Items {
			if item.Kind != KindResetConnections && item.Kind != KindResetCoreNetwork {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Leaves returns the executable requests: the items of a composite, or the
// request itself
func (r Request) Leaves() []Request {
	if r.Kind != KindComposite {
		return []Request{r}
	}
	var out []Request
	for _, item := range r.Items {
		out = append(out, item.Leaves()...)
	}
	return out
}

// WithReason returns a copy carrying a new reason
func (r Request) WithReason(reason string) Request {
	r.Reason = TruncateReason(reason)
	return r
}

// String renders the variant and its parameters
func (r Request) String() string {
	switch r.Kind {
	case KindRecover:
		return fmt.Sprintf("recover(mode=%s)", r.Mode)
	case KindResetConnections:
		return fmt.Sprintf("resetConnections(skipDebounce=%t)", r.SkipDebounce)
	case KindResetCoreNetwork:
		return fmt.Sprintf("resetCoreNetwork(force=%t)", r.Force)
	case KindCloseIdleConnections:
		return fmt.Sprintf("closeIdle(maxIdle=%s)", r.MaxIdle)
	case KindVerifyConnectivity:
		return fmt.Sprintf("verifyConnectivity(from=%s)", r.Mode)
	case KindNetworkBump:
		return "networkBump"
	case KindCloseIdentities:
		return fmt.Sprintf("closeIdentities(%s)", strings.Join(r.Identities, ","))
	case KindComposite:
		parts := make([]string, 0, len(r.Items))
		for _, item := range r.Items {
			parts = append(parts, item.String())
		}
		return "composite[" + strings.Join(parts, ", ") + "]"
	default:
		return string(r.Kind)
	}
}

// TruncateReason caps a reason at MaxReasonLength characters
func TruncateReason(reason string) string {
	if utf8.RuneCountInString(reason) <= MaxReasonLength {
		return reason
	}
	return string([]rune(reason)[:MaxReasonLength])
}

// MergeReason joins two reasons, keeping the primary first
func MergeReason(primary, secondary string) string {
	if strings.TrimSpace(secondary) == "" || secondary == primary {
		return TruncateReason(primary)
	}
	if strings.TrimSpace(primary) == "" {
		return TruncateReason(secondary)
	}
	return TruncateReason(primary + " | " + secondary)
}
