package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/sentinel/pkg/types"
)

var (
	// ErrNotInitialized is returned when no session is bound
	ErrNotInitialized = errors.New("coordinator: not initialized")

	// ErrOperationFailed is returned when the session reports an operation
	// completed without success
	ErrOperationFailed = errors.New("coordinator: operation reported failure")

	// ErrVerifyFailed is returned when the data-plane probe fails after a recovery
	ErrVerifyFailed = errors.New("coordinator: connectivity verification failed")

	// ErrUnsupported is returned when no component can perform the
	// requested operation, such as a network bump without a bumper
	ErrUnsupported = errors.New("coordinator: operation not supported")
)

// Capabilities lists optional operations the session can perform. It is
// read once when the coordinator is initialised.
type Capabilities struct {
	// CloseIdleConnections is true when CloseIdleConnections is implemented.
	// Otherwise idle-close requests fall back to a connection reset.
	CloseIdleConnections bool

	// DataPlaneProbe is true when ProbeDataPlane is implemented. Otherwise
	// verification uses the coordinator's own HTTP checker, if configured.
	DataPlaneProbe bool

	// CloseIdentityConnections is true when CloseIdentityConnections is
	// implemented. Otherwise identity closes fall back to a network bump.
	CloseIdentityConnections bool
}

// Session is the port to the tunnel-session controller. The coordinator is
// its only caller for destructive operations.
type Session interface {
	IsRunning() bool
	IsStopping() bool

	RecoverNetwork(ctx context.Context, mode types.RecoveryMode, reason string) (bool, error)
	EnterDeviceIdle(ctx context.Context, reason string) (bool, error)
	ResetConnections(ctx context.Context, reason string, skipDebounce bool) error
	ResetCoreNetwork(ctx context.Context, reason string, force bool) error
	RestartService(ctx context.Context, reason string) error

	// CloseIdleConnections closes connections idle for longer than maxIdle
	// and returns how many were closed
	CloseIdleConnections(ctx context.Context, maxIdle time.Duration, reason string) (int, error)

	// CloseIdentityConnections closes every connection owned by identity and
	// returns how many were closed
	CloseIdentityConnections(ctx context.Context, identity, reason string) (int, error)

	// ProbeDataPlane fetches url through the tunnel and returns the latency
	ProbeDataPlane(ctx context.Context, url string, timeout time.Duration) (time.Duration, error)

	// AddLog appends a line to the user-visible session log
	AddLog(message string)

	Capabilities() Capabilities
}

// CoreResetter executes core network resets with failure tracking. When
// set, ResetCoreNetwork requests are routed through it instead of calling
// the session directly.
type CoreResetter interface {
	ResetNow(ctx context.Context, reason string, force, skipIntervalCheck bool) error
}

// NetworkBumper briefly unbinds the tunnel from its physical network and
// binds it again, which makes apps notice a network change and reconnect
type NetworkBumper interface {
	NetworkBump(ctx context.Context, reason string) (bool, error)
}
