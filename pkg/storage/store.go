package storage

import (
	"errors"

	"github.com/cuemby/sentinel/pkg/types"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("storage: not found")

// DefaultMaxDecisions is how many decision records are kept on disk
const DefaultMaxDecisions = 1000

// Store persists what the decision engine learns across restarts
type Store interface {
	// Behaviours
	SaveBehavior(b *types.AppBehavior) error
	GetBehavior(identity string) (*types.AppBehavior, error)
	ListBehaviors() ([]*types.AppBehavior, error)
	DeleteBehavior(identity string) error

	// Decisions are append-only and pruned to the newest records
	AppendDecision(rec *types.DecisionRecord) error
	ListDecisions(limit int) ([]*types.DecisionRecord, error)

	Close() error
}
