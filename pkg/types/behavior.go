package types

import "time"

// AppBehavior is the learned record for one identity
type AppBehavior struct {
	Identity            string
	TotalChecks         int
	StaleCount          int
	RecoveryCount       int
	AvgRecoveryInterval time.Duration
	LastRecoveryAt      time.Time
}

// Decision is the outcome of one decision-loop tick
type Decision string

const (
	DecisionRecover Decision = "recover"
	DecisionWait    Decision = "wait"
	DecisionIgnore  Decision = "ignore"
)

// DecisionRecord is an immutable snapshot of one decision-loop tick
type DecisionRecord struct {
	Timestamp       time.Time
	HealthScore     int
	DecisionScore   int
	StaleIdentities []string
	Decision        Decision
	Reason          string
}
