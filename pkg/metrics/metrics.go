package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Coordinator metrics
	RequestsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_requests_submitted_total",
			Help: "Total number of recovery requests submitted by kind",
		},
		[]string{"kind"},
	)

	RequestsMergedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_requests_merged_total",
			Help: "Total number of requests merged into an already pending request",
		},
	)

	RequestsExecutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_requests_executed_total",
			Help: "Total number of executed or skipped requests by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	RequestExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_request_execution_duration_seconds",
			Help:    "Time spent inside session controller operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	PendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_pending_requests",
			Help: "Whether a request is waiting in the coordinator mailbox (1 = pending)",
		},
	)

	WorkerActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_worker_active",
			Help: "Whether the coordinator worker is running (1 = active)",
		},
	)

	// Decision engine metrics
	HealthScore = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_health_score",
			Help: "Connection health score (0-100)",
		},
	)

	DecisionScore = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_decision_score",
			Help: "Most recent recovery decision score (0-100)",
		},
	)

	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_decisions_total",
			Help: "Total number of decision-loop outcomes by decision",
		},
		[]string{"decision"},
	)

	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_rate_limited_total",
			Help: "Total number of recoveries suppressed by the rate limiter by source",
		},
		[]string{"source"},
	)

	TrafficStallsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_traffic_stalls_total",
			Help: "Total number of upload-only traffic stalls detected",
		},
	)

	AppBehaviorsTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_app_behaviors_tracked",
			Help: "Number of identities with a learned behaviour record",
		},
	)

	// Connection health monitor metrics
	StaleIdentities = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_stale_identities",
			Help: "Number of identities flagged stale on the last sample",
		},
	)

	TrackedIdentities = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_tracked_identities",
			Help: "Number of identities with open connections on the last sample",
		},
	)

	StaleConfirmationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_stale_confirmations_total",
			Help: "Total number of confirmed stale escalations",
		},
	)

	IdentityClosesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_identity_closes_total",
			Help: "Total number of per-identity connection closes by result",
		},
		[]string{"result"},
	)

	// Network switch metrics
	NetworkSwitchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_network_switches_total",
			Help: "Total number of processed network updates",
		},
	)

	NetworkTypeChangesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_network_type_changes_total",
			Help: "Total number of transport type changes",
		},
	)

	NetworkEventsDeferredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_network_events_deferred_total",
			Help: "Total number of network updates deferred by reason",
		},
		[]string{"reason"},
	)

	NetworkProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_network_probes_total",
			Help: "Total number of post-switch health checks by result",
		},
		[]string{"result"},
	)

	NetworkBumpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_network_bumps_total",
			Help: "Total number of underlying network bumps by result",
		},
		[]string{"result"},
	)

	// Core network reset metrics
	CoreResetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_core_resets_total",
			Help: "Total number of core network reset attempts by result",
		},
		[]string{"result"},
	)

	CoreResetFailures = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_core_reset_consecutive_failures",
			Help: "Current number of consecutive core network reset failures",
		},
	)

	CoreResetEscalationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_core_reset_escalations_total",
			Help: "Total number of restarts requested after repeated reset failures",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(RequestsSubmittedTotal)
	prometheus.MustRegister(RequestsMergedTotal)
	prometheus.MustRegister(RequestsExecutedTotal)
	prometheus.MustRegister(RequestExecutionDuration)
	prometheus.MustRegister(PendingRequests)
	prometheus.MustRegister(WorkerActive)
	prometheus.MustRegister(HealthScore)
	prometheus.MustRegister(DecisionScore)
	prometheus.MustRegister(DecisionsTotal)
	prometheus.MustRegister(RateLimitedTotal)
	prometheus.MustRegister(TrafficStallsTotal)
	prometheus.MustRegister(AppBehaviorsTracked)
	prometheus.MustRegister(StaleIdentities)
	prometheus.MustRegister(TrackedIdentities)
	prometheus.MustRegister(StaleConfirmationsTotal)
	prometheus.MustRegister(IdentityClosesTotal)
	prometheus.MustRegister(NetworkSwitchesTotal)
	prometheus.MustRegister(NetworkTypeChangesTotal)
	prometheus.MustRegister(NetworkEventsDeferredTotal)
	prometheus.MustRegister(NetworkProbesTotal)
	prometheus.MustRegister(NetworkBumpsTotal)
	prometheus.MustRegister(CoreResetsTotal)
	prometheus.MustRegister(CoreResetFailures)
	prometheus.MustRegister(CoreResetEscalationsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
