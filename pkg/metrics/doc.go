/*
Package metrics exposes Prometheus instrumentation and HTTP health endpoints
for the sentinel recovery stack.

All collectors are package-level variables registered on the default
Prometheus registry at init, named with the sentinel_ prefix:

	sentinel_requests_submitted_total{kind}     coordinator submissions
	sentinel_requests_executed_total{kind,outcome}
	sentinel_health_score                       engine health score
	sentinel_decisions_total{decision}          recover / wait / ignore
	sentinel_network_switches_total             processed network updates
	sentinel_core_resets_total{result}          core network reset attempts

Components write counters inline as events happen. Gauges that summarise
state (tracked identities, learned behaviours) are refreshed by a Collector
that periodically calls each registered Sampler.

HealthRegistry backs the /health, /ready and /live handlers. Readiness is
gated on the critical component set, which defaults to the coordinator,
decision engine, connection monitor and network switch manager.
*/
package metrics
