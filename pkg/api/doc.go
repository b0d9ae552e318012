/*
Package api serves the admin HTTP surface of a running recovery stack.

Endpoints:

	GET  /metrics        Prometheus metrics
	GET  /health         component health, 503 when any component is unhealthy
	GET  /ready          readiness of the critical components
	GET  /live           liveness, always 200 while the process runs
	GET  /v1/status      coordinator, engine, network switch and core reset counters
	GET  /v1/decisions   recent engine decisions, oldest first
	GET  /v1/behaviors   learned per-identity behaviour
	POST /v1/requests    submit a manual corrective request

A manual request body names the kind and its variant fields:

	{"kind": "reset_core_network", "force": true, "reason": "operator"}
	{"kind": "close_idle_connections", "max_idle": "30s"}

Manual requests go through the coordinator like every other request, so
cooldowns and coalescing still apply. The response is 202 with the request
ID; the outcome is visible in /v1/status and the logs.
*/
package api
