/*
Package simulator runs the recovery stack against an in-memory session.

Session implements every port the stack needs: the tunnel session, the
core network, the connection source, traffic counters and, through
Platform, the host network layer. It records each operation and lets
callers inject connection state, traffic, networks and failures.

Scenarios are YAML scripts of timed steps:

	name: wifi-to-cellular
	duration: 6s
	steps:
	  - at: 0s
	    action: start_session
	  - at: 1500ms
	    action: network
	    network: wlan0
	    transport: wifi
	    validated: true
	expect:
	  - op: reset_network
	    min: 1

The Runner drives a scenario on a mock clock in fixed increments, so a
two-minute cooldown runs in a couple of seconds, and reports which
expectations did not hold.
*/
package simulator
