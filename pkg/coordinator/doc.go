/*
Package coordinator serialises every corrective operation against the
tunnel session.

Producers call Request, which never blocks. Requests land in a single-slot
mailbox; a request arriving while another is pending is merged with it:

  - if either is EnterDeviceIdle, the higher priority wins and the other's
    reason is appended
  - if both only reset connections or the core network, they become a
    Composite holding at most one of each
  - otherwise the higher priority wins

The first request after an idle period arms a worker after a short
coalescing window. The worker takes the mailbox, executes it, and loops
until the mailbox is empty. Composite items run in descending priority and
each is checked against session state and cooldowns at execution time.

Priorities:

	Restart                   100
	EnterDeviceIdle            95
	Recover(deep)              90
	Recover(full)              80
	Recover(proactive)         70
	Recover(quick)             60
	Recover(auto)              55
	ResetCoreNetwork(force)    50
	ResetCoreNetwork           45
	ResetConnections           40
	VerifyConnectivity         30
	CloseIdleConnections       20

Restart requires a running session and 120s since the last restart. A deep
Recover requires 30s since the last deep recovery. Both timestamps are
stamped before the operation starts.
*/
package coordinator
