/*
Package recovery assembles the coordinator, core reset manager, connection
health monitor, decision engine and network switch manager around one
session.

Every component submits its requests to the coordinator, which is the
only caller of destructive session operations. Core network resets are
routed through the reset manager so failures count toward escalation, and
the reset manager escalates back through the coordinator.

Stop tears components down in reverse order and closes the store. A
stopped Stack cannot be restarted; build a new one.
*/
package recovery
