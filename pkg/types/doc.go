/*
Package types defines the shared data model for Sentinel's recovery subsystem.

# Requests

Request is a tagged union. Kind selects the corrective operation and which
variant fields apply:

	Kind                      Fields          Priority
	restart                   -               100
	enter_device_idle         -               95
	recover                   Mode            90 deep, 80 full, 70 proactive,
	                                          60 quick, 55 auto
	reset_core_network        Force           50 forced, 45 otherwise
	reset_connections         SkipDebounce    40
	verify_connectivity       Mode, Escalate  30
	close_idle_connections    MaxIdle         20
	composite                 Items           max(item priorities)

Composite requests are always flat: NewComposite unwraps nested composites
so that Items only ever contains executable leaves.

Every request carries a Reason (at most MaxReasonLength characters) and a
RequestedAt timestamp that the coordinator stamps on submission.

# Learned Behaviour

AppBehavior and DecisionRecord are produced by the decision engine and
persisted by the storage package.
*/
package types
