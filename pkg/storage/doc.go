/*
Package storage persists learned per-identity behaviour and the decision
history of the recovery engine in a BoltDB file (go.etcd.io/bbolt).

Layout of sentinel.db:

	behaviors/<identity>      JSON types.AppBehavior
	decisions/<uint64 seq>    JSON types.DecisionRecord, big-endian keys

Decision keys come from the bucket sequence so cursor order is insertion
order. AppendDecision prunes the oldest records beyond the retention limit
inside the same transaction.

Persistence is optional; the engine runs entirely in memory when no Store
is configured.
*/
package storage
