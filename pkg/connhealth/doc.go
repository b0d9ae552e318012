/*
Package connhealth samples the session's open connections per identity and
turns them into a 0..100 health score plus a list of stale identities.

An identity is stale when it has open connections, none carried data
recently, and the oldest is older than 30s. Each stale tick adds to its
error count; data activity clears it. The score is the mean over identities
of 100 - 10*errors, with another 20 off for identities holding more than
100 connections. No identities means a score of 100.

A single stale tick is common during normal pauses, so recovery is only
requested after three consecutive stale ticks for the same identity. The
request is Recover(quick) with reason "stale_confirmed:<identities>".
*/
package connhealth
