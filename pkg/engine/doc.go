/*
Package engine decides when connection health warrants recovery.

Every tick, while the session is running, the engine reads the latest
connection health snapshot and computes a decision score:

	score = (100 - health) + 20 per stale identity
	        - 10 per stale identity seen stale more than 5 times
	        + 5 per stale identity that usually recovers within 60s

clamped to 0..100. A score of 70 or more requests Recover (quick below 90,
full otherwise) if the rate limiter allows it. A score of 50 or more is a
wait; anything lower is ignored. Every decision is kept in a bounded ring
and optionally persisted.

The rate limiter allows 6 recoveries per 60s and at least 10s between
them. The upload-only traffic detector shares it: when upload keeps
flowing for 30s with almost no download, idle connections are closed.
*/
package engine
