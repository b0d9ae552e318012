// Package corereset resets the session's core network stack with
// debouncing and failure tracking. After three consecutive failures lasting
// at least 30s it stops resetting and asks for a full restart, at most once
// every 120s. The coordinator routes its ResetCoreNetwork requests here so
// every reset counts toward that escalation.
package corereset
