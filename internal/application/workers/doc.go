// Package workers implements the worker pool that executes workflow runs.
//
// The pool subscribes to run requests on the event bus and hands each one
// to a fixed number of worker goroutines. A worker executes the request
// through its Runner (the orchestrator manager) and goes back to idle.
//
// The health monitor tracks worker status and records it as metrics.
package workers
