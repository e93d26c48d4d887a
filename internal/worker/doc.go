// Package worker owns the lifecycle of job-run subprocesses: spawning through
// launch candidates, the per-worker message channel with request correlation,
// the state machine, and graceful-then-forced teardown.
//
// The registry is the single point of mutation for worker state. Create,
// Stop, and SendRequest block their calling goroutine until a terminal event
// (ready or failure, exit, response or timeout) but never hold the registry
// lock while waiting, so workers make progress independently.
//
// State machine:
//
//	starting → running → stopping → {stopped, error}
//
// stopped and error are terminal; entries are removed from the registry once
// finalization (port release, pending-request rejection, exit event) has run.
// Finalization runs exactly once per worker no matter which path (stop,
// channel fault, or unexpected exit) triggers it.
package worker
