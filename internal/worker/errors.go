package worker

import "errors"

// Orchestrator error taxonomy. Spawn-phase errors (ErrSpawnExhausted,
// ErrSpawnTimeout) live in the spawn package; port exhaustion in ports.
var (
	// ErrWorkerNotFound means no worker with the given id is registered.
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrWorkerNotRunning means the worker exists but is not running.
	ErrWorkerNotRunning = errors.New("worker is not running")

	// ErrWorkerStopped fails pending requests during teardown.
	ErrWorkerStopped = errors.New("worker stopped")

	// ErrRequestTimeout means no matching response arrived in time.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrShuttingDown means the registry no longer accepts new workers.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)
