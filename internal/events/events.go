// Package events publishes worker lifecycle events to the host layer.
//
// Events are typed variants rather than string-keyed payloads: subscribers
// switch on the concrete type. The bus never blocks a publisher on a slow
// subscriber and keeps a small ring buffer so late clients can catch up.
package events

import (
	"time"

	"github.com/jmswain/foreman/internal/protocol"
)

// Event is the closed set of lifecycle notifications. Concrete types are the
// Worker* structs in this package.
type Event interface {
	// Kind returns the stable event name, e.g. "worker:ready".
	Kind() string
	// WorkerID returns the id of the worker the event concerns.
	WorkerID() string
}

// WorkerCreated fires when a worker entry is registered, before it is ready.
type WorkerCreated struct {
	ID    string
	JobID string
	Port  int
}

// WorkerReady fires when the subprocess confirms it accepts traffic.
type WorkerReady struct {
	ID    string
	JobID string
}

// WorkerError fires when a running worker faults. Spawn failures do not raise
// it; they surface synchronously to the Create caller.
type WorkerError struct {
	ID  string
	Err string
}

// WorkerExit fires exactly once per finalized worker.
type WorkerExit struct {
	ID     string
	Code   int
	Signal string
}

// WorkerStatsUpdated fires when a worker pushes a resource usage report.
type WorkerStatsUpdated struct {
	ID    string
	Stats protocol.Stats
}

func (e WorkerCreated) Kind() string      { return "worker:created" }
func (e WorkerCreated) WorkerID() string  { return e.ID }
func (e WorkerReady) Kind() string        { return "worker:ready" }
func (e WorkerReady) WorkerID() string    { return e.ID }
func (e WorkerError) Kind() string        { return "worker:error" }
func (e WorkerError) WorkerID() string    { return e.ID }
func (e WorkerExit) Kind() string         { return "worker:exit" }
func (e WorkerExit) WorkerID() string     { return e.ID }
func (e WorkerStatsUpdated) Kind() string { return "worker:stats-updated" }
func (e WorkerStatsUpdated) WorkerID() string {
	return e.ID
}

// Envelope wraps a published event with its sequence number and timestamp.
type Envelope struct {
	Seq   int64     `json:"seq"`
	At    time.Time `json:"at"`
	Event Event     `json:"-"`
}
