package worker

import (
	"net"
	"sync"
	"time"

	"github.com/jmswain/foreman/internal/protocol"
	"github.com/jmswain/foreman/internal/spawn"
)

// State is a worker's lifecycle state.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateError    State = "error"
)

// JobSpec identifies what a worker should run.
type JobSpec struct {
	JobID       string `json:"job_id"`
	ExecutionID string `json:"execution_id,omitempty"`
	Version     string `json:"version,omitempty"`
}

// Descriptor is the externally visible snapshot of a worker.
type Descriptor struct {
	ID           string          `json:"id"`
	JobID        string          `json:"job_id"`
	ExecutionID  string          `json:"execution_id,omitempty"`
	Version      string          `json:"version,omitempty"`
	Port         int             `json:"port"`
	State        State           `json:"state"`
	PID          int             `json:"pid,omitempty"`
	Launcher     string          `json:"launcher,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	LastActivity time.Time       `json:"last_activity"`
	Stats        *protocol.Stats `json:"stats,omitempty"`
}

// managed is the registry's private record of one worker. The registry mutex
// guards desc and stopping; proc, ch and listener are set once during Create
// before the worker becomes visible as running.
type managed struct {
	desc     Descriptor
	proc     *spawn.Process
	ch       *channel
	listener net.Listener

	stopping bool

	connCh chan net.Conn

	finalizeOnce sync.Once
	finalized    chan struct{}
}

// snapshot returns a copy of the descriptor safe to hand to callers.
func (w *managed) snapshot() Descriptor {
	d := w.desc
	if w.desc.Stats != nil {
		stats := *w.desc.Stats
		d.Stats = &stats
	}
	return d
}
