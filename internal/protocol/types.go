package protocol

import "encoding/json"

// MessageType discriminates the records exchanged between host and worker.
type MessageType string

const (
	// TypeRequest asks the other side to execute a route and answer with a
	// response carrying the same request_id. Requests flow in both directions.
	TypeRequest MessageType = "request"

	// TypeResponse answers a prior request, matched by request_id.
	TypeResponse MessageType = "response"

	// TypeReady is sent once by the worker when it can accept traffic.
	TypeReady MessageType = "ready"

	// TypeStats is a fire-and-forget resource usage report from the worker.
	TypeStats MessageType = "stats"

	// TypeEvent is a fire-and-forget notification from the worker.
	TypeEvent MessageType = "event"

	// TypeError reports a fatal worker-side fault.
	TypeError MessageType = "error"

	// TypeShutdown asks the worker to exit voluntarily.
	TypeShutdown MessageType = "shutdown"
)

// Message is the envelope for every record on the worker channel, transmitted
// as newline-delimited JSON over the worker's loopback connection.
type Message struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Route     string          `json:"route,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Stats is the payload of a stats message. Zero-valued fields mean "not
// reported"; the host merges reports rather than replacing them.
type Stats struct {
	MemoryBytes uint64  `json:"memory_bytes,omitempty"`
	CPUPercent  float64 `json:"cpu_percent,omitempty"`
}

// ReadyInfo is the optional payload of a ready message.
type ReadyInfo struct {
	PID     int    `json:"pid,omitempty"`
	Runtime string `json:"runtime,omitempty"`
}

// IsFailure reports whether a response message carries a failure.
func (m *Message) IsFailure() bool {
	return m.Type == TypeResponse && m.Error != ""
}
