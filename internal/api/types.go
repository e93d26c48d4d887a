package api

import (
	"encoding/json"
	"time"
)

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is the body of GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	WorkersActive int    `json:"workers_active"`
}

// CreateWorkerRequest is the body of POST /v1/workers.
type CreateWorkerRequest struct {
	JobID       string `json:"job_id"`
	ExecutionID string `json:"execution_id,omitempty"`
	Version     string `json:"version,omitempty"`
}

// WorkerRequestBody is the body of POST /v1/workers/{id}/request.
// TimeoutMS, when positive, bounds this call below the configured request
// timeout.
type WorkerRequestBody struct {
	Route     string          `json:"route"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TimeoutMS int             `json:"timeout_ms,omitempty"`
}

// WorkerRequestResponse wraps a worker's reply.
type WorkerRequestResponse struct {
	Data json.RawMessage `json:"data"`
}

// EventRecord is the wire form of one published event.
type EventRecord struct {
	Seq      int64           `json:"seq"`
	At       time.Time       `json:"at"`
	Kind     string          `json:"kind"`
	WorkerID string          `json:"worker_id"`
	Detail   json.RawMessage `json:"detail,omitempty"`
}
