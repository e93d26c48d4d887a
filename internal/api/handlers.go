package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmswain/foreman/internal/ports"
	"github.com/jmswain/foreman/internal/spawn"
	"github.com/jmswain/foreman/internal/worker"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		WorkersActive: len(s.orch.List()),
	})
}

// handleListWorkers handles GET /v1/workers, optionally filtered by job_id.
func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	var list []worker.Descriptor
	if jobID := r.URL.Query().Get("job_id"); jobID != "" {
		list = s.orch.ListByJob(jobID)
	} else {
		list = s.orch.List()
	}
	s.writeJSON(w, http.StatusOK, list)
}

// handleCreateWorker handles POST /v1/workers. The call blocks until the
// worker is ready or its startup fails.
func (s *Server) handleCreateWorker(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.JobID == "" {
		s.writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}

	desc, err := s.orch.Create(r.Context(), worker.JobSpec{
		JobID:       req.JobID,
		ExecutionID: req.ExecutionID,
		Version:     req.Version,
	})
	if err != nil {
		s.writeError(w, createStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, desc)
}

func createStatus(err error) int {
	switch {
	case errors.Is(err, worker.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, ports.ErrPortExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, spawn.ErrSpawnExhausted):
		return http.StatusBadGateway
	case errors.Is(err, spawn.ErrSpawnTimeout):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// handleGetWorker handles GET /v1/workers/{workerID}.
func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workerID")
	desc, ok := s.orch.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "worker not found")
		return
	}
	s.writeJSON(w, http.StatusOK, desc)
}

// handleDeleteWorker handles DELETE /v1/workers/{workerID}. Stop is
// synchronous: by the time it returns true the worker is gone.
func (s *Server) handleDeleteWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workerID")
	if !s.orch.Stop(id) {
		s.writeError(w, http.StatusNotFound, "no running worker with that id")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWorkerRequest handles POST /v1/workers/{workerID}/request.
func (s *Server) handleWorkerRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workerID")

	var body WorkerRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Route == "" {
		s.writeError(w, http.StatusBadRequest, "route is required")
		return
	}

	ctx := r.Context()
	if body.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(body.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	data, err := s.orch.SendRequest(ctx, id, body.Route, body.Payload)
	if err != nil {
		s.writeError(w, requestStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, WorkerRequestResponse{Data: data})
}

func requestStatus(err error) int {
	switch {
	case errors.Is(err, worker.ErrWorkerNotFound):
		return http.StatusNotFound
	case errors.Is(err, worker.ErrWorkerNotRunning):
		return http.StatusConflict
	case errors.Is(err, worker.ErrWorkerStopped):
		return http.StatusConflict
	case errors.Is(err, worker.ErrRequestTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// handleEvents handles GET /v1/events?after=N, returning buffered lifecycle
// events with sequence numbers greater than N.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = parsed
	}

	envelopes := s.bus.SnapshotSince(after)
	records := make([]EventRecord, 0, len(envelopes))
	for _, env := range envelopes {
		detail, _ := json.Marshal(env.Event)
		records = append(records, EventRecord{
			Seq:      env.Seq,
			At:       env.At,
			Kind:     env.Event.Kind(),
			WorkerID: env.Event.WorkerID(),
			Detail:   detail,
		})
	}
	s.writeJSON(w, http.StatusOK, records)
}

// handleJournal handles GET /v1/journal?limit=N.
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, http.StatusNotFound, "journal is disabled")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	entries, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("journal query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "journal query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

// handleWorkerJournal handles GET /v1/workers/{workerID}/journal.
func (s *Server) handleWorkerJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, http.StatusNotFound, "journal is disabled")
		return
	}

	id := chi.URLParam(r, "workerID")
	entries, err := s.journal.ByWorker(r.Context(), id)
	if err != nil {
		s.logger.Error("journal query failed", "worker_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "journal query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}
