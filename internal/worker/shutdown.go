package worker

import (
	"context"
	"sync"
	"time"

	"github.com/jmswain/foreman/internal/protocol"
)

// Stop asks a running worker to shut down and tears it down. The worker gets
// the grace period to exit on its own; after that it is killed. Returns false
// if no worker with the id exists or it is not running, so a second Stop for
// the same worker reports false.
func (r *Registry) Stop(id string) bool {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok || w.desc.State != StateRunning || w.stopping {
		r.mu.Unlock()
		return false
	}
	w.stopping = true
	w.desc.State = StateStopping
	r.mu.Unlock()
	r.updateStateGauges()

	r.logger.Info("stopping worker", "worker_id", id, "grace", r.opts.GracePeriod)
	r.stopManaged(w)
	return true
}

// stopManaged runs the stop sequence for a worker already marked stopping.
func (r *Registry) stopManaged(w *managed) {
	if err := w.ch.send(&protocol.Message{Type: protocol.TypeShutdown}); err != nil {
		// Channel already broken; the process gets no grace it can use.
		r.logger.Debug("shutdown message not delivered", "worker_id", w.desc.ID, "error", err)
	}

	select {
	case <-w.proc.Done():
	case <-time.After(r.opts.GracePeriod):
		r.logger.Warn("worker ignored shutdown, killing", "worker_id", w.desc.ID, "pid", w.desc.PID)
		_ = w.proc.Kill()
		<-w.proc.Done()
	}

	r.finalize(w, StateStopped)
}

// Shutdown stops every worker concurrently and waits for all supervision
// goroutines to drain. After Shutdown begins, Create fails with
// ErrShuttingDown; creates already in flight settle first, so a worker that
// was still starting is either aborted by its own create path or swept here
// once running. The context bounds the whole wait, not the grace periods
// already in flight.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.creating.Wait()

		r.mu.Lock()
		ids := make([]string, 0, len(r.workers))
		for id := range r.workers {
			ids = append(ids, id)
		}
		r.mu.Unlock()

		r.logger.Info("shutting down orchestrator", "workers", len(ids))

		var wg sync.WaitGroup
		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				r.Stop(id)
			}(id)
		}
		wg.Wait()
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
