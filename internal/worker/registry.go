package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmswain/foreman/internal/events"
	"github.com/jmswain/foreman/internal/metrics"
	"github.com/jmswain/foreman/internal/ports"
	"github.com/jmswain/foreman/internal/protocol"
	"github.com/jmswain/foreman/internal/spawn"
)

// Default supervision timings.
const (
	defaultStartupTimeout = 5 * time.Second
	defaultRequestTimeout = 30 * time.Second
	defaultGracePeriod    = 5 * time.Second
)

// Environment variables of the worker launch contract.
const (
	EnvWorkerID    = "FOREMAN_WORKER_ID"
	EnvJobID       = "FOREMAN_JOB_ID"
	EnvExecutionID = "FOREMAN_EXECUTION_ID"
	EnvVersion     = "FOREMAN_VERSION"
	EnvPort        = "FOREMAN_PORT"
)

// Options tunes worker supervision. Zero values fall back to defaults.
type Options struct {
	// StartupTimeout bounds the wait for a worker's ready signal.
	StartupTimeout time.Duration
	// RequestTimeout bounds host-to-worker requests.
	RequestTimeout time.Duration
	// GracePeriod is the window a worker gets to exit voluntarily after a
	// shutdown message before it is killed.
	GracePeriod time.Duration
}

func (o Options) withDefaults() Options {
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = defaultStartupTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = defaultRequestTimeout
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = defaultGracePeriod
	}
	return o
}

// Registry owns the worker table and is the single point of mutation for
// worker state.
type Registry struct {
	ports   *ports.Allocator
	spawner *spawn.Spawner
	bus     *events.Bus
	routes  Routes
	opts    Options
	logger  *slog.Logger

	mu      sync.Mutex
	workers map[string]*managed
	closed  bool

	// creating tracks Create calls in flight so Shutdown can wait for them
	// to settle before sweeping the worker table.
	creating sync.WaitGroup

	wg sync.WaitGroup
}

// NewRegistry constructs the orchestrator core. The routes table is fixed for
// the registry's lifetime; nil is treated as empty (every worker-originated
// request answers "not implemented").
func NewRegistry(alloc *ports.Allocator, spawner *spawn.Spawner, bus *events.Bus, routes Routes, opts Options, logger *slog.Logger) *Registry {
	if routes == nil {
		routes = Routes{}
	}
	r := &Registry{
		ports:   alloc,
		spawner: spawner,
		bus:     bus,
		routes:  routes,
		opts:    opts.withDefaults(),
		logger:  logger,
		workers: make(map[string]*managed),
	}
	spawner.OnAttempt = func(spec spawn.LaunchSpec, err error) {
		outcome := "started"
		if err != nil {
			outcome = "not_found"
		}
		metrics.SpawnAttemptsTotal.WithLabelValues(spec.Name, outcome).Inc()
	}
	return r
}

// Create reserves a port, launches a subprocess for the job, and blocks until
// the worker reports ready or the attempt fails. On success the worker is
// running and the returned descriptor reflects that; on failure every partial
// resource has been reclaimed.
func (r *Registry) Create(ctx context.Context, spec JobSpec) (Descriptor, error) {
	if spec.JobID == "" {
		return Descriptor{}, fmt.Errorf("job id is empty")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Descriptor{}, ErrShuttingDown
	}
	port, err := r.ports.Reserve()
	if err != nil {
		r.mu.Unlock()
		metrics.CreateTotal.WithLabelValues("port_exhausted").Inc()
		return Descriptor{}, err
	}

	now := time.Now().UTC()
	w := &managed{
		desc: Descriptor{
			ID:           uuid.NewString(),
			JobID:        spec.JobID,
			ExecutionID:  spec.ExecutionID,
			Version:      spec.Version,
			Port:         port,
			State:        StateStarting,
			StartedAt:    now,
			LastActivity: now,
		},
		connCh:    make(chan net.Conn, 1),
		finalized: make(chan struct{}),
	}
	r.workers[w.desc.ID] = w
	r.creating.Add(1)
	r.mu.Unlock()
	defer r.creating.Done()
	r.updateStateGauges()

	logger := r.logger.With("worker_id", w.desc.ID, "job_id", spec.JobID, "port", port)
	logger.Info("creating worker")
	r.bus.Publish(events.WorkerCreated{ID: w.desc.ID, JobID: spec.JobID, Port: port})

	desc, err := r.startWorker(ctx, w, logger)
	if err != nil {
		r.abortCreate(w)
		metrics.CreateTotal.WithLabelValues("failed").Inc()
		logger.Error("worker creation failed", "error", err)
		return Descriptor{}, err
	}

	// Shutdown may have begun while this worker was starting. Its sweep
	// waits for in-flight creates, so the create path owns the teardown.
	r.mu.Lock()
	closedNow := r.closed
	r.mu.Unlock()
	if closedNow {
		logger.Info("shutdown began during startup, stopping worker")
		r.Stop(desc.ID)
		metrics.CreateTotal.WithLabelValues("failed").Inc()
		return Descriptor{}, ErrShuttingDown
	}

	metrics.CreateTotal.WithLabelValues("ok").Inc()
	logger.Info("worker ready", "pid", desc.PID, "launcher", desc.Launcher)
	return desc, nil
}

// startWorker binds the channel port, spawns the subprocess, and waits for
// the first terminal startup signal: ready, process exit, fault, or timeout.
func (r *Registry) startWorker(ctx context.Context, w *managed, logger *slog.Logger) (Descriptor, error) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(w.desc.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return Descriptor{}, fmt.Errorf("bind channel port %d: %w", w.desc.Port, err)
	}
	w.listener = listener

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return // listener closed during teardown
		}
		w.connCh <- conn
	}()

	env := map[string]string{
		EnvWorkerID: w.desc.ID,
		EnvJobID:    w.desc.JobID,
		EnvPort:     strconv.Itoa(w.desc.Port),
	}
	if w.desc.ExecutionID != "" {
		env[EnvExecutionID] = w.desc.ExecutionID
	}
	if w.desc.Version != "" {
		env[EnvVersion] = w.desc.Version
	}

	proc, err := r.spawner.Start(env)
	if err != nil {
		return Descriptor{}, err
	}
	w.proc = proc

	timer := time.NewTimer(r.opts.StartupTimeout)
	defer timer.Stop()

	// Phase 1: the worker must connect to its channel port.
	var conn net.Conn
	select {
	case conn = <-w.connCh:
	case <-proc.Done():
		return Descriptor{}, startupExitError(proc)
	case <-timer.C:
		return Descriptor{}, fmt.Errorf("worker never connected: %w", spawn.ErrSpawnTimeout)
	case <-ctx.Done():
		return Descriptor{}, ctx.Err()
	}

	ch := newChannel(w.desc.ID, conn, r.routes, logger)
	ch.onStats = func(stats protocol.Stats) { r.UpdateStats(w.desc.ID, stats) }
	ch.onActivity = func() { r.touch(w.desc.ID) }
	w.ch = ch
	go ch.readLoop()

	// Phase 2: first signal wins between ready, error, exit, and timeout.
	select {
	case <-ch.ready():
	case err := <-ch.fault():
		return Descriptor{}, fmt.Errorf("worker faulted during startup: %w", err)
	case <-proc.Done():
		return Descriptor{}, startupExitError(proc)
	case <-timer.C:
		return Descriptor{}, fmt.Errorf("no ready signal within %s: %w", r.opts.StartupTimeout, spawn.ErrSpawnTimeout)
	case <-ctx.Done():
		return Descriptor{}, ctx.Err()
	}

	r.mu.Lock()
	w.desc.State = StateRunning
	w.desc.PID = proc.PID()
	w.desc.Launcher = proc.Spec.Name
	w.desc.LastActivity = time.Now().UTC()
	desc := w.snapshot()
	r.mu.Unlock()
	r.updateStateGauges()

	r.bus.Publish(events.WorkerReady{ID: desc.ID, JobID: desc.JobID})

	r.wg.Add(1)
	go r.supervise(w)

	return desc, nil
}

func startupExitError(proc *spawn.Process) error {
	exit := proc.Exit()
	err := fmt.Errorf("worker exited during startup (code %d)", exit.Code)
	if tail := proc.StderrTail(); tail != "" {
		err = fmt.Errorf("%w; stderr: %s", err, tail)
	}
	return err
}

// abortCreate reclaims everything a failed Create may have acquired. The
// worker never reached running, so no exit event is published.
func (r *Registry) abortCreate(w *managed) {
	if w.proc != nil {
		_ = w.proc.Kill()
		<-w.proc.Done()
	}
	if w.ch != nil {
		w.ch.close(ErrWorkerStopped)
	}
	if w.listener != nil {
		_ = w.listener.Close()
	}

	r.mu.Lock()
	delete(r.workers, w.desc.ID)
	r.mu.Unlock()
	r.ports.Release(w.desc.Port)
	r.updateStateGauges()
}

// supervise watches a running worker for faults and unexpected exits. The
// stop path owns teardown once stopping is set; supervise stands down then.
func (r *Registry) supervise(w *managed) {
	defer r.wg.Done()

	select {
	case <-w.finalized:
		return

	case err := <-w.ch.fault():
		r.mu.Lock()
		stopping := w.stopping
		if !stopping {
			w.desc.State = StateError
		}
		r.mu.Unlock()
		if stopping {
			return
		}
		r.updateStateGauges()

		r.logger.Error("worker channel fault", "worker_id", w.desc.ID, "error", err)
		r.bus.Publish(events.WorkerError{ID: w.desc.ID, Err: err.Error()})
		_ = w.proc.Kill()
		<-w.proc.Done()
		r.finalize(w, StateError)

	case <-w.proc.Done():
		r.mu.Lock()
		stopping := w.stopping
		if !stopping {
			w.desc.State = StateError
		}
		r.mu.Unlock()
		if stopping {
			return
		}
		r.updateStateGauges()

		exit := w.proc.Exit()
		err := fmt.Errorf("worker exited unexpectedly (code %d, signal %q)", exit.Code, exit.Signal)
		r.logger.Error("worker died", "worker_id", w.desc.ID, "code", exit.Code, "signal", exit.Signal)
		r.bus.Publish(events.WorkerError{ID: w.desc.ID, Err: err.Error()})
		r.finalize(w, StateError)
	}
}

// finalize runs the exactly-once cleanup sequence: reject pending requests,
// release the port, drop the registry entry, publish the exit event.
func (r *Registry) finalize(w *managed, final State) {
	w.finalizeOnce.Do(func() {
		if w.listener != nil {
			_ = w.listener.Close()
		}
		if w.ch != nil {
			w.ch.close(ErrWorkerStopped)
		}

		r.mu.Lock()
		w.desc.State = final
		delete(r.workers, w.desc.ID)
		r.mu.Unlock()

		r.ports.Release(w.desc.Port)

		exit := w.proc.Exit()
		r.bus.Publish(events.WorkerExit{ID: w.desc.ID, Code: exit.Code, Signal: exit.Signal})
		metrics.WorkerExitsTotal.WithLabelValues(string(final)).Inc()
		r.updateStateGauges()

		r.logger.Info("worker finalized",
			"worker_id", w.desc.ID, "state", final, "code", exit.Code, "signal", exit.Signal)
		close(w.finalized)
	})
}

// SendRequest transmits a request to a running worker and blocks until the
// response, the request timeout, or ctx cancellation.
func (r *Registry) SendRequest(ctx context.Context, id, route string, payload json.RawMessage) (json.RawMessage, error) {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrWorkerNotFound
	}
	if w.desc.State != StateRunning {
		r.mu.Unlock()
		return nil, ErrWorkerNotRunning
	}
	ch := w.ch
	r.mu.Unlock()

	start := time.Now()
	data, err := ch.sendRequest(ctx, route, payload, r.opts.RequestTimeout)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.RequestDuration.WithLabelValues(route, outcome).Observe(time.Since(start).Seconds())
	return data, err
}

// UpdateStats merges a resource usage report into the worker's descriptor.
// Unknown ids are ignored: stats must never fail their reporter.
func (r *Registry) UpdateStats(id string, stats protocol.Stats) {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if w.desc.Stats == nil {
		w.desc.Stats = &protocol.Stats{}
	}
	if stats.MemoryBytes != 0 {
		w.desc.Stats.MemoryBytes = stats.MemoryBytes
	}
	if stats.CPUPercent != 0 {
		w.desc.Stats.CPUPercent = stats.CPUPercent
	}
	w.desc.LastActivity = time.Now().UTC()
	merged := *w.desc.Stats
	r.mu.Unlock()

	r.bus.Publish(events.WorkerStatsUpdated{ID: id, Stats: merged})
}

// touch refreshes a worker's last-activity timestamp.
func (r *Registry) touch(id string) {
	r.mu.Lock()
	if w, ok := r.workers[id]; ok {
		w.desc.LastActivity = time.Now().UTC()
	}
	r.mu.Unlock()
}

// Get returns a snapshot of one worker.
func (r *Registry) Get(id string) (Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return Descriptor{}, false
	}
	return w.snapshot(), true
}

// List returns snapshots of all registered workers, ordered by start time.
func (r *Registry) List() []Descriptor {
	r.mu.Lock()
	out := make([]Descriptor, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w.snapshot())
	}
	r.mu.Unlock()

	sortDescriptors(out)
	return out
}

// ListByJob returns snapshots of the workers running a given job.
func (r *Registry) ListByJob(jobID string) []Descriptor {
	r.mu.Lock()
	out := make([]Descriptor, 0, 4)
	for _, w := range r.workers {
		if w.desc.JobID == jobID {
			out = append(out, w.snapshot())
		}
	}
	r.mu.Unlock()

	sortDescriptors(out)
	return out
}

func sortDescriptors(ds []Descriptor) {
	sort.Slice(ds, func(i, j int) bool {
		return ds[i].StartedAt.Before(ds[j].StartedAt)
	})
}

// updateStateGauges recounts workers per state. Worker counts are small, so
// a full recount is cheaper than tracking increments correctly.
func (r *Registry) updateStateGauges() {
	counts := map[State]int{StateStarting: 0, StateRunning: 0, StateStopping: 0}
	r.mu.Lock()
	for _, w := range r.workers {
		counts[w.desc.State]++
	}
	r.mu.Unlock()

	for state, n := range counts {
		metrics.WorkersActive.WithLabelValues(string(state)).Set(float64(n))
	}
}
