package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmswain/foreman/internal/events"
	"github.com/jmswain/foreman/internal/log"
	"github.com/jmswain/foreman/internal/ports"
	"github.com/jmswain/foreman/internal/protocol"
	"github.com/jmswain/foreman/internal/spawn"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // suppress logs in tests
	os.Exit(m.Run())
}

// obedientWorker connects to its channel port, reports ready, answers every
// request, and exits on shutdown.
const obedientWorker = `#!/bin/bash
exec 3<>/dev/tcp/127.0.0.1/$FOREMAN_PORT
printf '{"type":"ready","data":{"pid":%d,"runtime":"bash"}}\n' $$ >&3
while IFS= read -r line <&3; do
  case "$line" in
  *'"type":"shutdown"'*)
    exit 0
    ;;
  *'"type":"request"'*)
    id=$(printf '%s' "$line" | sed -n 's/.*"request_id":"\([^"]*\)".*/\1/p')
    printf '{"type":"response","request_id":"%s","data":{"ok":true}}\n' "$id" >&3
    ;;
  esac
done
`

// silentWorker reports ready but never answers requests.
const silentWorker = `#!/bin/bash
exec 3<>/dev/tcp/127.0.0.1/$FOREMAN_PORT
printf '{"type":"ready"}\n' >&3
while IFS= read -r line <&3; do
  case "$line" in
  *'"type":"shutdown"'*) exit 0 ;;
  esac
done
`

// defiantWorker ignores shutdown messages entirely.
const defiantWorker = `#!/bin/bash
exec 3<>/dev/tcp/127.0.0.1/$FOREMAN_PORT
printf '{"type":"ready"}\n' >&3
while IFS= read -r line <&3; do
  :
done
sleep 60
`

func writeWorkerScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0755))
	return path
}

type testRig struct {
	reg   *Registry
	bus   *events.Bus
	alloc *ports.Allocator
	evts  <-chan events.Envelope
}

func newTestRig(t *testing.T, script string, portMin, portMax int, opts Options) *testRig {
	t.Helper()

	alloc, err := ports.NewAllocator(portMin, portMax)
	require.NoError(t, err)

	specs := []spawn.LaunchSpec{{Name: "bash", Command: writeWorkerScript(t, script)}}
	sp := spawn.New(specs, log.Get())

	bus := events.NewBus(64)
	reg := NewRegistry(alloc, sp, bus, nil, opts, log.Get())

	evts, cancel := bus.Subscribe()
	t.Cleanup(func() {
		ctx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		_ = reg.Shutdown(ctx)
		cancel()
	})

	return &testRig{reg: reg, bus: bus, alloc: alloc, evts: evts}
}

// waitEvent consumes events until one of the wanted kind arrives.
func (r *testRig) waitEvent(t *testing.T, kind string) events.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case env := <-r.evts:
			if env.Event.Kind() == kind {
				return env.Event
			}
		case <-deadline:
			t.Fatalf("no %q event within deadline", kind)
			return nil
		}
	}
}

func TestCreateAndStop(t *testing.T) {
	rig := newTestRig(t, obedientWorker, 56100, 56109, Options{})

	desc, err := rig.reg.Create(context.Background(), JobSpec{JobID: "job-1", ExecutionID: "exec-1"})
	require.NoError(t, err)
	assert.Equal(t, StateRunning, desc.State)
	assert.Equal(t, "job-1", desc.JobID)
	assert.GreaterOrEqual(t, desc.Port, 56100)
	assert.LessOrEqual(t, desc.Port, 56109)
	assert.NotZero(t, desc.PID)
	assert.Equal(t, "bash", desc.Launcher)

	created := rig.waitEvent(t, "worker:created").(events.WorkerCreated)
	assert.Equal(t, desc.ID, created.ID)
	ready := rig.waitEvent(t, "worker:ready").(events.WorkerReady)
	assert.Equal(t, desc.ID, ready.ID)

	got, ok := rig.reg.Get(desc.ID)
	require.True(t, ok)
	assert.Equal(t, desc.ID, got.ID)

	require.True(t, rig.reg.Stop(desc.ID))

	exit := rig.waitEvent(t, "worker:exit").(events.WorkerExit)
	assert.Equal(t, desc.ID, exit.ID)
	assert.Equal(t, 0, exit.Code)

	_, ok = rig.reg.Get(desc.ID)
	assert.False(t, ok, "stopped worker must leave the registry")
	assert.Equal(t, 0, rig.alloc.Reserved(), "stopped worker must release its port")
}

func TestSendRequestRoundTrip(t *testing.T) {
	rig := newTestRig(t, obedientWorker, 56110, 56119, Options{})

	desc, err := rig.reg.Create(context.Background(), JobSpec{JobID: "job-1"})
	require.NoError(t, err)

	data, err := rig.reg.SendRequest(context.Background(), desc.ID, "node.run", json.RawMessage(`{"step":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))
}

func TestSendRequestUnknownWorker(t *testing.T) {
	rig := newTestRig(t, obedientWorker, 56120, 56129, Options{})

	_, err := rig.reg.SendRequest(context.Background(), "nope", "health", nil)
	assert.ErrorIs(t, err, ErrWorkerNotFound)
}

func TestSendRequestTimeout(t *testing.T) {
	rig := newTestRig(t, silentWorker, 56130, 56139, Options{RequestTimeout: 200 * time.Millisecond})

	desc, err := rig.reg.Create(context.Background(), JobSpec{JobID: "job-1"})
	require.NoError(t, err)

	_, err = rig.reg.SendRequest(context.Background(), desc.ID, "node.run", nil)
	require.ErrorIs(t, err, ErrRequestTimeout)

	// The worker is still running and the pending table is clean.
	got, ok := rig.reg.Get(desc.ID)
	require.True(t, ok)
	assert.Equal(t, StateRunning, got.State)

	rig.reg.mu.Lock()
	pending := rig.reg.workers[desc.ID].ch.pendingCount()
	rig.reg.mu.Unlock()
	assert.Equal(t, 0, pending)
}

func TestPendingRequestRejectedOnStop(t *testing.T) {
	rig := newTestRig(t, silentWorker, 56140, 56149, Options{RequestTimeout: 30 * time.Second})

	desc, err := rig.reg.Create(context.Background(), JobSpec{JobID: "job-1"})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := rig.reg.SendRequest(context.Background(), desc.ID, "node.run", nil)
		errCh <- err
	}()

	// Let the request get onto the wire before stopping.
	time.Sleep(100 * time.Millisecond)
	require.True(t, rig.reg.Stop(desc.ID))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrWorkerStopped)
	case <-time.After(5 * time.Second):
		t.Fatal("pending request never failed after stop")
	}
}

func TestStopForcesKillAfterGrace(t *testing.T) {
	rig := newTestRig(t, defiantWorker, 56150, 56159, Options{GracePeriod: 200 * time.Millisecond})

	desc, err := rig.reg.Create(context.Background(), JobSpec{JobID: "job-1"})
	require.NoError(t, err)

	require.True(t, rig.reg.Stop(desc.ID))

	exit := rig.waitEvent(t, "worker:exit").(events.WorkerExit)
	assert.Equal(t, desc.ID, exit.ID)
	assert.NotEmpty(t, exit.Signal, "forced kill should record the signal")

	// Teardown ran exactly once, so a second stop finds nothing.
	assert.False(t, rig.reg.Stop(desc.ID))
	assert.Equal(t, 0, rig.alloc.Reserved())

	select {
	case env := <-rig.evts:
		if env.Event.Kind() == "worker:exit" {
			t.Fatal("second exit event published for one worker")
		}
	case <-time.After(300 * time.Millisecond):
	}
}

func TestStopUnknownWorker(t *testing.T) {
	rig := newTestRig(t, obedientWorker, 56160, 56169, Options{})
	assert.False(t, rig.reg.Stop("nope"))
}

func TestCreateStartupTimeout(t *testing.T) {
	script := `#!/bin/bash
sleep 30
`
	rig := newTestRig(t, script, 56170, 56179, Options{StartupTimeout: 300 * time.Millisecond})

	_, err := rig.reg.Create(context.Background(), JobSpec{JobID: "job-1"})
	require.ErrorIs(t, err, spawn.ErrSpawnTimeout)
	assert.Empty(t, rig.reg.List())
	assert.Equal(t, 0, rig.alloc.Reserved(), "failed create must release its port")
}

func TestCreateWorkerExitsBeforeReady(t *testing.T) {
	script := `#!/bin/bash
echo "fatal: cannot load runtime" >&2
exit 3
`
	rig := newTestRig(t, script, 56180, 56189, Options{})

	_, err := rig.reg.Create(context.Background(), JobSpec{JobID: "job-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited during startup")
	assert.Contains(t, err.Error(), "cannot load runtime")
	assert.Equal(t, 0, rig.alloc.Reserved())
}

func TestCreateSpawnExhausted(t *testing.T) {
	alloc, err := ports.NewAllocator(56190, 56199)
	require.NoError(t, err)

	specs := []spawn.LaunchSpec{
		{Name: "missing-a", Command: "/nonexistent/runner-a"},
		{Name: "missing-b", Command: "/nonexistent/runner-b"},
	}
	sp := spawn.New(specs, log.Get())
	reg := NewRegistry(alloc, sp, events.NewBus(16), nil, Options{}, log.Get())

	var attempts []string
	prev := sp.OnAttempt
	sp.OnAttempt = func(spec spawn.LaunchSpec, err error) {
		attempts = append(attempts, spec.Name)
		prev(spec, err)
	}

	_, err = reg.Create(context.Background(), JobSpec{JobID: "job-1"})
	require.ErrorIs(t, err, spawn.ErrSpawnExhausted)
	assert.Equal(t, []string{"missing-a", "missing-b"}, attempts, "one attempt per candidate, in order")
	assert.Equal(t, 0, alloc.Reserved())
}

func TestCreatePortExhausted(t *testing.T) {
	rig := newTestRig(t, obedientWorker, 56200, 56200, Options{})

	_, err := rig.reg.Create(context.Background(), JobSpec{JobID: "job-1"})
	require.NoError(t, err)

	_, err = rig.reg.Create(context.Background(), JobSpec{JobID: "job-2"})
	assert.ErrorIs(t, err, ports.ErrPortExhausted)
}

func TestPortReusedAfterStop(t *testing.T) {
	rig := newTestRig(t, obedientWorker, 56210, 56210, Options{})

	first, err := rig.reg.Create(context.Background(), JobSpec{JobID: "job-1"})
	require.NoError(t, err)
	require.True(t, rig.reg.Stop(first.ID))

	second, err := rig.reg.Create(context.Background(), JobSpec{JobID: "job-2"})
	require.NoError(t, err)
	assert.Equal(t, first.Port, second.Port)
}

func TestConcurrentCreatesGetUniquePorts(t *testing.T) {
	rig := newTestRig(t, obedientWorker, 56220, 56239, Options{})

	const n = 5
	var wg sync.WaitGroup
	descs := make([]Descriptor, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			descs[i], errs[i] = rig.reg.Create(context.Background(), JobSpec{JobID: "job-1"})
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.False(t, seen[descs[i].Port], "port %d assigned twice", descs[i].Port)
		seen[descs[i].Port] = true
	}

	assert.Len(t, rig.reg.ListByJob("job-1"), n)
	assert.Empty(t, rig.reg.ListByJob("job-2"))
}

func TestWorkerDiesWhileRunning(t *testing.T) {
	script := `#!/bin/bash
exec 3<>/dev/tcp/127.0.0.1/$FOREMAN_PORT
printf '{"type":"ready"}\n' >&3
sleep 0.2
exit 1
`
	rig := newTestRig(t, script, 56240, 56249, Options{})

	desc, err := rig.reg.Create(context.Background(), JobSpec{JobID: "job-1"})
	require.NoError(t, err)

	rig.waitEvent(t, "worker:error")
	exit := rig.waitEvent(t, "worker:exit").(events.WorkerExit)
	assert.Equal(t, desc.ID, exit.ID)

	_, ok := rig.reg.Get(desc.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, rig.alloc.Reserved())
}

func TestWorkerStatsReported(t *testing.T) {
	script := `#!/bin/bash
exec 3<>/dev/tcp/127.0.0.1/$FOREMAN_PORT
printf '{"type":"ready"}\n' >&3
printf '{"type":"stats","data":{"memory_bytes":4096,"cpu_percent":2.5}}\n' >&3
while IFS= read -r line <&3; do
  case "$line" in
  *'"type":"shutdown"'*) exit 0 ;;
  esac
done
`
	rig := newTestRig(t, script, 56250, 56259, Options{})

	desc, err := rig.reg.Create(context.Background(), JobSpec{JobID: "job-1"})
	require.NoError(t, err)

	evt := rig.waitEvent(t, "worker:stats-updated").(events.WorkerStatsUpdated)
	assert.Equal(t, desc.ID, evt.ID)
	assert.Equal(t, uint64(4096), evt.Stats.MemoryBytes)

	got, ok := rig.reg.Get(desc.ID)
	require.True(t, ok)
	require.NotNil(t, got.Stats)
	assert.Equal(t, uint64(4096), got.Stats.MemoryBytes)
	assert.Equal(t, 2.5, got.Stats.CPUPercent)
}

func TestUpdateStatsMergesNonZero(t *testing.T) {
	rig := newTestRig(t, obedientWorker, 56260, 56269, Options{})

	desc, err := rig.reg.Create(context.Background(), JobSpec{JobID: "job-1"})
	require.NoError(t, err)

	rig.reg.UpdateStats(desc.ID, protocol.Stats{MemoryBytes: 1024, CPUPercent: 3.0})
	rig.reg.UpdateStats(desc.ID, protocol.Stats{CPUPercent: 7.0}) // memory not reported

	got, _ := rig.reg.Get(desc.ID)
	require.NotNil(t, got.Stats)
	assert.Equal(t, uint64(1024), got.Stats.MemoryBytes, "zero memory report must not clobber the last value")
	assert.Equal(t, 7.0, got.Stats.CPUPercent)

	// Unknown ids are a silent no-op.
	rig.reg.UpdateStats("nope", protocol.Stats{MemoryBytes: 1})
}

func TestShutdownStopsEverything(t *testing.T) {
	rig := newTestRig(t, obedientWorker, 56270, 56279, Options{})

	for i := 0; i < 3; i++ {
		_, err := rig.reg.Create(context.Background(), JobSpec{JobID: "job-1"})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, rig.reg.Shutdown(ctx))

	assert.Empty(t, rig.reg.List())
	assert.Equal(t, 0, rig.alloc.Reserved())

	_, err := rig.reg.Create(context.Background(), JobSpec{JobID: "job-2"})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestShutdownDuringStartup(t *testing.T) {
	// Worker takes a while before it connects and reports ready.
	script := `#!/bin/bash
sleep 0.5
exec 3<>/dev/tcp/127.0.0.1/$FOREMAN_PORT
printf '{"type":"ready"}\n' >&3
while IFS= read -r line <&3; do
  case "$line" in
  *'"type":"shutdown"'*) exit 0 ;;
  esac
done
`
	rig := newTestRig(t, script, 56300, 56309, Options{StartupTimeout: 5 * time.Second})

	errCh := make(chan error, 1)
	go func() {
		_, err := rig.reg.Create(context.Background(), JobSpec{JobID: "job-slow"})
		errCh <- err
	}()

	// Shut down while the worker is still starting.
	time.Sleep(150 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, rig.reg.Shutdown(ctx))

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrShuttingDown)
	case <-time.After(5 * time.Second):
		t.Fatal("create never returned after shutdown")
	}

	assert.Empty(t, rig.reg.List(), "no worker may survive process-wide shutdown")
	assert.Equal(t, 0, rig.alloc.Reserved())
}

func TestSendRequestWhileStopping(t *testing.T) {
	rig := newTestRig(t, defiantWorker, 56310, 56319, Options{GracePeriod: 2 * time.Second})

	desc, err := rig.reg.Create(context.Background(), JobSpec{JobID: "job-1"})
	require.NoError(t, err)

	stopped := make(chan bool, 1)
	go func() { stopped <- rig.reg.Stop(desc.ID) }()

	// Inside the grace window the worker is stopping, not running.
	time.Sleep(200 * time.Millisecond)
	_, err = rig.reg.SendRequest(context.Background(), desc.ID, "health", nil)
	assert.ErrorIs(t, err, ErrWorkerNotRunning)

	assert.True(t, <-stopped)
}

func TestListOrderedByStartTime(t *testing.T) {
	rig := newTestRig(t, obedientWorker, 56320, 56329, Options{})

	var created []string
	for i := 0; i < 3; i++ {
		desc, err := rig.reg.Create(context.Background(), JobSpec{JobID: "job-1"})
		require.NoError(t, err)
		created = append(created, desc.ID)
	}

	list := rig.reg.List()
	require.Len(t, list, 3)
	for i, desc := range list {
		assert.Equal(t, created[i], desc.ID, "list must be ordered oldest first")
	}
}

func TestCreateRejectsEmptyJobID(t *testing.T) {
	rig := newTestRig(t, obedientWorker, 56280, 56289, Options{})

	_, err := rig.reg.Create(context.Background(), JobSpec{})
	assert.Error(t, err)
}

func TestLaunchEnvironmentContract(t *testing.T) {
	// The worker proves it received the contract variables by echoing them
	// back in its ready payload, which Create records as the runtime.
	script := `#!/bin/bash
exec 3<>/dev/tcp/127.0.0.1/$FOREMAN_PORT
printf '{"type":"ready","data":{"runtime":"%s/%s/%s"}}\n' "$FOREMAN_JOB_ID" "$FOREMAN_EXECUTION_ID" "$FOREMAN_VERSION" >&3
while IFS= read -r line <&3; do
  case "$line" in
  *'"type":"shutdown"'*) exit 0 ;;
  esac
done
`
	rig := newTestRig(t, script, 56290, 56299, Options{})

	desc, err := rig.reg.Create(context.Background(), JobSpec{
		JobID:       "job-env",
		ExecutionID: "exec-env",
		Version:     "v7",
	})
	require.NoError(t, err)
	assert.Equal(t, StateRunning, desc.State)
}
