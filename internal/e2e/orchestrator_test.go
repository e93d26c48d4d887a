// Package e2e exercises the full orchestrator stack: configuration, the
// worker registry with real subprocesses, the lifecycle journal, and the
// admin API over HTTP.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmswain/foreman/internal/api"
	"github.com/jmswain/foreman/internal/config"
	"github.com/jmswain/foreman/internal/events"
	"github.com/jmswain/foreman/internal/journal"
	"github.com/jmswain/foreman/internal/log"
	"github.com/jmswain/foreman/internal/ports"
	"github.com/jmswain/foreman/internal/spawn"
	"github.com/jmswain/foreman/internal/worker"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

const workerScript = `#!/bin/bash
exec 3<>/dev/tcp/127.0.0.1/$FOREMAN_PORT
printf '{"type":"ready","data":{"runtime":"bash"}}\n' >&3
while IFS= read -r line <&3; do
  case "$line" in
  *'"type":"shutdown"'*)
    exit 0
    ;;
  *'"type":"request"'*)
    id=$(printf '%s' "$line" | sed -n 's/.*"request_id":"\([^"]*\)".*/\1/p')
    printf '{"type":"response","request_id":"%s","data":{"echo":true}}\n' "$id" >&3
    ;;
  esac
done
`

type stack struct {
	reg *worker.Registry
	jr  *journal.Journal
	srv *httptest.Server
}

// newStack builds the whole orchestrator from a config file, the same way
// the start command does.
func newStack(t *testing.T, portMin, portMax int) *stack {
	t.Helper()

	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "worker.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte(workerScript), 0755))

	cfgPath := filepath.Join(dir, "foreman.yaml")
	cfgDoc := fmt.Sprintf(`
service:
  name: foreman-e2e
  data_dir: %s
journal:
  enabled: true
workers:
  port_range:
    min: %d
    max: %d
  launchers:
    - name: preferred-runner
      command: /nonexistent/runner
    - name: bash
      command: %s
`, dir, portMin, portMax, scriptPath)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgDoc), 0644))

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	alloc, err := ports.NewAllocator(cfg.Workers.PortRange.Min, cfg.Workers.PortRange.Max)
	require.NoError(t, err)

	specs := make([]spawn.LaunchSpec, 0, len(cfg.Workers.Launchers))
	for _, l := range cfg.Workers.Launchers {
		specs = append(specs, spawn.LaunchSpec{Name: l.Name, Command: l.Command, Args: l.Args, Env: l.Env})
	}

	bus := events.NewBus(64)
	reg := worker.NewRegistry(alloc, spawn.New(specs, log.Get()), bus, nil, worker.Options{
		StartupTimeout: cfg.Workers.StartupTimeout,
		RequestTimeout: cfg.Workers.RequestTimeout,
		GracePeriod:    cfg.Workers.GracePeriod,
	}, log.Get())

	db, err := journal.Open(context.Background(), cfg.Journal.Path)
	require.NoError(t, err)
	jr := journal.New(db)

	ctx, cancel := context.WithCancel(context.Background())
	go jr.Run(ctx, bus, cfg.Journal.Retention)

	apiServer := api.New(api.Config{Listen: cfg.API.Listen}, reg, bus, jr, log.Get())
	srv := httptest.NewServer(apiServer.Routes())

	t.Cleanup(func() {
		srv.Close()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		_ = reg.Shutdown(shutdownCtx)
		cancel()
		db.Close()
	})

	return &stack{reg: reg, jr: jr, srv: srv}
}

func (s *stack) post(t *testing.T, path, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(s.srv.URL+path, "application/json", bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func (s *stack) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(s.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func TestWorkerLifecycleOverHTTP(t *testing.T) {
	s := newStack(t, 56400, 56409)

	// Create a worker. The first launcher is a missing executable, so this
	// also proves candidate fall-through end to end.
	resp, body := s.post(t, "/v1/workers", `{"job_id":"wf-42","execution_id":"run-1"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var desc worker.Descriptor
	require.NoError(t, json.Unmarshal(body, &desc))
	assert.Equal(t, worker.StateRunning, desc.State)
	assert.Equal(t, "bash", desc.Launcher)

	// Round-trip a request through the channel.
	resp, body = s.post(t, "/v1/workers/"+desc.ID+"/request", `{"route":"node.run","payload":{"n":1}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var rr api.WorkerRequestResponse
	require.NoError(t, json.Unmarshal(body, &rr))
	assert.JSONEq(t, `{"echo":true}`, string(rr.Data))

	// The worker shows up in listings.
	resp, body = s.get(t, "/v1/workers?job_id=wf-42")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []worker.Descriptor
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)

	// Stop it.
	req, err := http.NewRequest(http.MethodDelete, s.srv.URL+"/v1/workers/"+desc.ID, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, delResp.StatusCode)

	resp, _ = s.get(t, "/v1/workers/"+desc.ID)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Lifecycle made it into the event buffer and the journal.
	resp, body = s.get(t, "/v1/events")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var records []api.EventRecord
	require.NoError(t, json.Unmarshal(body, &records))
	kinds := make([]string, 0, len(records))
	for _, r := range records {
		kinds = append(kinds, r.Kind)
	}
	assert.Contains(t, kinds, "worker:created")
	assert.Contains(t, kinds, "worker:ready")
	assert.Contains(t, kinds, "worker:exit")

	require.Eventually(t, func() bool {
		entries, err := s.jr.ByWorker(context.Background(), desc.ID)
		return err == nil && len(entries) >= 3
	}, 5*time.Second, 50*time.Millisecond, "journal should capture the full lifecycle")
}

func TestCreateFailureOverHTTP(t *testing.T) {
	s := newStack(t, 56410, 56410)

	resp, body := s.post(t, "/v1/workers", `{"job_id":"wf-1"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	// Single-port range: the second create reports exhaustion.
	resp, _ = s.post(t, "/v1/workers", `{"job_id":"wf-2"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newStack(t, 56420, 56429)

	// Create one worker so the collectors have samples to expose.
	resp, body := s.post(t, "/v1/workers", `{"job_id":"wf-metrics"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = s.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "foreman_worker_create_total")
	assert.Contains(t, string(body), "foreman_spawn_attempts_total")
}
