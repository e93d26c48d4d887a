package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jmswain/foreman/internal/worker"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func writeTestConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "foreman.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRunDoctorValidConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, `
service:
  data_dir: `+dir+`
workers:
  launchers:
    - name: bash
      command: /bin/bash
`)

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runDoctor([]string{"--config", cfgPath})
	})

	if code != 0 {
		t.Fatalf("expected exit 0, got %d (stdout: %s)", code, stdout)
	}
	if !strings.Contains(stdout, "Configuration OK") {
		t.Fatalf("expected OK report, got: %s", stdout)
	}
}

func TestRunDoctorInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, `
service:
  data_dir: `+dir+`
workers:
  port_range:
    min: 6000
    max: 5000
  launchers:
    - name: bash
      command: /bin/bash
`)

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runDoctor([]string{"--config", cfgPath})
	})

	// Load itself rejects an inverted port range.
	if code != 1 {
		t.Fatalf("expected exit 1, got %d (stderr: %s)", code, stderr)
	}
}

func TestRunDoctorJSONOutput(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, `
service:
  data_dir: `+dir+`
workers:
  launchers:
    - name: missing
      command: /nonexistent/runner
`)

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runDoctor([]string{"--config", cfgPath, "--json"})
	})

	if code != 1 {
		t.Fatalf("expected exit 1 when no launcher resolves, got %d", code)
	}
	if !strings.Contains(stdout, `"valid": false`) {
		t.Fatalf("expected JSON report, got: %s", stdout)
	}
}

func TestRunDoctorMissingConfig(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runDoctor([]string{"--config", "/nonexistent/foreman.yaml"})
	})

	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr, "Failed to load config") {
		t.Fatalf("expected load failure message, got: %s", stderr)
	}
}

func TestBuildRoutes(t *testing.T) {
	routes := buildRoutes(func() *worker.Registry { return nil })

	for _, route := range []string{
		worker.RouteHealth,
		worker.RouteLogsIngest,
		worker.RouteProgressIngest,
		worker.RouteMetricsIngest,
		worker.RouteEnvLookup,
		worker.RouteCatalogNodeTypes,
	} {
		if _, ok := routes[route]; !ok {
			t.Errorf("route %s not registered", route)
		}
	}

	out, err := routes[worker.RouteHealth](context.Background(), "w-1", nil)
	if err != nil {
		t.Fatalf("health handler: %v", err)
	}
	if m, ok := out.(map[string]string); !ok || m["status"] != "ok" {
		t.Fatalf("unexpected health result: %v", out)
	}

	if _, err := routes[worker.RouteEnvLookup](context.Background(), "w-1",
		json.RawMessage(`{"name":"PATH"}`)); err == nil {
		t.Fatal("env lookup outside FOREMAN_ namespace should fail")
	}

	t.Setenv("FOREMAN_TEST_VALUE", "42")
	out, err = routes[worker.RouteEnvLookup](context.Background(), "w-1",
		json.RawMessage(`{"name":"FOREMAN_TEST_VALUE"}`))
	if err != nil {
		t.Fatalf("env lookup: %v", err)
	}
	if m, ok := out.(map[string]string); !ok || m["value"] != "42" {
		t.Fatalf("unexpected env lookup result: %v", out)
	}
}
