// Package spawn launches worker subprocesses from an ordered list of
// candidate launch specifications.
package spawn

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
)

// maxCaptureBytes caps the retained tail of a worker's stderr, kept for
// post-mortem diagnostics.
const maxCaptureBytes = 64 * 1024

var (
	// ErrSpawnExhausted is returned when every launch candidate failed with
	// a missing executable.
	ErrSpawnExhausted = errors.New("all launch candidates exhausted")

	// ErrSpawnTimeout is returned when a spawned process produces neither a
	// start confirmation nor an error within the startup timeout.
	ErrSpawnTimeout = errors.New("worker startup timed out")
)

// LaunchSpec is one candidate way to start a worker process.
type LaunchSpec struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
}

// ExitStatus describes how a process ended.
type ExitStatus struct {
	Code   int
	Signal string
}

// Spawner tries launch candidates in order, advancing past candidates whose
// executable does not exist.
type Spawner struct {
	specs  []LaunchSpec
	logger *slog.Logger

	// OnAttempt, when set, is invoked once per candidate attempt with the
	// outcome (nil on successful process start). Used for metrics.
	OnAttempt func(spec LaunchSpec, err error)
}

// New creates a Spawner over the given candidates.
func New(specs []LaunchSpec, logger *slog.Logger) *Spawner {
	return &Spawner{specs: specs, logger: logger}
}

// Candidates returns the configured launch specs in order.
func (s *Spawner) Candidates() []LaunchSpec {
	out := make([]LaunchSpec, len(s.specs))
	copy(out, s.specs)
	return out
}

// Start launches the first viable candidate with extraEnv merged over the
// host environment and the candidate's own env. A missing executable advances
// to the next candidate; exhausting the list returns ErrSpawnExhausted. Any
// other start failure surfaces immediately.
//
// OS process creation alone does not make the worker usable: the caller must
// still wait for the worker's own ready signal before treating the spawn as
// confirmed.
func (s *Spawner) Start(extraEnv map[string]string) (*Process, error) {
	if len(s.specs) == 0 {
		return nil, fmt.Errorf("no launch candidates configured")
	}

	for _, spec := range s.specs {
		cmd := exec.Command(spec.Command, spec.Args...)
		cmd.Env = mergeEnv(spec.Env, extraEnv)

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("create stdout pipe: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("create stderr pipe: %w", err)
		}

		s.logger.Debug("trying launch candidate", "launcher", spec.Name, "command", spec.Command)

		err = cmd.Start()
		if s.OnAttempt != nil {
			s.OnAttempt(spec, err)
		}
		if err != nil {
			if isNotFound(err) {
				s.logger.Warn("launch candidate executable not found, trying next",
					"launcher", spec.Name, "command", spec.Command)
				continue
			}
			return nil, fmt.Errorf("start %s: %w", spec.Name, err)
		}

		p := &Process{
			Spec:   spec,
			cmd:    cmd,
			done:   make(chan struct{}),
			logger: s.logger.With("launcher", spec.Name, "pid", cmd.Process.Pid),
		}
		go p.drain("stdout", stdout)
		go p.drain("stderr", stderr)
		go p.wait()

		s.logger.Info("worker process started", "launcher", spec.Name, "pid", cmd.Process.Pid)
		return p, nil
	}

	return nil, ErrSpawnExhausted
}

// isNotFound classifies "executable not found" failures, the only class that
// advances to the next candidate.
func isNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist)
}

// mergeEnv layers the candidate env and per-worker env over the host
// environment. Later layers win; the result has one entry per key.
func mergeEnv(layers ...map[string]string) []string {
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Process is a started worker subprocess.
type Process struct {
	Spec LaunchSpec

	cmd    *exec.Cmd
	logger *slog.Logger

	done chan struct{}
	exit ExitStatus

	mu     sync.Mutex
	stderr strings.Builder
}

// PID returns the OS process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exit returns how the process ended. Only valid after Done is closed.
func (p *Process) Exit() ExitStatus {
	return p.exit
}

// Signal delivers sig to the process.
func (p *Process) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

// Kill forcibly terminates the process.
func (p *Process) Kill() error {
	err := p.cmd.Process.Kill()
	if err != nil && errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// StderrTail returns the captured tail of the process's stderr.
func (p *Process) StderrTail() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stderr.String()
}

// drain forwards a process output stream to the log line by line, retaining
// a capped stderr tail. Runs until the stream closes so pipes never fill up.
func (p *Process) drain(stream string, r interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 16*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.logger.Debug("worker output", "stream", stream, "line", line)
		if stream == "stderr" {
			p.mu.Lock()
			if p.stderr.Len() < maxCaptureBytes {
				p.stderr.WriteString(line)
				p.stderr.WriteByte('\n')
			}
			p.mu.Unlock()
		}
	}
}

// wait reaps the process and records its exit status.
func (p *Process) wait() {
	err := p.cmd.Wait()

	status := ExitStatus{}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		status.Code = 0
	case errors.As(err, &exitErr):
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			status.Code = -1
			status.Signal = ws.Signal().String()
		} else {
			status.Code = exitErr.ExitCode()
		}
	default:
		// Wait itself failed; treat as abnormal exit.
		status.Code = -1
	}

	p.exit = status
	p.logger.Debug("worker process exited", "code", status.Code, "signal", status.Signal)
	close(p.done)
}
