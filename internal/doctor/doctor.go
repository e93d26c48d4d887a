// Package doctor validates foreman configuration and launcher setup.
package doctor

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/jmswain/foreman/internal/config"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration against the host environment.
type Doctor struct {
	cfg *config.Config
}

// New creates a Doctor for a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateService(r)
	d.validatePortRange(r)
	d.validateLaunchers(r)
	d.validateTimeouts(r)
	d.validateAPI(r)
	d.validateJournal(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateService(r *Result) {
	if d.cfg.Service.DataDir == "" {
		d.addError(r, "service", "service.data_dir", "data_dir is required")
		return
	}
	if err := checkWritableDir(d.cfg.Service.DataDir); err != nil {
		d.addError(r, "service", "service.data_dir", err.Error())
	}
}

func (d *Doctor) validatePortRange(r *Result) {
	pr := d.cfg.Workers.PortRange
	if pr.Min <= 0 || pr.Max <= 0 {
		d.addError(r, "workers", "workers.port_range", "port range bounds must be positive")
		return
	}
	if pr.Max < pr.Min {
		d.addError(r, "workers", "workers.port_range",
			fmt.Sprintf("port range max %d below min %d", pr.Max, pr.Min))
		return
	}
	if pr.Max > 65535 {
		d.addError(r, "workers", "workers.port_range.max",
			fmt.Sprintf("port range max %d above 65535", pr.Max))
	}
	if pr.Min < 1024 {
		d.addWarning(r, "workers", "workers.port_range.min",
			fmt.Sprintf("port %d is in the privileged range", pr.Min))
	}
	if capacity := pr.Max - pr.Min + 1; capacity < 4 {
		d.addWarning(r, "workers", "workers.port_range",
			fmt.Sprintf("only %d ports available; concurrent workers are capped at that", capacity))
	}
}

func (d *Doctor) validateLaunchers(r *Result) {
	if len(d.cfg.Workers.Launchers) == 0 {
		d.addError(r, "launchers", "workers.launchers", "at least one launcher is required")
		return
	}

	found := 0
	for i, l := range d.cfg.Workers.Launchers {
		field := fmt.Sprintf("workers.launchers[%d]", i)
		if l.Name == "" {
			d.addError(r, "launchers", field+".name", "launcher name is required")
		}
		if l.Command == "" {
			d.addError(r, "launchers", field+".command", "launcher command is required")
			continue
		}
		if _, err := exec.LookPath(l.Command); err != nil {
			d.addWarning(r, "launchers", field+".command",
				fmt.Sprintf("executable %q not found; this candidate will be skipped at spawn time", l.Command))
			continue
		}
		found++
	}

	if found == 0 && len(d.cfg.Workers.Launchers) > 0 {
		d.addError(r, "launchers", "workers.launchers",
			"no launcher executable resolves on this host; every spawn would exhaust the candidate list")
	}
}

func (d *Doctor) validateTimeouts(r *Result) {
	w := d.cfg.Workers
	if w.StartupTimeout <= 0 {
		d.addError(r, "workers", "workers.startup_timeout", "startup_timeout must be positive")
	}
	if w.RequestTimeout <= 0 {
		d.addError(r, "workers", "workers.request_timeout", "request_timeout must be positive")
	}
	if w.GracePeriod <= 0 {
		d.addError(r, "workers", "workers.grace_period", "grace_period must be positive")
	}
	if w.StartupTimeout > time.Minute {
		d.addWarning(r, "workers", "workers.startup_timeout",
			"startup_timeout above one minute delays failure detection")
	}
}

func (d *Doctor) validateAPI(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when the API is enabled")
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address: %v", err))
		return
	}
	if d.cfg.API.APIKey == "" && host != "127.0.0.1" && host != "localhost" && host != "::1" {
		d.addWarning(r, "api", "api.listen",
			"API listens beyond loopback without an api_key")
	}
}

func (d *Doctor) validateJournal(r *Result) {
	if !d.cfg.Journal.Enabled {
		return
	}
	if d.cfg.Journal.Path == "" {
		d.addError(r, "journal", "journal.path", "journal.path is required when the journal is enabled")
		return
	}
	if err := checkWritableDir(filepath.Dir(d.cfg.Journal.Path)); err != nil {
		d.addError(r, "journal", "journal.path", err.Error())
	}
	if d.cfg.Journal.Retention < 0 {
		d.addError(r, "journal", "journal.retention", "retention must not be negative")
	}
}

// checkWritableDir verifies the directory exists (or can be created) and
// accepts writes.
func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create directory %s: %v", dir, err)
	}
	probe := filepath.Join(dir, ".foreman-doctor")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("directory %s is not writable: %v", dir, err)
	}
	_ = os.Remove(probe)
	return nil
}
