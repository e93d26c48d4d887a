package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "foreman",
			LogLevel: "INFO",
			DataDir:  "data",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8490",
		},
		Journal: JournalConfig{
			Enabled:   true,
			Retention: 7 * 24 * time.Hour,
		},
		Workers: WorkersConfig{
			PortRange:      PortRange{Min: 5600, Max: 5699},
			StartupTimeout: 5 * time.Second,
			RequestTimeout: 30 * time.Second,
			GracePeriod:    5 * time.Second,
		},
	}
}

// Load reads and parses configuration from a file, fills unset fields with
// defaults, expands ${VAR} references in launcher env values, and validates
// the result.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", absPath, err)
	}

	applyDefaults(cfg)
	expandLauncherEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	hash, err := ComputeBlake3Hash(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to hash config: %w", err)
	}
	cfg.Hash = hash

	return cfg, nil
}

// applyDefaults fills zero-valued fields a partial document left unset.
func applyDefaults(cfg *Config) {
	def := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = def.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = def.Service.LogLevel
	}
	if cfg.Service.DataDir == "" {
		cfg.Service.DataDir = def.Service.DataDir
	}
	if cfg.Service.PIDFile == "" {
		cfg.Service.PIDFile = filepath.Join(cfg.Service.DataDir, "foreman.pid")
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = def.API.Listen
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = filepath.Join(cfg.Service.DataDir, "journal.db")
	}
	if cfg.Journal.Retention <= 0 {
		cfg.Journal.Retention = def.Journal.Retention
	}
	if cfg.Workers.PortRange.Min == 0 && cfg.Workers.PortRange.Max == 0 {
		cfg.Workers.PortRange = def.Workers.PortRange
	}
	if cfg.Workers.StartupTimeout <= 0 {
		cfg.Workers.StartupTimeout = def.Workers.StartupTimeout
	}
	if cfg.Workers.RequestTimeout <= 0 {
		cfg.Workers.RequestTimeout = def.Workers.RequestTimeout
	}
	if cfg.Workers.GracePeriod <= 0 {
		cfg.Workers.GracePeriod = def.Workers.GracePeriod
	}
}

// expandLauncherEnv substitutes ${VAR} references in launcher env values from
// the host environment. Unknown variables expand to the empty string.
func expandLauncherEnv(cfg *Config) {
	for i := range cfg.Workers.Launchers {
		for k, v := range cfg.Workers.Launchers[i].Env {
			cfg.Workers.Launchers[i].Env[k] = envVarPattern.ReplaceAllStringFunc(v, func(match string) string {
				name := envVarPattern.FindStringSubmatch(match)[1]
				return os.Getenv(name)
			})
		}
	}
}

// Validate checks cross-field constraints.
func Validate(cfg *Config) error {
	if cfg.Service.Name == "" {
		return fmt.Errorf("service.name is empty")
	}

	pr := cfg.Workers.PortRange
	if pr.Min <= 0 || pr.Max <= 0 {
		return fmt.Errorf("workers.port_range bounds must be positive, got [%d, %d]", pr.Min, pr.Max)
	}
	if pr.Max < pr.Min {
		return fmt.Errorf("workers.port_range: max %d below min %d", pr.Max, pr.Min)
	}
	if pr.Max > 65535 {
		return fmt.Errorf("workers.port_range: max %d above 65535", pr.Max)
	}

	if len(cfg.Workers.Launchers) == 0 {
		return fmt.Errorf("workers.launchers is empty: at least one launch candidate is required")
	}
	seen := make(map[string]bool)
	for i, l := range cfg.Workers.Launchers {
		if l.Name == "" {
			return fmt.Errorf("workers.launchers[%d]: name is empty", i)
		}
		if l.Command == "" {
			return fmt.Errorf("workers.launchers[%d] (%s): command is empty", i, l.Name)
		}
		if seen[l.Name] {
			return fmt.Errorf("workers.launchers: duplicate name %q", l.Name)
		}
		seen[l.Name] = true
	}

	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is empty while api.enabled is true")
	}

	return nil
}
