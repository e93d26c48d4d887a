package config

import "time"

// Config represents the complete foreman configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	API     APIConfig     `yaml:"api,omitempty"`
	Journal JournalConfig `yaml:"journal,omitempty"`
	Workers WorkersConfig `yaml:"workers"`

	// Hash is the BLAKE3 content hash of the loaded file. Not part of the
	// YAML document; populated by Load for drift detection.
	Hash string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	DataDir  string `yaml:"data_dir"`
	PIDFile  string `yaml:"pid_file,omitempty"`
}

// APIConfig defines the admin HTTP server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// APIKey, when set, is required as a bearer token on /v1 routes.
	APIKey string `yaml:"api_key,omitempty"`
}

// JournalConfig defines the lifecycle journal settings.
type JournalConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path,omitempty"`
	Retention time.Duration `yaml:"retention,omitempty"`
}

// WorkersConfig defines how worker subprocesses are launched and supervised.
type WorkersConfig struct {
	PortRange      PortRange        `yaml:"port_range"`
	StartupTimeout time.Duration    `yaml:"startup_timeout"`
	RequestTimeout time.Duration    `yaml:"request_timeout"`
	GracePeriod    time.Duration    `yaml:"grace_period"`
	Launchers      []LauncherConfig `yaml:"launchers"`
}

// PortRange is the inclusive range worker channel ports are drawn from.
type PortRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// LauncherConfig is one candidate launch specification. Candidates are tried
// in declaration order; a missing executable advances to the next one.
type LauncherConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
}
