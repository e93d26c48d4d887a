package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const minimalConfig = `
workers:
  launchers:
    - name: runner
      command: foreman-runner
`

func TestLoadMinimalAppliesDefaults(t *testing.T) {
	path := writeConfig(t, minimalConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "foreman", cfg.Service.Name)
	assert.Equal(t, "INFO", cfg.Service.LogLevel)
	assert.Equal(t, 5600, cfg.Workers.PortRange.Min)
	assert.Equal(t, 5699, cfg.Workers.PortRange.Max)
	assert.Equal(t, 5*time.Second, cfg.Workers.StartupTimeout)
	assert.Equal(t, 30*time.Second, cfg.Workers.RequestTimeout)
	assert.Equal(t, 5*time.Second, cfg.Workers.GracePeriod)
	assert.Equal(t, filepath.Join("data", "foreman.pid"), cfg.Service.PIDFile)
	assert.Equal(t, filepath.Join("data", "journal.db"), cfg.Journal.Path)
	assert.NotEmpty(t, cfg.Hash, "loaded config must carry its content hash")
}

func TestLoadFullDocument(t *testing.T) {
	path := writeConfig(t, `
service:
  name: foreman-test
  log_level: DEBUG
  data_dir: /tmp/foreman-test
api:
  enabled: true
  listen: "127.0.0.1:9999"
workers:
  port_range: {min: 6100, max: 6110}
  startup_timeout: 2s
  request_timeout: 10s
  grace_period: 1s
  launchers:
    - name: dev
      command: npm
      args: ["run", "worker"]
    - name: dist
      command: foreman-runner
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "foreman-test", cfg.Service.Name)
	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "127.0.0.1:9999", cfg.API.Listen)
	assert.Equal(t, 6100, cfg.Workers.PortRange.Min)
	assert.Equal(t, 2*time.Second, cfg.Workers.StartupTimeout)
	require.Len(t, cfg.Workers.Launchers, 2)
	assert.Equal(t, "dev", cfg.Workers.Launchers[0].Name)
	assert.Equal(t, []string{"run", "worker"}, cfg.Workers.Launchers[0].Args)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
workers:
  launchers:
    - name: runner
      command: foreman-runner
  grace_windowe: 5s
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestLoadExpandsLauncherEnv(t *testing.T) {
	t.Setenv("FOREMAN_TEST_TOKEN", "s3cret")

	path := writeConfig(t, `
workers:
  launchers:
    - name: runner
      command: foreman-runner
      env:
        TOKEN: "${FOREMAN_TEST_TOKEN}"
        MISSING: "${FOREMAN_TEST_UNSET_VAR}"
        PLAIN: "as-is"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	env := cfg.Workers.Launchers[0].Env
	assert.Equal(t, "s3cret", env["TOKEN"])
	assert.Equal(t, "", env["MISSING"])
	assert.Equal(t, "as-is", env["PLAIN"])
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Defaults()
		cfg.Workers.Launchers = []LauncherConfig{{Name: "runner", Command: "foreman-runner"}}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no launchers", func(c *Config) { c.Workers.Launchers = nil }, "launchers is empty"},
		{"launcher without command", func(c *Config) { c.Workers.Launchers[0].Command = "" }, "command is empty"},
		{"duplicate launcher", func(c *Config) {
			c.Workers.Launchers = append(c.Workers.Launchers, LauncherConfig{Name: "runner", Command: "x"})
		}, "duplicate name"},
		{"inverted port range", func(c *Config) { c.Workers.PortRange = PortRange{Min: 6000, Max: 5000} }, "below min"},
		{"port above 65535", func(c *Config) { c.Workers.PortRange = PortRange{Min: 65000, Max: 70000} }, "above 65535"},
		{"api enabled without listen", func(c *Config) { c.API.Enabled = true; c.API.Listen = "" }, "api.listen is empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestHashDetectsDrift(t *testing.T) {
	path := writeConfig(t, minimalConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, VerifyFileHash(path, cfg.Hash))

	require.NoError(t, os.WriteFile(path, []byte(minimalConfig+"\n# edited\n"), 0644))
	err = VerifyFileHash(path, cfg.Hash)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")
}
