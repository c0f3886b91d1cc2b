package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig places a config file under a fake home so path validation
// accepts it.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, ".config", "governd")
	require.NoError(t, os.MkdirAll(dir, 0700))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "127.0.0.1:9091", cfg.Operator.Addr)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 10, cfg.Gateway.RateLimitPerSecond)
	assert.Equal(t, int64(1024*1024), cfg.Gateway.MaxBodyBytes)
	assert.Equal(t, "qwen2.5:7b", cfg.Backend.ReasonerModel)
	assert.Equal(t, 3, cfg.Backend.MaxRetries)
	assert.Equal(t, "governd.audit.events", cfg.Audit.Subject)
	assert.Equal(t, time.Second, cfg.Orchestrator.LoopInterval)
	assert.Equal(t, "single", cfg.Orchestrator.PlanMode)
}

func TestLoadYAMLValues(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8000
  shutdown_timeout: 5s
gateway:
  api_keys: ["sk_test_abc123"]
  rate_limit_per_second: 25
backend:
  gate_url: http://gate.internal:9000
orchestrator:
  plan_mode: set
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, []string{"sk_test_abc123"}, cfg.Gateway.APIKeys)
	assert.Equal(t, 25, cfg.Gateway.RateLimitPerSecond)
	assert.Equal(t, "http://gate.internal:9000", cfg.Backend.GateURL)
	assert.Equal(t, "set", cfg.Orchestrator.PlanMode)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 8000\n")
	t.Setenv("GOVERND_SERVER_PORT", "7777")
	t.Setenv("GOVERND_BACKEND_REASONER_MODEL", "llama3:8b")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "llama3:8b", cfg.Backend.ReasonerModel)
}

func TestRejectsInsecurePermissions(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 8000\n")
	require.NoError(t, os.Chmod(path, 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestRejectsPathOutsideAllowedDirs(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	outside := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(outside, []byte(""), 0600))

	_, err := Load(outside)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file must be in")
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "bad api key namespace",
			mutate:  func(c *Config) { c.Gateway.APIKeys = []string{"alpha"} },
			wantErr: "sk_test_ or sk_prod_",
		},
		{
			name:    "public operator listener",
			mutate:  func(c *Config) { c.Operator.Addr = "0.0.0.0:9091" },
			wantErr: "loopback",
		},
		{
			name:    "unknown plan mode",
			mutate:  func(c *Config) { c.Orchestrator.PlanMode = "parallel" },
			wantErr: "plan_mode",
		},
		{
			name:    "bad logging format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging format",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			applyDefaults(&cfg)
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
