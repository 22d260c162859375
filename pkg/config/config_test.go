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
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":8080", cfg.Proxy.Listen)
	assert.Equal(t, 10.0, cfg.Budget.Default)
	assert.Equal(t, 5*time.Minute, cfg.Budget.ReservationTTL)
	assert.Equal(t, 3, cfg.Anomaly.LoopThreshold)
	assert.Equal(t, 100, cfg.Anomaly.MaxRequests)
	assert.Equal(t, "deny", cfg.Pricing.UnknownModel)
	assert.NotEmpty(t, cfg.Pricing.Models)
	require.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-test-123")

	path := writeConfig(t, `
proxy:
  listen: ":9090"
  strict_mode: true
upstream:
  url: https://llm.internal
  api_key: ${TEST_API_KEY}
redis:
  url: redis://cache:6379/2
budget:
  default: 25.5
  reservation_ttl: 2m
anomaly:
  enabled: true
  rate_window: 30s
  max_requests: 50
  loop_threshold: 4
  velocity_window: 1m
  velocity_threshold: 2.5
  freeze_duration: 10m
pricing:
  unknown_model: fallback
  models:
    - model: local-llm
      prompt_cost_per_1k: 0.001
      completion_cost_per_1k: 0.002
audit:
  enabled: true
  db_path: /var/lib/tokengate/audit.db
log:
  level: debug
  format: console
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Proxy.Listen)
	assert.True(t, cfg.Proxy.StrictMode)
	assert.Equal(t, "sk-test-123", cfg.Upstream.APIKey, "env var not expanded")
	assert.Equal(t, "redis://cache:6379/2", cfg.Redis.URL)
	assert.Equal(t, "tokengate:", cfg.Redis.KeyPrefix, "unset fields keep defaults")
	assert.Equal(t, 25.5, cfg.Budget.Default)
	assert.Equal(t, 2*time.Minute, cfg.Budget.ReservationTTL)
	assert.Equal(t, 30*time.Second, cfg.Anomaly.RateWindow)
	assert.Equal(t, 4, cfg.Anomaly.LoopThreshold)
	assert.Equal(t, 2.5, cfg.Anomaly.VelocityThreshold)
	require.Len(t, cfg.Pricing.Models, 1)
	assert.Equal(t, "local-llm", cfg.Pricing.Models[0].Model)
	assert.Equal(t, "fallback", cfg.Pricing.UnknownModel)
	assert.True(t, cfg.Audit.Enabled)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Proxy.Listen)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestLoadBadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "proxy: [unclosed"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TOKENGATE_REDIS_URL", "redis://env:6379")
	t.Setenv("TOKENGATE_DEFAULT_BUDGET", "$3.25")
	t.Setenv("TOKENGATE_STRICT_MODE", "true")
	t.Setenv("TOKENGATE_LOG_LEVEL", "warn")
	t.Setenv("OPENAI_API_KEY", "sk-openai")

	cfg, err := Load(writeConfig(t, "redis:\n  url: redis://file:6379\n"))
	require.NoError(t, err)

	assert.Equal(t, "redis://env:6379", cfg.Redis.URL)
	assert.Equal(t, 3.25, cfg.Budget.Default)
	assert.True(t, cfg.Proxy.StrictMode)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "sk-openai", cfg.Upstream.APIKey)

	t.Setenv("TOKENGATE_UPSTREAM_API_KEY", "sk-gateway")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "sk-gateway", cfg.Upstream.APIKey)
}

func TestEnvOverrideErrors(t *testing.T) {
	t.Setenv("TOKENGATE_DEFAULT_BUDGET", "plenty")
	_, err := Load("")
	assert.ErrorContains(t, err, "TOKENGATE_DEFAULT_BUDGET")

	t.Setenv("TOKENGATE_DEFAULT_BUDGET", "")
	t.Setenv("TOKENGATE_STRICT_MODE", "sometimes")
	_, err = Load("")
	assert.ErrorContains(t, err, "TOKENGATE_STRICT_MODE")
}

func TestDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("TOKENGATE_LISTEN=:7070\n"), 0o644))
	t.Chdir(dir)
	t.Cleanup(func() { os.Unsetenv("TOKENGATE_LISTEN") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Proxy.Listen)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"negative budget", func(c *Config) { c.Budget.Default = -1 }, "budget.default"},
		{"zero max requests", func(c *Config) { c.Anomaly.MaxRequests = 0 }, "max_requests"},
		{"loop threshold", func(c *Config) { c.Anomaly.LoopThreshold = 1 }, "loop_threshold"},
		{"velocity", func(c *Config) { c.Anomaly.VelocityThreshold = 0 }, "velocity_threshold"},
		{"retry", func(c *Config) { c.Retry.Attempts = 0 }, "retry.attempts"},
		{"upstream", func(c *Config) { c.Upstream.URL = "" }, "upstream.url"},
		{"upstream timeout", func(c *Config) { c.Upstream.Timeout = -time.Second }, "upstream.timeout"},
		{"huge budget", func(c *Config) { c.Budget.Default = 1e12 }, "budget.default"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"audit path", func(c *Config) { c.Audit.Enabled = true; c.Audit.DBPath = "" }, "audit.db_path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestValidateSkipsDisabledAnomaly(t *testing.T) {
	cfg := Default()
	cfg.Anomaly.Enabled = false
	cfg.Anomaly.MaxRequests = 0
	assert.NoError(t, cfg.Validate())
}
