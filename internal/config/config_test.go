package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darshan-rambhia/sweep/internal/downloads"
)

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "sweep.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SWEEP_LISTEN", "SWEEP_DB_PATH", "SWEEP_LOG_LEVEL", "SWEEP_LOG_FORMAT",
		"SWEEP_TICK_INTERVAL", "SWEEP_MAX_RULES_PER_TENANT", "SWEEP_MAX_CONCURRENT_RUNS",
		"SWEEP_LOG_RETENTION_DAYS", "SWEEP_ITEM_CACHE_TTL", "SWEEP_DOWNLOADS_BASE_URL",
		"SWEEP_DOWNLOADS_TIMEOUT", "SWEEP_DOWNLOADS_RATE_LIMIT", "SWEEP_DOWNLOADS_BURST",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

const fullYAML = `
listen: ":9090"
db_path: "/tmp/test.db"
log_level: "debug"
log_format: "json"
tick_interval: "30s"
max_rules_per_tenant: 25
max_concurrent_runs: 8
log_retention_days: 7
item_cache_ttl: "1m"
downloads:
  base_url: "https://downloads.example.com/v1/api"
  timeout: "10s"
  rate_limit: 2.5
  burst: 4
`

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":3900", cfg.Listen)
	assert.Equal(t, "/data/sweep.db", cfg.DBPath)
	assert.Equal(t, time.Minute, cfg.TickInterval.Duration)
	assert.Equal(t, 10, cfg.MaxRulesPerTenant)
	assert.Equal(t, 4, cfg.MaxConcurrentRuns)
	assert.Equal(t, 30, cfg.LogRetentionDays)
	assert.Equal(t, 30*time.Second, cfg.ItemCacheTTL.Duration)
	assert.Equal(t, downloads.DefaultBaseURL, cfg.Downloads.BaseURL)
}

func TestLoad_FullYAML(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeYAML(t, fullYAML))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.TickInterval.Duration)
	assert.Equal(t, 25, cfg.MaxRulesPerTenant)
	assert.Equal(t, 8, cfg.MaxConcurrentRuns)
	assert.Equal(t, 7, cfg.LogRetentionDays)
	assert.Equal(t, time.Minute, cfg.ItemCacheTTL.Duration)

	dc := cfg.Downloads.Client()
	assert.Equal(t, "https://downloads.example.com/v1/api", dc.BaseURL)
	assert.Equal(t, 10*time.Second, dc.Timeout)
	assert.Equal(t, 2.5, dc.RateLimit)
	assert.Equal(t, 4, dc.Burst)
}

func TestLoad_FileNotFound(t *testing.T) {
	clearEnv(t)
	_, err := Load("/nonexistent/sweep.yaml")
	assert.ErrorIs(t, err, ErrConfigFileNotFound)
}

func TestLoad_EmptyFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeYAML(t, ""))
	require.NoError(t, err)
	assert.Equal(t, ":3900", cfg.Listen)
}

func TestLoad_EnvExpansion(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_SWEEP_DB", "/var/lib/sweep.db")
	cfg, err := Load(writeYAML(t, `db_path: "${TEST_SWEEP_DB}"`))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/sweep.db", cfg.DBPath)
}

func TestLoad_EnvExpansionUnsetFailsValidation(t *testing.T) {
	clearEnv(t)
	os.Unsetenv("TEST_SWEEP_UNSET")
	_, err := Load(writeYAML(t, `db_path: "${TEST_SWEEP_UNSET}"`))
	assert.ErrorContains(t, err, "db_path is required")
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SWEEP_LISTEN", ":7000")
	t.Setenv("SWEEP_MAX_RULES_PER_TENANT", "3")
	t.Setenv("SWEEP_TICK_INTERVAL", "15s")
	t.Setenv("SWEEP_DOWNLOADS_RATE_LIMIT", "0.5")

	cfg, err := Load(writeYAML(t, fullYAML))
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Listen)
	assert.Equal(t, 3, cfg.MaxRulesPerTenant)
	assert.Equal(t, 15*time.Second, cfg.TickInterval.Duration)
	assert.Equal(t, 0.5, cfg.Downloads.RateLimit)
}

func TestLoad_BadEnvOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("SWEEP_MAX_CONCURRENT_RUNS", "many")
	_, err := Load("")
	assert.ErrorContains(t, err, "SWEEP_MAX_CONCURRENT_RUNS")
}

func TestLoad_InvalidDuration(t *testing.T) {
	clearEnv(t)
	_, err := Load(writeYAML(t, `tick_interval: "soon"`))
	assert.ErrorContains(t, err, "invalid duration")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"log level", func(c *Config) { c.LogLevel = "trace" }, "log_level"},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"tick too long", func(c *Config) { c.TickInterval = Duration{time.Hour} }, "tick_interval"},
		{"tick zero", func(c *Config) { c.TickInterval = Duration{} }, "tick_interval"},
		{"max rules", func(c *Config) { c.MaxRulesPerTenant = 0 }, "max_rules_per_tenant"},
		{"concurrency", func(c *Config) { c.MaxConcurrentRuns = 0 }, "max_concurrent_runs"},
		{"retention", func(c *Config) { c.LogRetentionDays = 0 }, "log_retention_days"},
		{"cache ttl", func(c *Config) { c.ItemCacheTTL = Duration{-time.Second} }, "item_cache_ttl"},
		{"base url", func(c *Config) { c.Downloads.BaseURL = "not a url" }, "downloads.base_url"},
		{"timeout", func(c *Config) { c.Downloads.Timeout = Duration{} }, "downloads.timeout"},
		{"rate", func(c *Config) { c.Downloads.RateLimit = -1 }, "downloads.rate_limit"},
		{"burst", func(c *Config) { c.Downloads.Burst = 0 }, "downloads.burst"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := defaults()
			tt.mutate(c)
			assert.ErrorContains(t, c.Validate(), tt.want)
		})
	}
	assert.NoError(t, defaults().Validate())
}

func TestDurationMarshalYAML(t *testing.T) {
	v, err := Duration{90 * time.Second}.MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", v)
}

func FuzzExpandEnvVars(f *testing.F) {
	f.Add([]byte(`listen: ":3900"`))
	f.Add([]byte(`db_path: "${SWEEP_DATA}/sweep.db"`))
	f.Add([]byte(`${} ${VAR} $VAR`))
	f.Add([]byte(`base_url: "${A}${B}"`))
	f.Fuzz(func(t *testing.T, data []byte) {
		// Must not panic
		_ = expandEnvVars(data)
	})
}
