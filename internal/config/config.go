// Package config handles loading and validating sweep configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/darshan-rambhia/sweep/internal/downloads"
)

// envVarPattern matches ${VAR_NAME} placeholders in config values.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ErrConfigFileNotFound is returned by Load when the specified config file does not exist.
var ErrConfigFileNotFound = errors.New("config file not found")

// maxTickInterval keeps the scheduler at least as fine as the shortest
// allowed rule interval.
const maxTickInterval = 30 * time.Minute

// Config is the top-level sweep configuration.
type Config struct {
	Listen            string          `yaml:"listen"`
	DBPath            string          `yaml:"db_path"`
	LogLevel          string          `yaml:"log_level"`
	LogFormat         string          `yaml:"log_format"`
	TickInterval      Duration        `yaml:"tick_interval"`
	MaxRulesPerTenant int             `yaml:"max_rules_per_tenant"`
	MaxConcurrentRuns int             `yaml:"max_concurrent_runs"`
	LogRetentionDays  int             `yaml:"log_retention_days"`
	ItemCacheTTL      Duration        `yaml:"item_cache_ttl"`
	Downloads         DownloadsConfig `yaml:"downloads"`
}

// DownloadsConfig describes the download-service API.
type DownloadsConfig struct {
	BaseURL   string   `yaml:"base_url"`
	Timeout   Duration `yaml:"timeout"`
	RateLimit float64  `yaml:"rate_limit"` // requests per second
	Burst     int      `yaml:"burst"`
}

// Client returns the downloads client configuration.
func (d DownloadsConfig) Client() downloads.Config {
	return downloads.Config{
		BaseURL:   d.BaseURL,
		Timeout:   d.Timeout.Duration,
		RateLimit: d.RateLimit,
		Burst:     d.Burst,
	}
}

// Duration wraps time.Duration with YAML string parsing support.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Load reads configuration from a YAML file, then applies SWEEP_* environment
// overrides. With no path, defaults plus environment are used. If a path is
// given and the file does not exist, ErrConfigFileNotFound is returned.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
		}
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(expandEnvVars(data), cfg); err != nil {
				return nil, fmt.Errorf("parsing config: %w", err)
			}
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("log_format must be one of: text, json")
	}
	if c.TickInterval.Duration <= 0 || c.TickInterval.Duration > maxTickInterval {
		return fmt.Errorf("tick_interval must be > 0 and <= %s", maxTickInterval)
	}
	if c.MaxRulesPerTenant < 1 {
		return fmt.Errorf("max_rules_per_tenant must be >= 1")
	}
	if c.MaxConcurrentRuns < 1 {
		return fmt.Errorf("max_concurrent_runs must be >= 1")
	}
	if c.LogRetentionDays < 1 {
		return fmt.Errorf("log_retention_days must be >= 1")
	}
	if c.ItemCacheTTL.Duration < 0 {
		return fmt.Errorf("item_cache_ttl must be >= 0")
	}

	u, err := url.Parse(c.Downloads.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("downloads.base_url: invalid URL %q", c.Downloads.BaseURL)
	}
	if c.Downloads.Timeout.Duration <= 0 {
		return fmt.Errorf("downloads.timeout must be > 0")
	}
	if c.Downloads.RateLimit < 0 {
		return fmt.Errorf("downloads.rate_limit must be >= 0")
	}
	if c.Downloads.Burst < 1 {
		return fmt.Errorf("downloads.burst must be >= 1")
	}
	return nil
}

func defaults() *Config {
	return &Config{
		Listen:            ":3900",
		DBPath:            "/data/sweep.db",
		LogLevel:          "info",
		LogFormat:         "text",
		TickInterval:      Duration{time.Minute},
		MaxRulesPerTenant: 10,
		MaxConcurrentRuns: 4,
		LogRetentionDays:  30,
		ItemCacheTTL:      Duration{30 * time.Second},
		Downloads: DownloadsConfig{
			BaseURL:   downloads.DefaultBaseURL,
			Timeout:   Duration{30 * time.Second},
			RateLimit: 5,
			Burst:     10,
		},
	}
}

// expandEnvVars replaces ${VAR_NAME} placeholders in raw YAML with the
// corresponding environment variable values. Unset variables are replaced
// with an empty string, which will then fail validation with a clear error.
func expandEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		key := string(match[2 : len(match)-1]) // strip ${ and }
		return []byte(os.Getenv(key))
	})
}

func applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"SWEEP_LISTEN":             &cfg.Listen,
		"SWEEP_DB_PATH":            &cfg.DBPath,
		"SWEEP_LOG_LEVEL":          &cfg.LogLevel,
		"SWEEP_LOG_FORMAT":         &cfg.LogFormat,
		"SWEEP_DOWNLOADS_BASE_URL": &cfg.Downloads.BaseURL,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"SWEEP_MAX_RULES_PER_TENANT": &cfg.MaxRulesPerTenant,
		"SWEEP_MAX_CONCURRENT_RUNS":  &cfg.MaxConcurrentRuns,
		"SWEEP_LOG_RETENTION_DAYS":   &cfg.LogRetentionDays,
		"SWEEP_DOWNLOADS_BURST":      &cfg.Downloads.Burst,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	durations := map[string]*Duration{
		"SWEEP_TICK_INTERVAL":     &cfg.TickInterval,
		"SWEEP_ITEM_CACHE_TTL":    &cfg.ItemCacheTTL,
		"SWEEP_DOWNLOADS_TIMEOUT": &cfg.Downloads.Timeout,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			dst.Duration = d
		}
	}

	if v := os.Getenv("SWEEP_DOWNLOADS_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("SWEEP_DOWNLOADS_RATE_LIMIT: %w", err)
		}
		cfg.Downloads.RateLimit = f
	}
	return nil
}
