// Package config loads the gateway configuration from YAML, a .env file and
// TOKENGATE_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tokengate/tokengate/pkg/admission"
	"github.com/tokengate/tokengate/pkg/anomaly"
	"github.com/tokengate/tokengate/pkg/budget"
	"github.com/tokengate/tokengate/pkg/models"
	"github.com/tokengate/tokengate/pkg/pricing"
	"github.com/tokengate/tokengate/pkg/proxy"
	"github.com/tokengate/tokengate/pkg/store"
)

// Config holds all TokenGate configuration.
type Config struct {
	Proxy     proxy.Config         `yaml:"proxy"`
	Upstream  proxy.UpstreamConfig `yaml:"upstream"`
	Redis     store.Config         `yaml:"redis"`
	Retry     store.RetryPolicy    `yaml:"retry"`
	Budget    budget.Config        `yaml:"budget"`
	Anomaly   anomaly.Config       `yaml:"anomaly"`
	Pricing   pricing.Config       `yaml:"pricing"`
	Admission admission.Config     `yaml:"admission"`
	Audit     models.AuditConfig   `yaml:"audit"`
	Log       LogConfig            `yaml:"log"`
}

// LogConfig controls the zerolog output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Proxy: proxy.Config{Listen: ":8080"},
		Upstream: proxy.UpstreamConfig{
			URL:     "https://api.openai.com",
			Timeout: 120 * time.Second,
		},
		Redis:   store.DefaultConfig(),
		Retry:   store.DefaultRetryPolicy(),
		Budget:  budget.Config{Default: 10, ReservationTTL: 5 * time.Minute},
		Anomaly: anomaly.DefaultConfig(),
		Pricing: pricing.DefaultConfig(),
		Admission: admission.Config{
			UpstreamTimeout: 60 * time.Second,
			SettleTimeout:   10 * time.Second,
		},
		Audit: models.AuditConfig{
			Enabled:       false,
			DBPath:        "tokengate-audit.db",
			RetentionDays: 30,
			MaxErrorSize:  4096,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads a YAML config file and expands environment variables. An empty
// path skips the file. A .env file in the working directory, when present,
// is loaded first without overriding variables already set.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	str("TOKENGATE_LISTEN", &c.Proxy.Listen)
	str("TOKENGATE_REDIS_URL", &c.Redis.URL)
	str("TOKENGATE_UPSTREAM_URL", &c.Upstream.URL)
	str("TOKENGATE_LOG_LEVEL", &c.Log.Level)
	str("TOKENGATE_AUDIT_DB", &c.Audit.DBPath)
	if c.Upstream.APIKey == "" {
		str("OPENAI_API_KEY", &c.Upstream.APIKey)
	}
	str("TOKENGATE_UPSTREAM_API_KEY", &c.Upstream.APIKey)

	if v := os.Getenv("TOKENGATE_DEFAULT_BUDGET"); v != "" {
		amount, err := models.ParseUSD(v)
		if err != nil {
			return fmt.Errorf("TOKENGATE_DEFAULT_BUDGET: %w", err)
		}
		c.Budget.Default = amount.Float()
	}
	if v := os.Getenv("TOKENGATE_STRICT_MODE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("TOKENGATE_STRICT_MODE: %w", err)
		}
		c.Proxy.StrictMode = b
	}
	return nil
}

// Validate rejects settings the gateway cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Budget.Default < 0 {
		errs = append(errs, errors.New("budget.default must not be negative"))
	}
	if c.Budget.ReservationTTL < 0 {
		errs = append(errs, errors.New("budget.reservation_ttl must not be negative"))
	}
	a := c.Anomaly
	if a.Enabled {
		if a.MaxRequests <= 0 {
			errs = append(errs, errors.New("anomaly.max_requests must be positive"))
		}
		if a.LoopThreshold < 2 {
			errs = append(errs, errors.New("anomaly.loop_threshold must be at least 2"))
		}
		if a.VelocityThreshold <= 0 {
			errs = append(errs, errors.New("anomaly.velocity_threshold must be positive"))
		}
		if a.RateWindow <= 0 || a.VelocityWindow <= 0 {
			errs = append(errs, errors.New("anomaly windows must be positive"))
		}
		if a.FreezeDuration < 0 {
			errs = append(errs, errors.New("anomaly.freeze_duration must not be negative"))
		}
	}
	for _, m := range c.Pricing.Models {
		if m.Model == "" {
			errs = append(errs, errors.New("pricing.models: entry without a model name"))
		}
		if m.PromptCost < 0 || m.CompletionCost < 0 {
			errs = append(errs, fmt.Errorf("pricing.models: %s has a negative price", m.Model))
		}
	}
	if c.Retry.Attempts < 1 {
		errs = append(errs, errors.New("retry.attempts must be at least 1"))
	}
	if c.Upstream.URL == "" {
		errs = append(errs, errors.New("upstream.url is required"))
	}
	if c.Upstream.Timeout < 0 {
		errs = append(errs, errors.New("upstream.timeout must not be negative"))
	}
	if c.Budget.Default > models.MaxMicros.Float() {
		errs = append(errs, errors.New("budget.default is too large"))
	}
	if c.Audit.Enabled && c.Audit.DBPath == "" {
		errs = append(errs, errors.New("audit.db_path is required when audit is enabled"))
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format: unsupported format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
