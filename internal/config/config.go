// Package config loads the toolflow configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// EnvConfigPath names the environment variable consulted when no path is given.
const EnvConfigPath = "TOOLFLOW_CONFIG"

// Config is the main configuration structure for toolflow.
type Config struct {
	Version       int                 `yaml:"version"`
	Environment   string              `yaml:"environment" jsonschema:"enum=production,enum=staging,enum=development,enum=test"`
	Database      DatabaseConfig      `yaml:"database"`
	Cache         CacheConfig         `yaml:"cache"`
	Execution     ExecutionConfig     `yaml:"execution"`
	Approval      ApprovalConfig      `yaml:"approval"`
	Catalog       []ToolConfig        `yaml:"catalog"`
	Cleanup       CleanupConfig       `yaml:"cleanup"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// DatabaseConfig selects the durable store.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver          string        `yaml:"driver" jsonschema:"enum=sqlite,enum=postgres"`
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// CacheConfig selects the fast cache and its lifetimes.
type CacheConfig struct {
	// Driver is "memory" or "redis".
	Driver        string        `yaml:"driver" jsonschema:"enum=memory,enum=redis"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	KeyPrefix     string        `yaml:"key_prefix"`
	CallTTL       time.Duration `yaml:"call_ttl"`
	ResultTTL     time.Duration `yaml:"result_ttl"`
	MaxEntries    int           `yaml:"max_entries"`
}

type ExecutionConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

type ApprovalConfig struct {
	// Tools lists tool names that need a human decision. Matching is exact.
	Tools []string `yaml:"tools"`
}

// ToolConfig is one catalog entry.
type ToolConfig struct {
	Name             string        `yaml:"name" jsonschema:"required"`
	Description      string        `yaml:"description"`
	Timeout          time.Duration `yaml:"timeout"`
	RequiresApproval bool          `yaml:"requires_approval"`
	// Schema is a JSON Schema document for the tool arguments.
	Schema string `yaml:"schema"`
}

type CleanupConfig struct {
	// Enabled forces the sweep on or off. When unset the sweep runs only in
	// production-like environments.
	Enabled    *bool         `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format" jsonschema:"enum=json,enum=text"`
	AddSource bool   `yaml:"add_source"`
}

type ObservabilityConfig struct {
	MetricsAddr string        `yaml:"metrics_addr"`
	Tracing     TracingConfig `yaml:"tracing"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

var environments = map[string]bool{
	"production":  true,
	"staging":     true,
	"development": false,
	"test":        false,
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// ResolvePath returns flagPath, or the TOOLFLOW_CONFIG path when flagPath is
// empty.
func ResolvePath(flagPath string) string {
	if strings.TrimSpace(flagPath) != "" {
		return flagPath
	}
	return strings.TrimSpace(os.Getenv(EnvConfigPath))
}

// Load reads, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.URL == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.URL = "toolflow.db"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 2 * time.Minute
	}
	if cfg.Database.ConnectTimeout == 0 {
		cfg.Database.ConnectTimeout = 10 * time.Second
	}
	if cfg.Cache.Driver == "" {
		cfg.Cache.Driver = "memory"
	}
	if cfg.Cache.KeyPrefix == "" {
		cfg.Cache.KeyPrefix = "toolflow:"
	}
	if cfg.Cache.CallTTL == 0 {
		cfg.Cache.CallTTL = 10 * time.Minute
	}
	if cfg.Cache.ResultTTL == 0 {
		cfg.Cache.ResultTTL = time.Hour
	}
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 10000
	}
	if cfg.Execution.DefaultTimeout == 0 {
		cfg.Execution.DefaultTimeout = 30 * time.Second
	}
	if cfg.Cleanup.Interval == 0 {
		cfg.Cleanup.Interval = 15 * time.Minute
	}
	if cfg.Cleanup.StaleAfter == 0 {
		cfg.Cleanup.StaleAfter = 24 * time.Hour
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Observability.MetricsAddr == "" {
		cfg.Observability.MetricsAddr = ":9090"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "toolflow"
	}
	if cfg.Observability.Tracing.SamplingRate == 0 {
		cfg.Observability.Tracing.SamplingRate = 1.0
	}
}

// Validate reports every problem found, joined into one error.
func (c *Config) Validate() error {
	var issues []string
	if err := ValidateVersion(c.Version); err != nil {
		issues = append(issues, err.Error())
	}
	if _, ok := environments[c.Environment]; !ok {
		issues = append(issues, fmt.Sprintf("environment %q must be one of production, staging, development, test", c.Environment))
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		issues = append(issues, fmt.Sprintf("database.driver %q must be sqlite or postgres", c.Database.Driver))
	}
	if strings.TrimSpace(c.Database.URL) == "" {
		issues = append(issues, "database.url is required")
	}
	if c.Database.MaxOpenConns < 0 || c.Database.MaxIdleConns < 0 {
		issues = append(issues, "database connection limits must not be negative")
	}
	switch c.Cache.Driver {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Cache.RedisAddr) == "" {
			issues = append(issues, "cache.redis_addr is required for the redis driver")
		}
	default:
		issues = append(issues, fmt.Sprintf("cache.driver %q must be memory or redis", c.Cache.Driver))
	}
	if c.Cache.CallTTL < 0 || c.Cache.ResultTTL < 0 {
		issues = append(issues, "cache ttls must not be negative")
	}
	if c.Execution.DefaultTimeout < 0 {
		issues = append(issues, "execution.default_timeout must be positive")
	}
	if c.Cleanup.Interval < time.Second {
		issues = append(issues, "cleanup.interval must be at least 1s")
	}
	if c.Cleanup.StaleAfter <= 0 {
		issues = append(issues, "cleanup.stale_after must be positive")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		issues = append(issues, fmt.Sprintf("logging.format %q must be json or text", c.Logging.Format))
	}
	if r := c.Observability.Tracing.SamplingRate; r < 0 || r > 1 {
		issues = append(issues, "observability.tracing.sampling_rate must be between 0 and 1")
	}
	seen := make(map[string]bool, len(c.Catalog))
	for i, tool := range c.Catalog {
		name := strings.TrimSpace(tool.Name)
		switch {
		case name == "":
			issues = append(issues, fmt.Sprintf("catalog[%d].name is required", i))
		case seen[name]:
			issues = append(issues, fmt.Sprintf("catalog[%d].name %q is duplicated", i, name))
		}
		seen[name] = true
		if tool.Timeout < 0 {
			issues = append(issues, fmt.Sprintf("catalog[%d].timeout must not be negative", i))
		}
	}
	if len(issues) == 0 {
		return nil
	}
	return errors.New("invalid config: " + strings.Join(issues, "; "))
}

// ProductionLike reports whether the environment is production or staging.
func (c *Config) ProductionLike() bool {
	return environments[c.Environment]
}

// SweepEnabled reports whether the cleanup sweep should auto-start.
func (c *Config) SweepEnabled() bool {
	if c.Cleanup.Enabled != nil {
		return *c.Cleanup.Enabled
	}
	return c.ProductionLike()
}

// CleanupSchedule is the cron spec for the configured sweep interval.
func (c *Config) CleanupSchedule() string {
	return "@every " + c.Cleanup.Interval.String()
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${NAME} references only. Bare $words are left alone
// because JSON schemas in the catalog use keys such as "$schema".
func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		return os.Getenv(ref[2 : len(ref)-1])
	})
}
