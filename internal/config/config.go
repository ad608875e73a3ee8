// ABOUTME: Configuration loading and parsing for toolgate
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the complete toolgate configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
	Remote    RemoteConfig    `yaml:"remote" toml:"remote"`
	Health    HealthConfig    `yaml:"health" toml:"health"`
	Scheduler SchedulerConfig `yaml:"scheduler" toml:"scheduler"`
	RateLimit RateLimitConfig `yaml:"ratelimit" toml:"ratelimit"`
	Secrets   SecretsConfig   `yaml:"secrets" toml:"secrets"`
	Builtins  BuiltinsConfig  `yaml:"builtins" toml:"builtins"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
}

// ServerConfig holds the operational HTTP listener (health and metrics)
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig selects the persistence driver
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // sqlite | postgres
	Path   string `yaml:"path" toml:"path"`     // sqlite file
	DSN    string `yaml:"dsn" toml:"dsn"`       // postgres connection string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// RemoteConfig tunes the reliability wrapper around remote tool servers
type RemoteConfig struct {
	MaxRetries              int `yaml:"max_retries" toml:"max_retries"`
	CircuitBreakerThreshold int `yaml:"circuit_breaker_threshold" toml:"circuit_breaker_threshold"`
	UsageQueueSize          int `yaml:"usage_queue_size" toml:"usage_queue_size"`
	DefaultMaxFailures      int `yaml:"default_max_failures" toml:"default_max_failures"`

	Timeout        time.Duration `yaml:"-" toml:"-"`
	RetryDelayBase time.Duration `yaml:"-" toml:"-"`
	RestartPause   time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	TimeoutRaw        string `yaml:"timeout" toml:"timeout"`
	RetryDelayBaseRaw string `yaml:"retry_delay_base" toml:"retry_delay_base"`
	RestartPauseRaw   string `yaml:"restart_pause" toml:"restart_pause"`
}

// HealthConfig holds health check caching configuration
type HealthConfig struct {
	CacheTTL    time.Duration `yaml:"-" toml:"-"`
	CacheTTLRaw string        `yaml:"cache_ttl" toml:"cache_ttl"`
}

// SchedulerConfig holds the reconciliation loop timings.
// A *Schedule field, when set, is a cron expression that replaces the
// fixed interval for that loop.
type SchedulerConfig struct {
	Disabled      bool `yaml:"disabled" toml:"disabled"`
	RetentionDays int  `yaml:"retention_days" toml:"retention_days"`

	HealthSchedule  string `yaml:"health_schedule" toml:"health_schedule"`
	UpdateSchedule  string `yaml:"update_schedule" toml:"update_schedule"`
	CleanupSchedule string `yaml:"cleanup_schedule" toml:"cleanup_schedule"`

	HealthInterval  time.Duration `yaml:"-" toml:"-"`
	HealthRecovery  time.Duration `yaml:"-" toml:"-"`
	UpdateInterval  time.Duration `yaml:"-" toml:"-"`
	UpdateRecovery  time.Duration `yaml:"-" toml:"-"`
	CleanupInterval time.Duration `yaml:"-" toml:"-"`
	CleanupRecovery time.Duration `yaml:"-" toml:"-"`

	HealthIntervalRaw  string `yaml:"health_interval" toml:"health_interval"`
	HealthRecoveryRaw  string `yaml:"health_recovery" toml:"health_recovery"`
	UpdateIntervalRaw  string `yaml:"update_interval" toml:"update_interval"`
	UpdateRecoveryRaw  string `yaml:"update_recovery" toml:"update_recovery"`
	CleanupIntervalRaw string `yaml:"cleanup_interval" toml:"cleanup_interval"`
	CleanupRecoveryRaw string `yaml:"cleanup_recovery" toml:"cleanup_recovery"`
}

// RateLimitConfig holds per-principal ingress caps. Zero means no cap.
type RateLimitConfig struct {
	PerHour int `yaml:"per_hour" toml:"per_hour"`
	PerDay  int `yaml:"per_day" toml:"per_day"`
}

// SecretsConfig holds the key used to encrypt server credentials
type SecretsConfig struct {
	Key string `yaml:"key" toml:"key"`
}

// BuiltinsConfig controls registration of the in-process tool server
type BuiltinsConfig struct {
	Disabled bool `yaml:"disabled" toml:"disabled"`
}

// AuthConfig holds the HS256 secret for bearer tokens accepted by the CLI
type AuthConfig struct {
	TokenSecret string `yaml:"token_secret" toml:"token_secret"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}

	if c.Remote.MaxRetries < 1 {
		return fmt.Errorf("remote.max_retries must be at least 1")
	}
	if c.Remote.CircuitBreakerThreshold < 1 {
		return fmt.Errorf("remote.circuit_breaker_threshold must be at least 1")
	}
	if c.RateLimit.PerHour < 0 || c.RateLimit.PerDay < 0 {
		return fmt.Errorf("ratelimit caps cannot be negative")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, expr := range map[string]string{
		"scheduler.health_schedule":  c.Scheduler.HealthSchedule,
		"scheduler.update_schedule":  c.Scheduler.UpdateSchedule,
		"scheduler.cleanup_schedule": c.Scheduler.CleanupSchedule,
	} {
		if expr == "" {
			continue
		}
		if _, err := parser.Parse(expr); err != nil {
			return fmt.Errorf("%s %q: %w", name, expr, err)
		}
	}

	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Server.HTTPAddr == "" {
		cfg.Server.HTTPAddr = "127.0.0.1:8090"
	}

	r := &cfg.Remote
	if r.MaxRetries == 0 {
		r.MaxRetries = 3
	}
	if r.CircuitBreakerThreshold == 0 {
		r.CircuitBreakerThreshold = 5
	}
	if r.UsageQueueSize == 0 {
		r.UsageQueueSize = 1024
	}
	if r.DefaultMaxFailures == 0 {
		r.DefaultMaxFailures = 3
	}
	if r.Timeout == 0 {
		r.Timeout = 30 * time.Second
	}
	if r.RetryDelayBase == 0 {
		r.RetryDelayBase = time.Second
	}
	if r.RestartPause == 0 {
		r.RestartPause = time.Second
	}

	if cfg.Health.CacheTTL == 0 {
		cfg.Health.CacheTTL = 5 * time.Minute
	}

	s := &cfg.Scheduler
	if s.RetentionDays == 0 {
		s.RetentionDays = 90
	}
	if s.HealthInterval == 0 {
		s.HealthInterval = 300 * time.Second
	}
	if s.HealthRecovery == 0 {
		s.HealthRecovery = 60 * time.Second
	}
	if s.UpdateInterval == 0 {
		s.UpdateInterval = 3600 * time.Second
	}
	if s.UpdateRecovery == 0 {
		s.UpdateRecovery = 300 * time.Second
	}
	if s.CleanupInterval == 0 {
		s.CleanupInterval = 86400 * time.Second
	}
	if s.CleanupRecovery == 0 {
		s.CleanupRecovery = 3600 * time.Second
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"remote.timeout", cfg.Remote.TimeoutRaw, &cfg.Remote.Timeout},
		{"remote.retry_delay_base", cfg.Remote.RetryDelayBaseRaw, &cfg.Remote.RetryDelayBase},
		{"remote.restart_pause", cfg.Remote.RestartPauseRaw, &cfg.Remote.RestartPause},
		{"health.cache_ttl", cfg.Health.CacheTTLRaw, &cfg.Health.CacheTTL},
		{"scheduler.health_interval", cfg.Scheduler.HealthIntervalRaw, &cfg.Scheduler.HealthInterval},
		{"scheduler.health_recovery", cfg.Scheduler.HealthRecoveryRaw, &cfg.Scheduler.HealthRecovery},
		{"scheduler.update_interval", cfg.Scheduler.UpdateIntervalRaw, &cfg.Scheduler.UpdateInterval},
		{"scheduler.update_recovery", cfg.Scheduler.UpdateRecoveryRaw, &cfg.Scheduler.UpdateRecovery},
		{"scheduler.cleanup_interval", cfg.Scheduler.CleanupIntervalRaw, &cfg.Scheduler.CleanupInterval},
		{"scheduler.cleanup_recovery", cfg.Scheduler.CleanupRecoveryRaw, &cfg.Scheduler.CleanupRecovery},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
