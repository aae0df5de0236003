// Package config provides configuration loading and validation for the
// reporting pipeline. Configuration is assembled from defaults, environment
// variables (prefix REPORTING), and an optional viper-backed config file
// bound by the CLI; the resulting Config bundle is immutable for the
// lifetime of the process and handed to every service at construction time.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// SourceMode selects where the reference extractor reads from.
type SourceMode string

const (
	// SourceModeDirect reads the live CRM database.
	SourceModeDirect SourceMode = "direct"
	// SourceModeReplica reads the CDC-populated replica tables.
	SourceModeReplica SourceMode = "replica"
)

// InvalidatorConfig configures the read-cache invalidation fan-out.
type InvalidatorConfig struct {
	Endpoint      string        // Invalidation endpoint of the read cache tier
	Parallelism   int           // Bounded fan-out workers
	BulkThreshold int           // Above this many users a single bulk call substitutes
	Timeout       time.Duration // Per-invalidation HTTP timeout
}

// RetryConfig configures per-task retry behavior in the scheduler.
type RetryConfig struct {
	Attempts       int           // Total attempts per task
	BackoffInitial time.Duration // Delay before the first retry
	BackoffFactor  float64       // Multiplier between attempts
}

// TimeoutConfig holds the per-task and whole-run deadlines.
type TimeoutConfig struct {
	Extract   time.Duration
	Transform time.Duration
	Load      time.Duration
	Run       time.Duration // Whole-run ceiling; also the lock TTL
}

// CDCConfig configures the replica applier consuming CRM change events.
type CDCConfig struct {
	AMQPURL   string // RabbitMQ connection URL
	QueueName string // Queue carrying CRM change events
}

// Config is the complete configuration bundle for the reporting pipeline.
//
// Configuration sources (in order of precedence):
//  1. Command-line flags
//  2. Environment variables (REPORTING_ prefix)
//  3. Configuration file
//  4. Default values
type Config struct {
	SchedulePeriod time.Duration // Pipeline cadence
	LookbackWindow time.Duration // Telemetry re-extraction window before now
	UpstreamDelay  time.Duration // Maximum acceptable upstream aggregation delay
	BatchSize      int           // Maximum rows per insert batch
	RetentionDays  int           // Mart TTL in days after report_date
	SourceMode     SourceMode    // direct or replica

	CRMDSN       string // PostgreSQL DSN of the CRM (or replica) database
	TelemetryDSN string // PostgreSQL DSN of the telemetry database
	MartDSN      string // ClickHouse DSN of the analytical mart
	RedisURL     string // Redis URL for the single-instance lock

	Invalidator InvalidatorConfig
	Retry       RetryConfig
	Timeouts    TimeoutConfig
	CDC         CDCConfig

	OpsListenAddr string // Address for the /healthz, /status, /metrics server
	LogLevel      string
}

// Default returns the configuration defaults documented in the pipeline
// contract.
func Default() Config {
	return Config{
		SchedulePeriod: 15 * time.Minute,
		LookbackWindow: 2 * time.Hour,
		UpstreamDelay:  30 * time.Minute,
		BatchSize:      10000,
		RetentionDays:  365,
		SourceMode:     SourceModeDirect,
		Invalidator: InvalidatorConfig{
			Parallelism:   8,
			BulkThreshold: 1000,
			Timeout:       5 * time.Second,
		},
		Retry: RetryConfig{
			Attempts:       3,
			BackoffInitial: 5 * time.Minute,
			BackoffFactor:  1.0,
		},
		Timeouts: TimeoutConfig{
			Extract:   10 * time.Minute,
			Transform: 5 * time.Minute,
			Load:      15 * time.Minute,
			Run:       30 * time.Minute,
		},
		CDC: CDCConfig{
			QueueName: "crm-changes",
		},
		OpsListenAddr: ":8080",
		LogLevel:      "info",
	}
}

// FromViper builds a Config from a viper instance that has already been
// bound to flags, environment, and an optional config file by the CLI.
// Keys that are unset in viper keep their defaults.
func FromViper(v *viper.Viper) Config {
	cfg := Default()

	if v.IsSet("schedule_period") {
		cfg.SchedulePeriod = v.GetDuration("schedule_period")
	}
	if v.IsSet("lookback_window") {
		cfg.LookbackWindow = v.GetDuration("lookback_window")
	}
	if v.IsSet("upstream_delay") {
		cfg.UpstreamDelay = v.GetDuration("upstream_delay")
	}
	if v.IsSet("batch_size") {
		cfg.BatchSize = v.GetInt("batch_size")
	}
	if v.IsSet("retention_days") {
		cfg.RetentionDays = v.GetInt("retention_days")
	}
	if v.IsSet("source.mode") {
		cfg.SourceMode = SourceMode(v.GetString("source.mode"))
	}
	if v.IsSet("crm_dsn") {
		cfg.CRMDSN = v.GetString("crm_dsn")
	}
	if v.IsSet("telemetry_dsn") {
		cfg.TelemetryDSN = v.GetString("telemetry_dsn")
	}
	if v.IsSet("mart_dsn") {
		cfg.MartDSN = v.GetString("mart_dsn")
	}
	if v.IsSet("redis_url") {
		cfg.RedisURL = v.GetString("redis_url")
	}
	if v.IsSet("invalidator.endpoint") {
		cfg.Invalidator.Endpoint = v.GetString("invalidator.endpoint")
	}
	if v.IsSet("invalidator.parallelism") {
		cfg.Invalidator.Parallelism = v.GetInt("invalidator.parallelism")
	}
	if v.IsSet("invalidator.bulk_threshold") {
		cfg.Invalidator.BulkThreshold = v.GetInt("invalidator.bulk_threshold")
	}
	if v.IsSet("invalidator.timeout") {
		cfg.Invalidator.Timeout = v.GetDuration("invalidator.timeout")
	}
	if v.IsSet("retry.attempts") {
		cfg.Retry.Attempts = v.GetInt("retry.attempts")
	}
	if v.IsSet("retry.backoff_initial") {
		cfg.Retry.BackoffInitial = v.GetDuration("retry.backoff_initial")
	}
	if v.IsSet("cdc.amqp_url") {
		cfg.CDC.AMQPURL = v.GetString("cdc.amqp_url")
	}
	if v.IsSet("cdc.queue_name") {
		cfg.CDC.QueueName = v.GetString("cdc.queue_name")
	}
	if v.IsSet("ops_listen_addr") {
		cfg.OpsListenAddr = v.GetString("ops_listen_addr")
	}
	if v.IsSet("log_level") {
		cfg.LogLevel = v.GetString("log_level")
	}

	return cfg
}

// Validate checks cross-field constraints.
//
// The lookback constraint is load-bearing: LookbackWindow must be at least
// SchedulePeriod + UpstreamDelay. Every run re-extracts the trailing
// lookback window, so an hourly aggregate rewritten upstream can still be
// corrected in the mart up to (LookbackWindow - SchedulePeriod) after its
// hour closes. Shrinking the lookback below the constraint would silently
// freeze recent hours before the upstream aggregator has settled them.
func (c Config) Validate() error {
	if c.SchedulePeriod <= 0 {
		return fmt.Errorf("schedule_period must be positive, got %s", c.SchedulePeriod)
	}
	if c.LookbackWindow < c.SchedulePeriod+c.UpstreamDelay {
		return fmt.Errorf("lookback_window %s must be >= schedule_period %s + upstream_delay %s",
			c.LookbackWindow, c.SchedulePeriod, c.UpstreamDelay)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("retention_days must be positive, got %d", c.RetentionDays)
	}
	switch c.SourceMode {
	case SourceModeDirect, SourceModeReplica:
	default:
		return fmt.Errorf("source.mode must be %q or %q, got %q", SourceModeDirect, SourceModeReplica, c.SourceMode)
	}
	if c.Invalidator.Endpoint != "" {
		if _, err := url.ParseRequestURI(c.Invalidator.Endpoint); err != nil {
			return fmt.Errorf("invalidator.endpoint is not a valid URL: %w", err)
		}
	}
	if c.Invalidator.Parallelism <= 0 {
		return fmt.Errorf("invalidator.parallelism must be positive, got %d", c.Invalidator.Parallelism)
	}
	if c.Retry.Attempts <= 0 {
		return fmt.Errorf("retry.attempts must be positive, got %d", c.Retry.Attempts)
	}
	return nil
}

// EnvConfig provides utilities for loading configuration values from
// environment variables with an optional prefix. It backs the parts of the
// configuration that are injected by the deployment environment rather than
// the config file (DSNs, credentials).
type EnvConfig struct {
	prefix string
}

// NewEnvConfig creates a new environment configuration loader.
func NewEnvConfig(prefix string) *EnvConfig {
	return &EnvConfig{prefix: prefix}
}

// GetString retrieves a string value from environment with optional default.
func (ec *EnvConfig) GetString(key, defaultValue string) string {
	if value := os.Getenv(ec.buildKey(key)); value != "" {
		return value
	}
	return defaultValue
}

// GetInt retrieves an integer value from environment with optional default.
func (ec *EnvConfig) GetInt(key string, defaultValue int) int {
	if value := os.Getenv(ec.buildKey(key)); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetDuration retrieves a duration value from environment with optional default.
func (ec *EnvConfig) GetDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(ec.buildKey(key)); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func (ec *EnvConfig) buildKey(key string) string {
	if ec.prefix != "" {
		return ec.prefix + "_" + key
	}
	return key
}

// ApplyEnv overlays deployment-environment values (REPORTING_* variables)
// onto the config. File- and flag-provided values take precedence, so this
// only fills fields that are still empty.
func (c Config) ApplyEnv() Config {
	env := NewEnvConfig("REPORTING")
	if c.CRMDSN == "" {
		c.CRMDSN = env.GetString("CRM_DSN", "")
	}
	if c.TelemetryDSN == "" {
		c.TelemetryDSN = env.GetString("TELEMETRY_DSN", "")
	}
	if c.MartDSN == "" {
		c.MartDSN = env.GetString("MART_DSN", "")
	}
	if c.RedisURL == "" {
		c.RedisURL = env.GetString("REDIS_URL", "")
	}
	if c.Invalidator.Endpoint == "" {
		c.Invalidator.Endpoint = env.GetString("INVALIDATOR_ENDPOINT", "")
	}
	if c.CDC.AMQPURL == "" {
		c.CDC.AMQPURL = env.GetString("AMQP_URL", "")
	}
	return c
}
