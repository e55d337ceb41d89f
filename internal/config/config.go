// Package config loads the engine configuration from YAML with environment
// overrides.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"anomaly-engine/internal/baseline"
	"anomaly-engine/internal/kafka"
	"anomaly-engine/internal/locks"
	"anomaly-engine/internal/logging"
	"anomaly-engine/internal/metrics"
	"anomaly-engine/internal/reporting"
	"anomaly-engine/internal/secrets"
	"anomaly-engine/internal/storage"
	"anomaly-engine/internal/storage/s3"
)

// Storage backends.
const (
	BackendMemory     = "memory"
	BackendSQLite     = "sqlite"
	BackendClickHouse = "clickhouse"
	BackendFixture    = "fixture"
	BackendLocal      = "local"
	BackendRedis      = "redis"
)

// DefaultPath is read when ANOMALY_CONFIG_PATH is unset.
const DefaultPath = "configs/config.yaml"

// Config holds the complete engine configuration.
type Config struct {
	Engine   EngineConfig   `yaml:"engine"`
	Rules    RulesConfig    `yaml:"rules"`
	Storage  StorageConfig  `yaml:"storage"`
	Dataset  DatasetConfig  `yaml:"dataset"`
	Locking  LockingConfig  `yaml:"locking"`
	Alerting AlertingConfig `yaml:"alerting"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  logging.Config `yaml:"logging"`

	// plaintext lists credential fields written as literals in the file.
	plaintext []string
}

// EngineConfig holds scan timing and concurrency settings.
type EngineConfig struct {
	ScanTimeout     time.Duration `yaml:"scan_timeout"`
	CategoryTimeout time.Duration `yaml:"category_timeout"`
	MetricTimeout   time.Duration `yaml:"metric_timeout"`
	// Concurrency bounds parallel baseline refreshes.
	Concurrency      int           `yaml:"concurrency"`
	BaselinePeriod   string        `yaml:"baseline_period"`
	BaselineLookback time.Duration `yaml:"baseline_lookback"`
	BaselineExclude  time.Duration `yaml:"baseline_exclude"`
	// SanitizeErrors scrubs error text in archived reports and alerts.
	SanitizeErrors bool `yaml:"sanitize_errors"`
}

// Window returns the baseline window described by the engine section.
func (e EngineConfig) Window() baseline.WindowSpec {
	return baseline.WindowSpec{
		Period:   e.BaselinePeriod,
		Lookback: e.BaselineLookback,
		Exclude:  e.BaselineExclude,
	}
}

// RulesConfig selects where detection rules come from.
type RulesConfig struct {
	// Paths lists rule files or directories of *.yaml files.
	Paths []string `yaml:"paths"`
	// Builtin registers the built-in rule pack when no stored or file rules exist.
	Builtin bool `yaml:"builtin"`
}

// StorageConfig selects the anomaly, baseline and rule store.
type StorageConfig struct {
	Backend    string                   `yaml:"backend"`
	SQLitePath string                   `yaml:"sqlite_path"`
	ClickHouse storage.ClickHouseConfig `yaml:"clickhouse"`
	Retention  storage.RetentionConfig  `yaml:"retention"`
}

// DatasetConfig selects the read-only business dataset.
type DatasetConfig struct {
	Backend     string                   `yaml:"backend"`
	FixturePath string                   `yaml:"fixture_path"`
	ClickHouse  storage.ClickHouseConfig `yaml:"clickhouse"`
	Tables      storage.DatasetTables    `yaml:"tables"`
}

// LockingConfig selects the per-key lock implementation.
type LockingConfig struct {
	Backend string            `yaml:"backend"`
	Redis   locks.RedisConfig `yaml:"redis"`
}

// AlertingConfig holds KPI thresholds and notifier settings.
type AlertingConfig struct {
	reporting.Config `yaml:",inline"`

	Delivery reporting.DeliveryConfig `yaml:"delivery"`
	Webhook  WebhookConfig            `yaml:"webhook"`
	Kafka    KafkaConfig              `yaml:"kafka"`
}

// WebhookConfig enables the webhook notifier.
type WebhookConfig struct {
	Enabled                 bool `yaml:"enabled"`
	reporting.WebhookConfig `yaml:",inline"`
}

// KafkaConfig enables publishing of anomalies and alerts.
type KafkaConfig struct {
	Enabled      bool `yaml:"enabled"`
	kafka.Config `yaml:",inline"`
}

// ArchiveConfig enables the scan report archive.
type ArchiveConfig struct {
	Enabled  bool      `yaml:"enabled"`
	Compress bool      `yaml:"compress"`
	S3       s3.Config `yaml:"s3"`
}

// MetricsConfig enables pushing scan metrics.
type MetricsConfig struct {
	Enabled            bool `yaml:"enabled"`
	metrics.PushConfig `yaml:",inline"`
}

// DefaultConfig returns the default configuration: in-memory stores, the
// built-in rule pack and no external integrations.
func DefaultConfig() *Config {
	window := baseline.DefaultWindowSpec()
	calc := baseline.DefaultCalculatorConfig()

	return &Config{
		Engine: EngineConfig{
			ScanTimeout:      30 * time.Minute,
			CategoryTimeout:  10 * time.Minute,
			MetricTimeout:    calc.MetricTimeout,
			Concurrency:      calc.Concurrency,
			BaselinePeriod:   window.Period,
			BaselineLookback: window.Lookback,
			BaselineExclude:  window.Exclude,
		},
		Rules: RulesConfig{
			Builtin: true,
		},
		Storage: StorageConfig{
			Backend:    BackendMemory,
			SQLitePath: "data/anomaly.db",
			ClickHouse: storage.DefaultClickHouseConfig(),
			Retention: storage.RetentionConfig{
				ClosedAnomalyTTL: 365 * 24 * time.Hour,
				BaselineTTL:      180 * 24 * time.Hour,
			},
		},
		Dataset: DatasetConfig{
			Backend:     BackendFixture,
			FixturePath: "configs/fixtures/dataset.yaml",
			ClickHouse:  storage.DefaultClickHouseConfig(),
			Tables:      storage.DefaultDatasetTables(),
		},
		Locking: LockingConfig{
			Backend: BackendLocal,
			Redis:   locks.DefaultRedisConfig(),
		},
		Alerting: AlertingConfig{
			Config:   reporting.DefaultConfig(),
			Delivery: reporting.DefaultDeliveryConfig(),
			Webhook:  WebhookConfig{WebhookConfig: reporting.DefaultWebhookConfig()},
			Kafka:    KafkaConfig{Config: *kafka.DefaultConfig()},
		},
		Archive: ArchiveConfig{
			Compress: true,
			S3:       *s3.DefaultConfig(),
		},
		Metrics: MetricsConfig{
			PushConfig: metrics.PushConfig{
				Job:     "anomaly_engine",
				Timeout: 10 * time.Second,
			},
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load reads the file named by ANOMALY_CONFIG_PATH (default
// configs/config.yaml), applies environment overrides and validates the
// result. A missing file yields the defaults.
func Load() (*Config, error) {
	path := os.Getenv("ANOMALY_CONFIG_PATH")
	if path == "" {
		path = DefaultPath
	}
	return LoadFile(path)
}

// LoadFile is Load for an explicit path.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.resolveSecrets(context.Background()); err != nil {
		return nil, err
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultSecretsDir holds file: secret references unless ANOMALY_SECRETS_DIR is set.
const DefaultSecretsDir = "/run/secrets"

// secretFields lists every credential that may be written as an env: or
// file: reference.
func (c *Config) secretFields() []secrets.Field {
	return []secrets.Field{
		{Name: "storage.clickhouse.password", Value: &c.Storage.ClickHouse.Password},
		{Name: "dataset.clickhouse.password", Value: &c.Dataset.ClickHouse.Password},
		{Name: "locking.redis.password", Value: &c.Locking.Redis.Password},
		{Name: "alerting.kafka.sasl_password", Value: &c.Alerting.Kafka.SASLPassword},
		{Name: "archive.s3.access_key_id", Value: &c.Archive.S3.AccessKeyID},
		{Name: "archive.s3.secret_access_key", Value: &c.Archive.S3.SecretAccessKey},
		{Name: "archive.s3.session_token", Value: &c.Archive.S3.SessionToken},
	}
}

// resolveSecrets replaces env: and file: references in credential fields.
func (c *Config) resolveSecrets(ctx context.Context) error {
	dir := os.Getenv("ANOMALY_SECRETS_DIR")
	if dir == "" {
		dir = DefaultSecretsDir
	}
	resolver := secrets.DefaultResolver(dir, nil)

	plaintext, err := resolver.ResolveFields(ctx, c.secretFields())
	errs := []error{err}
	// Header values may carry tokens but are not reported as plaintext.
	for name, v := range c.Alerting.Webhook.Headers {
		resolved, rerr := resolver.Resolve(ctx, v)
		if rerr != nil {
			errs = append(errs, fmt.Errorf("alerting.webhook.headers.%s: %w", name, rerr))
			continue
		}
		c.Alerting.Webhook.Headers[name] = resolved
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to resolve secrets: %w", err)
	}
	c.plaintext = plaintext
	return nil
}

// PlaintextSecrets returns the credential fields the config file sets as
// literal values instead of env: or file: references.
func (c *Config) PlaintextSecrets() []string {
	return c.plaintext
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	if level := os.Getenv("ANOMALY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if backend := os.Getenv("ANOMALY_STORAGE_BACKEND"); backend != "" {
		c.Storage.Backend = strings.ToLower(backend)
	}
	if path := os.Getenv("ANOMALY_SQLITE_PATH"); path != "" {
		c.Storage.SQLitePath = path
	}
	if backend := os.Getenv("ANOMALY_DATASET_BACKEND"); backend != "" {
		c.Dataset.Backend = strings.ToLower(backend)
	}
	if path := os.Getenv("ANOMALY_FIXTURE_PATH"); path != "" {
		c.Dataset.FixturePath = path
	}
	if v := os.Getenv("ANOMALY_SANITIZE_ERRORS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid ANOMALY_SANITIZE_ERRORS: %w", err)
		}
		c.Engine.SanitizeErrors = b
	}

	// The dataset connection follows the store connection unless the file
	// configures it separately.
	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		hosts := splitAndTrim(host, ",")
		c.Storage.ClickHouse.Hosts = hosts
		c.Dataset.ClickHouse.Hosts = hosts
	}
	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Storage.ClickHouse.Database = db
	}
	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Storage.ClickHouse.Username = user
		c.Dataset.ClickHouse.Username = user
	}
	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
		c.Dataset.ClickHouse.Password = pass
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Locking.Backend = BackendRedis
		c.Locking.Redis.Addr = addr
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.Locking.Redis.Password = pass
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Alerting.Kafka.Enabled = true
		c.Alerting.Kafka.Brokers = splitAndTrim(brokers, ",")
	}
	if url := os.Getenv("ANOMALY_WEBHOOK_URL"); url != "" {
		c.Alerting.Webhook.Enabled = true
		c.Alerting.Webhook.URL = url
	}

	if bucket := os.Getenv("S3_BUCKET"); bucket != "" {
		c.Archive.Enabled = true
		c.Archive.S3.Bucket = bucket
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		c.Archive.S3.Region = region
	}
	if endpoint := os.Getenv("S3_ENDPOINT"); endpoint != "" {
		c.Archive.S3.Endpoint = endpoint
		c.Archive.S3.UsePathStyle = true
	}

	if url := os.Getenv("PUSHGATEWAY_URL"); url != "" {
		c.Metrics.Enabled = true
		c.Metrics.URL = url
	}
	return nil
}

// splitAndTrim splits s by sep and drops empty parts.
func splitAndTrim(s, sep string) []string {
	var parts []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Engine.ScanTimeout <= 0 {
		add("engine.scan_timeout must be positive")
	}
	if c.Engine.CategoryTimeout <= 0 {
		add("engine.category_timeout must be positive")
	}
	if c.Engine.CategoryTimeout > c.Engine.ScanTimeout {
		add("engine.category_timeout must not exceed engine.scan_timeout")
	}
	if c.Engine.MetricTimeout <= 0 {
		add("engine.metric_timeout must be positive")
	}
	if c.Engine.Concurrency <= 0 {
		add("engine.concurrency must be positive")
	}
	if c.Engine.BaselinePeriod == "" {
		add("engine.baseline_period is required")
	}
	if c.Engine.BaselineLookback <= c.Engine.BaselineExclude {
		add("engine.baseline_lookback must exceed engine.baseline_exclude")
	}
	if c.Engine.BaselineExclude < 0 {
		add("engine.baseline_exclude must not be negative")
	}

	if !c.Rules.Builtin && len(c.Rules.Paths) == 0 && c.Storage.Backend == BackendMemory {
		add("rules: no rule source configured")
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Storage.SQLitePath == "" {
			add("storage.sqlite_path is required for the sqlite backend")
		}
	case BackendClickHouse:
		if len(c.Storage.ClickHouse.Hosts) == 0 {
			add("storage.clickhouse.hosts is required for the clickhouse backend")
		}
	default:
		add("invalid storage.backend: %q", c.Storage.Backend)
	}

	switch c.Dataset.Backend {
	case BackendMemory:
	case BackendFixture:
		if c.Dataset.FixturePath == "" {
			add("dataset.fixture_path is required for the fixture backend")
		}
	case BackendClickHouse:
		if len(c.Dataset.ClickHouse.Hosts) == 0 {
			add("dataset.clickhouse.hosts is required for the clickhouse backend")
		}
	default:
		add("invalid dataset.backend: %q", c.Dataset.Backend)
	}

	switch c.Locking.Backend {
	case BackendLocal:
	case BackendRedis:
		if c.Locking.Redis.Addr == "" {
			add("locking.redis.addr is required for the redis backend")
		}
		if c.Locking.Redis.TTL <= 0 {
			add("locking.redis.ttl must be positive")
		}
	default:
		add("invalid locking.backend: %q", c.Locking.Backend)
	}

	if err := c.Alerting.Config.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Alerting.Webhook.Enabled && c.Alerting.Webhook.URL == "" {
		add("alerting.webhook.url is required when the webhook is enabled")
	}
	if c.Alerting.Kafka.Enabled {
		if err := c.Alerting.Kafka.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Archive.Enabled {
		if err := c.Archive.S3.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Metrics.Enabled && c.Metrics.URL == "" {
		add("metrics.pushgateway_url is required when metrics are enabled")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
