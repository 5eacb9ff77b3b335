// Package config provides configuration loading and management for Argus Logs.
// It supports loading configuration from YAML files with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// StorageMode represents the storage backend mode for alerts, locks and queues.
type StorageMode string

const (
	// StorageModeMemory uses in-memory implementations for all storage.
	StorageModeMemory StorageMode = "memory"
	// StorageModeStorage uses real storage backends (Kafka, Redis, PostgreSQL).
	StorageModeStorage StorageMode = "storage"
)

// IsValid returns true if the storage mode is valid.
func (m StorageMode) IsValid() bool {
	return m == StorageModeMemory || m == StorageModeStorage
}

// LogBackend selects where log records are stored and searched.
type LogBackend string

const (
	LogBackendMemory        LogBackend = "memory"
	LogBackendPostgres      LogBackend = "postgres"
	LogBackendElasticsearch LogBackend = "elasticsearch"
)

// IsValid returns true if the log backend is valid.
func (b LogBackend) IsValid() bool {
	switch b {
	case LogBackendMemory, LogBackendPostgres, LogBackendElasticsearch:
		return true
	default:
		return false
	}
}

// Config represents the complete application configuration.
type Config struct {
	Storage       StorageConfig       `yaml:"storage"`
	Server        ServerConfig        `yaml:"server"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Redis         RedisConfig         `yaml:"redis"`
	Postgres      PostgresConfig      `yaml:"postgres"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
	Query         QueryConfig         `yaml:"query"`
	Alerts        AlertsConfig        `yaml:"alerts"`
	Notification  NotificationConfig  `yaml:"notification"`
	Retention     RetentionConfig     `yaml:"retention"`
	Logger        LoggerConfig        `yaml:"logger"`
}

// StorageConfig holds the storage mode configuration.
type StorageConfig struct {
	Mode       StorageMode `yaml:"mode" env:"ARGUS_STORAGE_MODE"`
	LogBackend LogBackend  `yaml:"log_backend" env:"ARGUS_LOG_BACKEND"`
}

// UseMemory returns true if in-memory storage should be used.
func (c *StorageConfig) UseMemory() bool {
	return c.Mode == StorageModeMemory
}

// UseStorage returns true if real storage backends should be used.
func (c *StorageConfig) UseStorage() bool {
	return c.Mode == StorageModeStorage
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `yaml:"host" env:"ARGUS_SERVER_HOST"`
	Port         int           `yaml:"port" env:"ARGUS_SERVER_PORT"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// KafkaConfig holds Kafka connection and topic settings.
type KafkaConfig struct {
	Brokers           []string `yaml:"brokers" env:"ARGUS_KAFKA_BROKERS" envSeparator:","`
	TriggerTopic      string   `yaml:"trigger_topic" env:"ARGUS_KAFKA_TRIGGER_TOPIC"`
	NotificationTopic string   `yaml:"notification_topic" env:"ARGUS_KAFKA_NOTIFICATION_TOPIC"`
	ConsumerGroup     string   `yaml:"consumer_group" env:"ARGUS_KAFKA_CONSUMER_GROUP"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host     string        `yaml:"host" env:"ARGUS_REDIS_HOST"`
	Port     int           `yaml:"port" env:"ARGUS_REDIS_PORT"`
	Password string        `yaml:"password" env:"ARGUS_REDIS_PASSWORD"`
	DB       int           `yaml:"db" env:"ARGUS_REDIS_DB"`
	LockTTL  time.Duration `yaml:"lock_ttl" env:"ARGUS_REDIS_LOCK_TTL"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host         string `yaml:"host" env:"ARGUS_POSTGRES_HOST"`
	Port         int    `yaml:"port" env:"ARGUS_POSTGRES_PORT"`
	User         string `yaml:"user" env:"ARGUS_POSTGRES_USER"`
	Password     string `yaml:"password" env:"ARGUS_POSTGRES_PASSWORD"`
	Database     string `yaml:"database" env:"ARGUS_POSTGRES_DATABASE"`
	SSLMode      string `yaml:"ssl_mode" env:"ARGUS_POSTGRES_SSL_MODE"`
	MaxOpenConns int32  `yaml:"max_open_conns"`
	MaxIdleConns int32  `yaml:"max_idle_conns"`
}

// ElasticsearchConfig holds Elasticsearch connection settings.
type ElasticsearchConfig struct {
	Addresses []string `yaml:"addresses" env:"ARGUS_ES_ADDRESSES" envSeparator:","`
	Username  string   `yaml:"username" env:"ARGUS_ES_USERNAME"`
	Password  string   `yaml:"password" env:"ARGUS_ES_PASSWORD"`
	Index     string   `yaml:"index" env:"ARGUS_ES_INDEX"`
	// Refresh is passed to write requests: "true", "wait_for" or "false".
	Refresh string `yaml:"refresh" env:"ARGUS_ES_REFRESH"`
}

// QueryConfig bounds search requests.
type QueryConfig struct {
	MaxRangeDays    int           `yaml:"max_range_days" env:"ARGUS_QUERY_MAX_RANGE_DAYS"`
	MaxPageSize     int           `yaml:"max_page_size" env:"ARGUS_QUERY_MAX_PAGE_SIZE"`
	DefaultPageSize int           `yaml:"default_page_size" env:"ARGUS_QUERY_DEFAULT_PAGE_SIZE"`
	BucketCap       int           `yaml:"bucket_cap" env:"ARGUS_QUERY_BUCKET_CAP"`
	Timeout         time.Duration `yaml:"timeout" env:"ARGUS_QUERY_TIMEOUT"`
	// SoftTimeout turns backend failures into degraded timed_out results.
	SoftTimeout *bool `yaml:"soft_timeout" env:"ARGUS_QUERY_SOFT_TIMEOUT"`
}

// MaxRange returns the maximum query span as a duration.
func (c *QueryConfig) MaxRange() time.Duration {
	return time.Duration(c.MaxRangeDays) * 24 * time.Hour
}

// SoftTimeoutEnabled reports whether degraded results are returned on backend failure.
func (c *QueryConfig) SoftTimeoutEnabled() bool {
	return c.SoftTimeout == nil || *c.SoftTimeout
}

// AlertsConfig holds alert lifecycle thresholds.
type AlertsConfig struct {
	UnacknowledgedCriticalThreshold time.Duration `yaml:"unacknowledged_critical_threshold" env:"ARGUS_UNACKED_CRITICAL_THRESHOLD"`
	StaleAcknowledgedThreshold      time.Duration `yaml:"stale_acknowledged_threshold" env:"ARGUS_STALE_ACK_THRESHOLD"`
	NotificationRetryLimit          int           `yaml:"notification_retry_limit" env:"ARGUS_NOTIFICATION_RETRY_LIMIT"`
	Retention                       time.Duration `yaml:"retention" env:"ARGUS_ALERT_RETENTION"`
	ScanInterval                    time.Duration `yaml:"scan_interval" env:"ARGUS_SCAN_INTERVAL"`
	NotificationBackoff             time.Duration `yaml:"notification_backoff" env:"ARGUS_NOTIFICATION_BACKOFF"`
	EscalationRepeatInterval        time.Duration `yaml:"escalation_repeat_interval" env:"ARGUS_ESCALATION_REPEAT_INTERVAL"`
	TriggerMaxRetries               int           `yaml:"trigger_max_retries" env:"ARGUS_TRIGGER_MAX_RETRIES"`
}

// NotificationConfig holds notification delivery settings.
type NotificationConfig struct {
	// WebhookURL selects the webhook notifier; empty uses the log notifier.
	WebhookURL    string        `yaml:"webhook_url" env:"ARGUS_NOTIFICATION_WEBHOOK_URL"`
	RatePerSecond float64       `yaml:"rate_per_second" env:"ARGUS_NOTIFICATION_RATE"`
	Burst         int           `yaml:"burst" env:"ARGUS_NOTIFICATION_BURST"`
	Timeout       time.Duration `yaml:"timeout" env:"ARGUS_NOTIFICATION_TIMEOUT"`
}

// RetentionConfig holds log retention settings.
type RetentionConfig struct {
	// Logs is the maximum age of log records; zero keeps them forever.
	Logs          time.Duration `yaml:"logs" env:"ARGUS_LOG_RETENTION"`
	ArchiveDir    string        `yaml:"archive_dir" env:"ARGUS_ARCHIVE_DIR"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"ARGUS_SWEEP_INTERVAL"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level" env:"ARGUS_LOG_LEVEL"`
	Format string `yaml:"format" env:"ARGUS_LOG_FORMAT"` // "json" or "text"
}

// Load reads configuration from the specified YAML file path, applies
// defaults and environment overrides, and validates the result.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		// Clean the path to prevent path traversal attacks
		cleanPath := filepath.Clean(path)
		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment overrides: %w", err)
	}

	// Apply defaults for any unset values
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets sensible default values for configuration fields
// that are not explicitly set in the config file.
func applyDefaults(cfg *Config) {
	// Storage defaults
	if cfg.Storage.Mode == "" {
		cfg.Storage.Mode = StorageModeMemory
	}
	if cfg.Storage.LogBackend == "" {
		cfg.Storage.LogBackend = LogBackendMemory
	}

	// Server defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 120 * time.Second
	}

	// Kafka defaults
	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}
	if cfg.Kafka.TriggerTopic == "" {
		cfg.Kafka.TriggerTopic = "argus-triggers"
	}
	if cfg.Kafka.NotificationTopic == "" {
		cfg.Kafka.NotificationTopic = "argus-notifications"
	}
	if cfg.Kafka.ConsumerGroup == "" {
		cfg.Kafka.ConsumerGroup = "argus-logs"
	}

	// Redis defaults
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.LockTTL == 0 {
		cfg.Redis.LockTTL = 10 * time.Second
	}

	// Postgres defaults
	if cfg.Postgres.Host == "" {
		cfg.Postgres.Host = "localhost"
	}
	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.SSLMode == "" {
		cfg.Postgres.SSLMode = "disable"
	}
	if cfg.Postgres.MaxOpenConns == 0 {
		cfg.Postgres.MaxOpenConns = 25
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 5
	}

	// Elasticsearch defaults
	if len(cfg.Elasticsearch.Addresses) == 0 {
		cfg.Elasticsearch.Addresses = []string{"http://localhost:9200"}
	}
	if cfg.Elasticsearch.Index == "" {
		cfg.Elasticsearch.Index = "argus-logs"
	}
	if cfg.Elasticsearch.Refresh == "" {
		cfg.Elasticsearch.Refresh = "false"
	}

	// Query defaults
	if cfg.Query.MaxRangeDays == 0 {
		cfg.Query.MaxRangeDays = 31
	}
	if cfg.Query.MaxPageSize == 0 {
		cfg.Query.MaxPageSize = 1000
	}
	if cfg.Query.DefaultPageSize == 0 {
		cfg.Query.DefaultPageSize = 50
	}
	if cfg.Query.BucketCap == 0 {
		cfg.Query.BucketCap = 100
	}
	if cfg.Query.Timeout == 0 {
		cfg.Query.Timeout = 10 * time.Second
	}
	if cfg.Query.SoftTimeout == nil {
		soft := true
		cfg.Query.SoftTimeout = &soft
	}

	// Alert defaults
	if cfg.Alerts.UnacknowledgedCriticalThreshold == 0 {
		cfg.Alerts.UnacknowledgedCriticalThreshold = 15 * time.Minute
	}
	if cfg.Alerts.StaleAcknowledgedThreshold == 0 {
		cfg.Alerts.StaleAcknowledgedThreshold = 4 * time.Hour
	}
	if cfg.Alerts.NotificationRetryLimit == 0 {
		cfg.Alerts.NotificationRetryLimit = 3
	}
	if cfg.Alerts.Retention == 0 {
		cfg.Alerts.Retention = 30 * 24 * time.Hour
	}
	if cfg.Alerts.ScanInterval == 0 {
		cfg.Alerts.ScanInterval = 60 * time.Second
	}
	if cfg.Alerts.NotificationBackoff == 0 {
		cfg.Alerts.NotificationBackoff = time.Minute
	}
	if cfg.Alerts.EscalationRepeatInterval == 0 {
		cfg.Alerts.EscalationRepeatInterval = 30 * time.Minute
	}
	if cfg.Alerts.TriggerMaxRetries == 0 {
		cfg.Alerts.TriggerMaxRetries = 5
	}

	// Notification defaults
	if cfg.Notification.RatePerSecond == 0 {
		cfg.Notification.RatePerSecond = 5
	}
	if cfg.Notification.Burst == 0 {
		cfg.Notification.Burst = 10
	}
	if cfg.Notification.Timeout == 0 {
		cfg.Notification.Timeout = 5 * time.Second
	}

	// Retention defaults
	if cfg.Retention.SweepInterval == 0 {
		cfg.Retention.SweepInterval = time.Hour
	}

	// Logger defaults
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "json"
	}
}

// Validate checks that every setting is within its allowed range.
func (c *Config) Validate() error {
	var errs []error
	if !c.Storage.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("storage.mode must be 'memory' or 'storage', got %q", c.Storage.Mode))
	}
	if !c.Storage.LogBackend.IsValid() {
		errs = append(errs, fmt.Errorf("storage.log_backend must be 'memory', 'postgres' or 'elasticsearch', got %q", c.Storage.LogBackend))
	}
	if c.Query.MaxRangeDays < 1 {
		errs = append(errs, errors.New("query.max_range_days must be positive"))
	}
	if c.Query.MaxPageSize < 1 {
		errs = append(errs, errors.New("query.max_page_size must be positive"))
	}
	if c.Query.DefaultPageSize < 1 || c.Query.DefaultPageSize > c.Query.MaxPageSize {
		errs = append(errs, fmt.Errorf("query.default_page_size must be between 1 and %d", c.Query.MaxPageSize))
	}
	if c.Query.BucketCap < 1 {
		errs = append(errs, errors.New("query.bucket_cap must be positive"))
	}
	if c.Query.Timeout < 0 {
		errs = append(errs, errors.New("query.timeout must not be negative"))
	}
	if c.Alerts.NotificationRetryLimit < 1 {
		errs = append(errs, errors.New("alerts.notification_retry_limit must be positive"))
	}
	if c.Alerts.TriggerMaxRetries < 1 {
		errs = append(errs, errors.New("alerts.trigger_max_retries must be positive"))
	}
	if c.Alerts.ScanInterval < time.Second {
		errs = append(errs, errors.New("alerts.scan_interval must be at least 1s"))
	}
	if c.Alerts.Retention < 0 || c.Retention.Logs < 0 {
		errs = append(errs, errors.New("retention durations must not be negative"))
	}
	if c.Notification.RatePerSecond <= 0 || c.Notification.Burst < 1 {
		errs = append(errs, errors.New("notification.rate_per_second and notification.burst must be positive"))
	}
	if c.Logger.Format != "json" && c.Logger.Format != "text" {
		errs = append(errs, fmt.Errorf("logger.format must be 'json' or 'text', got %q", c.Logger.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Address returns the full server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DSN returns the PostgreSQL connection string.
func (c *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisAddr returns the Redis address in host:port format.
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
