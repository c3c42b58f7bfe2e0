package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database        DatabaseConfig         `yaml:"database"`
	Kafka           KafkaConfig            `yaml:"kafka"`
	Redis           RedisConfig            `yaml:"redis"`
	TMS             TMSConfig              `yaml:"tms"`
	SMTP            SMTPConfig             `yaml:"smtp"`
	Notify          NotifyConfig           `yaml:"notify"`
	ManifestSync    ManifestSyncConfig     `yaml:"manifestsync"`
	OccurrenceCodes []OccurrenceCodeConfig `yaml:"occurrence_codes"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

func (c DatabaseConfig) ConnString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Username, c.Password, c.Host, c.Port, c.DBName, sslMode)
}

type KafkaConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	ReconcileTopicName string `yaml:"reconcile_topic_name"`
	PushTopicName      string `yaml:"push_topic_name"`
}

func (c KafkaConfig) Brokers() []string {
	return []string{fmt.Sprintf("%s:%d", c.Host, c.Port)}
}

func (c KafkaConfig) ReconcileTopic() string {
	if c.ReconcileTopicName == "" {
		return "manifest.reconcile"
	}
	return c.ReconcileTopicName
}

func (c KafkaConfig) PushTopic() string {
	if c.PushTopicName == "" {
		return "confirmation.push"
	}
	return c.PushTopicName
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TMSConfig describes the ESL Cloud connection. Durations are stored as plain
// numbers in YAML and read through the accessor methods, which apply the
// production defaults when a value is left at zero.
type TMSConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`

	PageSize              int `yaml:"page_size"`
	ThrottleDelayMillis   int `yaml:"throttle_delay_ms"`
	MaxRetries            int `yaml:"max_retries"`
	RetryDelaySeconds     int `yaml:"retry_delay_seconds"`
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
	QuotaPerMinute        int `yaml:"quota_per_minute"`
	DetailCacheTTLSeconds int `yaml:"detail_cache_ttl_seconds"`

	ManifestLookupPath   string `yaml:"manifest_lookup_path"`
	OccurrenceListPath   string `yaml:"occurrence_list_path"`
	InvoiceDetailPath    string `yaml:"invoice_detail_path"`
	ConfirmationPushPath string `yaml:"confirmation_push_path"`
}

func (c TMSConfig) Pages() int {
	if c.PageSize <= 0 {
		return 20
	}
	return c.PageSize
}

func (c TMSConfig) ThrottleDelay() time.Duration {
	if c.ThrottleDelayMillis <= 0 {
		return 2200 * time.Millisecond
	}
	return time.Duration(c.ThrottleDelayMillis) * time.Millisecond
}

// Retries is the number of extra attempts after the first one.
func (c TMSConfig) Retries() int {
	if c.MaxRetries <= 0 {
		return 2
	}
	return c.MaxRetries
}

func (c TMSConfig) RetryDelay() time.Duration {
	if c.RetryDelaySeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

func (c TMSConfig) RequestTimeout() time.Duration {
	if c.RequestTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c TMSConfig) DetailCacheTTL() time.Duration {
	if c.DetailCacheTTLSeconds <= 0 {
		return 6 * time.Hour
	}
	return time.Duration(c.DetailCacheTTLSeconds) * time.Second
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	TLS      bool   `yaml:"tls"`
}

type NotifyConfig struct {
	Recipients        []string `yaml:"recipients"`
	MaxAttempts       int      `yaml:"max_attempts"`
	RetryDelaySeconds int      `yaml:"retry_delay_seconds"`
}

type ManifestSyncConfig struct {
	GRPCAddr           string `yaml:"grpc_addr"`
	HTTPAddr           string `yaml:"http_addr"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`

	CatalogCacheTTLSeconds int `yaml:"catalog_cache_ttl_seconds"`

	JobMaxAttempts       int `yaml:"job_max_attempts"`
	JobRetryDelaySeconds int `yaml:"job_retry_delay_seconds"`

	WorkerHTTPAddr             string `yaml:"worker_http_addr"`
	WorkerConcurrency          int    `yaml:"worker_concurrency"`
	WorkerSweepIntervalSeconds int    `yaml:"worker_sweep_interval_seconds"`
	WorkerSweepBatchSize       int    `yaml:"worker_sweep_batch_size"`
	WorkerStaleAfterSeconds    int    `yaml:"worker_stale_after_seconds"`
	WorkerPushLeaseSeconds     int    `yaml:"worker_push_lease_seconds"`
}

type OccurrenceCodeConfig struct {
	Code        int    `yaml:"code"`
	Description string `yaml:"description"`
	Kind        string `yaml:"kind"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	ApplyEnv(&config)
	return &config, nil
}

// ApplyEnv lets secrets live outside the YAML file. Non-empty variables win.
func ApplyEnv(cfg *Config) {
	overrides := []struct {
		name string
		dst  *string
	}{
		{"TMS_BASE_URL", &cfg.TMS.BaseURL},
		{"TMS_TOKEN", &cfg.TMS.Token},
		{"DATABASE_PASSWORD", &cfg.Database.Password},
		{"SMTP_USERNAME", &cfg.SMTP.Username},
		{"SMTP_PASSWORD", &cfg.SMTP.Password},
	}
	for _, o := range overrides {
		if v := strings.TrimSpace(os.Getenv(o.name)); v != "" {
			*o.dst = v
		}
	}
	if v := strings.TrimSpace(os.Getenv("NOTIFY_RECIPIENTS")); v != "" {
		cfg.Notify.Recipients = strings.Split(v, ",")
	}
}
