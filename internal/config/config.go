package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/lying200/db-bench-order/internal/retry"
)

const (
	SourcePostgres = "postgres"
	SourceNATS     = "nats"
)

type Config struct {
	Source     SourceConfig     `mapstructure:"source"`
	Index      IndexConfig      `mapstructure:"index"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Normalize  NormalizeConfig  `mapstructure:"normalize"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Journal    JournalConfig    `mapstructure:"journal"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

type SourceConfig struct {
	Kind     string         `mapstructure:"kind"`
	Postgres PostgresSource `mapstructure:"postgres"`
	NATS     NATSSource     `mapstructure:"nats"`
}

type PostgresSource struct {
	ConnectionString string `mapstructure:"connection_string"`
	SlotName         string `mapstructure:"slot_name"`
	Publication      string `mapstructure:"publication"`
}

type NATSSource struct {
	URL           string        `mapstructure:"url"`
	Stream        string        `mapstructure:"stream"`
	Subject       string        `mapstructure:"subject"`
	Consumer      string        `mapstructure:"consumer"`
	AckWait       time.Duration `mapstructure:"ack_wait"`
	MaxAckPending int           `mapstructure:"max_ack_pending"`
}

type IndexConfig struct {
	Addresses          []string      `mapstructure:"addresses"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	ConnectRetry       RetryConfig   `mapstructure:"connect_retry"`
	BulkRetry          RetryConfig   `mapstructure:"bulk_retry"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
	Multiplier  float64       `mapstructure:"multiplier"`
}

func (r *RetryConfig) setDefaults(attempts int, backoff time.Duration) {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = attempts
	}
	if r.Backoff <= 0 {
		r.Backoff = backoff
	}
}

func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   r.Backoff,
		Multiplier:  r.Multiplier,
	}
}

type PipelineConfig struct {
	WorkerCount        int           `mapstructure:"worker_count"`
	BufferSize         int           `mapstructure:"buffer_size"`
	BulkSize           int           `mapstructure:"bulk_size"`
	FlushInterval      time.Duration `mapstructure:"flush_interval"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
}

type NormalizeConfig struct {
	DefaultKey  string            `mapstructure:"default_key"`
	PrimaryKeys map[string]string `mapstructure:"primary_keys"`
}

type CheckpointConfig struct {
	RedisURL string        `mapstructure:"redis_url"`
	Key      string        `mapstructure:"key"`
	Interval time.Duration `mapstructure:"interval"`
}

type JournalConfig struct {
	ClickHouseDSN string        `mapstructure:"clickhouse_dsn"`
	Table         string        `mapstructure:"table"`
	BatchSize     int           `mapstructure:"batch_size"`
	Interval      time.Duration `mapstructure:"interval"`
	Retry         RetryConfig   `mapstructure:"retry"`
}

func (j JournalConfig) Enabled() bool {
	return j.ClickHouseDSN != ""
}

type TelemetryConfig struct {
	Address string `mapstructure:"address"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ESSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("source.kind", SourcePostgres)
	v.SetDefault("source.nats.consumer", "essync")
	v.SetDefault("source.nats.ack_wait", 2*time.Minute)
	v.SetDefault("source.nats.max_ack_pending", 20000)
	v.SetDefault("index.connect_timeout", 5*time.Second)
	v.SetDefault("index.request_timeout", 60*time.Second)
	v.SetDefault("pipeline.worker_count", 4)
	v.SetDefault("pipeline.buffer_size", 10000)
	v.SetDefault("pipeline.bulk_size", 1000)
	v.SetDefault("pipeline.flush_interval", 10*time.Second)
	v.SetDefault("pipeline.checkpoint_interval", 10*time.Second)
	v.SetDefault("normalize.default_key", "id")
	v.SetDefault("checkpoint.key", "essync:checkpoint")
	v.SetDefault("checkpoint.interval", 5*time.Second)
	v.SetDefault("journal.table", "essync_flush_journal")
	v.SetDefault("journal.batch_size", 100)
	v.SetDefault("journal.interval", 5*time.Second)
	v.SetDefault("telemetry.address", ":9090")

	// Read config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Source.Kind == "" {
		c.Source.Kind = SourcePostgres
	}
	if c.Index.ConnectTimeout <= 0 {
		c.Index.ConnectTimeout = 5 * time.Second
	}
	if c.Index.RequestTimeout <= 0 {
		c.Index.RequestTimeout = 60 * time.Second
	}
	c.Index.ConnectRetry.setDefaults(5, 5*time.Second)
	c.Index.BulkRetry.setDefaults(3, 1*time.Second)

	if c.Pipeline.WorkerCount <= 0 {
		c.Pipeline.WorkerCount = 4
	}
	if c.Pipeline.BufferSize <= 0 {
		c.Pipeline.BufferSize = 10000
	}
	if c.Pipeline.BulkSize <= 0 {
		c.Pipeline.BulkSize = 1000
	}
	if c.Pipeline.FlushInterval <= 0 {
		c.Pipeline.FlushInterval = 10 * time.Second
	}
	if c.Pipeline.CheckpointInterval <= 0 {
		c.Pipeline.CheckpointInterval = c.Pipeline.FlushInterval
	}

	if c.Normalize.DefaultKey == "" {
		c.Normalize.DefaultKey = "id"
	}
	if len(c.Normalize.PrimaryKeys) == 0 {
		c.Normalize.PrimaryKeys = map[string]string{
			"order":      "order_id",
			"order_addr": "order_addr_id",
			"order_item": "order_item_id",
			"undo_log":   "id",
		}
	}

	if c.Checkpoint.Key == "" {
		c.Checkpoint.Key = "essync:checkpoint"
	}
	if c.Checkpoint.Interval <= 0 {
		c.Checkpoint.Interval = 5 * time.Second
	}
	if c.Journal.Table == "" {
		c.Journal.Table = "essync_flush_journal"
	}
	if c.Journal.BatchSize <= 0 {
		c.Journal.BatchSize = 100
	}
	if c.Journal.Interval <= 0 {
		c.Journal.Interval = 5 * time.Second
	}
	c.Journal.Retry.setDefaults(3, 100*time.Millisecond)
	if c.Source.NATS.Consumer == "" {
		c.Source.NATS.Consumer = "essync"
	}
	if c.Source.NATS.AckWait <= 0 {
		c.Source.NATS.AckWait = 2 * time.Minute
	}
	if c.Source.NATS.MaxAckPending <= 0 {
		c.Source.NATS.MaxAckPending = 20000
	}
}

func (c *Config) Validate() error {
	var errs []error

	switch c.Source.Kind {
	case SourcePostgres:
		if c.Source.Postgres.ConnectionString == "" {
			errs = append(errs, errors.New("source.postgres.connection_string is required"))
		}
		if c.Source.Postgres.SlotName == "" {
			errs = append(errs, errors.New("source.postgres.slot_name is required"))
		}
		if c.Source.Postgres.Publication == "" {
			errs = append(errs, errors.New("source.postgres.publication is required"))
		}
	case SourceNATS:
		if c.Source.NATS.URL == "" {
			errs = append(errs, errors.New("source.nats.url is required"))
		}
		if c.Source.NATS.Stream == "" {
			errs = append(errs, errors.New("source.nats.stream is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("source.kind %q is not supported", c.Source.Kind))
	}

	if len(c.Index.Addresses) == 0 {
		errs = append(errs, errors.New("index.addresses requires at least one endpoint"))
	}
	for i, addr := range c.Index.Addresses {
		if addr == "" {
			errs = append(errs, fmt.Errorf("index.addresses[%d] is empty", i))
		}
	}
	if c.Index.ConnectRetry.MaxAttempts < 1 {
		errs = append(errs, errors.New("index.connect_retry.max_attempts must be positive"))
	}
	if c.Index.BulkRetry.MaxAttempts < 1 {
		errs = append(errs, errors.New("index.bulk_retry.max_attempts must be positive"))
	}
	if c.Pipeline.WorkerCount < 1 {
		errs = append(errs, errors.New("pipeline.worker_count must be positive"))
	}
	if c.Pipeline.BulkSize < 1 {
		errs = append(errs, errors.New("pipeline.bulk_size must be positive"))
	}

	return errors.Join(errs...)
}
