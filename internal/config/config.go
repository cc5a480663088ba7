package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"github.com/jmehdipour/flowhub/internal/db"
	"github.com/jmehdipour/flowhub/internal/dispatcher"
	"github.com/jmehdipour/flowhub/internal/reaper"
	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

const envPrefix = "FLOWHUB"

// Sink names accepted in bus.sinks.
const (
	SinkKafka      = "kafka"
	SinkWebhook    = "webhook"
	SinkPubSub     = "pubsub"
	SinkClickHouse = "clickhouse"
)

// ---- Root ----

type Config struct {
	App        AppConfig        `mapstructure:"app"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Database   DatabaseConfig   `mapstructure:"database"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Outbox     OutboxConfig     `mapstructure:"outbox"`
	Bus        BusConfig        `mapstructure:"bus"`
	Runner     RunnerConfig     `mapstructure:"runner"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
}

// ---- Leaf structs ----

type AppConfig struct {
	LogLevel string `mapstructure:"log_level"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	AdminToken      string        `mapstructure:"admin_token"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // mysql | postgres | sqlite3
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

func (c DatabaseConfig) SQLOpts() db.SQLOpts {
	return db.SQLOpts{
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
		ConnMaxIdleTime: c.ConnMaxIdleTime,
		PingTimeout:     c.PingTimeout,
	}
}

type ClickHouseConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	DatabaseConfig `mapstructure:",squash"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"` // empty disables redis
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	PoolSize    int           `mapstructure:"pool_size"`
}

type KafkaConfig struct {
	Brokers        []string      `mapstructure:"brokers"`
	MinBytes       int           `mapstructure:"min_bytes"`
	MaxBytes       int           `mapstructure:"max_bytes"`
	CommitInterval time.Duration `mapstructure:"commit_interval"`
	BatchTimeout   time.Duration `mapstructure:"batch_timeout"`
	RequiredAcks   int           `mapstructure:"required_acks"`
}

type OutboxConfig struct {
	NotifyChannel string           `mapstructure:"notify_channel"`
	Dispatcher    DispatcherConfig `mapstructure:"dispatcher"`
	Reaper        ReaperConfig     `mapstructure:"reaper"`
}

type DispatcherConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	LeaseDuration  time.Duration `mapstructure:"lease_duration"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	MaxRetries     int           `mapstructure:"max_retries"`
	Jitter         time.Duration `mapstructure:"jitter"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
}

func (c DispatcherConfig) Options() dispatcher.Options {
	return dispatcher.Options{
		PollInterval:   c.PollInterval,
		BatchSize:      c.BatchSize,
		LeaseDuration:  c.LeaseDuration,
		PublishTimeout: c.PublishTimeout,
		BaseDelay:      c.BaseDelay,
		MaxDelay:       c.MaxDelay,
		MaxRetries:     c.MaxRetries,
		Jitter:         c.Jitter,
		ShutdownGrace:  c.ShutdownGrace,
	}
}

type ReaperConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Retention time.Duration `mapstructure:"retention"`
	LockKey   string        `mapstructure:"lock_key"`
	LockTTL   time.Duration `mapstructure:"lock_ttl"`
}

func (c ReaperConfig) Options() reaper.Options {
	return reaper.Options{Interval: c.Interval, Retention: c.Retention}
}

type BreakerConfig struct {
	FailThreshold int           `mapstructure:"fail_threshold"`
	OpenFor       time.Duration `mapstructure:"open_for"`
}

type BusConfig struct {
	Sinks   []string      `mapstructure:"sinks"`
	Kafka   BusKafka      `mapstructure:"kafka"`
	Webhook BusWebhook    `mapstructure:"webhook"`
	PubSub  BusPubSub     `mapstructure:"pubsub"`
	Breaker BreakerConfig `mapstructure:"breaker"`
}

type BusKafka struct {
	Topic string `mapstructure:"topic"`
}

type BusWebhook struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type BusPubSub struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

type RunnerConfig struct {
	GroupID       string        `mapstructure:"group_id"`
	Workers       int           `mapstructure:"workers"`
	BatchSize     int           `mapstructure:"batch_size"`
	BatchWait     time.Duration `mapstructure:"batch_wait"`
	DedupTTL      time.Duration `mapstructure:"dedup_ttl"`
	ActionTimeout time.Duration `mapstructure:"action_timeout"`
	Breaker       BreakerConfig `mapstructure:"breaker"`
}

type RateLimitConfig struct {
	RPS int `mapstructure:"rps"`
}

// Load reads embedded defaults, merges the YAML file at path when it exists,
// and applies env overrides (FLOWHUB_OUTBOX_DISPATCHER_BATCH_SIZE=50).
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("read %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings every process depends on. Sink settings are
// only checked for sinks that are enabled.
func (c Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case db.DriverMySQL, db.DriverPostgres, db.DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("database.driver: unsupported %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}

	if err := c.Outbox.Dispatcher.Options().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("outbox.dispatcher: %w", err))
	}
	if err := c.Outbox.Reaper.Options().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("outbox.reaper: %w", err))
	}

	if len(c.Bus.Sinks) == 0 {
		errs = append(errs, errors.New("bus.sinks: at least one sink is required"))
	}
	for _, s := range c.Bus.Sinks {
		switch s {
		case SinkKafka:
			if len(c.Kafka.Brokers) == 0 || c.Bus.Kafka.Topic == "" {
				errs = append(errs, errors.New("bus.kafka: brokers and topic are required"))
			}
		case SinkWebhook:
			if c.Bus.Webhook.URL == "" {
				errs = append(errs, errors.New("bus.webhook.url is required"))
			}
		case SinkPubSub:
			if c.Bus.PubSub.ProjectID == "" || c.Bus.PubSub.Topic == "" {
				errs = append(errs, errors.New("bus.pubsub: project_id and topic are required"))
			}
		case SinkClickHouse:
			if !c.ClickHouse.Enabled {
				errs = append(errs, errors.New("bus.sinks: clickhouse sink needs clickhouse.enabled"))
			}
		default:
			errs = append(errs, fmt.Errorf("bus.sinks: unknown sink %q", s))
		}
	}
	if dup := duplicates(c.Bus.Sinks); len(dup) > 0 {
		errs = append(errs, fmt.Errorf("bus.sinks: duplicate %v", dup))
	}

	return errors.Join(errs...)
}

func duplicates(in []string) []string {
	seen := map[string]bool{}
	var dup []string
	for _, s := range in {
		if seen[s] && !slices.Contains(dup, s) {
			dup = append(dup, s)
		}
		seen[s] = true
	}
	return dup
}
