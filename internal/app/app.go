// Package app opens the stores and sinks a flowhub process is built from.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub/v2"
	"github.com/jmehdipour/flowhub/internal/breaker"
	"github.com/jmehdipour/flowhub/internal/bus"
	"github.com/jmehdipour/flowhub/internal/clock"
	"github.com/jmehdipour/flowhub/internal/config"
	"github.com/jmehdipour/flowhub/internal/db"
	"github.com/jmehdipour/flowhub/internal/kafka"
	"github.com/jmehdipour/flowhub/internal/logger"
	"github.com/jmehdipour/flowhub/internal/outbox"
	"github.com/jmehdipour/flowhub/internal/repository"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Closer releases whatever an Open* call acquired.
type Closer func() error

// Closers runs in reverse order of registration.
type Closers []Closer

func (c *Closers) Add(fn Closer) { *c = append(*c, fn) }

func (c Closers) Close() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func OpenStore(cfg config.Config) (*sqlx.DB, error) {
	conn, err := db.Open(cfg.Database.Driver, cfg.Database.DSN, cfg.Database.SQLOpts())
	if err != nil {
		return nil, fmt.Errorf("%s connect: %w", cfg.Database.Driver, err)
	}
	return conn, nil
}

// OpenRedis returns nil, nil when redis.addr is empty.
func OpenRedis(cfg config.Config) (*redis.Client, error) {
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		return nil, nil
	}
	rdb, err := db.NewRedisClient(db.RedisOpts{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
		ReadTimeout: cfg.Redis.ReadTimeout,
		PoolSize:    cfg.Redis.PoolSize,
	})
	if err != nil {
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	return rdb, nil
}

// OpenClickHouse returns nil, nil when ClickHouse is disabled; otherwise it
// makes sure the reporting table exists.
func OpenClickHouse(ctx context.Context, cfg config.Config) (*sqlx.DB, error) {
	if !cfg.ClickHouse.Enabled {
		return nil, nil
	}
	ch, err := db.NewClickHouseConnection(cfg.ClickHouse.DSN, cfg.ClickHouse.SQLOpts())
	if err != nil {
		return nil, fmt.Errorf("clickhouse connect: %w", err)
	}
	if err := db.EnsureClickHouseSchema(ctx, ch); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return ch, nil
}

// Notifier uses Redis pub/sub when available and an in-process channel
// otherwise, which only wakes dispatchers in the same process.
func Notifier(cfg config.Config, rdb *redis.Client, log *zap.Logger) outbox.Notifier {
	if rdb == nil || cfg.Outbox.NotifyChannel == "" {
		return outbox.NewLocalNotifier()
	}
	return outbox.NewRedisNotifier(rdb, cfg.Outbox.NotifyChannel, log)
}

// BuildBus assembles the configured sinks, each behind its own circuit
// breaker, into one fanout publisher.
func BuildBus(ctx context.Context, cfg config.Config, ch *sqlx.DB, log *zap.Logger) (bus.Publisher, Closers, error) {
	log = logger.OrNop(log)
	var closers Closers
	fan := bus.NewFanout()

	guard := func(p bus.Publisher) bus.Publisher {
		return bus.NewBreaker(p, breaker.NewMicroBreaker(cfg.Bus.Breaker.FailThreshold, cfg.Bus.Breaker.OpenFor, clock.Real{}))
	}

	for _, sink := range cfg.Bus.Sinks {
		switch sink {
		case config.SinkKafka:
			w := kafka.NewWriter(kafka.ProducerConfig{
				Brokers:      cfg.Kafka.Brokers,
				BatchTimeout: cfg.Kafka.BatchTimeout,
				WriteTimeout: cfg.Outbox.Dispatcher.PublishTimeout,
				RequiredAcks: cfg.Kafka.RequiredAcks,
			}, log)
			closers.Add(w.Close)
			fan.Add(sink, guard(bus.NewKafka(w, cfg.Bus.Kafka.Topic)))

		case config.SinkWebhook:
			fan.Add(sink, guard(bus.NewWebhook(cfg.Bus.Webhook.URL, cfg.Bus.Webhook.Timeout)))

		case config.SinkPubSub:
			client, err := pubsub.NewClient(ctx, cfg.Bus.PubSub.ProjectID)
			if err != nil {
				_ = closers.Close()
				return nil, nil, fmt.Errorf("creating pubsub client: %w", err)
			}
			pub := client.Publisher(topicResourceName(cfg.Bus.PubSub.ProjectID, cfg.Bus.PubSub.Topic))
			closers.Add(func() error {
				pub.Stop()
				return client.Close()
			})
			fan.Add(sink, guard(bus.NewPubSub(pub)))

		case config.SinkClickHouse:
			if ch == nil {
				_ = closers.Close()
				return nil, nil, errors.New("clickhouse sink configured but clickhouse is disabled")
			}
			fan.Add(sink, guard(bus.NewClickHouse(repository.NewCHEventsRepository(ch), clock.Real{})))

		default:
			_ = closers.Close()
			return nil, nil, fmt.Errorf("unknown sink %q", sink)
		}
		log.Info("bus sink enabled", zap.String("sink", sink))
	}

	if fan.Len() == 0 {
		return nil, nil, errors.New("no bus sinks configured")
	}
	return fan, closers, nil
}

func topicResourceName(projectID, topic string) string {
	if strings.HasPrefix(topic, "projects/") {
		return topic
	}
	return "projects/" + projectID + "/topics/" + topic
}
