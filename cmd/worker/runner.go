package worker

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/flowhub/internal/db"
	"github.com/jmehdipour/flowhub/internal/event"
	"github.com/jmehdipour/flowhub/internal/kafka"
	"github.com/jmehdipour/flowhub/internal/repository"
	"github.com/jmehdipour/flowhub/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runnerCmd = &cobra.Command{
	Use:   "runner",
	Short: "Execute requested workflow runs from the events topic",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		d, err := openDeps(ctx, cmd)
		if err != nil {
			return err
		}
		defer d.Close()

		cfg := d.cfg
		if len(cfg.Kafka.Brokers) == 0 || cfg.Bus.Kafka.Topic == "" {
			return errors.New("runner needs kafka.brokers and bus.kafka.topic")
		}

		consumer := kafka.NewConsumerFromConfig(kafka.Config{
			Brokers:        cfg.Kafka.Brokers,
			Topic:          cfg.Bus.Kafka.Topic,
			GroupID:        cfg.Runner.GroupID,
			MinBytes:       cfg.Kafka.MinBytes,
			MaxBytes:       cfg.Kafka.MaxBytes,
			CommitInterval: cfg.Kafka.CommitInterval,
		}, d.log)
		defer consumer.Close()

		r := worker.NewRunner(
			d.store,
			consumer,
			repository.NewRunsRepository(d.store),
			event.DefaultRegistry(),
			worker.NewHTTPExecutor(cfg.Runner.ActionTimeout, cfg.Runner.Breaker.FailThreshold, cfg.Runner.Breaker.OpenFor, nil),
			d.log.With(zap.String("component", "runner")),
		)
		if d.rdb != nil {
			r.Dedup = db.NewRedisStore(d.rdb)
		}
		if cfg.Runner.Workers > 0 {
			r.Workers = cfg.Runner.Workers
		}
		if cfg.Runner.BatchSize > 0 {
			r.BatchSize = cfg.Runner.BatchSize
		}
		if cfg.Runner.BatchWait > 0 {
			r.BatchWait = cfg.Runner.BatchWait
		}
		if cfg.Runner.DedupTTL > 0 {
			r.DedupTTL = cfg.Runner.DedupTTL
		}

		d.log.Info("runner started",
			zap.String("topic", cfg.Bus.Kafka.Topic),
			zap.String("group", cfg.Runner.GroupID),
			zap.Int("workers", r.Workers),
			zap.Int("batch_size", r.BatchSize),
			zap.Duration("batch_wait", r.BatchWait),
		)
		return r.Run(ctx)
	},
}
