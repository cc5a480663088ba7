package worker

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jmehdipour/flowhub/internal/app"
	"github.com/jmehdipour/flowhub/internal/config"
	"github.com/jmehdipour/flowhub/internal/logger"
	"github.com/jmehdipour/flowhub/internal/metrics"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var metricsAddr string

// NewWorkerCmd returns the parent "worker" command.
func NewWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run background workers",
	}
	cmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics on this address (disabled when empty)")

	cmd.AddCommand(dispatcherCmd)
	cmd.AddCommand(reaperCmd)
	cmd.AddCommand(runnerCmd)
	cmd.AddCommand(allCmd)
	return cmd
}

// deps holds the connections a worker process shares between its loops.
type deps struct {
	cfg     config.Config
	store   *sqlx.DB
	rdb     *redis.Client
	ch      *sqlx.DB
	log     *zap.Logger
	closers app.Closers
}

func openDeps(ctx context.Context, cmd *cobra.Command) (*deps, error) {
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := app.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	d := &deps{cfg: cfg, log: logger.Log}

	metrics.MustRegister(prometheus.DefaultRegisterer)

	d.store, err = app.OpenStore(cfg)
	if err != nil {
		return nil, err
	}
	d.closers.Add(d.store.Close)

	d.rdb, err = app.OpenRedis(cfg)
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	if d.rdb != nil {
		d.closers.Add(d.rdb.Close)
	}

	d.ch, err = app.OpenClickHouse(ctx, cfg)
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	if d.ch != nil {
		d.closers.Add(d.ch.Close)
	}

	if metricsAddr != "" {
		serveMetrics(ctx, metricsAddr, d.log)
	}
	return d, nil
}

func (d *deps) Close() error {
	_ = d.log.Sync()
	return d.closers.Close()
}

func serveMetrics(ctx context.Context, addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
}
