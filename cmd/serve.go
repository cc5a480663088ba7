package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/flowhub/internal/app"
	"github.com/jmehdipour/flowhub/internal/clock"
	"github.com/jmehdipour/flowhub/internal/event"
	httpSrv "github.com/jmehdipour/flowhub/internal/http"
	"github.com/jmehdipour/flowhub/internal/logger"
	"github.com/jmehdipour/flowhub/internal/metrics"
	"github.com/jmehdipour/flowhub/internal/outbox"
	"github.com/jmehdipour/flowhub/internal/repository"
	"github.com/jmehdipour/flowhub/internal/service/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := app.LoadConfig(cfgPath)
		if err != nil {
			return err
		}
		log := logger.Log
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, err := app.OpenStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		rdb, err := app.OpenRedis(cfg)
		if err != nil {
			return err
		}
		if rdb != nil {
			defer func() { _ = rdb.Close() }()
		}

		var reports repository.CHEventsRepository
		chDB, err := app.OpenClickHouse(ctx, cfg)
		if err != nil {
			return err
		}
		if chDB != nil {
			defer func() { _ = chDB.Close() }()
			reports = repository.NewCHEventsRepository(chDB)
		}

		metrics.MustRegister(prometheus.DefaultRegisterer)

		clk := clock.Real{}
		outboxRepo := repository.NewOutboxRepository(store)
		svc := workflow.New(
			store,
			repository.NewWorkflowsRepository(store),
			repository.NewRunsRepository(store),
			outbox.NewPublisher(outboxRepo, clk, log),
			app.Notifier(cfg, rdb, log),
			clk,
			log,
		)

		server := httpSrv.NewServer(httpSrv.Deps{
			Workflows:    svc,
			Workspaces:   repository.NewWorkspacesRepository(store),
			Outbox:       outboxRepo,
			Reports:      reports,
			Registry:     event.DefaultRegistry(),
			Redis:        rdb,
			RateLimitRPS: cfg.RateLimit.RPS,
			AdminToken:   cfg.HTTP.AdminToken,
			Log:          log,
		})

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start(cfg.HTTP.Addr)
		}()

		select {
		case <-ctx.Done():
			log.Info("signal received, shutting down")
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	},
}
