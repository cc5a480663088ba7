package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/flowhub/internal/app"
	"github.com/jmehdipour/flowhub/internal/clock"
	"github.com/jmehdipour/flowhub/internal/dispatcher"
	"github.com/jmehdipour/flowhub/internal/event"
	"github.com/jmehdipour/flowhub/internal/repository"
	"github.com/spf13/cobra"
)

var dispatcherCmd = &cobra.Command{
	Use:   "dispatcher",
	Short: "Deliver outbox records to the configured bus sinks",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		d, err := openDeps(ctx, cmd)
		if err != nil {
			return err
		}
		defer d.Close()

		disp, err := d.newDispatcher(ctx)
		if err != nil {
			return err
		}
		return disp.Run(ctx)
	},
}

func (d *deps) newDispatcher(ctx context.Context) (*dispatcher.Dispatcher, error) {
	pub, closers, err := app.BuildBus(ctx, d.cfg, d.ch, d.log)
	if err != nil {
		return nil, fmt.Errorf("build bus: %w", err)
	}
	d.closers = append(d.closers, closers...)

	disp, err := dispatcher.New(
		repository.NewOutboxRepository(d.store),
		pub,
		event.DefaultRegistry(),
		clock.Real{},
		d.cfg.Outbox.Dispatcher.Options(),
		d.log,
	)
	if err != nil {
		return nil, err
	}
	return disp.WithNotifier(app.Notifier(d.cfg, d.rdb, d.log)), nil
}
