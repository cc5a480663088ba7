package worker

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var allCmd = &cobra.Command{
	Use:   "all",
	Short: "Run the outbox dispatcher and reaper in one process",
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
		r, err := d.newReaper()
		if err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return disp.Run(gctx) })
		g.Go(func() error { return r.Run(gctx) })
		return g.Wait()
	},
}
