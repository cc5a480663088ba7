package worker

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/flowhub/internal/clock"
	"github.com/jmehdipour/flowhub/internal/db"
	"github.com/jmehdipour/flowhub/internal/reaper"
	"github.com/jmehdipour/flowhub/internal/repository"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var reaperCmd = &cobra.Command{
	Use:   "reaper",
	Short: "Delete dispatched outbox records past retention",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		d, err := openDeps(ctx, cmd)
		if err != nil {
			return err
		}
		defer d.Close()

		r, err := d.newReaper()
		if err != nil {
			return err
		}
		return r.Run(ctx)
	},
}

// newReaper takes the Redis lock when Redis is configured so only one replica
// deletes per cycle; without it every replica reaps, which is still safe.
func (d *deps) newReaper() (*reaper.Reaper, error) {
	r, err := reaper.New(repository.NewOutboxRepository(d.store), clock.Real{}, d.cfg.Outbox.Reaper.Options(), d.log)
	if err != nil {
		return nil, err
	}
	if d.rdb == nil {
		return r, nil
	}
	lock, err := reaper.NewRedisLock(db.NewRedisStore(d.rdb), d.cfg.Outbox.Reaper.LockKey, d.cfg.Outbox.Reaper.LockTTL)
	if err != nil {
		return nil, err
	}
	d.log.Info("reaper lock enabled", zap.String("key", d.cfg.Outbox.Reaper.LockKey))
	return r.WithLock(lock), nil
}
