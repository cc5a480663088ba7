// Package reaper deletes dispatched outbox records once they are older than
// the retention window.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/flowhub/internal/clock"
	"github.com/jmehdipour/flowhub/internal/logger"
	"github.com/jmehdipour/flowhub/internal/metrics"
	"go.uber.org/zap"
)

type Store interface {
	DeleteDispatchedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Options struct {
	Interval  time.Duration
	Retention time.Duration
}

func (o Options) Validate() error {
	var errs []error
	if o.Interval <= 0 {
		errs = append(errs, errors.New("interval must be positive"))
	}
	if o.Retention <= 0 {
		errs = append(errs, errors.New("retention must be positive"))
	}
	return errors.Join(errs...)
}

type Reaper struct {
	store Store
	clock clock.Clock
	opts  Options
	lock  Lock
	log   *zap.Logger
}

func New(store Store, clk clock.Clock, opts Options, log *zap.Logger) (*Reaper, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("reaper options: %w", err)
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Reaper{
		store: store,
		clock: clk,
		opts:  opts,
		log:   logger.OrNop(log).With(zap.String("component", "outbox-reaper")),
	}, nil
}

// WithLock makes each cycle run only on the replica holding the lock.
func (r *Reaper) WithLock(l Lock) *Reaper {
	r.lock = l
	return r
}

// Run reaps once immediately, then every Interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	r.log.Info("reaper started",
		zap.Duration("interval", r.opts.Interval),
		zap.Duration("retention", r.opts.Retention),
	)
	t := time.NewTicker(r.opts.Interval)
	defer t.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("reap cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			r.log.Info("reaper stopped")
			return nil
		case <-t.C:
		}
	}
}

// RunOnce deletes dispatched records processed before now - Retention and
// returns how many were removed.
func (r *Reaper) RunOnce(ctx context.Context) (int64, error) {
	if r.lock != nil {
		ok, err := r.lock.Acquire(ctx)
		if err != nil {
			return 0, fmt.Errorf("acquire reaper lock: %w", err)
		}
		if !ok {
			r.log.Debug("reaper lock held elsewhere; skipping cycle")
			return 0, nil
		}
		defer func() {
			if err := r.lock.Release(context.WithoutCancel(ctx)); err != nil {
				r.log.Warn("release reaper lock", zap.Error(err))
			}
		}()
	}

	cutoff := r.clock.Now().Add(-r.opts.Retention)
	n, err := r.store.DeleteDispatchedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete dispatched: %w", err)
	}
	metrics.OutboxReapedTotal.Add(float64(n))
	if n > 0 {
		r.log.Info("reaped dispatched outbox records", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}
