// Package dispatcher delivers outbox records to the bus: at least once, in
// per-aggregate sequence order, with backoff and dead-lettering.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/flowhub/internal/bus"
	"github.com/jmehdipour/flowhub/internal/clock"
	"github.com/jmehdipour/flowhub/internal/event"
	"github.com/jmehdipour/flowhub/internal/logger"
	"github.com/jmehdipour/flowhub/internal/metrics"
	"github.com/jmehdipour/flowhub/internal/model"
	"github.com/jmehdipour/flowhub/internal/outbox"
	"go.uber.org/zap"
)

// Store is the part of the outbox repository the dispatcher drives.
type Store interface {
	ClaimBatch(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]model.OutboxRecord, error)
	MarkDispatched(ctx context.Context, id string, now time.Time) error
	MarkFailed(ctx context.Context, id, reason string, nextAttemptAt time.Time) error
	MarkDeadLetter(ctx context.Context, id, reason string) error
	MarkDeferred(ctx context.Context, id, reason string, nextAttemptAt time.Time) error
	ReleaseLease(ctx context.Context, id string, now time.Time) error
}

type Dispatcher struct {
	store    Store
	bus      bus.Publisher
	registry *event.Registry
	clock    clock.Clock
	opts     Options
	log      *zap.Logger
	notifier outbox.Notifier
	jitter   func(time.Duration) time.Duration
}

func New(store Store, pub bus.Publisher, registry *event.Registry, clk clock.Clock, opts Options, log *zap.Logger) (*Dispatcher, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("dispatcher options: %w", err)
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if registry == nil {
		registry = event.DefaultRegistry()
	}
	return &Dispatcher{
		store:    store,
		bus:      pub,
		registry: registry,
		clock:    clk,
		opts:     opts,
		log:      logger.OrNop(log).With(zap.String("component", "outbox-dispatcher")),
		jitter:   uniformJitter,
	}, nil
}

// WithNotifier lets Run wake up early when new records are committed.
func (d *Dispatcher) WithNotifier(n outbox.Notifier) *Dispatcher {
	d.notifier = n
	return d
}

// Run loops until ctx is cancelled. A busy cycle is followed immediately by
// the next one; an idle cycle waits PollInterval or a notification. After
// cancellation the batch in hand is finished on a context that lives
// ShutdownGrace longer, and whatever was not attempted is released.
func (d *Dispatcher) Run(ctx context.Context) error {
	work, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	stopGrace := context.AfterFunc(ctx, func() {
		time.AfterFunc(d.opts.ShutdownGrace, cancelWork)
	})
	defer stopGrace()

	var wake <-chan struct{}
	if d.notifier != nil {
		wake = d.notifier.Listen(ctx)
	}

	d.log.Info("dispatcher started",
		zap.Int("batch_size", d.opts.BatchSize),
		zap.Duration("poll_interval", d.opts.PollInterval),
		zap.Duration("lease", d.opts.LeaseDuration),
	)
	for {
		if ctx.Err() != nil {
			d.log.Info("dispatcher stopped")
			return nil
		}

		n, err := d.cycle(ctx, work)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				continue
			}
			d.log.Error("dispatch cycle failed", zap.Error(err))
			d.wait(ctx, d.opts.PollInterval+d.jitter(d.opts.PollInterval), nil)
		case n > 0:
		default:
			d.wait(ctx, d.opts.PollInterval, wake)
		}
	}
}

func (d *Dispatcher) wait(ctx context.Context, delay time.Duration, wake <-chan struct{}) {
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	case <-wake:
	}
}

// RunOnce claims and handles one batch and returns how many records it claimed.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	return d.cycle(ctx, ctx)
}

// cycle claims with stop and handles with work; once stop is done no further
// record of the batch is attempted.
func (d *Dispatcher) cycle(stop, work context.Context) (int, error) {
	recs, err := d.store.ClaimBatch(stop, d.opts.BatchSize, d.clock.Now(), d.opts.LeaseDuration)
	if err != nil {
		return 0, fmt.Errorf("claim batch: %w", err)
	}
	if len(recs) == 0 {
		return 0, nil
	}
	metrics.OutboxClaimedTotal.Add(float64(len(recs)))
	d.log.Debug("claimed outbox batch", zap.Int("count", len(recs)))

	blocked := make(map[string]bool)
	for i, rec := range recs {
		if stop.Err() != nil {
			d.release(work, recs[i:])
			break
		}
		if blocked[rec.AggregateID] {
			d.release(work, recs[i:i+1])
			continue
		}
		if d.handle(work, rec) {
			blocked[rec.AggregateID] = true
		}
	}
	return len(recs), nil
}

func (d *Dispatcher) release(ctx context.Context, recs []model.OutboxRecord) {
	now := d.clock.Now()
	for _, rec := range recs {
		if err := d.store.ReleaseLease(ctx, rec.ID, now); err != nil {
			d.log.Warn("release lease failed; record waits for lease expiry",
				zap.String("outbox_id", rec.ID), zap.Error(err))
		}
	}
}

// handle attempts one record and reports whether later records of the same
// aggregate must wait.
func (d *Dispatcher) handle(ctx context.Context, rec model.OutboxRecord) bool {
	log := d.log.With(
		zap.String("outbox_id", rec.ID),
		zap.String("aggregate_id", rec.AggregateID),
		zap.String("event_type", rec.EventType),
		zap.Int64("sequence", rec.Sequence),
		zap.Int("retry_count", rec.RetryCount),
	)

	ev, err := d.registry.Decode(rec.EventType, rec.Payload)
	if err != nil {
		return d.deadLetter(ctx, log, rec, "decode", err.Error())
	}

	pctx, cancel := context.WithTimeout(ctx, d.opts.PublishTimeout)
	start := time.Now()
	err = d.bus.Publish(pctx, bus.Message{
		ID:          ev.ID,
		OutboxID:    rec.ID,
		Type:        rec.EventType,
		AggregateID: rec.AggregateID,
		Sequence:    rec.Sequence,
		OccurredOn:  ev.OccurredOn,
		Body:        rec.Payload,
	})
	cancel()
	metrics.OutboxPublishDuration.WithLabelValues(rec.EventType).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		if err := d.store.MarkDispatched(ctx, rec.ID, d.clock.Now()); err != nil {
			log.Error("mark dispatched failed", zap.Error(err))
			return true
		}
		metrics.OutboxDispatchedTotal.WithLabelValues(rec.EventType).Inc()
		log.Debug("outbox record dispatched")
		return false

	case bus.IsPermanent(err):
		return d.deadLetter(ctx, log, rec, "permanent", err.Error())

	case bus.ShortCircuited(err):
		// open circuits do not spend the retry budget
		next := d.clock.Now().Add(retryDelay(0, d.opts.BaseDelay, d.opts.MaxDelay, d.opts.Jitter, d.jitter))
		if err := d.store.MarkDeferred(ctx, rec.ID, err.Error(), next); err != nil {
			log.Error("mark deferred failed", zap.Error(err))
			return true
		}
		log.Info("sink circuit open; record deferred", zap.Time("next_attempt_at", next))
		return true
	}

	attempts := rec.RetryCount + 1
	if attempts >= d.opts.MaxRetries {
		return d.deadLetter(ctx, log, rec, "exhausted",
			fmt.Sprintf("retries exhausted after %d attempts: %v", attempts, err))
	}

	next := d.clock.Now().Add(retryDelay(attempts, d.opts.BaseDelay, d.opts.MaxDelay, d.opts.Jitter, d.jitter))
	if err := d.store.MarkFailed(ctx, rec.ID, err.Error(), next); err != nil {
		log.Error("mark failed failed", zap.Error(err))
		return true
	}
	metrics.OutboxFailedTotal.WithLabelValues(rec.EventType).Inc()
	log.Warn("outbox publish failed; retry scheduled",
		zap.Error(err), zap.Int("attempt", attempts), zap.Time("next_attempt_at", next))
	return true
}

func (d *Dispatcher) deadLetter(ctx context.Context, log *zap.Logger, rec model.OutboxRecord, reason, detail string) bool {
	if err := d.store.MarkDeadLetter(ctx, rec.ID, detail); err != nil {
		log.Error("mark dead letter failed", zap.Error(err))
		return true
	}
	metrics.OutboxDeadLetteredTotal.WithLabelValues(rec.EventType, reason).Inc()
	log.Error("outbox record dead-lettered", zap.String("reason", reason), zap.String("detail", detail))
	return false
}
