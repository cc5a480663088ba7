// Package outbox turns events staged on an aggregate into outbox records
// inside the aggregate's own transaction.
package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmehdipour/flowhub/internal/clock"
	"github.com/jmehdipour/flowhub/internal/event"
	"github.com/jmehdipour/flowhub/internal/logger"
	"github.com/jmehdipour/flowhub/internal/metrics"
	"github.com/jmehdipour/flowhub/internal/model"
	"github.com/jmehdipour/flowhub/internal/repository"
	"github.com/jmehdipour/flowhub/internal/util"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// ErrSerialize means an event could not be encoded; the caller must roll back.
var ErrSerialize = errors.New("serialize domain event")

type Publisher struct {
	repo  repository.OutboxRepository
	clock clock.Clock
	log   *zap.Logger
}

func NewPublisher(repo repository.OutboxRepository, clk clock.Clock, log *zap.Logger) *Publisher {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Publisher{repo: repo, clock: clk, log: logger.OrNop(log)}
}

// Flush drains src and writes one pending record per event through tx. It
// returns how many records were written. Nothing is written if any event
// fails to serialize.
func (p *Publisher) Flush(ctx context.Context, tx *sqlx.Tx, src event.Source) (int, error) {
	if tx == nil {
		return 0, repository.ErrNoTransaction
	}
	events := src.Drain()
	if len(events) == 0 {
		return 0, nil
	}

	aggregateID := src.AggregateID()
	payloads := make([][]byte, len(events))
	for i, e := range events {
		if e.AggregateID != aggregateID {
			return 0, fmt.Errorf("%w: event %s belongs to aggregate %q, not %q", ErrSerialize, e.ID, e.AggregateID, aggregateID)
		}
		b, err := event.Marshal(e)
		if err != nil {
			return 0, fmt.Errorf("%w: %s %s: %w", ErrSerialize, e.Type, e.ID, err)
		}
		payloads[i] = b
	}

	last, err := p.repo.ReserveSequences(ctx, tx, aggregateID, len(events))
	if err != nil {
		return 0, fmt.Errorf("reserve sequences: %w", err)
	}
	first := last - int64(len(events)) + 1

	now := p.clock.Now().UTC()
	for i, e := range events {
		rec := model.OutboxRecord{
			ID:          util.NewAt(now),
			AggregateID: aggregateID,
			EventType:   e.Type.String(),
			Payload:     payloads[i],
			Sequence:    first + int64(i),
			Status:      model.OutboxPending,
			CreatedAt:   now,
		}
		if err := p.repo.Insert(ctx, tx, rec); err != nil {
			return 0, fmt.Errorf("insert outbox record: %w", err)
		}
		metrics.EventsRecordedTotal.WithLabelValues(rec.EventType).Inc()
		p.log.Debug("outbox record staged",
			zap.String("outbox_id", rec.ID),
			zap.String("event_id", e.ID),
			zap.String("aggregate_id", aggregateID),
			zap.String("event_type", rec.EventType),
			zap.Int64("sequence", rec.Sequence),
		)
	}
	return len(events), nil
}
