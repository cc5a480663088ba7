package repository

import (
	"context"
	"fmt"

	"github.com/jmehdipour/flowhub/internal/model"
	"github.com/jmoiron/sqlx"
)

// CHEventsRepository reads and writes the workflow_events reporting table.
type CHEventsRepository interface {
	InsertBatch(ctx context.Context, events []model.ReportedEvent) error
	ListByWorkspace(ctx context.Context, workspaceID int64, eventType, aggregateID string, limit, offset int) ([]model.ReportedEvent, error)
}

type chEventsRepository struct {
	ch *sqlx.DB
}

func NewCHEventsRepository(ch *sqlx.DB) CHEventsRepository {
	return &chEventsRepository{ch: ch}
}

func (r *chEventsRepository) InsertBatch(ctx context.Context, events []model.ReportedEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := r.ch.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO workflow_events
		    (event_id, event_type, aggregate_id, sequence, workspace_id, occurred_on, payload, ingested_at)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx,
			e.EventID, e.EventType, e.AggregateID, e.Sequence, e.WorkspaceID,
			e.OccurredOn.UTC(), e.Payload, e.IngestedAt.UTC(),
		); err != nil {
			return fmt.Errorf("append %s: %w", e.EventID, err)
		}
	}
	return tx.Commit()
}

// ListByWorkspace reads the deduplicated view; redeliveries collapse on event_id.
func (r *chEventsRepository) ListByWorkspace(ctx context.Context, workspaceID int64, eventType, aggregateID string, limit, offset int) ([]model.ReportedEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := `
		SELECT event_id, event_type, aggregate_id, sequence, workspace_id, occurred_on, payload, ingested_at
		FROM workflow_events FINAL
		WHERE workspace_id = ?
	`
	args := []any{workspaceID}

	if eventType != "" {
		q += " AND event_type = ?"
		args = append(args, eventType)
	}
	if aggregateID != "" {
		q += " AND aggregate_id = ?"
		args = append(args, aggregateID)
	}

	q += " ORDER BY occurred_on DESC, sequence DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows := []model.ReportedEvent{}
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
