package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmehdipour/flowhub/internal/clock"
	"github.com/jmehdipour/flowhub/internal/model"
)

type eventInserter interface {
	InsertBatch(ctx context.Context, events []model.ReportedEvent) error
}

// ClickHouse projects delivered events into the reporting store. The table
// collapses duplicates on event id, so redelivery is harmless.
type ClickHouse struct {
	repo  eventInserter
	clock clock.Clock
}

func NewClickHouse(repo eventInserter, clk clock.Clock) *ClickHouse {
	if clk == nil {
		clk = clock.Real{}
	}
	return &ClickHouse{repo: repo, clock: clk}
}

func (c *ClickHouse) Publish(ctx context.Context, msg Message) error {
	var env struct {
		Data struct {
			WorkspaceID int64 `json:"workspace_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		return Permanent(fmt.Errorf("clickhouse: read workspace id: %w", err))
	}

	row := model.ReportedEvent{
		EventID:     msg.ID,
		EventType:   msg.Type,
		AggregateID: msg.AggregateID,
		Sequence:    msg.Sequence,
		WorkspaceID: env.Data.WorkspaceID,
		OccurredOn:  msg.OccurredOn,
		Payload:     string(msg.Body),
		IngestedAt:  c.clock.Now(),
	}
	if err := c.repo.InsertBatch(ctx, []model.ReportedEvent{row}); err != nil {
		return fmt.Errorf("clickhouse insert: %w", err)
	}
	return nil
}
