package model

import "time"

// ReportedEvent is a delivered domain event as stored in the reporting store.
type ReportedEvent struct {
	EventID     string    `db:"event_id" json:"event_id"`
	EventType   string    `db:"event_type" json:"event_type"`
	AggregateID string    `db:"aggregate_id" json:"aggregate_id"`
	Sequence    int64     `db:"sequence" json:"sequence"`
	WorkspaceID int64     `db:"workspace_id" json:"workspace_id"`
	OccurredOn  time.Time `db:"occurred_on" json:"occurred_on"`
	Payload     string    `db:"payload" json:"payload"`
	IngestedAt  time.Time `db:"ingested_at" json:"ingested_at"`
}
