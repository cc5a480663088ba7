package model

import "time"

type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxDispatched OutboxStatus = "dispatched"
	OutboxFailed     OutboxStatus = "failed"
	OutboxDeadLetter OutboxStatus = "dead_letter"
)

func (s OutboxStatus) String() string { return string(s) }

// Terminal reports whether no further delivery attempt will happen.
func (s OutboxStatus) Terminal() bool {
	return s == OutboxDispatched || s == OutboxDeadLetter
}

func (s OutboxStatus) Valid() bool {
	switch s {
	case OutboxPending, OutboxProcessing, OutboxDispatched, OutboxFailed, OutboxDeadLetter:
		return true
	}
	return false
}

// OutboxRecord is the durable projection of a domain event plus its delivery state.
type OutboxRecord struct {
	ID             string       `db:"id" json:"id"`
	AggregateID    string       `db:"aggregate_id" json:"aggregate_id"`
	EventType      string       `db:"event_type" json:"event_type"`
	Payload        []byte       `db:"payload" json:"-"`
	Sequence       int64        `db:"sequence" json:"sequence"`
	Status         OutboxStatus `db:"status" json:"status"`
	RetryCount     int          `db:"retry_count" json:"retry_count"`
	NextAttemptAt  *time.Time   `db:"next_attempt_at" json:"next_attempt_at,omitempty"`
	LeaseExpiresAt *time.Time   `db:"lease_expires_at" json:"lease_expires_at,omitempty"`
	LastError      *string      `db:"last_error" json:"last_error,omitempty"`
	CreatedAt      time.Time    `db:"created_at" json:"created_at"`
	ProcessedAt    *time.Time   `db:"processed_at" json:"processed_at,omitempty"`
}
