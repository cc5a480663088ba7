// Package event defines domain events as a tagged variant: a type discriminator
// plus a payload struct, serialized into a single envelope schema.
package event

import (
	"time"

	"github.com/jmehdipour/flowhub/internal/util"
)

type Type string

const (
	TypeWorkflowCreated   Type = "workflow.created"
	TypeWorkflowActivated Type = "workflow.activated"
	TypeWorkflowPaused    Type = "workflow.paused"
	TypeWorkflowArchived  Type = "workflow.archived"
	TypeRunRequested      Type = "workflow.run_requested"
)

func (t Type) String() string { return string(t) }

// Event is immutable once raised.
type Event struct {
	ID          string
	Type        Type
	AggregateID string
	OccurredOn  time.Time
	Payload     any
}

// New stamps a fresh event id and normalizes the timestamp to UTC.
func New(t Type, aggregateID string, occurredOn time.Time, payload any) Event {
	occurredOn = occurredOn.UTC()
	return Event{
		ID:          util.NewAt(occurredOn),
		Type:        t,
		AggregateID: aggregateID,
		OccurredOn:  occurredOn,
		Payload:     payload,
	}
}

// Source is an aggregate that buffers events until they are flushed.
type Source interface {
	AggregateID() string
	Drain() []Event
}
