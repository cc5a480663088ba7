package event

import (
	"encoding/json"
	"time"
)

// EnvelopeVersion is bumped only on incompatible envelope changes.
const EnvelopeVersion = 1

// Envelope is the stable payload stored in outbox_events and sent to the bus.
type Envelope struct {
	Version     int             `json:"version"`
	EventID     string          `json:"event_id"`
	EventType   Type            `json:"event_type"`
	AggregateID string          `json:"aggregate_id"`
	OccurredOn  time.Time       `json:"occurred_on"`
	Data        json.RawMessage `json:"data"`
}

// Marshal serializes e into envelope JSON.
func Marshal(e Event) ([]byte, error) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		Version:     EnvelopeVersion,
		EventID:     e.ID,
		EventType:   e.Type,
		AggregateID: e.AggregateID,
		OccurredOn:  e.OccurredOn.UTC(),
		Data:        data,
	})
}
