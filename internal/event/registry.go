package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrUnknownType      = errors.New("unknown event type")
	ErrMalformedPayload = errors.New("malformed event payload")
)

type payloadFactory func() any

// Registry maps each event type to its payload schema.
type Registry struct {
	mtx     sync.RWMutex
	entries map[Type]payloadFactory
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[Type]payloadFactory)}
}

// DefaultRegistry knows every event the workflow aggregate raises.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(TypeWorkflowCreated, func() any { return &WorkflowCreated{} })
	for _, t := range []Type{TypeWorkflowActivated, TypeWorkflowPaused, TypeWorkflowArchived} {
		r.Register(t, func() any { return &WorkflowStatusChanged{} })
	}
	r.Register(TypeRunRequested, func() any { return &RunRequested{} })
	return r
}

// Register stores the payload factory for t, replacing any previous one.
func (r *Registry) Register(t Type, factory func() any) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.entries[t] = factory
}

func (r *Registry) Known(t Type) bool {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	_, ok := r.entries[t]
	return ok
}

// Decode rebuilds an Event from its envelope. Failures wrap ErrUnknownType or
// ErrMalformedPayload; both are permanent and must never be retried.
func (r *Registry) Decode(eventType string, payload []byte) (Event, error) {
	r.mtx.RLock()
	factory, ok := r.entries[Type(eventType)]
	r.mtx.RUnlock()
	if !ok {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownType, eventType)
	}

	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Event{}, fmt.Errorf("%w: decode envelope: %v", ErrMalformedPayload, err)
	}
	if env.EventType != Type(eventType) {
		return Event{}, fmt.Errorf("%w: envelope type %q does not match %q", ErrMalformedPayload, env.EventType, eventType)
	}
	if env.EventID == "" || env.AggregateID == "" {
		return Event{}, fmt.Errorf("%w: envelope missing ids", ErrMalformedPayload)
	}

	trimmed := bytes.TrimSpace(env.Data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Event{}, fmt.Errorf("%w: data missing for %s", ErrMalformedPayload, eventType)
	}

	data := factory()
	if err := json.Unmarshal(trimmed, data); err != nil {
		return Event{}, fmt.Errorf("%w: decode %s data: %v", ErrMalformedPayload, eventType, err)
	}

	return Event{
		ID:          env.EventID,
		Type:        env.EventType,
		AggregateID: env.AggregateID,
		OccurredOn:  env.OccurredOn,
		Payload:     data,
	}, nil
}
