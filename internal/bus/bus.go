// Package bus delivers dispatched outbox records to downstream sinks.
//
// A Publisher returns nil on success, an error wrapped with Permanent when
// retrying cannot help, and any other error for transient failures.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/jmehdipour/flowhub/internal/breaker"
)

// Message is one outbox record ready for delivery. Body is the envelope JSON.
type Message struct {
	ID          string
	OutboxID    string
	Type        string
	AggregateID string
	Sequence    int64
	OccurredOn  time.Time
	Body        []byte
}

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, msg Message) error

func (f PublisherFunc) Publish(ctx context.Context, msg Message) error { return f(ctx, msg) }

// PermanentError marks a delivery failure that will not succeed on retry.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ShortCircuited reports whether every cause of err is an open circuit, that
// is, no sink was actually contacted and failed.
func ShortCircuited(err error) bool {
	if err == nil {
		return false
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		causes := joined.Unwrap()
		for _, cause := range causes {
			if !ShortCircuited(cause) {
				return false
			}
		}
		return len(causes) > 0
	}
	return errors.Is(err, breaker.ErrOpen)
}
