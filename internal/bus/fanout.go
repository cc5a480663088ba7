package bus

import (
	"context"
	"errors"
	"fmt"
)

// Fanout delivers to every sink in order. Any transient failure makes the
// whole publish transient, so the record is retried against all sinks;
// consumers are expected to be idempotent.
type Fanout struct {
	names []string
	sinks []Publisher
}

func NewFanout() *Fanout { return &Fanout{} }

func (f *Fanout) Add(name string, p Publisher) *Fanout {
	f.names = append(f.names, name)
	f.sinks = append(f.sinks, p)
	return f
}

func (f *Fanout) Len() int { return len(f.sinks) }

func (f *Fanout) Publish(ctx context.Context, msg Message) error {
	var (
		transient []error
		permanent []error
	)
	for i, s := range f.sinks {
		err := s.Publish(ctx, msg)
		if err == nil {
			continue
		}
		err = fmt.Errorf("sink %s: %w", f.names[i], err)
		if IsPermanent(err) {
			permanent = append(permanent, err)
		} else {
			transient = append(transient, err)
		}
	}
	if len(transient) > 0 {
		// flatten permanent causes so the joined error stays transient
		for _, err := range permanent {
			transient = append(transient, errors.New(err.Error()))
		}
		return errors.Join(transient...)
	}
	if len(permanent) > 0 {
		return Permanent(errors.Join(permanent...))
	}
	return nil
}
