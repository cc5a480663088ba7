package bus

import (
	"context"

	"github.com/jmehdipour/flowhub/internal/breaker"
)

// Breaker short-circuits a failing sink. Permanent errors are the sink
// answering, so they do not trip the circuit; an open circuit is transient.
type Breaker struct {
	next Publisher
	br   *breaker.MicroBreaker
}

func NewBreaker(next Publisher, br *breaker.MicroBreaker) *Breaker {
	return &Breaker{next: next, br: br}
}

func (b *Breaker) Publish(ctx context.Context, msg Message) error {
	return b.br.Do(func() error {
		return b.next.Publish(ctx, msg)
	}, func(err error) bool { return !IsPermanent(err) })
}
