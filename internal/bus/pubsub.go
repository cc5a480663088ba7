package bus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub/v2"
)

type publishResult interface {
	Get(ctx context.Context) (string, error)
}

type topicPublisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) publishResult
	ResumePublish(orderingKey string)
}

// PubSub publishes to a Google Cloud Pub/Sub topic with the aggregate id as
// ordering key.
type PubSub struct {
	pub topicPublisher
}

func NewPubSub(p *pubsub.Publisher) *PubSub {
	p.EnableMessageOrdering = true
	return &PubSub{pub: &gcpPublisher{Publisher: p}}
}

func (s *PubSub) Publish(ctx context.Context, msg Message) error {
	res := s.pub.Publish(ctx, &pubsub.Message{
		Data:        msg.Body,
		OrderingKey: msg.AggregateID,
		Attributes: map[string]string{
			"event_id":     msg.ID,
			"event_type":   msg.Type,
			"aggregate_id": msg.AggregateID,
			"sequence":     strconv.FormatInt(msg.Sequence, 10),
			"occurred_on":  msg.OccurredOn.UTC().Format(time.RFC3339Nano),
		},
	})
	if res == nil {
		return Permanent(errors.New("pubsub publisher returned no result"))
	}
	if _, err := res.Get(ctx); err != nil {
		// an ordering key stays paused after a failure until resumed
		s.pub.ResumePublish(msg.AggregateID)
		return fmt.Errorf("pubsub publish: %w", err)
	}
	return nil
}

type gcpPublisher struct {
	*pubsub.Publisher
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *pubsub.Message) publishResult {
	return p.Publisher.Publish(ctx, msg)
}
