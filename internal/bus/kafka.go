package bus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Kafka writes each record keyed by aggregate id, so one aggregate always
// lands on one partition and keeps its order there.
type Kafka struct {
	w     messageWriter
	topic string
}

// NewKafka expects a writer without a fixed topic, or one already bound to topic.
func NewKafka(w messageWriter, topic string) *Kafka {
	return &Kafka{w: w, topic: topic}
}

func (k *Kafka) Publish(ctx context.Context, msg Message) error {
	km := kafka.Message{
		Topic: k.topic,
		Key:   []byte(msg.AggregateID),
		Value: msg.Body,
		Time:  msg.OccurredOn,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(msg.ID)},
			{Key: "event_type", Value: []byte(msg.Type)},
			{Key: "sequence", Value: []byte(strconv.FormatInt(msg.Sequence, 10))},
			{Key: "occurred_on", Value: []byte(msg.OccurredOn.UTC().Format(time.RFC3339Nano))},
		},
	}
	if err := k.w.WriteMessages(ctx, km); err != nil {
		err = fmt.Errorf("kafka topic=%s: %w", k.topic, err)
		if kafkaPermanent(err) {
			return Permanent(err)
		}
		return err
	}
	return nil
}

func kafkaPermanent(err error) bool {
	var werrs kafka.WriteErrors
	if errors.As(err, &werrs) {
		for _, e := range werrs {
			if e != nil && !kafkaPermanent(e) {
				return false
			}
		}
		return werrs.Count() > 0
	}
	var tooLarge kafka.MessageTooLargeError
	if errors.As(err, &tooLarge) {
		return true
	}
	return errors.Is(err, kafka.MessageSizeTooLarge) || errors.Is(err, kafka.InvalidMessage)
}
