package kafka

import (
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type ProducerConfig struct {
	Brokers      []string
	BatchTimeout time.Duration // default 10ms
	WriteTimeout time.Duration // default 10s
	RequiredAcks int           // -1 all, 1 leader; default all
}

// NewWriter returns a topic-less writer; callers set Topic per message. Keys
// go through a hash balancer so equal keys always share a partition.
func NewWriter(c ProducerConfig, log *zap.Logger) *kafka.Writer {
	bt := c.BatchTimeout
	if bt <= 0 {
		bt = 10 * time.Millisecond
	}
	wt := c.WriteTimeout
	if wt <= 0 {
		wt = 10 * time.Second
	}
	acks := kafka.RequireAll
	if c.RequiredAcks == int(kafka.RequireOne) {
		acks = kafka.RequireOne
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(c.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: bt,
		WriteTimeout: wt,
		RequiredAcks: acks,
	}
	if log != nil {
		w.Logger = zap.NewStdLog(log.With(zap.String("kafka_component", "producer")))
		w.ErrorLogger = zap.NewStdLog(log.With(zap.String("kafka_component", "producer")))
	}
	return w
}
