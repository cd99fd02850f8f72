package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// OutcomeProducer publishes match outcomes keyed by ride ID, so every
// decision for a ride lands on the same partition in order.
type OutcomeProducer struct {
	writer  messageWriter
	timeout time.Duration
}

func NewOutcomeProducer(brokers []string, topic string) *OutcomeProducer {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}, AllowAutoTopicCreation: true}
	return &OutcomeProducer{writer: w, timeout: 2 * time.Second}
}

func (k *OutcomeProducer) Publish(ctx context.Context, o models.MatchOutcome) error {
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(o.RideID), Value: b})
}

func (k *OutcomeProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
