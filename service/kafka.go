package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// EventProducer writes event log lines to Kafka in batches.
type EventProducer struct {
	writer *kafka.Writer
}

// NewEventProducer creates a producer for the given topic.
func NewEventProducer(brokers []string, topic string) *EventProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Async:        true,
		RequiredAcks: kafka.RequireOne,
	}
	return &EventProducer{writer: w}
}

// Publish sends v keyed by the normalized asset key, so one asset's records
// stay on one partition in order.
func (p *EventProducer) Publish(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
	})
}

// Close flushes pending messages and closes the connection.
func (p *EventProducer) Close() error {
	return p.writer.Close()
}
