package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/observability"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes trip events keyed by trip id so a trip's events stay ordered
// within a partition.
type KafkaSink struct {
	writer messageWriter
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}}
}

func (k *KafkaSink) Publish(ctx context.Context, e TripEvent) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal trip event: %w", err)
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(e.TripID), Value: b}); err != nil {
		observability.EventSinkErrors.WithLabelValues("kafka").Inc()
		return fmt.Errorf("kafka publish %s: %w", e.TripID, err)
	}
	return nil
}

func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
