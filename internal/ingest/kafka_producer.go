package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

const publishTimeout = 2 * time.Second

// KafkaProducer publishes driver location reports keyed by driver id.
type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.LeastBytes{}}
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, r models.LocationReport) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal location: %w", err)
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(r.DriverID), Value: b}); err != nil {
		return fmt.Errorf("publish location %s: %w", r.DriverID, err)
	}
	return nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// Decode parses a consumed message value into a validated report.
func Decode(value []byte) (models.LocationReport, error) {
	var r models.LocationReport
	if err := json.Unmarshal(value, &r); err != nil {
		return r, fmt.Errorf("decode location: %w", err)
	}
	if r.DriverID == "" {
		return r, fmt.Errorf("decode location: missing driver id")
	}
	if r.Loc.Lat < -90 || r.Loc.Lat > 90 || r.Loc.Lon < -180 || r.Loc.Lon > 180 {
		return r, fmt.Errorf("decode location %s: coordinates out of range", r.DriverID)
	}
	return r, nil
}
