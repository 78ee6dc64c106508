package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/example/ride-dispatch/internal/observability"
)

// AMQPSink publishes trip events to a durable topic exchange with publisher
// confirms enabled.
type AMQPSink struct {
	exchange string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func DialAMQP(url, exchange string) (*AMQPSink, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(30 * time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq declare exchange %s: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq confirm mode: %w", err)
	}
	return &AMQPSink{exchange: exchange, conn: conn, ch: ch}, nil
}

func (a *AMQPSink) Publish(ctx context.Context, e TripEvent) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal trip event: %w", err)
	}
	if err := a.publish(ctx, e, body); err != nil {
		observability.EventSinkErrors.WithLabelValues("amqp").Inc()
		return err
	}
	return nil
}

func (a *AMQPSink) publish(ctx context.Context, e TripEvent, body []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil || a.conn.IsClosed() {
		return errors.New("rabbitmq: connection is not open")
	}
	// the confirm is matched to this publish by delivery tag
	dc, err := a.ch.PublishWithDeferredConfirmWithContext(ctx, a.exchange, e.RoutingKey(), false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    e.TripID + ":" + e.Action,
		Timestamp:    e.At,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq publish %s: %w", e.TripID, err)
	}
	select {
	case <-dc.Done():
		if !dc.Acked() {
			return fmt.Errorf("rabbitmq: publish of %s not acknowledged", e.TripID)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *AMQPSink) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn, a.ch = nil, nil
	return err
}
