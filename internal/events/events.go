package events

import (
	"context"
	"errors"
	"time"
)

// TripEvent is the record published for every committed lifecycle transition.
type TripEvent struct {
	TripID      string    `json:"trip_id"`
	Action      string    `json:"action"`
	Status      string    `json:"status"`
	Actor       string    `json:"actor"`
	RequesterID string    `json:"requester_id"`
	DriverID    string    `json:"driver_id,omitempty"`
	CancelledBy string    `json:"cancelled_by,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

// RoutingKey is "trip.<status>".
func (e TripEvent) RoutingKey() string { return "trip." + e.Status }

type Sink interface {
	Publish(ctx context.Context, e TripEvent) error
	Close() error
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, e TripEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
