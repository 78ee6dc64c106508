package storage

import (
	"context"
	"errors"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNotFound = errors.New("not found")

// TripStore is the persistence surface the lifecycle needs. Status changes go
// through CompareAndSetTripStatus so concurrent writers cannot both win.
type TripStore interface {
	CreateTrip(ctx context.Context, t *models.Trip) error
	GetTrip(ctx context.Context, id string) (models.Trip, error)
	GetTripStatus(ctx context.Context, id string) (models.TripStatus, error)
	CompareAndSetTripStatus(ctx context.Context, id string, expected, next models.TripStatus) (bool, error)
	// AcceptTrip moves a requested trip to accepted and records driverID in
	// the same guarded write. It reports false when the trip is no longer
	// requested.
	AcceptTrip(ctx context.Context, id, driverID string) (bool, error)
	// SetAssignedDriver sets the driver; an empty driverID clears it.
	SetAssignedDriver(ctx context.Context, id, driverID string) error
	SetCancellation(ctx context.Context, id, cancelledBy, reason string) error
	HasActiveTrip(ctx context.Context, requesterID string) (bool, error)
}

// DriverDirectory is the driver lookup consumed by matching and the lifecycle.
type DriverDirectory interface {
	GetDriver(ctx context.Context, id string) (models.Driver, error)
	// GetDrivers returns the known drivers among ids; unknown ids are omitted.
	GetDrivers(ctx context.Context, ids []string) (map[string]models.Driver, error)
	SetAvailability(ctx context.Context, id string, available bool) error
	SetOnline(ctx context.Context, id string, online bool) error
	// IncrementTripCounters bumps total trips, and completed trips when completed is set.
	IncrementTripCounters(ctx context.Context, id string, completed bool) error
	// ClaimCurrentTrip points the driver at tripID only if no trip is held.
	ClaimCurrentTrip(ctx context.Context, driverID, tripID string) (bool, error)
	// ClearCurrentTrip releases the pointer only if it still names tripID.
	ClearCurrentTrip(ctx context.Context, driverID, tripID string) error
}
