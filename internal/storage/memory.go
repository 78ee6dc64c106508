package storage

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type MemoryStore struct {
	mu    sync.RWMutex
	trips map[string]*models.Trip
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trips: make(map[string]*models.Trip)}
}

func (m *MemoryStore) CreateTrip(_ context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.trips[t.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTrip(_ context.Context, id string) (models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return models.Trip{}, ErrNotFound
	}
	return *t, nil
}

func (m *MemoryStore) GetTripStatus(ctx context.Context, id string) (models.TripStatus, error) {
	t, err := m.GetTrip(ctx, id)
	if err != nil {
		return "", err
	}
	return t.Status, nil
}

func (m *MemoryStore) CompareAndSetTripStatus(_ context.Context, id string, expected, next models.TripStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return false, ErrNotFound
	}
	if t.Status != expected {
		return false, nil
	}
	t.Status = next
	t.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) AcceptTrip(_ context.Context, id, driverID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return false, ErrNotFound
	}
	if t.Status != models.TripRequested {
		return false, nil
	}
	t.Status = models.TripAccepted
	t.AssignedDriverID = driverID
	t.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) SetAssignedDriver(_ context.Context, id, driverID string) error {
	return m.update(id, func(t *models.Trip) { t.AssignedDriverID = driverID })
}

func (m *MemoryStore) SetCancellation(_ context.Context, id, cancelledBy, reason string) error {
	return m.update(id, func(t *models.Trip) {
		t.CancelledBy = cancelledBy
		t.CancelReason = reason
	})
}

func (m *MemoryStore) HasActiveTrip(_ context.Context, requesterID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.trips {
		if t.RequesterID == requesterID && !t.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) update(id string, fn func(*models.Trip)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return ErrNotFound
	}
	fn(t)
	t.UpdatedAt = time.Now()
	return nil
}

// MemoryDirectory is an in-process DriverDirectory, seeded with Put.
type MemoryDirectory struct {
	mu      sync.RWMutex
	drivers map[string]*models.Driver
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{drivers: make(map[string]*models.Driver)}
}

// Put registers or replaces a driver profile.
func (d *MemoryDirectory) Put(drv models.Driver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := drv
	d.drivers[drv.ID] = &cp
}

func (d *MemoryDirectory) GetDriver(_ context.Context, id string) (models.Driver, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	drv, ok := d.drivers[id]
	if !ok {
		return models.Driver{}, ErrNotFound
	}
	return *drv, nil
}

func (d *MemoryDirectory) GetDrivers(_ context.Context, ids []string) (map[string]models.Driver, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]models.Driver, len(ids))
	for _, id := range ids {
		if drv, ok := d.drivers[id]; ok {
			out[id] = *drv
		}
	}
	return out, nil
}

func (d *MemoryDirectory) SetAvailability(_ context.Context, id string, available bool) error {
	return d.update(id, func(drv *models.Driver) { drv.Available = available })
}

func (d *MemoryDirectory) SetOnline(_ context.Context, id string, online bool) error {
	return d.update(id, func(drv *models.Driver) { drv.Online = online })
}

func (d *MemoryDirectory) IncrementTripCounters(_ context.Context, id string, completed bool) error {
	return d.update(id, func(drv *models.Driver) {
		drv.TotalTrips++
		if completed {
			drv.CompletedTrips++
		}
	})
}

func (d *MemoryDirectory) ClaimCurrentTrip(_ context.Context, driverID, tripID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	drv, ok := d.drivers[driverID]
	if !ok {
		return false, ErrNotFound
	}
	if drv.CurrentTripID != "" {
		return false, nil
	}
	drv.CurrentTripID = tripID
	return true, nil
}

func (d *MemoryDirectory) ClearCurrentTrip(_ context.Context, driverID, tripID string) error {
	return d.update(driverID, func(drv *models.Driver) {
		if drv.CurrentTripID == tripID {
			drv.CurrentTripID = ""
		}
	})
}

func (d *MemoryDirectory) update(id string, fn func(*models.Driver)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	drv, ok := d.drivers[id]
	if !ok {
		return ErrNotFound
	}
	fn(drv)
	return nil
}
