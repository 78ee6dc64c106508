package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestMemoryStore_CompareAndSetIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.CreateTrip(ctx, &models.Trip{ID: "t1", RequesterID: "p1", Status: models.TripRequested})

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.CompareAndSetTripStatus(ctx, "t1", models.TripRequested, models.TripAccepted)
			if err != nil {
				t.Errorf("cas: %v", err)
			}
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	if st, _ := s.GetTripStatus(ctx, "t1"); st != models.TripAccepted {
		t.Fatalf("expected accepted, got %s", st)
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.GetTrip(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.CompareAndSetTripStatus(context.Background(), "missing", models.TripRequested, models.TripAccepted); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_HasActiveTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.CreateTrip(ctx, &models.Trip{ID: "t1", RequesterID: "p1", Status: models.TripCompleted})
	if active, _ := s.HasActiveTrip(ctx, "p1"); active {
		t.Fatalf("completed trip must not count as active")
	}
	_ = s.CreateTrip(ctx, &models.Trip{ID: "t2", RequesterID: "p1", Status: models.TripStarted})
	if active, _ := s.HasActiveTrip(ctx, "p1"); !active {
		t.Fatalf("started trip must count as active")
	}
}

func TestMemoryDirectory_ClaimAndClear(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory()
	d.Put(models.Driver{ID: "d1"})

	if ok, _ := d.ClaimCurrentTrip(ctx, "d1", "t1"); !ok {
		t.Fatalf("expected first claim to succeed")
	}
	if ok, _ := d.ClaimCurrentTrip(ctx, "d1", "t2"); ok {
		t.Fatalf("expected second claim to fail")
	}
	_ = d.ClearCurrentTrip(ctx, "d1", "t2")
	if drv, _ := d.GetDriver(ctx, "d1"); drv.CurrentTripID != "t1" {
		t.Fatalf("clear with stale trip id must not release, got %q", drv.CurrentTripID)
	}
	_ = d.ClearCurrentTrip(ctx, "d1", "t1")
	if drv, _ := d.GetDriver(ctx, "d1"); drv.CurrentTripID != "" {
		t.Fatalf("expected pointer cleared, got %q", drv.CurrentTripID)
	}
}

func TestMemoryDirectory_Counters(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory()
	d.Put(models.Driver{ID: "d1", TotalTrips: 4, CompletedTrips: 3})
	_ = d.IncrementTripCounters(ctx, "d1", true)
	_ = d.IncrementTripCounters(ctx, "d1", false)
	drv, _ := d.GetDriver(ctx, "d1")
	if drv.TotalTrips != 6 || drv.CompletedTrips != 4 {
		t.Fatalf("unexpected counters: %+v", drv)
	}
	got, _ := d.GetDrivers(ctx, []string{"d1", "ghost"})
	if len(got) != 1 {
		t.Fatalf("expected unknown ids omitted, got %v", got)
	}
}

func TestMemoryStore_AcceptTripSetsStatusAndDriverTogether(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.CreateTrip(ctx, &models.Trip{ID: "t1", RequesterID: "p1", Status: models.TripRequested})

	ok, err := s.AcceptTrip(ctx, "t1", "d1")
	if err != nil || !ok {
		t.Fatalf("accept: ok=%v err=%v", ok, err)
	}
	ok, err = s.AcceptTrip(ctx, "t1", "d2")
	if err != nil || ok {
		t.Fatalf("second accept must lose: ok=%v err=%v", ok, err)
	}
	trip, _ := s.GetTrip(ctx, "t1")
	if trip.Status != models.TripAccepted || trip.AssignedDriverID != "d1" {
		t.Fatalf("unexpected trip %+v", trip)
	}
	if _, err := s.AcceptTrip(ctx, "missing", "d1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
