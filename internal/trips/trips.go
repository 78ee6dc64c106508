package trips

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrInvalidAction    = errors.New("invalid action")
	ErrInvalidTrip      = errors.New("invalid trip request")
	ErrForbidden        = errors.New("identity not permitted for this transition")
	ErrDriverIneligible = errors.New("driver is not eligible to accept")
	ErrInvalidState     = errors.New("transition not allowed from current state")
	ErrConflict         = errors.New("trip status changed concurrently")
	ErrActiveTrip       = errors.New("requester already has an active trip")
)

// sinkTimeout bounds event publishing, which runs while the trip lock is held.
const sinkTimeout = 2 * time.Second

type Action string

const (
	ActionAccept   Action = "accept"
	ActionStart    Action = "start"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
)

func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(s)); a {
	case ActionAccept, ActionStart, ActionComplete, ActionCancel:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
}

// Parties recorded on a cancellation.
const (
	CancelledByPassenger = "passenger"
	CancelledByDriver    = "driver"
)

// Rooms is the room manager surface the lifecycle drives.
type Rooms interface {
	Join(roomID, identity string) bool
	Broadcast(roomID string, e dispatch.Event, exclude string) int
	Dissolve(roomID string)
}

type Config struct {
	Trips   storage.TripStore
	Drivers storage.DriverDirectory
	Rooms   Rooms
	Sink    events.Sink // optional
	Logger  *slog.Logger
}

// Service runs the trip state machine. Transitions on one trip are
// serialized by an in-process lock and committed with a compare-and-set on
// the stored status; different trips never contend.
type Service struct {
	trips    storage.TripStore
	drivers  storage.DriverDirectory
	rooms    Rooms
	sink     events.Sink
	log      *slog.Logger
	locks    *keyedMutex
	validate *validator.Validate
}

func NewService(cfg Config) *Service {
	return &Service{
		trips:    cfg.Trips,
		drivers:  cfg.Drivers,
		rooms:    cfg.Rooms,
		sink:     cfg.Sink,
		log:      cfg.Logger,
		locks:    newKeyedMutex(),
		validate: validator.New(),
	}
}

// Request creates a trip in the requested state.
func (s *Service) Request(ctx context.Context, requesterID string, pickup models.Coord, vehicleClass string) (models.Trip, error) {
	if requesterID == "" {
		return models.Trip{}, fmt.Errorf("%w: requester is required", ErrInvalidTrip)
	}
	if err := s.validate.Struct(pickup); err != nil {
		return models.Trip{}, fmt.Errorf("%w: %v", ErrInvalidTrip, err)
	}

	unlock := s.locks.Lock("requester:" + requesterID)
	defer unlock()

	active, err := s.trips.HasActiveTrip(ctx, requesterID)
	if err != nil {
		return models.Trip{}, fmt.Errorf("check active trips: %w", err)
	}
	if active {
		return models.Trip{}, ErrActiveTrip
	}

	now := time.Now().UTC()
	trip := models.Trip{
		ID:           uuid.NewString(),
		RequesterID:  requesterID,
		Pickup:       pickup,
		VehicleClass: vehicleClass,
		Status:       models.TripRequested,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.trips.CreateTrip(ctx, &trip); err != nil {
		return models.Trip{}, fmt.Errorf("create trip: %w", err)
	}
	s.log.Info("trip requested", "trip_id", trip.ID, "requester_id", requesterID, "vehicle_class", vehicleClass)
	s.publish(ctx, trip, "request", requesterID)
	return trip, nil
}

func (s *Service) Get(ctx context.Context, id string) (models.Trip, error) {
	return s.trips.GetTrip(ctx, id)
}

type TransitionRequest struct {
	TripID string
	Action Action
	Actor  string
	Reason string
	// SkipEcho leaves the actor out of the resulting room broadcast.
	SkipEcho bool
}

// Transition applies req and returns the trip as stored afterwards. A
// rejected transition has no side effects.
func (s *Service) Transition(ctx context.Context, req TransitionRequest) (models.Trip, error) {
	unlock := s.locks.Lock("trip:" + req.TripID)
	defer unlock()

	trip, err := s.transition(ctx, req)
	result := "ok"
	switch {
	case errors.Is(err, ErrConflict):
		result = "conflict"
	case err != nil:
		result = "rejected"
	}
	observability.TripTransitions.WithLabelValues(string(req.Action), result).Inc()
	if err != nil {
		s.log.Info("transition rejected", "trip_id", req.TripID, "action", req.Action, "actor", req.Actor, "error", err)
		return models.Trip{}, err
	}
	s.log.Info("trip transitioned", "trip_id", trip.ID, "action", req.Action, "status", trip.Status, "actor", req.Actor)
	return trip, nil
}

func (s *Service) transition(ctx context.Context, req TransitionRequest) (models.Trip, error) {
	if _, err := ParseAction(string(req.Action)); err != nil {
		return models.Trip{}, err
	}
	if req.Actor == "" {
		return models.Trip{}, fmt.Errorf("%w: no acting identity", ErrForbidden)
	}
	trip, err := s.trips.GetTrip(ctx, req.TripID)
	if err != nil {
		return models.Trip{}, fmt.Errorf("trip %s: %w", req.TripID, err)
	}
	if trip.Status.Terminal() {
		return models.Trip{}, fmt.Errorf("%w: trip is %s", ErrInvalidState, trip.Status)
	}

	switch req.Action {
	case ActionAccept:
		return s.accept(ctx, trip, req)
	case ActionStart:
		return s.start(ctx, trip, req)
	case ActionComplete:
		return s.complete(ctx, trip, req)
	default:
		return s.cancel(ctx, trip, req)
	}
}

func (s *Service) advance(ctx context.Context, trip models.Trip, next models.TripStatus) error {
	ok, err := s.trips.CompareAndSetTripStatus(ctx, trip.ID, trip.Status, next)
	if err != nil {
		return fmt.Errorf("update trip %s: %w", trip.ID, err)
	}
	if !ok {
		return ErrConflict
	}
	return nil
}

func (s *Service) accept(ctx context.Context, trip models.Trip, req TransitionRequest) (models.Trip, error) {
	if trip.Status != models.TripRequested {
		return models.Trip{}, fmt.Errorf("%w: trip is %s", ErrInvalidState, trip.Status)
	}
	if req.Actor == trip.RequesterID {
		return models.Trip{}, fmt.Errorf("%w: requester cannot accept own trip", ErrForbidden)
	}
	drv, err := s.drivers.GetDriver(ctx, req.Actor)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Trip{}, fmt.Errorf("%w: unknown driver %s", ErrDriverIneligible, req.Actor)
	}
	if err != nil {
		return models.Trip{}, fmt.Errorf("lookup driver %s: %w", req.Actor, err)
	}
	if !drv.Online || !drv.Available || !drv.Verified {
		return models.Trip{}, fmt.Errorf("%w: online=%t available=%t verified=%t", ErrDriverIneligible, drv.Online, drv.Available, drv.Verified)
	}

	claimed, err := s.drivers.ClaimCurrentTrip(ctx, req.Actor, trip.ID)
	if err != nil {
		return models.Trip{}, fmt.Errorf("claim driver %s: %w", req.Actor, err)
	}
	if !claimed {
		return models.Trip{}, fmt.Errorf("%w: driver already holds a trip", ErrDriverIneligible)
	}
	accepted, err := s.trips.AcceptTrip(ctx, trip.ID, req.Actor)
	if err == nil && !accepted {
		err = ErrConflict
	} else if err != nil {
		err = fmt.Errorf("accept trip %s: %w", trip.ID, err)
	}
	if err != nil {
		if cerr := s.drivers.ClearCurrentTrip(ctx, req.Actor, trip.ID); cerr != nil {
			s.log.Error("release driver claim failed", "driver_id", req.Actor, "trip_id", trip.ID, "error", cerr)
		}
		return models.Trip{}, err
	}

	if err := s.drivers.SetAvailability(ctx, req.Actor, false); err != nil {
		s.log.Error("set driver availability failed", "driver_id", req.Actor, "error", err)
	}
	trip.Status = models.TripAccepted
	trip.AssignedDriverID = req.Actor

	room := dispatch.TripRoom(trip.ID)
	s.rooms.Join(room, trip.RequesterID)
	s.rooms.Join(room, req.Actor)
	s.broadcast(trip, dispatch.EventRideAccepted, req, map[string]any{
		"trip_id":   trip.ID,
		"driver_id": req.Actor,
		"status":    trip.Status,
	})
	s.publish(ctx, trip, string(req.Action), req.Actor)
	return s.reload(ctx, trip), nil
}

func (s *Service) start(ctx context.Context, trip models.Trip, req TransitionRequest) (models.Trip, error) {
	if trip.Status != models.TripAccepted {
		return models.Trip{}, fmt.Errorf("%w: trip is %s", ErrInvalidState, trip.Status)
	}
	if req.Actor != trip.AssignedDriverID {
		return models.Trip{}, fmt.Errorf("%w: only the assigned driver can start", ErrForbidden)
	}
	if err := s.advance(ctx, trip, models.TripStarted); err != nil {
		return models.Trip{}, err
	}
	trip.Status = models.TripStarted
	s.broadcast(trip, dispatch.EventRideStarted, req, map[string]any{
		"trip_id":   trip.ID,
		"driver_id": trip.AssignedDriverID,
		"status":    trip.Status,
	})
	s.publish(ctx, trip, string(req.Action), req.Actor)
	return s.reload(ctx, trip), nil
}

func (s *Service) complete(ctx context.Context, trip models.Trip, req TransitionRequest) (models.Trip, error) {
	if trip.Status != models.TripStarted {
		return models.Trip{}, fmt.Errorf("%w: trip is %s", ErrInvalidState, trip.Status)
	}
	if req.Actor != trip.AssignedDriverID {
		return models.Trip{}, fmt.Errorf("%w: only the assigned driver can complete", ErrForbidden)
	}
	if err := s.advance(ctx, trip, models.TripCompleted); err != nil {
		return models.Trip{}, err
	}
	driverID := trip.AssignedDriverID
	s.releaseDriver(ctx, trip.ID, driverID, true, true)
	trip.Status = models.TripCompleted

	s.broadcast(trip, dispatch.EventRideCompleted, req, map[string]any{
		"trip_id":   trip.ID,
		"driver_id": driverID,
		"status":    trip.Status,
	})
	s.rooms.Dissolve(dispatch.TripRoom(trip.ID))
	s.publishAs(ctx, trip, driverID, string(req.Action), req.Actor)
	return s.reload(ctx, trip), nil
}

func (s *Service) cancel(ctx context.Context, trip models.Trip, req TransitionRequest) (models.Trip, error) {
	var by string
	switch {
	case req.Actor == trip.RequesterID:
		by = CancelledByPassenger
	case trip.AssignedDriverID != "" && req.Actor == trip.AssignedDriverID:
		by = CancelledByDriver
	default:
		return models.Trip{}, fmt.Errorf("%w: only the requester or assigned driver can cancel", ErrForbidden)
	}
	if err := s.advance(ctx, trip, models.TripCancelled); err != nil {
		return models.Trip{}, err
	}
	if err := s.trips.SetCancellation(ctx, trip.ID, by, req.Reason); err != nil {
		s.log.Error("record cancellation failed", "trip_id", trip.ID, "error", err)
	}
	driverID := trip.AssignedDriverID
	if driverID != "" {
		// a driver walking away from an assigned trip counts against reliability
		s.releaseDriver(ctx, trip.ID, driverID, by == CancelledByDriver, false)
	}
	trip.Status = models.TripCancelled
	trip.CancelledBy = by
	trip.CancelReason = req.Reason

	s.broadcast(trip, dispatch.EventRideCancelled, req, map[string]any{
		"trip_id":      trip.ID,
		"driver_id":    driverID,
		"status":       trip.Status,
		"cancelled_by": by,
		"reason":       req.Reason,
	})
	s.rooms.Dissolve(dispatch.TripRoom(trip.ID))
	s.publishAs(ctx, trip, driverID, string(req.Action), req.Actor)
	return s.reload(ctx, trip), nil
}

// releaseDriver frees the driver for new matches after a terminal transition.
func (s *Service) releaseDriver(ctx context.Context, tripID, driverID string, countTrip, completed bool) {
	if err := s.trips.SetAssignedDriver(ctx, tripID, ""); err != nil {
		s.log.Error("clear assigned driver failed", "trip_id", tripID, "error", err)
	}
	if err := s.drivers.ClearCurrentTrip(ctx, driverID, tripID); err != nil {
		s.log.Error("clear driver trip failed", "driver_id", driverID, "trip_id", tripID, "error", err)
	}
	if err := s.drivers.SetAvailability(ctx, driverID, true); err != nil {
		s.log.Error("set driver availability failed", "driver_id", driverID, "error", err)
	}
	if countTrip {
		if err := s.drivers.IncrementTripCounters(ctx, driverID, completed); err != nil {
			s.log.Error("increment trip counters failed", "driver_id", driverID, "error", err)
		}
	}
}

func (s *Service) broadcast(trip models.Trip, eventType string, req TransitionRequest, data map[string]any) {
	exclude := ""
	if req.SkipEcho {
		exclude = req.Actor
	}
	e := dispatch.NewEvent(eventType, data).WithMeta("trip_id", trip.ID)
	s.rooms.Broadcast(dispatch.TripRoom(trip.ID), e, exclude)
}

func (s *Service) publish(ctx context.Context, trip models.Trip, action, actor string) {
	s.publishAs(ctx, trip, trip.AssignedDriverID, action, actor)
}

func (s *Service) publishAs(ctx context.Context, trip models.Trip, driverID, action, actor string) {
	if s.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, sinkTimeout)
	defer cancel()
	err := s.sink.Publish(ctx, events.TripEvent{
		TripID:      trip.ID,
		Action:      action,
		Status:      string(trip.Status),
		Actor:       actor,
		RequesterID: trip.RequesterID,
		DriverID:    driverID,
		CancelledBy: trip.CancelledBy,
		Reason:      trip.CancelReason,
		At:          time.Now().UTC(),
	})
	if err != nil {
		s.log.Warn("trip event publish failed", "trip_id", trip.ID, "action", action, "error", err)
	}
}

func (s *Service) reload(ctx context.Context, fallback models.Trip) models.Trip {
	t, err := s.trips.GetTrip(ctx, fallback.ID)
	if err != nil {
		return fallback
	}
	return t
}
