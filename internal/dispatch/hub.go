package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	maxMessageBytes = 8 << 10
	handlerTimeout  = 5 * time.Second
)

// LocationPublisher forwards accepted driver positions downstream.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, r models.LocationReport) error
}

type HubConfig struct {
	Registry    *Registry
	Rooms       *Rooms
	Geo         geo.Index
	Drivers     storage.DriverDirectory
	Trips       storage.TripStore
	Locations   LocationPublisher
	LocationTTL time.Duration
	Logger      *slog.Logger
}

// Hub is the realtime entry point: it owns connection setup and teardown and
// routes client messages to their handlers.
type Hub struct {
	Registry *Registry
	Rooms    *Rooms

	geo         geo.Index
	drivers     storage.DriverDirectory
	trips       storage.TripStore
	locations   LocationPublisher
	locationTTL time.Duration
	validate    *validator.Validate
	log         *slog.Logger
}

func NewHub(cfg HubConfig) *Hub {
	ttl := cfg.LocationTTL
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	h := &Hub{
		Registry:    cfg.Registry,
		Rooms:       cfg.Rooms,
		geo:         cfg.Geo,
		drivers:     cfg.Drivers,
		trips:       cfg.Trips,
		locations:   cfg.Locations,
		locationTTL: ttl,
		validate:    validator.New(),
		log:         cfg.Logger,
	}
	h.Registry.OnEvict(h.markOffline)
	return h
}

type handlerFunc func(h *Hub, ctx context.Context, identity string, data json.RawMessage) error

var handlers = [numKinds]handlerFunc{
	KindPing:              (*Hub).handlePing,
	KindJoinRide:          (*Hub).handleJoinRide,
	KindLeaveRide:         (*Hub).handleLeaveRide,
	KindJoinChat:          (*Hub).handleJoinChat,
	KindLeaveChat:         (*Hub).handleLeaveChat,
	KindTyping:            (*Hub).handleTyping,
	KindDriverLocation:    (*Hub).handleDriverLocation,
	KindPassengerLocation: (*Hub).handlePassengerLocation,
	KindSubscribeArea:     (*Hub).handleSubscribeArea,
	KindDriverOnline:      (*Hub).handleDriverOnline,
	KindDriverOffline:     (*Hub).handleDriverOffline,
}

// OnConnect registers conn for identity and greets it.
func (h *Hub) OnConnect(identity string, conn Transport) *Session {
	s := h.Registry.Connect(identity, conn)
	h.Registry.SendTo(identity, NewEvent(EventConnected, map[string]string{
		"identity":   identity,
		"session_id": s.ID,
	}))
	return s
}

func (h *Hub) OnDisconnect(identity string) {
	h.Registry.Disconnect(identity)
}

// HandleClientMessage decodes raw and runs its handler. Any failure is echoed
// to the sender as an error event and returned.
func (h *Hub) HandleClientMessage(ctx context.Context, identity string, raw []byte) error {
	kind, data, err := parseMessage(raw)
	if err == nil {
		err = handlers[kind](h, ctx, identity, data)
	}
	if err != nil {
		h.log.Debug("client message rejected", "identity", identity, "error", err)
		h.Registry.SendTo(identity, errorEvent(errorCode(err), err.Error()))
	}
	return err
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidMessage):
		return "invalid_message"
	case errors.Is(err, ErrUnknownMessage):
		return "unknown_type"
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrNotDriver):
		return "forbidden"
	case errors.Is(err, storage.ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}

// ConnectionStats reports the realtime layer's current size.
func (h *Hub) ConnectionStats() models.ConnectionStats {
	conns, drivers := h.Registry.Counts()
	return models.ConnectionStats{
		TotalConnections:       conns,
		OnlineDrivers:          drivers,
		ActiveTrips:            h.Rooms.Count(FlavorTrip),
		TrackedPresenceEntries: h.Rooms.Memberships(),
	}
}

// ServeWebsocket runs the read loop for an upgraded connection until the peer
// goes away or the session is superseded.
func (h *Hub) ServeWebsocket(ctx context.Context, identity string, ws *websocket.Conn) {
	s := h.OnConnect(identity, ws)
	defer h.Registry.Release(s)

	ws.SetReadLimit(maxMessageBytes)
	pongWait := 2 * h.Registry.opts.PingInterval
	extend := func() {
		if pongWait > 0 {
			_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		}
	}
	extend()
	ws.SetPongHandler(func(string) error { extend(); return nil })

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Info("ws read ended", "identity", identity, "session", s.ID, "error", err)
			}
			return
		}
		extend()
		mctx, cancel := context.WithTimeout(ctx, handlerTimeout)
		_ = h.HandleClientMessage(mctx, identity, raw)
		cancel()
	}
}

func (h *Hub) decode(data json.RawMessage, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return h.check(v)
}

func (h *Hub) check(v any) error {
	if err := h.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

func (h *Hub) requireDriver(ctx context.Context, identity string) (models.Driver, error) {
	d, err := h.drivers.GetDriver(ctx, identity)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Driver{}, ErrNotDriver
	}
	return d, err
}

func (h *Hub) markOffline(identity string) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	d, err := h.drivers.GetDriver(ctx, identity)
	if err != nil || !d.Online {
		return
	}
	if err := h.drivers.SetOnline(ctx, identity, false); err != nil {
		h.log.Warn("mark driver offline failed", "driver_id", identity, "error", err)
	}
}

func (h *Hub) handlePing(_ context.Context, identity string, data json.RawMessage) error {
	var p pingPayload
	_ = json.Unmarshal(data, &p)
	h.Registry.SendTo(identity, NewEvent(EventPong, map[string]int64{"timestamp": p.Timestamp}))
	return nil
}

func (h *Hub) tripRef(data json.RawMessage) (string, error) {
	var p tripRefPayload
	if err := h.decode(data, &p); err != nil {
		return "", err
	}
	if p.id() == "" {
		return "", fmt.Errorf("%w: trip_id is required", ErrInvalidMessage)
	}
	return p.id(), nil
}

func (h *Hub) handleJoinRide(ctx context.Context, identity string, data json.RawMessage) error {
	tripID, err := h.tripRef(data)
	if err != nil {
		return err
	}
	trip, err := h.trips.GetTrip(ctx, tripID)
	if err != nil {
		return fmt.Errorf("trip %s: %w", tripID, err)
	}
	if !trip.Participant(identity) {
		return fmt.Errorf("%w: not a participant of trip %s", ErrForbidden, tripID)
	}
	if trip.Status.Terminal() {
		return fmt.Errorf("%w: trip %s is %s", ErrForbidden, tripID, trip.Status)
	}
	h.Rooms.Join(TripRoom(tripID), identity)
	h.Registry.SendTo(identity, NewEvent(EventJoinedRide, map[string]any{"trip_id": tripID, "status": trip.Status}))
	return nil
}

func (h *Hub) handleLeaveRide(_ context.Context, identity string, data json.RawMessage) error {
	tripID, err := h.tripRef(data)
	if err != nil {
		return err
	}
	h.Rooms.Leave(TripRoom(tripID), identity)
	h.Registry.SendTo(identity, NewEvent(EventLeftRide, map[string]string{"trip_id": tripID}))
	return nil
}

func (h *Hub) handleJoinChat(_ context.Context, identity string, data json.RawMessage) error {
	var p chatPayload
	if err := h.decode(data, &p); err != nil {
		return err
	}
	h.Rooms.Join(ChatRoom(p.RoomID), identity)
	h.Registry.SendTo(identity, NewEvent(EventJoinedChat, map[string]string{"room_id": p.RoomID}))
	return nil
}

func (h *Hub) handleLeaveChat(_ context.Context, identity string, data json.RawMessage) error {
	var p chatPayload
	if err := h.decode(data, &p); err != nil {
		return err
	}
	h.Rooms.Leave(ChatRoom(p.RoomID), identity)
	h.Registry.SendTo(identity, NewEvent(EventLeftChat, map[string]string{"room_id": p.RoomID}))
	return nil
}

func (h *Hub) handleTyping(_ context.Context, identity string, data json.RawMessage) error {
	var p typingPayload
	if err := h.decode(data, &p); err != nil {
		return err
	}
	room := ChatRoom(p.RoomID)
	if !h.Rooms.IsMember(room, identity) {
		return fmt.Errorf("%w: not in chat room %s", ErrForbidden, p.RoomID)
	}
	h.Rooms.Broadcast(room, NewEvent(EventTyping, map[string]any{
		"room_id":   p.RoomID,
		"identity":  identity,
		"is_typing": p.IsTyping,
	}), identity)
	return nil
}

func (h *Hub) location(data json.RawMessage) (locationPayload, error) {
	var p locationPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	p.normalize()
	return p, h.check(&p)
}

func (h *Hub) handleDriverLocation(ctx context.Context, identity string, data json.RawMessage) error {
	drv, err := h.requireDriver(ctx, identity)
	if err != nil {
		return err
	}
	p, err := h.location(data)
	if err != nil {
		return err
	}
	report := models.LocationReport{
		DriverID: identity,
		Loc:      models.Coord{Lat: *p.Lat, Lon: *p.Lon},
		Heading:  p.Heading,
		Speed:    p.Speed,
		Reported: time.Now().UTC(),
	}
	h.applyLocation(ctx, drv, report, data)
	return nil
}

// IngestLocation applies a location report that arrived outside a websocket,
// such as the HTTP ingest endpoint.
func (h *Hub) IngestLocation(ctx context.Context, report models.LocationReport) error {
	drv, err := h.requireDriver(ctx, report.DriverID)
	if err != nil {
		return err
	}
	if err := h.check(report.Loc); err != nil {
		return err
	}
	if report.Reported.IsZero() {
		report.Reported = time.Now().UTC()
	}
	h.applyLocation(ctx, drv, report, report)
	return nil
}

// applyLocation refreshes the driver's geo entry, and its geofence cell while
// it is connected. While the driver holds an accepted or started trip the
// report is relayed to that trip's room.
func (h *Hub) applyLocation(ctx context.Context, drv models.Driver, report models.LocationReport, relay any) {
	lat, lon := report.Loc.Lat, report.Loc.Lon
	if err := h.geo.Upsert(ctx, drv.ID, lat, lon, h.locationTTL); err != nil {
		h.log.Warn("geo upsert failed", "driver_id", drv.ID, "error", err)
	} else {
		observability.GeoUpserts.Inc()
	}
	if h.locations != nil {
		if err := h.locations.PublishLocation(ctx, report); err != nil {
			h.log.Warn("location publish failed", "driver_id", drv.ID, "error", err)
		}
	}
	// cells only hold identities that can receive area broadcasts
	if h.Registry.Connected(drv.ID) {
		if err := h.Rooms.SetGeofenceCell(drv.ID, h.Rooms.CellFor(lat, lon)); err != nil {
			h.log.Warn("geofence update failed", "driver_id", drv.ID, "error", err)
		}
		if !h.Registry.Connected(drv.ID) {
			h.Rooms.dropCell(drv.ID)
		}
	}

	if drv.CurrentTripID == "" {
		return
	}
	status, err := h.trips.GetTripStatus(ctx, drv.CurrentTripID)
	if err != nil {
		h.log.Warn("trip status lookup failed", "driver_id", drv.ID, "trip_id", drv.CurrentTripID, "error", err)
		return
	}
	if status.Active() {
		ev := NewEvent(EventDriverLocationUpdate, relay).
			WithMeta("trip_id", drv.CurrentTripID).
			WithMeta("driver_id", drv.ID)
		h.Rooms.Broadcast(TripRoom(drv.CurrentTripID), ev, drv.ID)
	}
}

func (h *Hub) handlePassengerLocation(_ context.Context, identity string, data json.RawMessage) error {
	p, err := h.location(data)
	if err != nil {
		return err
	}
	return h.Rooms.SetGeofenceCell(identity, h.Rooms.CellFor(*p.Lat, *p.Lon))
}

func (h *Hub) handleSubscribeArea(_ context.Context, identity string, data json.RawMessage) error {
	p, err := h.location(data)
	if err != nil {
		return err
	}
	cell := h.Rooms.CellFor(*p.Lat, *p.Lon)
	if err := h.Rooms.SetGeofenceCell(identity, cell); err != nil {
		return err
	}
	h.Registry.SendTo(identity, NewEvent(EventAreaSubscribed, map[string]string{"cell": cell}))
	return nil
}

func (h *Hub) handleDriverOnline(ctx context.Context, identity string, _ json.RawMessage) error {
	if _, err := h.requireDriver(ctx, identity); err != nil {
		return err
	}
	if err := h.drivers.SetOnline(ctx, identity, true); err != nil {
		return fmt.Errorf("set online: %w", err)
	}
	h.Registry.MarkDriverOnline(identity)
	h.Registry.SendTo(identity, NewEvent(EventDriverStatus, map[string]bool{"online": true}))
	return nil
}

func (h *Hub) handleDriverOffline(ctx context.Context, identity string, _ json.RawMessage) error {
	if _, err := h.requireDriver(ctx, identity); err != nil {
		return err
	}
	if err := h.drivers.SetOnline(ctx, identity, false); err != nil {
		return fmt.Errorf("set offline: %w", err)
	}
	h.Registry.MarkDriverOffline(identity)
	if err := h.geo.Remove(ctx, identity); err != nil {
		h.log.Warn("geo remove failed", "driver_id", identity, "error", err)
	}
	h.Registry.SendTo(identity, NewEvent(EventDriverStatus, map[string]bool{"online": false}))
	return nil
}
