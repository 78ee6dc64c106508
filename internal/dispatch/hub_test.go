package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type hubFixture struct {
	hub     *Hub
	geo     *geo.MemoryIndex
	drivers *storage.MemoryDirectory
	trips   *storage.MemoryStore
}

func newHubFixture(t *testing.T) hubFixture {
	t.Helper()
	reg, rooms := newTestRooms(Options{})
	f := hubFixture{
		geo:     geo.NewMemoryIndex(),
		drivers: storage.NewMemoryDirectory(),
		trips:   storage.NewMemoryStore(),
	}
	f.hub = NewHub(HubConfig{
		Registry:    reg,
		Rooms:       rooms,
		Geo:         f.geo,
		Drivers:     f.drivers,
		Trips:       f.trips,
		LocationTTL: time.Minute,
		Logger:      logging.Discard(),
	})
	return f
}

func (f hubFixture) send(t *testing.T, identity string, msg any) error {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	return f.hub.HandleClientMessage(context.Background(), identity, raw)
}

func TestHandlerTableCoversEveryKind(t *testing.T) {
	for k := MessageKind(0); k < numKinds; k++ {
		assert.NotNil(t, handlers[k], "no handler for %s", k)
		assert.NotEmpty(t, kindNames[k], "no name for kind %d", k)
		got, ok := kindByName[k.String()]
		assert.True(t, ok)
		assert.Equal(t, k, got)
	}
}

func TestHub_ConnectGreetsAndPingPongs(t *testing.T) {
	f := newHubFixture(t)
	c := &fakeConn{}
	f.hub.OnConnect("alice", c)
	require.Eventually(t, c.has(EventConnected), waitFor, 5*time.Millisecond)

	require.NoError(t, f.send(t, "alice", map[string]any{"type": "ping", "data": map[string]any{"timestamp": 42}}))
	require.Eventually(t, c.has(EventPong), waitFor, 5*time.Millisecond)
	assert.Equal(t, map[string]int64{"timestamp": 42}, c.received(EventPong)[0].Data)
}

func TestHub_RejectsMalformedAndUnknown(t *testing.T) {
	f := newHubFixture(t)
	c := &fakeConn{}
	f.hub.OnConnect("alice", c)

	assert.ErrorIs(t, f.hub.HandleClientMessage(context.Background(), "alice", []byte("{nope")), ErrInvalidMessage)
	assert.ErrorIs(t, f.send(t, "alice", map[string]any{"type": "teleport"}), ErrUnknownMessage)
	assert.ErrorIs(t, f.send(t, "alice", map[string]any{"data": map[string]any{}}), ErrInvalidMessage)

	require.Eventually(t, func() bool { return len(c.received(EventError)) == 3 }, waitFor, 5*time.Millisecond)
	assert.True(t, f.hub.Registry.Connected("alice"), "bad input does not disconnect")
}

func TestHub_JoinRideRequiresParticipant(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()
	require.NoError(t, f.trips.CreateTrip(ctx, &models.Trip{ID: "t1", RequesterID: "p1", Status: models.TripRequested}))
	f.hub.OnConnect("p1", &fakeConn{})
	f.hub.OnConnect("stranger", &fakeConn{})

	assert.ErrorIs(t, f.send(t, "stranger", map[string]any{"type": "join_ride", "data": map[string]any{"trip_id": "t1"}}), ErrForbidden)
	assert.ErrorIs(t, f.send(t, "p1", map[string]any{"type": "join_ride", "data": map[string]any{"trip_id": "missing"}}), storage.ErrNotFound)
	assert.ErrorIs(t, f.send(t, "p1", map[string]any{"type": "join_ride"}), ErrInvalidMessage)

	// top-level payload fields are accepted too
	require.NoError(t, f.send(t, "p1", map[string]any{"type": "join_ride", "ride_id": "t1"}))
	assert.True(t, f.hub.Rooms.IsMember(TripRoom("t1"), "p1"))

	require.NoError(t, f.send(t, "p1", map[string]any{"type": "leave_ride", "trip_id": "t1"}))
	assert.False(t, f.hub.Rooms.IsMember(TripRoom("t1"), "p1"))
}

func TestHub_JoinRideRejectsFinishedTrips(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()
	c := &fakeConn{}
	f.hub.OnConnect("p1", c)
	for _, st := range []models.TripStatus{models.TripCompleted, models.TripCancelled} {
		id := "t-" + string(st)
		require.NoError(t, f.trips.CreateTrip(ctx, &models.Trip{ID: id, RequesterID: "p1", Status: st}))
		assert.ErrorIs(t, f.send(t, "p1", map[string]any{"type": "join_ride", "trip_id": id}), ErrForbidden)
		assert.False(t, f.hub.Rooms.IsMember(TripRoom(id), "p1"))
	}
	assert.Equal(t, 0, f.hub.ConnectionStats().ActiveTrips)
	require.Eventually(t, c.has(EventError), waitFor, 5*time.Millisecond)
}

func TestHub_ChatAndTyping(t *testing.T) {
	f := newHubFixture(t)
	a, b := &fakeConn{}, &fakeConn{}
	f.hub.OnConnect("a", a)
	f.hub.OnConnect("b", b)

	assert.ErrorIs(t, f.send(t, "a", map[string]any{"type": "typing", "room_id": "r1", "is_typing": true}), ErrForbidden)

	require.NoError(t, f.send(t, "a", map[string]any{"type": "join_chat", "room_id": "r1"}))
	require.NoError(t, f.send(t, "b", map[string]any{"type": "join_chat", "room_id": "r1"}))
	require.NoError(t, f.send(t, "a", map[string]any{"type": "typing", "room_id": "r1", "is_typing": true}))

	require.Eventually(t, b.has(EventTyping), waitFor, 5*time.Millisecond)
	assert.Empty(t, a.received(EventTyping))

	require.NoError(t, f.send(t, "b", map[string]any{"type": "leave_chat", "room_id": "r1"}))
	assert.Equal(t, []string{"a"}, f.hub.Rooms.Members(ChatRoom("r1")))
}

func TestHub_DriverLocationRelaysOnlyForActiveTrip(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()
	f.drivers.Put(models.Driver{ID: "d1", Online: true, Available: true, Verified: true, CurrentTripID: "t1"})
	require.NoError(t, f.trips.CreateTrip(ctx, &models.Trip{ID: "t1", RequesterID: "p1", AssignedDriverID: "d1", Status: models.TripRequested}))

	driver, rider := &fakeConn{}, &fakeConn{}
	f.hub.OnConnect("d1", driver)
	f.hub.OnConnect("p1", rider)
	f.hub.Rooms.Join(TripRoom("t1"), "p1")
	f.hub.Rooms.Join(TripRoom("t1"), "d1")

	report := map[string]any{"type": "driver_location_update", "data": map[string]any{"lat": 4.05, "lon": 9.70, "heading": 90}}
	require.NoError(t, f.send(t, "d1", report))
	assert.Equal(t, 1, f.geo.Len())
	assert.NotEmpty(t, f.hub.Rooms.CellOf("d1"))

	ok, err := f.trips.CompareAndSetTripStatus(ctx, "t1", models.TripRequested, models.TripAccepted)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, f.send(t, "d1", report))

	require.Eventually(t, func() bool { return len(rider.received(EventDriverLocationUpdate)) == 1 }, waitFor, 5*time.Millisecond)
	ev := rider.received(EventDriverLocationUpdate)[0]
	assert.Equal(t, "t1", ev.Metadata["trip_id"])
	assert.JSONEq(t, `{"lat": 4.05, "lon": 9.70, "heading": 90}`, string(ev.Data.(json.RawMessage)))
	assert.Empty(t, driver.received(EventDriverLocationUpdate), "sender is excluded")
}

func TestHub_DriverLocationValidation(t *testing.T) {
	f := newHubFixture(t)
	f.drivers.Put(models.Driver{ID: "d1"})
	f.hub.OnConnect("d1", &fakeConn{})
	f.hub.OnConnect("p1", &fakeConn{})

	assert.ErrorIs(t, f.send(t, "p1", map[string]any{"type": "driver_location_update", "lat": 1, "lon": 1}), ErrNotDriver)
	assert.ErrorIs(t, f.send(t, "d1", map[string]any{"type": "driver_location_update", "lat": 91, "lon": 1}), ErrInvalidMessage)
	assert.ErrorIs(t, f.send(t, "d1", map[string]any{"type": "driver_location_update", "lat": 1}), ErrInvalidMessage)
	require.NoError(t, f.send(t, "d1", map[string]any{"type": "driver_location_update", "latitude": 1, "longitude": 2}))
	assert.Equal(t, 1, f.geo.Len())
}

func TestHub_DriverOnlineOfflineAndStats(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()
	f.drivers.Put(models.Driver{ID: "d1", Verified: true, Available: true})
	f.hub.OnConnect("d1", &fakeConn{})
	f.hub.OnConnect("p1", &fakeConn{})

	assert.ErrorIs(t, f.send(t, "p1", map[string]any{"type": "driver_online"}), ErrNotDriver)
	require.NoError(t, f.send(t, "d1", map[string]any{"type": "driver_online"}))
	d, err := f.drivers.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, d.Online)

	f.hub.Rooms.Join(TripRoom("t1"), "p1")
	stats := f.hub.ConnectionStats()
	assert.Equal(t, models.ConnectionStats{TotalConnections: 2, OnlineDrivers: 1, ActiveTrips: 1, TrackedPresenceEntries: 1}, stats)

	require.NoError(t, f.geo.Upsert(ctx, "d1", 1, 1, time.Minute))
	require.NoError(t, f.send(t, "d1", map[string]any{"type": "driver_offline"}))
	assert.Equal(t, 0, f.geo.Len())
	_, drivers := f.hub.Registry.Counts()
	assert.Equal(t, 0, drivers)

	require.NoError(t, f.send(t, "d1", map[string]any{"type": "driver_online"}))
	f.hub.OnDisconnect("d1")
	d, err = f.drivers.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, d.Online, "disconnect takes the driver offline")
}

func TestHub_SubscribeArea(t *testing.T) {
	f := newHubFixture(t)
	c := &fakeConn{}
	f.hub.OnConnect("p1", c)

	require.NoError(t, f.send(t, "p1", map[string]any{"type": "subscribe_geohash", "lat": 4.05, "lon": 9.70}))
	assert.Equal(t, f.hub.Rooms.CellFor(4.05, 9.70), f.hub.Rooms.CellOf("p1"))
	require.Eventually(t, c.has(EventAreaSubscribed), waitFor, 5*time.Millisecond)

	require.NoError(t, f.send(t, "p1", map[string]any{"type": "passenger_location_update", "lat": -33.86, "lon": 151.21}))
	assert.Equal(t, f.hub.Rooms.CellFor(-33.86, 151.21), f.hub.Rooms.CellOf("p1"))
}

func TestNotifier_PrefersLiveSessionThenPush(t *testing.T) {
	reg, _ := newTestRooms(Options{})
	live := &fakeConn{}
	reg.Connect("d1", live)

	got := make(chan pushBody, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body pushBody
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &body)
		got <- body
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewNotifier(reg, srv.URL, logging.Discard())
	ch, err := n.Notify(context.Background(), "d1", NewEvent(EventRideRequested, "offer"))
	require.NoError(t, err)
	assert.Equal(t, ChannelWS, ch)

	ch, err = n.Notify(context.Background(), "d2", NewEvent(EventRideRequested, "offer"))
	require.NoError(t, err)
	assert.Equal(t, ChannelPush, ch)
	pushed := <-got
	assert.Equal(t, "d2", pushed.Identity)
	assert.Equal(t, EventRideRequested, pushed.Event.Type)

	_, err = NewNotifier(reg, "", logging.Discard()).Notify(context.Background(), "d2", NewEvent(EventRideRequested, nil))
	assert.ErrorIs(t, err, ErrNoSession)
}

type recordingPublisher struct{ got []models.LocationReport }

func (r *recordingPublisher) PublishLocation(_ context.Context, rep models.LocationReport) error {
	r.got = append(r.got, rep)
	return nil
}

func TestHub_IngestLocation(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()
	pub := &recordingPublisher{}
	f.hub.locations = pub
	f.drivers.Put(models.Driver{ID: "d1", CurrentTripID: "t1"})
	require.NoError(t, f.trips.CreateTrip(ctx, &models.Trip{ID: "t1", RequesterID: "p1", AssignedDriverID: "d1", Status: models.TripStarted}))
	rider := &fakeConn{}
	f.hub.OnConnect("p1", rider)
	f.hub.Rooms.Join(TripRoom("t1"), "p1")

	err := f.hub.IngestLocation(ctx, models.LocationReport{DriverID: "d1", Loc: models.Coord{Lat: 4.05, Lon: 9.70}})
	require.NoError(t, err)
	assert.Equal(t, 1, f.geo.Len())
	require.Len(t, pub.got, 1)
	assert.False(t, pub.got[0].Reported.IsZero())
	require.Eventually(t, rider.has(EventDriverLocationUpdate), waitFor, 5*time.Millisecond)

	assert.ErrorIs(t, f.hub.IngestLocation(ctx, models.LocationReport{DriverID: "nobody"}), ErrNotDriver)
	assert.ErrorIs(t, f.hub.IngestLocation(ctx, models.LocationReport{DriverID: "d1", Loc: models.Coord{Lat: 100}}), ErrInvalidMessage)
}

func TestHub_LocationWithoutSessionLeavesNoCell(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()
	f.drivers.Put(models.Driver{ID: "d1", Online: true, Available: true, Verified: true})
	report := models.LocationReport{DriverID: "d1", Loc: models.Coord{Lat: 4.05, Lon: 9.70}}

	require.NoError(t, f.hub.IngestLocation(ctx, report))
	assert.Equal(t, 1, f.geo.Len(), "the geo index still takes the report")
	assert.Empty(t, f.hub.Rooms.CellOf("d1"))
	assert.Equal(t, 0, f.hub.Rooms.Memberships())

	f.hub.OnConnect("d1", &fakeConn{})
	require.NoError(t, f.hub.IngestLocation(ctx, report))
	assert.NotEmpty(t, f.hub.Rooms.CellOf("d1"))

	f.hub.OnDisconnect("d1")
	require.NoError(t, f.hub.IngestLocation(ctx, report))
	assert.Empty(t, f.hub.Rooms.CellOf("d1"))
	assert.Equal(t, models.ConnectionStats{}, f.hub.ConnectionStats())
}
