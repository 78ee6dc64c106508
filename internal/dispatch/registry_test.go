package dispatch

import (
	"testing"
	"time"

	"github.com/mmcloughlin/geohash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/logging"
)

const waitFor = time.Second

func newTestRooms(opts Options) (*Registry, *Rooms) {
	reg := NewRegistry(logging.Discard(), opts)
	return reg, NewRooms(reg, logging.Discard(), 6)
}

func TestRegistry_ConnectSupersedesPreviousSession(t *testing.T) {
	reg, rooms := newTestRooms(Options{})
	c1, c2 := &fakeConn{}, &fakeConn{}

	reg.Connect("alice", c1)
	rooms.Join(ChatRoom("lobby"), "alice")
	reg.Connect("alice", c2)

	assert.True(t, c1.isClosed())
	assert.True(t, rooms.IsMember(ChatRoom("lobby"), "alice"), "supersession keeps memberships")

	require.True(t, reg.SendTo("alice", NewEvent("hello", nil)))
	require.Eventually(t, c2.has("hello"), waitFor, 5*time.Millisecond)
	assert.Empty(t, c1.received("hello"))

	conns, _ := reg.Counts()
	assert.Equal(t, 1, conns)
}

func TestRegistry_ReleaseOfStaleSessionKeepsCurrent(t *testing.T) {
	reg, rooms := newTestRooms(Options{})
	old := reg.Connect("alice", &fakeConn{})
	reg.Connect("alice", &fakeConn{})
	rooms.Join(TripRoom("t1"), "alice")

	reg.Release(old)

	assert.True(t, reg.Connected("alice"))
	assert.True(t, rooms.IsMember(TripRoom("t1"), "alice"))
}

func TestRegistry_DisconnectCascadesThroughRooms(t *testing.T) {
	reg, rooms := newTestRooms(Options{})
	reg.Connect("alice", &fakeConn{})
	reg.Connect("bob", &fakeConn{})
	rooms.Join(TripRoom("t1"), "alice")
	rooms.Join(TripRoom("t1"), "bob")
	rooms.Join(ChatRoom("c1"), "alice")
	require.NoError(t, rooms.SetGeofenceCell("alice", "s0000"))

	reg.Disconnect("alice")

	assert.False(t, reg.Connected("alice"))
	assert.Equal(t, []string{"bob"}, rooms.Members(TripRoom("t1")))
	assert.Empty(t, rooms.Members(ChatRoom("c1")))
	assert.Empty(t, rooms.Members(CellRoom("s0000")))
	assert.Equal(t, "", rooms.CellOf("alice"))
	assert.Equal(t, 1, rooms.Count(FlavorTrip))
	assert.Equal(t, 0, rooms.Count(FlavorChat), "empty rooms are dropped")

	reg.Disconnect("alice")
	reg.Disconnect("nobody")
}

func TestRegistry_FullQueueEvicts(t *testing.T) {
	reg, rooms := newTestRooms(Options{SendBuffer: 1})
	stuck := &fakeConn{block: make(chan struct{})}
	t.Cleanup(func() { close(stuck.block) })
	reg.Connect("slow", stuck)
	rooms.Join(TripRoom("t1"), "slow")

	failed := false
	for i := 0; i < 5 && !failed; i++ {
		failed = !reg.SendTo("slow", NewEvent("tick", i))
	}

	require.True(t, failed, "a full queue must fail the send")
	assert.False(t, reg.Connected("slow"))
	assert.Empty(t, rooms.Members(TripRoom("t1")))
	assert.True(t, stuck.isClosed())
}

func TestRegistry_BroadcastAllReachesEverySessionAndEvictsStuckOnes(t *testing.T) {
	reg, rooms := newTestRooms(Options{SendBuffer: 1})
	a, b := &fakeConn{}, &fakeConn{}
	stuck := &fakeConn{block: make(chan struct{})}
	t.Cleanup(func() { close(stuck.block) })
	reg.Connect("a", a)
	reg.Connect("b", b)
	reg.Connect("slow", stuck)
	rooms.Join(ChatRoom("lobby"), "slow")

	rounds := 0
	for ; rounds < 5 && reg.Connected("slow"); rounds++ {
		n := reg.BroadcastAll(NewEvent("notice", rounds))
		assert.GreaterOrEqual(t, n, 2)
		// the fast sessions drain between rounds
		require.Eventually(t, func() bool {
			return len(a.received("notice")) == rounds+1 && len(b.received("notice")) == rounds+1
		}, waitFor, 5*time.Millisecond)
	}

	assert.False(t, reg.Connected("slow"), "a session whose queue stays full is evicted")
	assert.Empty(t, rooms.Members(ChatRoom("lobby")))
	assert.Equal(t, 2, reg.BroadcastAll(NewEvent("notice", "after")))
	assert.ElementsMatch(t, []string{"a", "b"}, reg.Identities())
}

func TestRegistry_WriteErrorEvicts(t *testing.T) {
	reg, rooms := newTestRooms(Options{})
	broken := &fakeConn{fail: true}
	reg.Connect("bob", broken)
	rooms.Join(ChatRoom("c1"), "bob")

	reg.SendTo("bob", NewEvent("tick", nil))

	require.Eventually(t, func() bool { return !reg.Connected("bob") }, waitFor, 5*time.Millisecond)
	assert.False(t, rooms.IsMember(ChatRoom("c1"), "bob"))
}

func TestRegistry_SendToUnknownIdentity(t *testing.T) {
	reg, _ := newTestRooms(Options{})
	assert.False(t, reg.SendTo("ghost", NewEvent("tick", nil)))
}

func TestRegistry_OnlineDrivers(t *testing.T) {
	reg, _ := newTestRooms(Options{})
	assert.False(t, reg.MarkDriverOnline("d1"), "needs a live session")

	reg.Connect("d1", &fakeConn{})
	require.True(t, reg.MarkDriverOnline("d1"))
	_, drivers := reg.Counts()
	assert.Equal(t, 1, drivers)

	reg.Disconnect("d1")
	_, drivers = reg.Counts()
	assert.Equal(t, 0, drivers)
}

func TestRooms_BroadcastExcludesSender(t *testing.T) {
	reg, rooms := newTestRooms(Options{})
	a, b, c := &fakeConn{}, &fakeConn{}, &fakeConn{}
	reg.Connect("a", a)
	reg.Connect("b", b)
	reg.Connect("c", c)
	rooms.Join(TripRoom("t1"), "a")
	rooms.Join(TripRoom("t1"), "b")

	n := rooms.Broadcast(TripRoom("t1"), NewEvent("update", nil), "a")

	assert.Equal(t, 1, n)
	require.Eventually(t, b.has("update"), waitFor, 5*time.Millisecond)
	assert.Empty(t, a.received("update"))
	assert.Empty(t, c.received("update"))
}

func TestRooms_JoinIsIdempotentAndDissolve(t *testing.T) {
	_, rooms := newTestRooms(Options{})
	assert.True(t, rooms.Join(TripRoom("t1"), "a"))
	assert.False(t, rooms.Join(TripRoom("t1"), "a"))
	rooms.Join(TripRoom("t1"), "b")
	assert.Equal(t, 2, rooms.Memberships())

	rooms.Dissolve(TripRoom("t1"))

	assert.Equal(t, 0, rooms.Count(FlavorTrip))
	assert.Equal(t, 0, rooms.Memberships())
	assert.False(t, rooms.Leave(TripRoom("t1"), "a"))
}

func TestRooms_SetGeofenceCellMovesIdentity(t *testing.T) {
	_, rooms := newTestRooms(Options{})
	require.NoError(t, rooms.SetGeofenceCell("a", "s0000"))
	require.NoError(t, rooms.SetGeofenceCell("a", "s0001"))

	assert.Empty(t, rooms.Members(CellRoom("s0000")))
	assert.Equal(t, []string{"a"}, rooms.Members(CellRoom("s0001")))
	assert.Equal(t, "s0001", rooms.CellOf("a"))

	assert.Error(t, rooms.SetGeofenceCell("a", "not a cell"))
	assert.Error(t, rooms.SetGeofenceCell("a", ""))
}

func TestRooms_BroadcastToArea(t *testing.T) {
	reg, rooms := newTestRooms(Options{})
	center := rooms.CellFor(4.05, 9.70)
	neighbor := geohash.Neighbors(center)[0]
	far := rooms.CellFor(-33.86, 151.21)

	conns := map[string]*fakeConn{"in": {}, "next": {}, "away": {}}
	for id, c := range conns {
		reg.Connect(id, c)
	}
	require.NoError(t, rooms.SetGeofenceCell("in", center))
	require.NoError(t, rooms.SetGeofenceCell("next", neighbor))
	require.NoError(t, rooms.SetGeofenceCell("away", far))

	n, err := rooms.BroadcastToArea(center, NewEvent(EventAreaAlert, "surge"), false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = rooms.BroadcastToArea(center, NewEvent(EventAreaAlert, "surge"), true)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Eventually(t, func() bool { return len(conns["in"].received(EventAreaAlert)) == 2 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(conns["next"].received(EventAreaAlert)) == 1 }, waitFor, 5*time.Millisecond)
	assert.Empty(t, conns["away"].received(EventAreaAlert))

	_, err = rooms.BroadcastToArea("??", NewEvent(EventAreaAlert, nil), true)
	assert.Error(t, err)
}

func TestRooms_BroadcastToAreaDropsCellsWithoutSession(t *testing.T) {
	reg, rooms := newTestRooms(Options{})
	cell := rooms.CellFor(4.05, 9.70)
	live := &fakeConn{}
	reg.Connect("live", live)
	require.NoError(t, rooms.SetGeofenceCell("live", cell))
	require.NoError(t, rooms.SetGeofenceCell("ghost", cell))

	n, err := rooms.BroadcastToArea(cell, NewEvent(EventAreaAlert, "flood"), false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"live"}, rooms.Members(CellRoom(cell)))
	assert.Empty(t, rooms.CellOf("ghost"))
	assert.Equal(t, "cell", flavorOf(CellRoom(cell)))
	require.Eventually(t, live.has(EventAreaAlert), waitFor, 5*time.Millisecond)
}

func TestEvent_WithMetaCopies(t *testing.T) {
	base := NewEvent("x", nil).WithMeta("a", "1")
	derived := base.WithMeta("b", "2")
	assert.Len(t, base.Metadata, 1)
	assert.Len(t, derived.Metadata, 2)
}
