package dispatch

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/example/ride-dispatch/internal/observability"
)

// Room flavors share one namespace, separated by prefix.
const (
	FlavorTrip = "trip"
	FlavorChat = "chat"
	FlavorCell = "cell"
)

func TripRoom(tripID string) string { return FlavorTrip + ":" + tripID }
func ChatRoom(roomID string) string { return FlavorChat + ":" + roomID }
func CellRoom(cell string) string   { return FlavorCell + ":" + cell }

func flavorOf(roomID string) string {
	if i := strings.IndexByte(roomID, ':'); i > 0 {
		return roomID[:i]
	}
	return "other"
}

// Rooms tracks named member sets. Empty rooms are dropped so the map only
// holds rooms with at least one member.
type Rooms struct {
	mu       sync.RWMutex
	rooms    map[string]map[string]struct{}
	memberOf map[string]map[string]struct{}
	cells    map[string]string

	reg       *Registry
	precision uint
	log       *slog.Logger
}

// NewRooms wires the room manager to reg so evicted identities leave every
// room they were in.
func NewRooms(reg *Registry, log *slog.Logger, geofencePrecision uint) *Rooms {
	if geofencePrecision == 0 {
		geofencePrecision = 6
	}
	r := &Rooms{
		rooms:     make(map[string]map[string]struct{}),
		memberOf:  make(map[string]map[string]struct{}),
		cells:     make(map[string]string),
		reg:       reg,
		precision: geofencePrecision,
		log:       log,
	}
	reg.OnEvict(r.RemoveEverywhere)
	return r
}

// Join adds identity to roomID. It reports whether the membership is new.
func (r *Rooms) Join(roomID, identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked(roomID, identity)
}

// Leave removes identity from roomID. It reports whether it was a member.
func (r *Rooms) Leave(roomID, identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(roomID, identity)
}

func (r *Rooms) addLocked(roomID, identity string) bool {
	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[roomID] = members
	}
	if _, ok := members[identity]; ok {
		return false
	}
	members[identity] = struct{}{}
	rooms, ok := r.memberOf[identity]
	if !ok {
		rooms = make(map[string]struct{})
		r.memberOf[identity] = rooms
	}
	rooms[roomID] = struct{}{}
	return true
}

func (r *Rooms) removeLocked(roomID, identity string) bool {
	members, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	if _, ok := members[identity]; !ok {
		return false
	}
	delete(members, identity)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
	if rooms, ok := r.memberOf[identity]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(r.memberOf, identity)
		}
	}
	return true
}

// RemoveEverywhere drops identity from every room and its geofence cell.
func (r *Rooms) RemoveEverywhere(identity string) {
	r.mu.Lock()
	n := len(r.memberOf[identity])
	for roomID := range r.memberOf[identity] {
		r.removeLocked(roomID, identity)
	}
	delete(r.cells, identity)
	r.mu.Unlock()
	if n > 0 {
		r.log.Debug("identity left all rooms", "identity", identity, "rooms", n)
	}
}

// Dissolve removes every member of roomID.
func (r *Rooms) Dissolve(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for identity := range r.rooms[roomID] {
		r.removeLocked(roomID, identity)
		if r.cells[identity] != "" && CellRoom(r.cells[identity]) == roomID {
			delete(r.cells, identity)
		}
	}
}

func (r *Rooms) IsMember(roomID, identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID][identity]
	return ok
}

// Members returns a snapshot of roomID's members.
func (r *Rooms) Members(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[roomID]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

// Broadcast sends e to every member of roomID except exclude and returns the
// number of members it reached. Members whose send fails are evicted by the
// registry, which also removes them from the room.
func (r *Rooms) Broadcast(roomID string, e Event, exclude string) int {
	members := r.Members(roomID)
	observability.RoomBroadcasts.WithLabelValues(flavorOf(roomID)).Inc()
	delivered := 0
	for _, id := range members {
		if id == exclude {
			continue
		}
		if r.reg.SendTo(id, e) {
			delivered++
		}
	}
	return delivered
}

// Count returns the number of non-empty rooms of the given flavor.
func (r *Rooms) Count(flavor string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for roomID := range r.rooms {
		if flavorOf(roomID) == flavor {
			n++
		}
	}
	return n
}

// Memberships returns the total number of identity/room pairs.
func (r *Rooms) Memberships() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, members := range r.rooms {
		n += len(members)
	}
	return n
}
