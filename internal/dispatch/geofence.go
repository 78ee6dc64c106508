package dispatch

import (
	"fmt"

	"github.com/mmcloughlin/geohash"

	"github.com/example/ride-dispatch/internal/observability"
)

// ValidCell reports whether cell is a non-empty geohash string.
func ValidCell(cell string) bool {
	return cell != "" && geohash.Validate(cell) == nil
}

// CellFor encodes a coordinate at the configured geofence precision.
func (r *Rooms) CellFor(lat, lon float64) string {
	return geohash.EncodeWithPrecision(lat, lon, r.precision)
}

// SetGeofenceCell moves identity into cell, leaving its previous cell in the
// same critical section so an identity is never in two cells at once.
func (r *Rooms) SetGeofenceCell(identity, cell string) error {
	if !ValidCell(cell) {
		return fmt.Errorf("invalid geofence cell %q", cell)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.cells[identity]
	if prev == cell {
		return nil
	}
	if prev != "" {
		r.removeLocked(CellRoom(prev), identity)
	}
	r.cells[identity] = cell
	r.addLocked(CellRoom(cell), identity)
	return nil
}

// CellOf returns the identity's current geofence cell, or "".
func (r *Rooms) CellOf(identity string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cells[identity]
}

// BroadcastToArea sends e to members of cell and, when includeNeighbors is
// set, of its eight adjacent cells. Each identity receives e at most once.
func (r *Rooms) BroadcastToArea(cell string, e Event, includeNeighbors bool) (int, error) {
	if !ValidCell(cell) {
		return 0, fmt.Errorf("invalid geofence cell %q", cell)
	}
	cells := []string{cell}
	if includeNeighbors {
		cells = append(cells, geohash.Neighbors(cell)...)
	}

	seen := make(map[string]struct{})
	r.mu.RLock()
	for _, c := range cells {
		for id := range r.rooms[CellRoom(c)] {
			seen[id] = struct{}{}
		}
	}
	r.mu.RUnlock()

	observability.RoomBroadcasts.WithLabelValues(FlavorCell).Inc()
	delivered := 0
	for id := range seen {
		if r.reg.SendTo(id, e) {
			delivered++
			continue
		}
		if !r.reg.Connected(id) {
			r.dropCell(id)
		}
	}
	return delivered, nil
}

// dropCell removes identity from its geofence cell, if any.
func (r *Rooms) dropCell(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cell, ok := r.cells[identity]; ok {
		r.removeLocked(CellRoom(cell), identity)
		delete(r.cells, identity)
	}
}
