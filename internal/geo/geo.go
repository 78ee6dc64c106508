package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"
)

const earthRadiusKm = 6371.0

// Nearby is one geo query hit.
type Nearby struct {
	DriverID   string  `json:"driver_id"`
	DistanceKm float64 `json:"distance_km"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
}

// Index is a time-bounded spatial store of driver positions. Entries vanish
// silently once their TTL elapses; absence means the driver is unavailable.
type Index interface {
	Upsert(ctx context.Context, driverID string, lat, lon float64, ttl time.Duration) error
	Query(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]Nearby, error)
	Remove(ctx context.Context, driverID string) error
}

type entry struct {
	lat, lon float64
	expires  time.Time
}

// MemoryIndex is the in-process Index used when Redis is not configured.
type MemoryIndex struct {
	mu      sync.Mutex
	drivers map[string]entry
	now     func() time.Time
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{drivers: make(map[string]entry), now: time.Now}
}

// WithClock replaces the time source; tests use it to step past TTLs.
func (g *MemoryIndex) WithClock(now func() time.Time) *MemoryIndex {
	g.now = now
	return g
}

func (g *MemoryIndex) Upsert(_ context.Context, driverID string, lat, lon float64, ttl time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[driverID] = entry{lat: lat, lon: lon, expires: g.now().Add(ttl)}
	return nil
}

// naive scan; expired entries are dropped as they are found
func (g *MemoryIndex) Query(_ context.Context, lat, lon, radiusKm float64, limit int) ([]Nearby, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	out := make([]Nearby, 0)
	for id, e := range g.drivers {
		if !now.Before(e.expires) {
			delete(g.drivers, id)
			continue
		}
		d := HaversineKm(lat, lon, e.lat, e.lon)
		if d > radiusKm {
			continue
		}
		out = append(out, Nearby{DriverID: id, DistanceKm: d, Lat: e.lat, Lon: e.lon})
	}
	SortByDistance(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (g *MemoryIndex) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
	return nil
}

// Len counts tracked entries, expired or not.
func (g *MemoryIndex) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.drivers)
}

// SortByDistance orders hits ascending by distance, ties by driver id.
func SortByDistance(hits []Nearby) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].DistanceKm != hits[j].DistanceKm {
			return hits[i].DistanceKm < hits[j].DistanceKm
		}
		return hits[i].DriverID < hits[j].DriverID
	})
}

// HaversineKm is the great-circle distance in kilometres.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}
