package eta

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Client is a routing backend able to estimate drive time between two points.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Cache is a tiny in-memory cache for ETA lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

// ~11m resolution keeps nearby lookups sharing an entry
func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.4f,%.4f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

const minETASeconds = 60

// FromDistance converts a straight-line distance into seconds at speedKmh,
// rounded down to whole minutes with a one minute floor.
func FromDistance(distanceKm, speedKmh float64) float64 {
	if speedKmh <= 0 {
		speedKmh = 30
	}
	minutes := math.Floor(distanceKm * 60 / speedKmh)
	return math.Max(minETASeconds, minutes*60)
}

// Estimator prefers the routing client, falls back to the distance model and
// caches routed answers.
type Estimator struct {
	Client   Client // optional
	Cache    *Cache // optional
	SpeedKmh float64
}

func (e *Estimator) Estimate(ctx context.Context, from, to models.Coord) float64 {
	if e.Cache != nil {
		if v, ok := e.Cache.Get(from, to); ok {
			return v
		}
	}
	if e.Client != nil {
		if v, err := e.Client.EstimateSeconds(ctx, from, to); err == nil {
			if e.Cache != nil {
				e.Cache.Set(from, to, v)
			}
			return v
		}
	}
	return FromDistance(geo.HaversineKm(from.Lat, from.Lon, to.Lat, to.Lon), e.SpeedKmh)
}
