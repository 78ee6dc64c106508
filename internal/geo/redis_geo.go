package geo

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisIndex implements Index using Redis GEO commands. Redis cannot expire
// individual members of a GEO set, so every member also carries an expiry
// score in a companion sorted set; expired members are pruned on query.
type RedisIndex struct {
	client       *redis.Client
	key          string
	heartbeatKey string
	now          func() time.Time
}

func NewRedisIndex(client *redis.Client, key string) *RedisIndex {
	return &RedisIndex{client: client, key: key, heartbeatKey: key + ":expires", now: time.Now}
}

func (r *RedisIndex) Upsert(ctx context.Context, driverID string, lat, lon float64, ttl time.Duration) error {
	expires := r.now().Add(ttl).UnixMilli()
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: lon, Latitude: lat, Name: driverID})
		p.ZAdd(ctx, r.heartbeatKey, redis.Z{Score: float64(expires), Member: driverID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("geo upsert %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisIndex) Query(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]Nearby, error) {
	now := r.now().UnixMilli()
	if err := r.prune(ctx, now); err != nil {
		return nil, err
	}
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lon,
			Latitude:   lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo search: %w", err)
	}
	if len(res) == 0 {
		return []Nearby{}, nil
	}
	names := make([]string, len(res))
	for i, g := range res {
		names[i] = g.Name
	}
	// an entry can expire between prune and search
	scores, err := r.client.ZMScore(ctx, r.heartbeatKey, names...).Result()
	if err != nil {
		return nil, fmt.Errorf("geo heartbeat lookup: %w", err)
	}
	out := make([]Nearby, 0, len(res))
	for i, g := range res {
		if i >= len(scores) || int64(scores[i]) <= now {
			continue
		}
		out = append(out, Nearby{DriverID: g.Name, DistanceKm: g.Dist, Lat: g.Latitude, Lon: g.Longitude})
	}
	SortByDistance(out)
	return out, nil
}

func (r *RedisIndex) Remove(ctx context.Context, driverID string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, r.key, driverID)
		p.ZRem(ctx, r.heartbeatKey, driverID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("geo remove %s: %w", driverID, err)
	}
	return nil
}

// Ping checks backend reachability for readiness checks.
func (r *RedisIndex) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// pruneScript removes members whose expiry score is at or before ARGV[1].
// It runs atomically, so an Upsert landing between the range read and the
// removal cannot be undone.
var pruneScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('ZREM', KEYS[2], id)
end
return #expired
`)

func (r *RedisIndex) prune(ctx context.Context, now int64) error {
	if err := pruneScript.Run(ctx, r.client, []string{r.key, r.heartbeatKey}, now).Err(); err != nil {
		return fmt.Errorf("geo prune: %w", err)
	}
	return nil
}
