package geo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisIndex implements Index on Redis GEO commands: GEOADD for position,
// a per-driver hash for status metadata. Multiple service instances share
// one index this way.
type RedisIndex struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisIndex(addr, password, key string, ttl time.Duration) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisIndex{client: c, key: key, ttl: ttl, now: time.Now}
}

func (r *RedisIndex) Upsert(ctx context.Context, p models.DriverPresence) error {
	if p.Updated.IsZero() {
		p.Updated = r.now()
	}
	if p.Status == models.DriverOffline {
		// offline drivers leave the geo set entirely
		if err := r.client.ZRem(ctx, r.key, p.DriverID).Err(); err != nil {
			return err
		}
		return r.client.Del(ctx, metaKey(p.DriverID)).Err()
	}
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: p.Loc.Lon,
		Latitude:  p.Loc.Lat,
		Name:      p.DriverID,
	}).Err(); err != nil {
		return err
	}
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, metaKey(p.DriverID), map[string]interface{}{
		"status":       string(p.Status),
		"vehicle_type": p.VehicleType,
		"updated":      p.Updated.Format(time.RFC3339Nano),
	})
	if r.ttl > 0 {
		pipe.Expire(ctx, metaKey(p.DriverID), r.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisIndex) Nearby(ctx context.Context, lat, lon, radiusMeters float64, limit int) ([]models.Candidate, error) {
	res, err := r.client.GeoRadius(ctx, r.key, lon, lat, &redis.GeoRadiusQuery{
		Radius:    radiusMeters,
		Unit:      "m",
		WithDist:  true,
		WithCoord: true,
		// over-fetch so that busy/stale drivers filtered below do not
		// shrink the result under limit
		Count: limit * 3,
		Sort:  "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	now := r.now()
	out := make([]models.Candidate, 0, limit)
	for _, g := range res {
		m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil || len(m) == 0 {
			// metadata expired: presence is stale
			continue
		}
		if models.DriverStatus(m["status"]) != models.DriverAvailable {
			continue
		}
		if r.ttl > 0 {
			if ts, err := time.Parse(time.RFC3339Nano, m["updated"]); err != nil || now.Sub(ts) > r.ttl {
				continue
			}
		}
		out = append(out, models.Candidate{
			DriverID:       g.Name,
			Loc:            models.Coord{Lat: g.Latitude, Lon: g.Longitude},
			DistanceMeters: g.Dist,
			VehicleType:    m["vehicle_type"],
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *RedisIndex) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisIndex) Close() error { return r.client.Close() }

func metaKey(id string) string { return "driver:meta:" + id }
