package geo

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/redis/go-redis/v9"
)

// GeoClient is the subset of the Redis client used by RedisGeo.
type GeoClient interface {
	GeoSearch(ctx context.Context, key string, q *redis.GeoSearchQuery) *redis.StringSliceCmd
	GeoAdd(ctx context.Context, key string, locs ...*redis.GeoLocation) *redis.IntCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
}

// RedisGeo answers radius levels from a Redis GEO set of driver positions.
// Track keeps the set current between searches; WithinRadius writes the
// candidates' own positions before querying, so an untracked or stale member
// never changes the answer.
type RedisGeo struct {
	client GeoClient
	key    string

	attempts int
	delay    time.Duration
}

func NewRedisGeo(client GeoClient, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key, attempts: 3, delay: 200 * time.Millisecond}
}

func (r *RedisGeo) WithinRadius(ctx context.Context, center models.Coord, meters float64, candidates []models.DriverCandidate) ([]string, error) {
	locs := make([]*redis.GeoLocation, 0, len(candidates))
	wanted := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		if c.Loc == nil {
			continue
		}
		locs = append(locs, &redis.GeoLocation{Name: c.ID, Longitude: c.Loc.Lon, Latitude: c.Loc.Lat})
		wanted[c.ID] = struct{}{}
	}
	if len(locs) == 0 {
		return nil, nil
	}
	if err := r.client.GeoAdd(ctx, r.key, locs...).Err(); err != nil {
		return nil, err
	}
	names, err := r.client.GeoSearch(ctx, r.key, &redis.GeoSearchQuery{
		Longitude:  center.Lon,
		Latitude:   center.Lat,
		Radius:     meters,
		RadiusUnit: "m",
		Sort:       "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := wanted[n]; ok {
			out = append(out, n)
		}
	}
	return out, nil
}

// Track records a driver position, retrying with doubling delay. A driver
// going offline or losing its location is removed from the set.
func (r *RedisGeo) Track(ctx context.Context, d models.DriverCandidate) error {
	delay := r.delay
	var err error
	for i := 0; i < r.attempts; i++ {
		if d.Loc == nil || !d.Online {
			err = r.client.ZRem(ctx, r.key, d.ID).Err()
		} else {
			if err = Validate(*d.Loc); err != nil {
				return err
			}
			err = r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Name: d.ID, Longitude: d.Loc.Lon, Latitude: d.Loc.Lat}).Err()
		}
		if err == nil || i == r.attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
