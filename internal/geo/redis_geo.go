package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands. Offline drivers are removed
// from the GEO set; busy drivers stay in it and are filtered through their
// metadata hash.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, d models.Driver) error {
	if !d.Online {
		pipe := r.client.TxPipeline()
		pipe.ZRem(ctx, r.key, d.ID)
		pipe.HSet(ctx, MetaKey(d.ID), "online", "false")
		_, err := pipe.Exec(ctx)
		return err
	}
	updated := d.Updated
	if updated.IsZero() {
		updated = time.Now()
	}
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID})
	pipe.HSet(ctx, MetaKey(d.ID), map[string]interface{}{
		"rating":  strconv.FormatFloat(d.Rating, 'f', 2, 64),
		"online":  "true",
		"updated": updated.UTC().Format(time.RFC3339),
	})
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisGeo) SetAvailable(ctx context.Context, driverID string, available bool) error {
	return r.client.HSet(ctx, MetaKey(driverID), "busy", strconv.FormatBool(!available)).Err()
}

func (r *RedisGeo) FindNearbyAvailableDrivers(ctx context.Context, point models.Coord, radiusMeters float64, limit int) ([]models.NearbyDriver, error) {
	q := &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  point.Lon,
			Latitude:   point.Lat,
			Radius:     radiusMeters,
			RadiusUnit: "m",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}
	if limit > 0 {
		// over-fetch so busy drivers do not starve the result
		q.Count = limit * 4
	}
	res, err := r.client.GeoSearchLocation(ctx, r.key, q).Result()
	if err != nil {
		return nil, fmt.Errorf("geosearch %s: %w", r.key, err)
	}
	if len(res) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	metas := make([]*redis.SliceCmd, len(res))
	for i, loc := range res {
		metas[i] = pipe.HMGet(ctx, MetaKey(loc.Name), "online", "busy")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("driver metadata: %w", err)
	}

	out := make([]models.NearbyDriver, 0, len(res))
	for i, loc := range res {
		vals := metas[i].Val()
		if len(vals) == 2 && (vals[0] == "false" || vals[1] == "true") {
			continue
		}
		out = append(out, models.NearbyDriver{
			ID:             loc.Name,
			Loc:            models.Coord{Lat: loc.Latitude, Lon: loc.Longitude},
			DistanceMeters: loc.Dist,
		})
	}
	SortNearest(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func MetaKey(id string) string { return "driver:meta:" + id }
