package geo

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// upsertScript writes the position only if it is not older than the stored
// sample, keeping GEOADD and the timestamp in one atomic step.
var upsertScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[2], 'updated')
if cur and tonumber(cur) > tonumber(ARGV[3]) then
  return 0
end
redis.call('GEOADD', KEYS[1], ARGV[1], ARGV[2], ARGV[4])
redis.call('HSET', KEYS[2], 'updated', ARGV[3])
return 1
`)

// evictScript drops a member only if it is still stale.
var evictScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[2], 'updated')
if cur and tonumber(cur) >= tonumber(ARGV[2]) then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
return 1
`)

// RedisGeo implements Locator using Redis GEO commands so several server
// processes can share one index.
type RedisGeo struct {
	client    *redis.Client
	key       string
	freshness time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

func NewRedisGeo(client *redis.Client, key string, freshness time.Duration) *RedisGeo {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &RedisGeo{client: client, key: key, freshness: freshness, now: time.Now, logger: slog.Default()}
}

func (r *RedisGeo) Upsert(ctx context.Context, driverID string, pos models.Coord, at time.Time) error {
	if err := pos.Validate(); err != nil {
		return err
	}
	if at.IsZero() {
		at = r.now()
	}
	return upsertScript.Run(ctx, r.client, []string{r.key, metaKey(driverID)},
		strconv.FormatFloat(pos.Lon, 'f', -1, 64),
		strconv.FormatFloat(pos.Lat, 'f', -1, 64),
		strconv.FormatInt(at.UnixMilli(), 10),
		driverID,
	).Err()
}

func (r *RedisGeo) Remove(ctx context.Context, driverID string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, r.key, driverID)
		p.Del(ctx, metaKey(driverID))
		return nil
	})
	return err
}

func (r *RedisGeo) Nearest(ctx context.Context, pos models.Coord, radiusM float64, limit int) ([]Neighbor, error) {
	if err := pos.Validate(); err != nil {
		return nil, err
	}
	res, err := r.client.GeoRadius(ctx, r.key, pos.Lon, pos.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusM,
		Unit:      "m",
		WithCoord: true,
		WithDist:  true,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	stamps := make([]*redis.StringCmd, len(res))
	for i, g := range res {
		stamps[i] = pipe.HGet(ctx, metaKey(g.Name), "updated")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	cutoff := r.now().Add(-r.freshness).UnixMilli()
	out := make([]Neighbor, 0, len(res))
	var stale []string
	for i, g := range res {
		ms, err := stamps[i].Int64()
		if err != nil || ms < cutoff {
			stale = append(stale, g.Name)
			continue
		}
		out = append(out, Neighbor{
			DriverID: g.Name,
			Pos:      models.Coord{Lat: g.Latitude, Lon: g.Longitude},
			Distance: g.Dist,
			At:       time.UnixMilli(ms),
		})
	}
	for _, id := range stale {
		r.evict(ctx, id, cutoff)
	}
	return sortNeighbors(out, limit), nil
}

// evict is best effort; a member that survives is filtered again on the
// next query.
func (r *RedisGeo) evict(ctx context.Context, driverID string, cutoffMs int64) {
	if err := evictScript.Run(ctx, r.client, []string{r.key, metaKey(driverID)}, driverID, cutoffMs).Err(); err != nil {
		r.logger.Debug("stale_evict_failed", "driver_id", driverID, "error", err)
	}
}

func metaKey(id string) string { return "driver:meta:" + id }
