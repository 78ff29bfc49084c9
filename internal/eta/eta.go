package eta

import (
	"context"
	"sync"
	"time"

	"github.com/mmcloughlin/geohash"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Client is a routing collaborator that knows real travel times.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Cache memoizes routing answers. Endpoints are snapped to geohash cells of
// about 150m so nearby drivers share an entry.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	seconds float64
	expires time.Time
}

const cachePrecision = 7

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

func cacheKey(a, b models.Coord) string {
	return geohash.EncodeWithPrecision(a.Lat, a.Lon, cachePrecision) + ">" + geohash.EncodeWithPrecision(b.Lat, b.Lon, cachePrecision)
}

// Get returns the cached estimate if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := cacheKey(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if c.now().After(e.expires) {
		c.mu.Lock()
		if cur, ok := c.store[k]; ok && cur.expires == e.expires {
			delete(c.store, k)
		}
		c.mu.Unlock()
		return 0, false
	}
	return e.seconds, true
}

func (c *Cache) Set(a, b models.Coord, seconds float64) {
	c.mu.Lock()
	c.store[cacheKey(a, b)] = cacheEntry{seconds: seconds, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}

const defaultSpeedMps = 8.0 // ~28.8 km/h city average

// EstimateSeconds is the straight-line fallback: distance over speed.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = defaultSpeedMps
	}
	return geo.Distance(from, to) / speedMps
}

// Estimator asks the routing client first, caches its answers and falls
// back to the straight-line estimate when routing is missing or failing.
type Estimator struct {
	Client   Client
	Cache    *Cache
	SpeedMps float64
}

func (e *Estimator) Estimate(ctx context.Context, from, to models.Coord) float64 {
	if e == nil {
		return EstimateSeconds(from, to, 0)
	}
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
	return EstimateSeconds(from, to, e.SpeedMps)
}
