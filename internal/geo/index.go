package geo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/mmcloughlin/geohash"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	DefaultPrecision = 6
	DefaultFreshness = 60 * time.Second
	maxPrecision     = 9
	// above this latitude geohash neighbours stop covering the search circle
	polarLimit = 85.0
)

type entry struct {
	pos   models.Coord
	at    time.Time
	cells []string // cells[p-1] is the geohash at precision p
}

// Index is an in-memory Locator. Drivers are bucketed by geohash at every
// precision up to the configured one, so a query scans one cell and its
// eight neighbours at the finest precision whose cells cover the radius.
type Index struct {
	mu        sync.RWMutex
	drivers   map[string]entry
	buckets   []map[string]map[string]struct{}
	precision uint
	freshness time.Duration
	now       func() time.Time
}

func NewIndex(precision uint, freshness time.Duration) *Index {
	if precision == 0 {
		precision = DefaultPrecision
	}
	if precision > maxPrecision {
		precision = maxPrecision
	}
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	buckets := make([]map[string]map[string]struct{}, precision)
	for i := range buckets {
		buckets[i] = make(map[string]map[string]struct{})
	}
	return &Index{
		drivers:   make(map[string]entry),
		buckets:   buckets,
		precision: precision,
		freshness: freshness,
		now:       time.Now,
	}
}

// Upsert records a position. Samples older than the stored one are ignored.
func (g *Index) Upsert(_ context.Context, driverID string, pos models.Coord, at time.Time) error {
	if err := pos.Validate(); err != nil {
		return err
	}
	if at.IsZero() {
		at = g.now()
	}
	cells := g.cellsFor(pos)

	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.drivers[driverID]; ok {
		if at.Before(old.at) {
			return nil
		}
		g.unbucket(driverID, old.cells)
	}
	g.drivers[driverID] = entry{pos: pos, at: at, cells: cells}
	for i, c := range cells {
		set, ok := g.buckets[i][c]
		if !ok {
			set = make(map[string]struct{})
			g.buckets[i][c] = set
		}
		set[driverID] = struct{}{}
	}
	return nil
}

func (g *Index) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.drivers[driverID]; ok {
		g.unbucket(driverID, old.cells)
		delete(g.drivers, driverID)
	}
	return nil
}

// Nearest returns fresh drivers within radiusM of pos, closest first.
// Stale entries met during the scan are evicted afterwards.
func (g *Index) Nearest(_ context.Context, pos models.Coord, radiusM float64, limit int) ([]Neighbor, error) {
	if err := pos.Validate(); err != nil {
		return nil, err
	}
	now := g.now()
	cutoff := now.Add(-g.freshness)

	var out []Neighbor
	var stale []string
	g.mu.RLock()
	visit := func(id string) {
		e := g.drivers[id]
		if e.at.Before(cutoff) {
			stale = append(stale, id)
			return
		}
		d := Distance(pos, e.pos)
		if d <= radiusM {
			out = append(out, Neighbor{DriverID: id, Pos: e.pos, Distance: d, At: e.at})
		}
	}
	if p := g.queryPrecision(pos, radiusM); p > 0 {
		center := geohash.EncodeWithPrecision(pos.Lat, pos.Lon, p)
		seen := make(map[string]bool, 9)
		for _, cell := range append(geohash.Neighbors(center), center) {
			if seen[cell] {
				continue
			}
			seen[cell] = true
			for id := range g.buckets[p-1][cell] {
				visit(id)
			}
		}
	} else {
		for id := range g.drivers {
			visit(id)
		}
	}
	g.mu.RUnlock()

	if len(stale) > 0 {
		g.evict(stale, cutoff)
	}
	return sortNeighbors(out, limit), nil
}

// Len reports how many drivers are indexed, stale ones included.
func (g *Index) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.drivers)
}

// evict re-checks staleness under the write lock so an update that landed
// after the scan survives.
func (g *Index) evict(ids []string, cutoff time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range ids {
		e, ok := g.drivers[id]
		if !ok || !e.at.Before(cutoff) {
			continue
		}
		g.unbucket(id, e.cells)
		delete(g.drivers, id)
	}
}

func (g *Index) unbucket(driverID string, cells []string) {
	for i, c := range cells {
		set := g.buckets[i][c]
		delete(set, driverID)
		if len(set) == 0 {
			delete(g.buckets[i], c)
		}
	}
}

func (g *Index) cellsFor(pos models.Coord) []string {
	full := geohash.EncodeWithPrecision(pos.Lat, pos.Lon, g.precision)
	cells := make([]string, len(full))
	for i := range full {
		cells[i] = full[:i+1]
	}
	return cells
}

// queryPrecision picks the finest precision whose cell is at least radiusM
// tall and wide at the query latitude. Zero means scan everything.
func (g *Index) queryPrecision(pos models.Coord, radiusM float64) uint {
	radiusDeg := radiusM / metersPerDegreeLat
	extremeLat := math.Abs(pos.Lat) + radiusDeg
	if extremeLat >= polarLimit {
		return 0
	}
	shrink := math.Cos(extremeLat * math.Pi / 180)
	for p := g.precision; p >= 1; p-- {
		box := geohash.BoundingBox(geohash.EncodeWithPrecision(pos.Lat, pos.Lon, p))
		heightM := (box.MaxLat - box.MinLat) * metersPerDegreeLat
		widthDeg := box.MaxLng - box.MinLng
		widthM := widthDeg * metersPerDegreeLat * shrink
		if heightM < radiusM || widthM < radiusM {
			continue
		}
		// neighbours do not wrap the antimeridian reliably
		if box.MinLng-widthDeg < -180 || box.MaxLng+widthDeg > 180 {
			return 0
		}
		return p
	}
	return 0
}
