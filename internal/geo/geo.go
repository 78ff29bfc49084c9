package geo

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	earthRadiusM       = 6371000.0
	metersPerDegreeLat = math.Pi * earthRadiusM / 180
)

// Locator is the driver position index shared by every dispatch workflow.
// Implementations must make Upsert atomic per driver and drop stale
// positions from Nearest.
type Locator interface {
	Upsert(ctx context.Context, driverID string, pos models.Coord, at time.Time) error
	Remove(ctx context.Context, driverID string) error
	Nearest(ctx context.Context, pos models.Coord, radiusM float64, limit int) ([]Neighbor, error)
}

// Neighbor is one Nearest result. Distance is in meters.
type Neighbor struct {
	DriverID string       `json:"driver_id"`
	Pos      models.Coord `json:"pos"`
	Distance float64      `json:"distance_m"`
	At       time.Time    `json:"at"`
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// Distance is Haversine over two coordinates.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// sortNeighbors orders by distance, then driver id, and applies limit.
func sortNeighbors(out []Neighbor, limit int) []Neighbor {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].DriverID < out[j].DriverID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
