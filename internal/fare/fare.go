// Package fare holds the default fare hook: a base charge plus a per-km
// rate on the straight-line trip distance, scaled per ride type.
package fare

import (
	"context"
	"math"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

type Table struct {
	Base        float64
	PerKm       float64
	Minimum     float64
	Multipliers map[string]float64
}

func DefaultTable() Table {
	return Table{
		Base:    2.5,
		PerKm:   1.2,
		Minimum: 5,
		Multipliers: map[string]float64{
			"economy": 1,
			"comfort": 1.3,
			"premium": 1.8,
		},
	}
}

// Compute returns the fare rounded to cents.
func (t Table) Compute(_ context.Context, r *models.Ride) (float64, error) {
	km := geo.Distance(r.Pickup, r.Destination) / 1000
	mult, ok := t.Multipliers[r.RideType]
	if !ok {
		mult = 1
	}
	f := (t.Base + t.PerKm*km) * mult
	if f < t.Minimum {
		f = t.Minimum
	}
	return math.Round(f*100) / 100, nil
}
