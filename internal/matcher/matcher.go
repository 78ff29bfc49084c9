package matcher

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Availability is the read side of the driver registry.
type Availability interface {
	Snapshot(driverID string) (availability.Record, bool)
}

// Compatibility maps a ride type to the vehicle categories allowed to serve it.
// A ride type missing from the table only accepts its own category.
type Compatibility map[string][]string

func (c Compatibility) Allows(rideType, category string) bool {
	rideType, category = strings.ToLower(rideType), strings.ToLower(category)
	allowed, ok := c[rideType]
	if !ok {
		return rideType == category
	}
	for _, a := range allowed {
		if a == category {
			return true
		}
	}
	return false
}

// ParseCompatibility reads "economy=economy|comfort,comfort=comfort".
func ParseCompatibility(s string) (Compatibility, error) {
	out := Compatibility{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		k = strings.ToLower(strings.TrimSpace(k))
		if !ok || k == "" {
			return nil, fmt.Errorf("bad compatibility entry %q", part)
		}
		for _, cat := range strings.Split(v, "|") {
			if cat = strings.ToLower(strings.TrimSpace(cat)); cat != "" {
				out[k] = append(out[k], cat)
			}
		}
	}
	return out, nil
}

// Candidate is a driver that may be offered a ride.
type Candidate struct {
	DriverID  string        `json:"driver_id"`
	Pos       models.Coord  `json:"pos"`
	Distance  float64       `json:"distance_m"`
	IdleFor   time.Duration `json:"idle_for"`
	ETA       float64       `json:"eta_seconds"`
	VehicleID string        `json:"vehicle_id"`
}

type Service struct {
	Geo           geo.Locator
	Drivers       Availability
	Compatibility Compatibility
	TopN          int
	// TieToleranceM groups distances into buckets of this width so idle
	// time decides between drivers that are practically equidistant.
	TieToleranceM float64
	ETA           *eta.Estimator

	now func() time.Time
}

// FindCandidates returns matchable drivers around the pickup ordered by
// distance, then longest idle, then driver id. No match is an empty slice.
func (s *Service) FindCandidates(ctx context.Context, ride *models.Ride, radiusM float64) ([]Candidate, error) {
	limit := s.TopN
	if limit <= 0 {
		limit = 10
	}
	// unbounded: busy or incompatible drivers must not crowd out idle ones,
	// and the idle-time tie-break has to see every equidistant driver
	near, err := s.Geo.Nearest(ctx, ride.Pickup, radiusM, 0)
	if err != nil {
		return nil, fmt.Errorf("nearest drivers for ride %s: %w", ride.ID, err)
	}
	now := time.Now()
	if s.now != nil {
		now = s.now()
	}

	out := make([]Candidate, 0, len(near))
	for _, n := range near {
		rec, ok := s.Drivers.Snapshot(n.DriverID)
		if !ok || rec.State != availability.OnlineIdle || !rec.Eligible {
			continue
		}
		if !s.Compatibility.Allows(ride.RideType, rec.VehicleCategory) {
			continue
		}
		out = append(out, Candidate{
			DriverID:  n.DriverID,
			Pos:       n.Pos,
			Distance:  n.Distance,
			IdleFor:   now.Sub(rec.IdleSince),
			VehicleID: rec.VehicleID,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		di, dj := s.bucket(out[i].Distance), s.bucket(out[j].Distance)
		if di != dj {
			return di < dj
		}
		if out[i].IdleFor != out[j].IdleFor {
			return out[i].IdleFor > out[j].IdleFor
		}
		return out[i].DriverID < out[j].DriverID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		out[i].ETA = s.ETA.Estimate(ctx, out[i].Pos, ride.Pickup)
	}
	return out, nil
}

func (s *Service) bucket(d float64) float64 {
	if s.TieToleranceM <= 0 {
		return d
	}
	return math.Floor(d / s.TieToleranceM)
}
