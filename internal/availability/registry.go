// Package availability tracks whether each driver is offline, idle or busy
// and owns the reservation primitive that keeps a driver on one ride.
package availability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrIneligibleDriver = errors.New("driver has no approved vehicle")
	ErrDriverBusy       = errors.New("driver is busy")
	ErrNotReserved      = errors.New("driver is not reserved by this ride")
	ErrUnknownDriver    = errors.New("unknown driver")
)

type State string

const (
	Offline    State = "offline"
	OnlineIdle State = "online_idle"
	OnlineBusy State = "online_busy"
)

// VehicleLoader is the part of the persistence layer the registry needs.
type VehicleLoader interface {
	LoadDriverVehicle(ctx context.Context, driverID string) (*models.Vehicle, error)
}

// Record is a point-in-time copy of a driver's availability.
type Record struct {
	DriverID        string    `json:"driver_id"`
	State           State     `json:"state"`
	VehicleID       string    `json:"vehicle_id,omitempty"`
	VehicleCategory string    `json:"vehicle_category,omitempty"`
	Eligible        bool      `json:"eligible"`
	IdleSince       time.Time `json:"idle_since"`
	RideID          string    `json:"ride_id,omitempty"`
}

type driver struct {
	mu  sync.Mutex
	rec Record
}

// Registry is the only writer of driver availability. Every transition
// takes the per-driver lock, so drivers never contend with each other.
type Registry struct {
	mu       sync.RWMutex
	drivers  map[string]*driver
	vehicles VehicleLoader
	logger   *slog.Logger
	now      func() time.Time
}

func NewRegistry(vehicles VehicleLoader, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		drivers:  make(map[string]*driver),
		vehicles: vehicles,
		logger:   logger,
		now:      time.Now,
	}
}

func (r *Registry) get(driverID string) *driver {
	r.mu.RLock()
	d := r.drivers[driverID]
	r.mu.RUnlock()
	return d
}

func (r *Registry) getOrCreate(driverID string) *driver {
	if d := r.get(driverID); d != nil {
		return d
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[driverID]
	if !ok {
		d = &driver{rec: Record{DriverID: driverID, State: Offline}}
		r.drivers[driverID] = d
	}
	return d
}

// SetOnline marks the driver idle with the given vehicle. The vehicle must
// belong to the driver and be approved.
func (r *Registry) SetOnline(ctx context.Context, driverID, vehicleID string) error {
	v, err := r.vehicles.LoadDriverVehicle(ctx, driverID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrIneligibleDriver
	}
	if err != nil {
		return fmt.Errorf("load vehicle for driver %s: %w", driverID, err)
	}
	if v == nil || v.ID != vehicleID || v.DriverID != driverID || !v.Approved {
		return ErrIneligibleDriver
	}

	d := r.getOrCreate(driverID)
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.rec.State {
	case OnlineBusy:
		return ErrDriverBusy
	case Offline:
		d.rec.IdleSince = r.now()
		observability.DriversOnline.Inc()
	}
	d.rec.State = OnlineIdle
	d.rec.VehicleID = v.ID
	d.rec.VehicleCategory = v.Category
	d.rec.Eligible = true
	r.logger.Info("driver_online", "driver_id", driverID, "vehicle_id", v.ID, "category", v.Category)
	return nil
}

// ApplyVehicle re-evaluates an online driver after their vehicle record
// changed. Losing approval, or switching away from the vehicle the driver
// went online with, makes the driver ineligible until the next SetOnline.
func (r *Registry) ApplyVehicle(v *models.Vehicle) {
	d := r.get(v.DriverID)
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rec.State == Offline {
		return
	}
	eligible := v.Approved && v.ID == d.rec.VehicleID
	if eligible {
		d.rec.VehicleCategory = v.Category
	}
	if d.rec.Eligible != eligible {
		r.logger.Info("driver_eligibility_changed", "driver_id", v.DriverID, "vehicle_id", v.ID, "eligible", eligible)
	}
	d.rec.Eligible = eligible
}

// SetOffline takes an idle driver out of matching.
func (r *Registry) SetOffline(driverID string) error {
	d := r.get(driverID)
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.rec.State {
	case OnlineBusy:
		return ErrDriverBusy
	case OnlineIdle:
		observability.DriversOnline.Dec()
	}
	d.rec.State = Offline
	r.logger.Info("driver_offline", "driver_id", driverID)
	return nil
}

// TryReserve atomically moves an idle driver to busy on behalf of rideID.
// It is the single compare-and-set that prevents double assignment.
func (r *Registry) TryReserve(driverID, rideID string) bool {
	d := r.get(driverID)
	if d == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rec.State != OnlineIdle || !d.rec.Eligible {
		return false
	}
	d.rec.State = OnlineBusy
	d.rec.RideID = rideID
	return true
}

// Release returns a busy driver to idle. Only the ride holding the
// reservation may release it.
func (r *Registry) Release(driverID, rideID string) error {
	d := r.get(driverID)
	if d == nil {
		return ErrUnknownDriver
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rec.State != OnlineBusy || d.rec.RideID != rideID {
		return ErrNotReserved
	}
	d.rec.State = OnlineIdle
	d.rec.RideID = ""
	d.rec.IdleSince = r.now()
	return nil
}

// undoReserve rolls back a TryReserve that a later guard refused, keeping
// the driver's idle time intact.
func (r *Registry) undoReserve(driverID, rideID string) {
	d := r.get(driverID)
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rec.State == OnlineBusy && d.rec.RideID == rideID {
		d.rec.State = OnlineIdle
		d.rec.RideID = ""
	}
}

// Snapshot returns a copy of the driver's record.
func (r *Registry) Snapshot(driverID string) (Record, bool) {
	d := r.get(driverID)
	if d == nil {
		return Record{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rec, true
}

func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	all := make([]*driver, 0, len(r.drivers))
	for _, d := range r.drivers {
		all = append(all, d)
	}
	r.mu.RUnlock()

	n := 0
	for _, d := range all {
		d.mu.Lock()
		if d.rec.State != Offline {
			n++
		}
		d.mu.Unlock()
	}
	return n
}
