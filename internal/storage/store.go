package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrStaleRide = errors.New("ride was modified concurrently")
)

// Store is the persistence boundary of the dispatch core. SaveRide is a
// compare-and-set on Ride.Version: it fails with ErrStaleRide when the
// stored version moved on, and bumps r.Version on success.
type Store interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	LoadRide(ctx context.Context, id string) (*models.Ride, error)
	SaveRide(ctx context.Context, r *models.Ride) error
	ListRidesByStatus(ctx context.Context, status models.RideStatus) ([]*models.Ride, error)

	LoadDriverVehicle(ctx context.Context, driverID string) (*models.Vehicle, error)
	SaveVehicle(ctx context.Context, v *models.Vehicle) error
}

type MemoryStore struct {
	mu       sync.RWMutex
	rides    map[string]models.Ride
	vehicles map[string]models.Vehicle // by driver id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:    make(map[string]models.Ride),
		vehicles: make(map[string]models.Vehicle),
	}
}

func (m *MemoryStore) CreateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return errors.New("ride already exists")
	}
	m.rides[r.ID] = copyRide(*r)
	return nil
}

func (m *MemoryStore) LoadRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := copyRide(r)
	return &cp, nil
}

func (m *MemoryStore) SaveRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[r.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != r.Version {
		return ErrStaleRide
	}
	r.Version++
	m.rides[r.ID] = copyRide(*r)
	return nil
}

func (m *MemoryStore) ListRidesByStatus(_ context.Context, status models.RideStatus) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.Status == status {
			cp := copyRide(r)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) LoadDriverVehicle(_ context.Context, driverID string) (*models.Vehicle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vehicles[driverID]
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

func (m *MemoryStore) SaveVehicle(_ context.Context, v *models.Vehicle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vehicles[v.DriverID] = *v
	return nil
}

func copyRide(r models.Ride) models.Ride {
	if r.Fare != nil {
		f := *r.Fare
		r.Fare = &f
	}
	return r
}
