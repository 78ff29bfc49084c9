// Package lifecycle owns ride status. It is the only code that writes
// Ride.Status and Ride.DriverID.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrInvalidTransition = errors.New("invalid ride transition")
	ErrBadRequest        = errors.New("bad ride request")
)

// AllowedTransitions is the ride state diagram as code.
var AllowedTransitions = map[models.RideStatus][]models.RideStatus{
	models.StatusRequested:  {models.StatusMatched, models.StatusUnmatched, models.StatusCancelled},
	models.StatusMatched:    {models.StatusArriving, models.StatusUnmatched, models.StatusCancelled},
	models.StatusArriving:   {models.StatusInProgress, models.StatusCancelled},
	models.StatusInProgress: {models.StatusCompleted, models.StatusFailed},
	models.StatusUnmatched:  {models.StatusRequested, models.StatusCancelled},
}

func CanTransition(from, to models.RideStatus) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// FareFunc computes the fare of a ride that is being completed.
type FareFunc func(ctx context.Context, r *models.Ride) (float64, error)

// Metadata travels with a transition.
type Metadata struct {
	DriverID string
	Fare     *float64
	Actor    string
	Reason   string
}

// TransitionError carries the attempted edge and the status actually found.
type TransitionError struct {
	RideID string
	From   models.RideStatus
	To     models.RideStatus
	Actual models.RideStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("ride %s: %s -> %s rejected (current %s)", e.RideID, e.From, e.To, e.Actual)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

type Machine struct {
	store  storage.Store
	fare   FareFunc
	logger *slog.Logger
	now    func() time.Time
}

func NewMachine(store storage.Store, fare FareFunc, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{store: store, fare: fare, logger: logger, now: time.Now}
}

// Create persists a new ride in the requested state.
func (m *Machine) Create(ctx context.Context, req models.RideRequest) (*models.Ride, error) {
	if strings.TrimSpace(req.PassengerID) == "" || strings.TrimSpace(req.RideType) == "" {
		return nil, fmt.Errorf("%w: passenger_id and ride_type are required", ErrBadRequest)
	}
	if err := req.Pickup.Validate(); err != nil {
		return nil, fmt.Errorf("%w: pickup: %v", ErrBadRequest, err)
	}
	if err := req.Destination.Validate(); err != nil {
		return nil, fmt.Errorf("%w: destination: %v", ErrBadRequest, err)
	}
	now := m.now()
	r := &models.Ride{
		ID:          uuid.NewString(),
		PassengerID: req.PassengerID,
		Pickup:      req.Pickup,
		Destination: req.Destination,
		RideType:    strings.ToLower(req.RideType),
		Status:      models.StatusRequested,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.CreateRide(ctx, r); err != nil {
		return nil, err
	}
	m.logger.Info("ride_requested", "ride_id", r.ID, "passenger_id", r.PassengerID, "ride_type", r.RideType)
	return r, nil
}

func (m *Machine) Get(ctx context.Context, rideID string) (*models.Ride, error) {
	return m.store.LoadRide(ctx, rideID)
}

// Transition moves a ride from one status to another in a single write.
// It fails with ErrInvalidTransition when the edge is not allowed, when the
// persisted status is not from, or when another writer got there first.
func (m *Machine) Transition(ctx context.Context, rideID string, from, to models.RideStatus, meta Metadata) (*models.Ride, error) {
	r, err := m.transition(ctx, rideID, from, to, meta)
	result := "ok"
	switch {
	case errors.Is(err, ErrInvalidTransition):
		result = "rejected"
		m.logger.Warn("ride_transition_rejected", "ride_id", rideID, "from", from, "to", to, "error", err)
	case err != nil:
		result = "error"
		m.logger.Error("ride_transition_failed", "ride_id", rideID, "from", from, "to", to, "error", err)
	default:
		m.logger.Info("ride_transition", "ride_id", rideID, "from", from, "to", to, "driver_id", r.DriverID, "actor", meta.Actor)
	}
	observability.Transitions.WithLabelValues(string(from), string(to), result).Inc()
	return r, err
}

func (m *Machine) transition(ctx context.Context, rideID string, from, to models.RideStatus, meta Metadata) (*models.Ride, error) {
	if !CanTransition(from, to) {
		return nil, &TransitionError{RideID: rideID, From: from, To: to, Actual: from}
	}
	r, err := m.store.LoadRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.Status != from {
		return nil, &TransitionError{RideID: rideID, From: from, To: to, Actual: r.Status}
	}

	switch to {
	case models.StatusMatched:
		if meta.DriverID == "" {
			return nil, fmt.Errorf("%w: driver required to match ride %s", ErrInvalidTransition, rideID)
		}
		r.DriverID = meta.DriverID
	case models.StatusUnmatched, models.StatusRequested:
		r.DriverID = ""
	case models.StatusCompleted:
		fare, err := m.computeFare(ctx, r, meta.Fare)
		if err != nil {
			return nil, err
		}
		r.Fare = &fare
	case models.StatusCancelled:
		r.CancelReason = meta.Reason
	}
	r.Status = to
	r.UpdatedAt = m.now()

	if err := m.store.SaveRide(ctx, r); err != nil {
		if errors.Is(err, storage.ErrStaleRide) {
			return nil, fmt.Errorf("%w: ride %s changed while moving %s -> %s", ErrInvalidTransition, rideID, from, to)
		}
		return nil, err
	}
	return r, nil
}

func (m *Machine) computeFare(ctx context.Context, r *models.Ride, given *float64) (float64, error) {
	if given != nil {
		return *given, nil
	}
	if m.fare == nil {
		return 0, nil
	}
	f, err := m.fare(ctx, r)
	if err != nil {
		return 0, fmt.Errorf("compute fare for ride %s: %w", r.ID, err)
	}
	return f, nil
}
