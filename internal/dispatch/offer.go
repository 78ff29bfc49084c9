package dispatch

import (
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Offer is a single timed proposal of a ride to one reserved driver. It
// resolves exactly once; later outcomes are ignored.
type Offer struct {
	RideID    string
	DriverID  string
	IssuedAt  time.Time
	ExpiresAt time.Time
	ETA       float64

	mu         sync.Mutex
	outcome    models.OfferOutcome
	resolvedAt time.Time
	done       chan struct{}
}

// OfferView is a copy of an offer's state safe to hand out.
type OfferView struct {
	RideID     string              `json:"ride_id"`
	DriverID   string              `json:"driver_id"`
	IssuedAt   time.Time           `json:"issued_at"`
	ExpiresAt  time.Time           `json:"expires_at"`
	ETA        float64             `json:"eta_seconds"`
	Outcome    models.OfferOutcome `json:"outcome"`
	ResolvedAt *time.Time          `json:"resolved_at,omitempty"`
}

func newOffer(rideID, driverID string, issued time.Time, window time.Duration, eta float64) *Offer {
	return &Offer{
		RideID:    rideID,
		DriverID:  driverID,
		IssuedAt:  issued,
		ExpiresAt: issued.Add(window),
		ETA:       eta,
		outcome:   models.OfferPending,
		done:      make(chan struct{}),
	}
}

// Respond records a driver's accept or reject observed at time at. A
// response after ExpiresAt resolves the offer as expired instead. It
// reports whether the driver's outcome was the one recorded.
func (o *Offer) Respond(outcome models.OfferOutcome, at time.Time) bool {
	if outcome != models.OfferAccepted && outcome != models.OfferRejected {
		return false
	}
	if at.After(o.ExpiresAt) {
		o.resolve(models.OfferExpired, at)
		return false
	}
	return o.resolve(outcome, at)
}

// Expire resolves a still pending offer as expired.
func (o *Offer) Expire(at time.Time) bool { return o.resolve(models.OfferExpired, at) }

// Cancel resolves a still pending offer as cancelled.
func (o *Offer) Cancel(at time.Time) bool { return o.resolve(models.OfferCancelled, at) }

func (o *Offer) resolve(outcome models.OfferOutcome, at time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcome != models.OfferPending {
		return false
	}
	o.outcome = outcome
	o.resolvedAt = at
	close(o.done)
	return true
}

func (o *Offer) Outcome() models.OfferOutcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.outcome
}

// Done is closed once the offer is resolved.
func (o *Offer) Done() <-chan struct{} { return o.done }

func (o *Offer) View() OfferView {
	o.mu.Lock()
	defer o.mu.Unlock()
	v := OfferView{
		RideID:    o.RideID,
		DriverID:  o.DriverID,
		IssuedAt:  o.IssuedAt,
		ExpiresAt: o.ExpiresAt,
		ETA:       o.ETA,
		Outcome:   o.outcome,
	}
	if o.outcome != models.OfferPending {
		at := o.resolvedAt
		v.ResolvedAt = &at
	}
	return v
}
