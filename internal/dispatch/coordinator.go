// Package dispatch runs the offer loop that turns a requested ride into a
// matched one, one driver at a time.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
)

var ErrDispatchInProgress = errors.New("dispatch already running for ride")

// CandidateFinder ranks drivers for a ride within a radius.
type CandidateFinder interface {
	FindCandidates(ctx context.Context, ride *models.Ride, radiusM float64) ([]matcher.Candidate, error)
}

// Reserver is the reservation side of the availability registry.
type Reserver interface {
	TryReserve(driverID, rideID string) bool
	Release(driverID, rideID string) error
}

// Settler charges the passenger once a ride completes.
type Settler interface {
	Settle(ctx context.Context, ride *models.Ride) error
}

type Config struct {
	OfferWindow    time.Duration
	InitialRadiusM float64
	MaxRadiusM     float64
	RadiusGrowth   float64
}

func DefaultConfig() Config {
	return Config{OfferWindow: 15 * time.Second, InitialRadiusM: 3000, MaxRadiusM: 12000, RadiusGrowth: 2}
}

// Result is the final outcome of one dispatch run.
type Result struct {
	RideID   string            `json:"ride_id"`
	Status   models.RideStatus `json:"status"`
	DriverID string            `json:"driver_id,omitempty"`
	Offers   int               `json:"offers"`
	RadiusM  float64           `json:"radius_m"`
}

type session struct {
	offer     *Offer
	cancelled bool
}

type Coordinator struct {
	machine  *lifecycle.Machine
	finder   CandidateFinder
	drivers  Reserver
	notifier notify.Notifier
	settler  Settler
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*session

	// cancelling counts CancelRide calls in flight per ride; a dispatch that
	// starts meanwhile begins already cancelled.
	cancelling map[string]int

	base   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

func NewCoordinator(machine *lifecycle.Machine, finder CandidateFinder, drivers Reserver, notifier notify.Notifier, settler Settler, cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Log{Logger: logger}
	}
	def := DefaultConfig()
	if cfg.OfferWindow <= 0 {
		cfg.OfferWindow = def.OfferWindow
	}
	if cfg.InitialRadiusM <= 0 {
		cfg.InitialRadiusM = def.InitialRadiusM
	}
	if cfg.MaxRadiusM < cfg.InitialRadiusM {
		cfg.MaxRadiusM = cfg.InitialRadiusM
	}
	if cfg.RadiusGrowth <= 1 {
		cfg.RadiusGrowth = def.RadiusGrowth
	}
	base, stop := context.WithCancel(context.Background())
	return &Coordinator{
		machine:    machine,
		finder:     finder,
		drivers:    drivers,
		notifier:   notifier,
		settler:    settler,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		sessions:   make(map[string]*session),
		cancelling: make(map[string]int),
		base:       base,
		stop:       stop,
	}
}

// DispatchAsync runs Dispatch in the background. Runs stop when Close is called.
func (c *Coordinator) DispatchAsync(rideID string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		if _, err := c.Dispatch(c.base, rideID); err != nil && !errors.Is(err, ErrDispatchInProgress) {
			c.logger.Error("dispatch_failed", "ride_id", rideID, "error", err)
		}
	}()
}

// Close cancels background dispatches and waits for them to finish.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.stop()
	c.wg.Wait()
}

func (c *Coordinator) begin(rideID string) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[rideID]; ok {
		return nil, ErrDispatchInProgress
	}
	s := &session{cancelled: c.cancelling[rideID] > 0}
	c.sessions[rideID] = s
	return s, nil
}

func (c *Coordinator) end(rideID string) {
	c.mu.Lock()
	delete(c.sessions, rideID)
	c.mu.Unlock()
}

func (c *Coordinator) cancelled(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return s.cancelled
}

// attach publishes the offer on the session unless the ride was cancelled.
func (c *Coordinator) attach(s *session, o *Offer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.cancelled {
		return false
	}
	s.offer = o
	return true
}

func (c *Coordinator) detach(s *session) {
	c.mu.Lock()
	s.offer = nil
	c.mu.Unlock()
}

// Dispatch searches for a driver, offering the ride to one candidate at a
// time until someone accepts, the candidates run out or the ride is
// cancelled. Running out of drivers is reported as an unmatched Result.
func (c *Coordinator) Dispatch(ctx context.Context, rideID string) (Result, error) {
	s, err := c.begin(rideID)
	if err != nil {
		return Result{}, err
	}
	defer c.end(rideID)

	start := c.now()
	res, err := c.dispatch(ctx, s, rideID)
	if err != nil {
		observability.DispatchOutcomes.WithLabelValues("error").Inc()
		return res, err
	}
	observability.DispatchOutcomes.WithLabelValues(string(res.Status)).Inc()
	observability.DispatchLatency.Observe(c.now().Sub(start).Seconds())
	c.logger.Info("dispatch_finished", "ride_id", rideID, "status", res.Status, "driver_id", res.DriverID, "offers", res.Offers, "radius_m", res.RadiusM)
	return res, nil
}

func (c *Coordinator) dispatch(ctx context.Context, s *session, rideID string) (Result, error) {
	ride, err := c.machine.Get(ctx, rideID)
	if err != nil {
		return Result{}, err
	}
	if ride.Status == models.StatusUnmatched {
		ride, err = c.machine.Transition(ctx, rideID, models.StatusUnmatched, models.StatusRequested, lifecycle.Metadata{Actor: "dispatch"})
		if err != nil {
			return Result{}, err
		}
	}
	if ride.Status != models.StatusRequested {
		return Result{}, &lifecycle.TransitionError{RideID: rideID, From: models.StatusRequested, To: models.StatusMatched, Actual: ride.Status}
	}

	res := Result{RideID: rideID}
	cands, radius, err := c.search(ctx, ride)
	res.RadiusM = radius
	if err != nil {
		return res, err
	}

	for _, cand := range cands {
		if c.cancelled(s) {
			return c.finishCancelled(res), nil
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !c.drivers.TryReserve(cand.DriverID, rideID) {
			observability.ReservationConflicts.Inc()
			c.logger.Debug("candidate_reserved_elsewhere", "ride_id", rideID, "driver_id", cand.DriverID)
			continue
		}

		offer := newOffer(rideID, cand.DriverID, c.now(), c.cfg.OfferWindow, cand.ETA)
		if !c.attach(s, offer) {
			c.release(cand.DriverID, rideID)
			return c.finishCancelled(res), nil
		}
		res.Offers++
		expires := offer.ExpiresAt
		c.emit(ctx, models.Event{Type: models.EventOfferIssued, RideID: rideID, DriverID: cand.DriverID, ExpiresAt: &expires, ETA: cand.ETA})

		outcome := c.await(ctx, offer)
		c.detach(s)
		observability.OffersTotal.WithLabelValues(string(outcome)).Inc()
		c.logger.Info("offer_resolved", "ride_id", rideID, "driver_id", cand.DriverID, "outcome", outcome)

		switch outcome {
		case models.OfferAccepted:
			matched, err := c.machine.Transition(ctx, rideID, models.StatusRequested, models.StatusMatched,
				lifecycle.Metadata{DriverID: cand.DriverID, Actor: "dispatch"})
			if err != nil {
				c.release(cand.DriverID, rideID)
				if c.cancelled(s) {
					return c.finishCancelled(res), nil
				}
				return res, err
			}
			res.Status = matched.Status
			res.DriverID = matched.DriverID
			c.emit(ctx, models.Event{Type: models.EventRideMatched, RideID: rideID, DriverID: matched.DriverID, Status: matched.Status, ETA: cand.ETA})
			return res, nil
		case models.OfferCancelled:
			c.release(cand.DriverID, rideID)
			if ctx.Err() != nil && !c.cancelled(s) {
				return res, ctx.Err()
			}
			return c.finishCancelled(res), nil
		default:
			c.release(cand.DriverID, rideID)
		}
	}

	if c.cancelled(s) {
		return c.finishCancelled(res), nil
	}
	unmatched, err := c.machine.Transition(ctx, rideID, models.StatusRequested, models.StatusUnmatched, lifecycle.Metadata{Actor: "dispatch"})
	if err != nil {
		if c.cancelled(s) {
			return c.finishCancelled(res), nil
		}
		return res, err
	}
	res.Status = unmatched.Status
	c.emit(ctx, models.Event{Type: models.EventRideUnmatched, RideID: rideID, Status: unmatched.Status})
	return res, nil
}

// search widens the radius only while no candidate is found.
func (c *Coordinator) search(ctx context.Context, ride *models.Ride) ([]matcher.Candidate, float64, error) {
	radius := c.cfg.InitialRadiusM
	for {
		cands, err := c.finder.FindCandidates(ctx, ride, radius)
		if err != nil {
			return nil, radius, err
		}
		if len(cands) > 0 || radius >= c.cfg.MaxRadiusM {
			return cands, radius, nil
		}
		radius = math.Min(radius*c.cfg.RadiusGrowth, c.cfg.MaxRadiusM)
		observability.RadiusWidenings.Inc()
		c.logger.Debug("radius_widened", "ride_id", ride.ID, "radius_m", radius)
	}
}

func (c *Coordinator) await(ctx context.Context, o *Offer) models.OfferOutcome {
	timer := time.NewTimer(o.ExpiresAt.Sub(c.now()))
	defer timer.Stop()
	select {
	case <-o.Done():
	case <-timer.C:
		o.Expire(c.now())
	case <-ctx.Done():
		o.Cancel(c.now())
	}
	return o.Outcome()
}

func (c *Coordinator) finishCancelled(res Result) Result {
	res.Status = models.StatusCancelled
	res.DriverID = ""
	return res
}

func (c *Coordinator) release(driverID, rideID string) {
	if err := c.drivers.Release(driverID, rideID); err != nil {
		c.logger.Warn("driver_release_failed", "ride_id", rideID, "driver_id", driverID, "error", err)
	}
}

func (c *Coordinator) emit(ctx context.Context, ev models.Event) {
	ev.At = c.now()
	if err := c.notifier.Notify(ctx, ev); err != nil {
		c.logger.Warn("notify_failed", "type", ev.Type, "ride_id", ev.RideID, "driver_id", ev.DriverID, "error", err)
	}
}

// RespondToOffer records a driver's answer to the ride's pending offer. It
// returns false when there is no pending offer for that driver or the
// answer came too late.
func (c *Coordinator) RespondToOffer(ctx context.Context, rideID, driverID string, outcome models.OfferOutcome) bool {
	c.mu.Lock()
	var o *Offer
	if s, ok := c.sessions[rideID]; ok {
		o = s.offer
	}
	c.mu.Unlock()
	if o == nil || o.DriverID != driverID {
		c.logger.Debug("offer_response_ignored", "ride_id", rideID, "driver_id", driverID, "outcome", outcome)
		return false
	}
	return o.Respond(outcome, c.now())
}

// ActiveOffer returns the ride's pending offer, if any.
func (c *Coordinator) ActiveOffer(rideID string) (OfferView, bool) {
	c.mu.Lock()
	var o *Offer
	if s, ok := c.sessions[rideID]; ok {
		o = s.offer
	}
	c.mu.Unlock()
	if o == nil {
		return OfferView{}, false
	}
	v := o.View()
	return v, v.Outcome == models.OfferPending
}

const cancelAttempts = 5

// CancelRide cancels a ride in any cancellable state. A pending offer is
// withdrawn and its driver released by the dispatch loop; an assigned
// driver is released here. Cancelling an already cancelled ride is a no-op.
func (c *Coordinator) CancelRide(ctx context.Context, rideID, actor, reason string) (*models.Ride, error) {
	return c.cancel(ctx, rideID, "", actor, reason)
}

// cancel moves the ride to cancelled. A non-empty expect pins the status
// the caller read; any other persisted status is a transition error.
func (c *Coordinator) cancel(ctx context.Context, rideID string, expect models.RideStatus, actor, reason string) (*models.Ride, error) {
	if expect != "" {
		r, err := c.machine.Get(ctx, rideID)
		if err != nil {
			return nil, err
		}
		if r.Status != expect || !lifecycle.CanTransition(expect, models.StatusCancelled) {
			return nil, &lifecycle.TransitionError{RideID: rideID, From: expect, To: models.StatusCancelled, Actual: r.Status}
		}
	}

	c.mu.Lock()
	c.cancelling[rideID]++
	var o *Offer
	if s, ok := c.sessions[rideID]; ok {
		s.cancelled = true
		o = s.offer
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.cancelling[rideID]--; c.cancelling[rideID] <= 0 {
			delete(c.cancelling, rideID)
		}
		c.mu.Unlock()
	}()
	if o != nil {
		o.Cancel(c.now())
	}

	var lastErr error
	for i := 0; i < cancelAttempts; i++ {
		r, err := c.machine.Get(ctx, rideID)
		if err != nil {
			return nil, err
		}
		if r.Status == models.StatusCancelled && expect == "" {
			return r, nil
		}
		if (expect != "" && r.Status != expect) || !lifecycle.CanTransition(r.Status, models.StatusCancelled) {
			from := r.Status
			if expect != "" {
				from = expect
			}
			return nil, &lifecycle.TransitionError{RideID: rideID, From: from, To: models.StatusCancelled, Actual: r.Status}
		}
		updated, err := c.machine.Transition(ctx, rideID, r.Status, models.StatusCancelled, lifecycle.Metadata{Actor: actor, Reason: reason})
		if errors.Is(err, lifecycle.ErrInvalidTransition) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, err
		}
		if r.Status.Active() && r.DriverID != "" {
			c.release(r.DriverID, rideID)
		}
		c.emit(ctx, models.Event{Type: models.EventRideCancelled, RideID: rideID, DriverID: r.DriverID, Status: updated.Status})
		return updated, nil
	}
	return nil, fmt.Errorf("cancel ride %s: %w", rideID, lastErr)
}

// Advance moves a ride along its trip once a driver is assigned. Terminal
// statuses free the driver and completion settles the fare.
func (c *Coordinator) Advance(ctx context.Context, rideID string, from, to models.RideStatus) (*models.Ride, error) {
	if to == models.StatusCancelled {
		return c.cancel(ctx, rideID, from, "api", "")
	}
	before, err := c.machine.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	r, err := c.machine.Transition(ctx, rideID, from, to, lifecycle.Metadata{Actor: "api"})
	if err != nil {
		return nil, err
	}
	if (to.Terminal() || to == models.StatusUnmatched) && from.Active() && before.DriverID != "" {
		c.release(before.DriverID, rideID)
	}
	if to == models.StatusCompleted && c.settler != nil {
		if err := c.settler.Settle(ctx, r); err != nil {
			c.logger.Error("settlement_failed", "ride_id", rideID, "error", err)
		}
	}
	c.emit(ctx, models.Event{Type: models.EventStatusChanged, RideID: rideID, DriverID: before.DriverID, Status: r.Status})
	return r, nil
}
