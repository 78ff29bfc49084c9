package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// PositionPublisher forwards accepted samples to the position feed.
type PositionPublisher interface {
	PublishPosition(ctx context.Context, u models.PositionUpdate) error
}

// VehicleSaver registers or updates a driver's vehicle.
type VehicleSaver interface {
	SaveVehicle(ctx context.Context, v *models.Vehicle) error
}

type Deps struct {
	Coordinator *dispatch.Coordinator
	Machine     *lifecycle.Machine
	Drivers     *availability.Registry
	Locator     geo.Locator
	Vehicles    VehicleSaver
	Positions   PositionPublisher
	Sessions    *notify.WSRegistry
	Ready       func(ctx context.Context) error
	Logger      *slog.Logger
}

type Server struct {
	Deps
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if d.Sessions == nil {
		d.Sessions = notify.NewWSRegistry(logger)
	}
	s := &Server{Deps: d, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/rides", s.handleCreateRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/dispatch", s.handleDispatch).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/transition", s.handleTransition).Methods(http.MethodPost)
	api.HandleFunc("/offers/respond", s.handleRespond).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/vehicle", s.handlePutVehicle).Methods(http.MethodPut)
	api.HandleFunc("/drivers/{id}/online", s.handleOnline).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/offline", s.handleOffline).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}", s.handleGetDriver).Methods(http.MethodGet)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var u models.PositionUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if u.DriverID == "" {
		http.Error(w, "driver_id is required", http.StatusBadRequest)
		return
	}
	if u.At.IsZero() {
		u.At = time.Now()
	}
	if err := s.Locator.Upsert(r.Context(), u.DriverID, u.Pos, u.At); err != nil {
		observability.PositionUpdates.WithLabelValues("invalid").Inc()
		s.writeError(w, err)
		return
	}
	observability.PositionUpdates.WithLabelValues("ok").Inc()
	// publish to kafka if configured
	if s.Positions != nil {
		if err := s.Positions.PublishPosition(r.Context(), u); err != nil {
			s.logger.Warn("position_publish_failed", "driver_id", u.DriverID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var rr models.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&rr); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ride, err := s.Machine.Create(r.Context(), rr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.Coordinator.DispatchAsync(ride.ID)
	writeJSON(w, http.StatusAccepted, ride)
}

type rideView struct {
	*models.Ride
	Offer *dispatch.OfferView `json:"offer,omitempty"`
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ride, err := s.Machine.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	view := rideView{Ride: ride}
	if offer, ok := s.Coordinator.ActiveOffer(id); ok {
		view.Offer = &offer
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	res, err := s.Coordinator.Dispatch(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type cancelRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.Actor == "" {
		req.Actor = "passenger"
	}
	ride, err := s.Coordinator.CancelRide(r.Context(), mux.Vars(r)["id"], req.Actor, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type transitionRequest struct {
	From models.RideStatus `json:"from"`
	To   models.RideStatus `json:"to"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ride, err := s.Coordinator.Advance(r.Context(), mux.Vars(r)["id"], req.From, req.To)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type respondRequest struct {
	RideID   string              `json:"ride_id"`
	DriverID string              `json:"driver_id"`
	Outcome  models.OfferOutcome `json:"outcome"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Outcome != models.OfferAccepted && req.Outcome != models.OfferRejected {
		http.Error(w, "outcome must be accepted or rejected", http.StatusBadRequest)
		return
	}
	recorded := s.Coordinator.RespondToOffer(r.Context(), req.RideID, req.DriverID, req.Outcome)
	writeJSON(w, http.StatusOK, map[string]any{"recorded": recorded})
}

func (s *Server) handlePutVehicle(w http.ResponseWriter, r *http.Request) {
	var v models.Vehicle
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	v.DriverID = mux.Vars(r)["id"]
	if v.ID == "" || v.Category == "" {
		http.Error(w, "id and category are required", http.StatusBadRequest)
		return
	}
	if err := s.Vehicles.SaveVehicle(r.Context(), &v); err != nil {
		s.writeError(w, err)
		return
	}
	s.Drivers.ApplyVehicle(&v)
	writeJSON(w, http.StatusOK, v)
}

type onlineRequest struct {
	VehicleID string `json:"vehicle_id"`
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	var req onlineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.Drivers.SetOnline(r.Context(), id, req.VehicleID); err != nil {
		s.writeError(w, err)
		return
	}
	rec, _ := s.Drivers.Snapshot(id)
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleOffline(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.Drivers.SetOffline(id); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.Locator.Remove(r.Context(), id); err != nil {
		s.logger.Warn("locator_remove_failed", "driver_id", id, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.Drivers.Snapshot(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "driver not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		s.logger.Warn("ws_upgrade_failed", "driver_id", driverID, "error", err)
		return
	}
	s.Sessions.Serve(r.Context(), driverID, conn, func(msg notify.OfferResponse) {
		recorded := s.Coordinator.RespondToOffer(context.Background(), msg.RideID, driverID, models.OfferOutcome(msg.Outcome))
		s.logger.Debug("ws_offer_response", "driver_id", driverID, "ride_id", msg.RideID, "outcome", msg.Outcome, "recorded", recorded)
	})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, lifecycle.ErrBadRequest), errors.Is(err, models.ErrInvalidCoord):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, availability.ErrIneligibleDriver):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, availability.ErrDriverBusy),
		errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, dispatch.ErrDispatchInProgress):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request_failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
