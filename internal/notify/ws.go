package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNoSession = errors.New("no ws session")

const writeWait = 5 * time.Second

// OfferResponse is what a driver app sends back over its session.
type OfferResponse struct {
	RideID  string `json:"ride_id"`
	Outcome string `json:"outcome"`
}

// WSSession represents a connected driver session
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(ev models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(ev)
}

// WSRegistry holds driver sessions and routes events addressed to a driver.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logger}
}

// Add registers conn as the driver's session, replacing any older one.
func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	old := r.sessions[driverID]
	r.sessions[driverID] = s
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
	return s
}

// Remove drops the session only if it is still the current one.
func (r *WSRegistry) Remove(driverID string, s *WSSession) {
	r.mu.Lock()
	if r.sessions[driverID] == s {
		delete(r.sessions, driverID)
	}
	r.mu.Unlock()
}

func (r *WSRegistry) Connected(driverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[driverID]
	return ok
}

func (r *WSRegistry) Notify(_ context.Context, ev models.Event) error {
	if ev.DriverID == "" {
		return nil
	}
	r.mu.RLock()
	s, ok := r.sessions[ev.DriverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(ev); err != nil {
		r.logger.Warn("ws_send_failed", "driver_id", ev.DriverID, "error", err)
		return err
	}
	return nil
}

// Serve registers the connection and reads driver responses until the
// connection closes or ctx is done.
func (r *WSRegistry) Serve(ctx context.Context, driverID string, conn *websocket.Conn, handle func(OfferResponse)) {
	s := r.Add(driverID, conn)
	defer func() {
		r.Remove(driverID, s)
		_ = conn.Close()
	}()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	r.logger.Info("ws_connected", "driver_id", driverID)
	for {
		var msg OfferResponse
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				r.logger.Debug("ws_read_ended", "driver_id", driverID, "error", err)
			}
			return
		}
		if msg.RideID == "" || msg.Outcome == "" {
			continue
		}
		handle(msg)
	}
}
