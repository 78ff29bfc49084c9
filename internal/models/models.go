package models

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidCoord = errors.New("invalid coordinates")

// Coord is a WGS84 position in degrees.
type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (c Coord) Validate() error {
	if c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("%w: latitude %f out of range", ErrInvalidCoord, c.Lat)
	}
	if c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("%w: longitude %f out of range", ErrInvalidCoord, c.Lon)
	}
	return nil
}

type RideStatus string

const (
	StatusRequested  RideStatus = "requested"
	StatusMatched    RideStatus = "matched"
	StatusArriving   RideStatus = "arriving"
	StatusInProgress RideStatus = "in_progress"
	StatusCompleted  RideStatus = "completed"
	StatusUnmatched  RideStatus = "unmatched"
	StatusCancelled  RideStatus = "cancelled"
	StatusFailed     RideStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Assigned reports whether a ride in this status must carry a driver.
func (s RideStatus) Assigned() bool {
	switch s {
	case StatusMatched, StatusArriving, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Active reports whether a ride in this status holds its driver busy.
func (s RideStatus) Active() bool {
	return s == StatusMatched || s == StatusArriving || s == StatusInProgress
}

type RideRequest struct {
	PassengerID string `json:"passenger_id"`
	Pickup      Coord  `json:"pickup"`
	Destination Coord  `json:"destination"`
	RideType    string `json:"ride_type"`
}

// Ride is one passenger trip. DriverID is set while the ride is matched,
// arriving, in progress or completed; cancelled and failed rides keep the
// driver they had for audit, and requested or unmatched rides have none.
type Ride struct {
	ID           string     `json:"id"`
	PassengerID  string     `json:"passenger_id"`
	DriverID     string     `json:"driver_id,omitempty"`
	Pickup       Coord      `json:"pickup"`
	Destination  Coord      `json:"destination"`
	RideType     string     `json:"ride_type"`
	Fare         *float64   `json:"fare,omitempty"`
	Status       RideStatus `json:"status"`
	CancelReason string     `json:"cancel_reason,omitempty"`
	Version      int        `json:"version"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

type Vehicle struct {
	ID          string `json:"id"`
	DriverID    string `json:"driver_id"`
	Category    string `json:"category"`
	DocumentURL string `json:"document_url,omitempty"`
	Approved    bool   `json:"approved"`
}

// PositionUpdate is one sample from the driver position feed.
type PositionUpdate struct {
	DriverID string    `json:"driver_id"`
	Pos      Coord     `json:"pos"`
	At       time.Time `json:"at"`
}

type OfferOutcome string

const (
	OfferPending   OfferOutcome = "pending"
	OfferAccepted  OfferOutcome = "accepted"
	OfferRejected  OfferOutcome = "rejected"
	OfferExpired   OfferOutcome = "expired"
	OfferCancelled OfferOutcome = "cancelled"
)

type EventType string

const (
	EventOfferIssued   EventType = "offer_issued"
	EventRideMatched   EventType = "ride_matched"
	EventRideUnmatched EventType = "ride_unmatched"
	EventRideCancelled EventType = "ride_cancelled"
	EventStatusChanged EventType = "ride_status_changed"
)

// Event is emitted by the dispatch core for downstream delivery.
type Event struct {
	Type      EventType  `json:"type"`
	RideID    string     `json:"ride_id"`
	DriverID  string     `json:"driver_id,omitempty"`
	Status    RideStatus `json:"status,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	ETA       float64    `json:"eta_seconds,omitempty"`
	At        time.Time  `json:"at"`
}
