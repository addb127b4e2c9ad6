package models

import (
	"time"
)

type OfferStatus string

// Ride offer status constants
const (
	OfferStatusAvailable   OfferStatus = "AVAILABLE"
	OfferStatusUnavailable OfferStatus = "UNAVAILABLE"
	OfferStatusCancelled   OfferStatus = "CANCELLED"
	OfferStatusFinished    OfferStatus = "FINISHED"
)

// IsTerminal reports whether no further lifecycle transition is allowed.
func (s OfferStatus) IsTerminal() bool {
	return s == OfferStatusCancelled || s == OfferStatusFinished
}

type RideOffer struct {
	ID             string      `db:"id" json:"id"`
	StartLocation  string      `db:"start_location" json:"start_location"`
	EndLocation    string      `db:"end_location" json:"end_location"`
	DepartureTime  time.Time   `db:"departure_time" json:"departure_time"`
	AvailableSeats int         `db:"available_seats" json:"available_seats"`
	Status         OfferStatus `db:"status" json:"status"`
	CreatorID      string      `db:"creator_id" json:"creator_id"`
	CreatorEmail   string      `db:"creator_email" json:"creator_email"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time   `db:"updated_at" json:"updated_at"`
}

type CreateRideOfferRequest struct {
	StartLocation  string    `json:"start_location" validate:"required,notblank,max=255"`
	EndLocation    string    `json:"end_location" validate:"required,notblank,max=255"`
	DepartureTime  time.Time `json:"departure_time" validate:"required"`
	AvailableSeats int       `json:"available_seats" validate:"required,min=1,max=64"`
}

// EditRideOfferRequest carries the optional fields of an offer edit. Nil fields are left
// untouched. Each field is validated on its own by the service so one bad field does not
// block the others.
type EditRideOfferRequest struct {
	StartLocation  *string      `json:"start_location,omitempty"`
	EndLocation    *string      `json:"end_location,omitempty"`
	DepartureTime  *time.Time   `json:"departure_time,omitempty"`
	AvailableSeats *int         `json:"available_seats,omitempty"`
	Status         *OfferStatus `json:"status,omitempty"`
}

// RideOfferFilter is the predicate used by offer listings. Zero values are ignored.
type RideOfferFilter struct {
	StartLocation  string      `json:"start_location,omitempty"`
	EndLocation    string      `json:"end_location,omitempty"`
	Keyword        string      `json:"keyword,omitempty"`
	Status         OfferStatus `json:"status,omitempty" validate:"omitempty,oneof=AVAILABLE UNAVAILABLE CANCELLED FINISHED"`
	DepartureAfter *time.Time  `json:"departure_after,omitempty"`
	DepartureUntil *time.Time  `json:"departure_until,omitempty"`
	Limit          int         `json:"limit,omitempty" validate:"omitempty,min=1,max=500"`
}

type RideOfferResponse struct {
	ID             string      `json:"id"`
	StartLocation  string      `json:"start_location"`
	EndLocation    string      `json:"end_location"`
	DepartureTime  time.Time   `json:"departure_time"`
	AvailableSeats int         `json:"available_seats"`
	Status         OfferStatus `json:"status"`
	CreatorEmail   string      `json:"creator_email"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

func (o *RideOffer) ToResponse() *RideOfferResponse {
	return &RideOfferResponse{
		ID:             o.ID,
		StartLocation:  o.StartLocation,
		EndLocation:    o.EndLocation,
		DepartureTime:  o.DepartureTime,
		AvailableSeats: o.AvailableSeats,
		Status:         o.Status,
		CreatorEmail:   o.CreatorEmail,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	}
}

func (o *RideOffer) IsOwnedBy(user Identity) bool {
	return o.CreatorID == user.ID
}

func (o *RideOffer) Creator() Identity {
	return Identity{ID: o.CreatorID, Email: o.CreatorEmail}
}

// TakeSeat consumes one seat for an accepted request. It reports false and leaves the
// offer untouched when no seat is left.
func (o *RideOffer) TakeSeat() bool {
	if o.AvailableSeats <= 0 {
		return false
	}
	o.AvailableSeats--
	o.syncSeatStatus()
	return true
}

// ReleaseSeat gives one seat back, reopening an offer that was full.
func (o *RideOffer) ReleaseSeat() {
	o.AvailableSeats++
	o.syncSeatStatus()
}

// SetSeats overwrites the seat budget and derives the status from it.
func (o *RideOffer) SetSeats(seats int) {
	if seats < 0 {
		seats = 0
	}
	o.AvailableSeats = seats
	o.syncSeatStatus()
}

// MarkUnavailable flips an offer whose seats are exhausted but whose status still says
// AVAILABLE. It reports whether anything changed.
func (o *RideOffer) MarkUnavailable() bool {
	if o.Status == OfferStatusUnavailable || o.Status.IsTerminal() {
		return false
	}
	o.Status = OfferStatusUnavailable
	return true
}

// syncSeatStatus keeps AVAILABLE/UNAVAILABLE in line with the seat counter. Terminal
// statuses are never overridden.
func (o *RideOffer) syncSeatStatus() {
	switch {
	case o.Status.IsTerminal():
	case o.AvailableSeats == 0:
		o.Status = OfferStatusUnavailable
	case o.Status == OfferStatusUnavailable:
		o.Status = OfferStatusAvailable
	}
}

// DepartsWithin reports whether departure is closer than lead from now.
func (o *RideOffer) DepartsWithin(now time.Time, lead time.Duration) bool {
	return now.After(o.DepartureTime.Add(-lead))
}
