package models

import (
	"time"
)

type RequestStatus string

// Ride request status constants
const (
	RequestStatusPending  RequestStatus = "PENDING"
	RequestStatusAccepted RequestStatus = "ACCEPTED"
	RequestStatusRejected RequestStatus = "REJECTED"
	RequestStatusCanceled RequestStatus = "CANCELED"
)

// LiveRequestStatuses are the statuses that still claim (or may claim) a seat and are
// forced to REJECTED when the offer is cancelled.
var LiveRequestStatuses = []RequestStatus{RequestStatusPending, RequestStatusAccepted}

// Requester self-service transitions. Owner answers are not part of this table.
var RequesterTransitions = map[RequestStatus][]RequestStatus{
	RequestStatusPending:  {RequestStatusCanceled},
	RequestStatusAccepted: {RequestStatusCanceled},
	RequestStatusCanceled: {RequestStatusPending},
	RequestStatusRejected: {},
}

type RideRequest struct {
	ID             string        `db:"id" json:"id"`
	RideOfferID    string        `db:"ride_offer_id" json:"ride_offer_id"`
	RequesterID    string        `db:"requester_id" json:"requester_id"`
	RequesterEmail string        `db:"requester_email" json:"requester_email"`
	Status         RequestStatus `db:"status" json:"status"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updated_at"`
}

type CreateRideRequestRequest struct {
	RideOfferID string `json:"ride_offer_id" validate:"required,uuid"`
}

type AnswerRideRequestRequest struct {
	Answer RequestStatus `json:"answer" validate:"required,oneof=ACCEPTED REJECTED"`
}

type EditRideRequestStatusRequest struct {
	Status RequestStatus `json:"status" validate:"required,oneof=PENDING ACCEPTED REJECTED CANCELED"`
}

type RideRequestResponse struct {
	ID             string        `json:"id"`
	Status         RequestStatus `json:"status"`
	RideOfferID    string        `json:"ride_offer_id"`
	RequesterEmail string        `json:"requester_email"`
	RequestDate    time.Time     `json:"request_date"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

func (r *RideRequest) ToResponse() *RideRequestResponse {
	return &RideRequestResponse{
		ID:             r.ID,
		Status:         r.Status,
		RideOfferID:    r.RideOfferID,
		RequesterEmail: r.RequesterEmail,
		RequestDate:    r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func (r *RideRequest) IsOwnedBy(user Identity) bool {
	return r.RequesterID == user.ID
}

func (r *RideRequest) Requester() Identity {
	return Identity{ID: r.RequesterID, Email: r.RequesterEmail}
}

// CanRequesterTransitionTo checks the requester's self-service table.
func (r *RideRequest) CanRequesterTransitionTo(newStatus RequestStatus) bool {
	for _, state := range RequesterTransitions[r.Status] {
		if state == newStatus {
			return true
		}
	}
	return false
}

// IsLive returns true if the request still counts against the requester's one-per-offer rule
func (r *RideRequest) IsLive() bool {
	return r.Status == RequestStatusPending || r.Status == RequestStatusAccepted
}
