package notify

import (
	"context"
	"errors"
	"time"

	"github.com/aditya/go-carpool/internal/models"
	"github.com/sirupsen/logrus"
)

type EventType string

const (
	EventRequestCreated  EventType = "RIDE_REQUEST_CREATED"
	EventRequestAnswered EventType = "RIDE_REQUEST_ANSWERED"
	EventOfferCancelled  EventType = "RIDE_OFFER_CANCELLED"
)

// Event is what a recipient is told about. Offer fields are a snapshot taken at the time
// of the change.
type Event struct {
	Type           EventType            `json:"type"`
	RideOfferID    string               `json:"ride_offer_id"`
	RideRequestID  string               `json:"ride_request_id,omitempty"`
	StartLocation  string               `json:"start_location"`
	EndLocation    string               `json:"end_location"`
	DepartureTime  time.Time            `json:"departure_time"`
	RequesterEmail string               `json:"requester_email,omitempty"`
	Outcome        models.RequestStatus `json:"outcome,omitempty"`
	OccurredAt     time.Time            `json:"occurred_at"`
}

// Envelope is the wire form published to brokers.
type Envelope struct {
	RecipientID    string `json:"recipient_id"`
	RecipientEmail string `json:"recipient_email"`
	Event          Event  `json:"event"`
}

// Notifier delivers lifecycle events. Callers treat delivery as best effort.
type Notifier interface {
	Notify(ctx context.Context, recipient models.Identity, event Event) error
}

func RequestCreated(offer *models.RideOffer, req *models.RideRequest) Event {
	return Event{
		Type:           EventRequestCreated,
		RideOfferID:    offer.ID,
		RideRequestID:  req.ID,
		StartLocation:  offer.StartLocation,
		EndLocation:    offer.EndLocation,
		DepartureTime:  offer.DepartureTime,
		RequesterEmail: req.RequesterEmail,
		OccurredAt:     time.Now().UTC(),
	}
}

func RequestAnswered(offer *models.RideOffer, req *models.RideRequest) Event {
	return Event{
		Type:           EventRequestAnswered,
		RideOfferID:    offer.ID,
		RideRequestID:  req.ID,
		StartLocation:  offer.StartLocation,
		EndLocation:    offer.EndLocation,
		DepartureTime:  offer.DepartureTime,
		RequesterEmail: req.RequesterEmail,
		Outcome:        req.Status,
		OccurredAt:     time.Now().UTC(),
	}
}

func OfferCancelled(offer *models.RideOffer, req *models.RideRequest) Event {
	return Event{
		Type:           EventOfferCancelled,
		RideOfferID:    offer.ID,
		RideRequestID:  req.ID,
		StartLocation:  offer.StartLocation,
		EndLocation:    offer.EndLocation,
		DepartureTime:  offer.DepartureTime,
		RequesterEmail: req.RequesterEmail,
		Outcome:        models.RequestStatusRejected,
		OccurredAt:     time.Now().UTC(),
	}
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, recipient models.Identity, event Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, recipient, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type logNotifier struct {
	log logrus.FieldLogger
}

// NewLogNotifier only records events; used when no broker is configured.
func NewLogNotifier(log logrus.FieldLogger) Notifier {
	return &logNotifier{log: log}
}

func (n *logNotifier) Notify(_ context.Context, recipient models.Identity, event Event) error {
	n.log.WithFields(logrus.Fields{
		"recipient":     recipient.Email,
		"event":         event.Type,
		"ride_offer_id": event.RideOfferID,
		"request_id":    event.RideRequestID,
		"outcome":       event.Outcome,
	}).Info("notification")
	return nil
}
