package service

import (
	"context"
	"fmt"
	"time"

	"github.com/aditya/go-carpool/internal/models"
	"github.com/aditya/go-carpool/internal/notify"
	"github.com/aditya/go-carpool/internal/repository"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// LifecycleConfig holds the tunables shared by the offer, request and sweep services.
type LifecycleConfig struct {
	// CancelLeadTime is how long before departure a requester may still give back an
	// accepted seat.
	CancelLeadTime time.Duration
	// AutoFinishAfter is how long after departure an open offer is finished by the sweep.
	AutoFinishAfter time.Duration
	// RetentionPeriod is how long after departure closed offers are kept.
	RetentionPeriod time.Duration
	// LegacyDeleteSeatIncrement gives a seat back on every withdrawn request, accepted or not.
	LegacyDeleteSeatIncrement bool
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

func DefaultLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		CancelLeadTime:  30 * time.Minute,
		AutoFinishAfter: 24 * time.Hour,
		RetentionPeriod: 2 * 365 * 24 * time.Hour,
	}
}

func (c LifecycleConfig) now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}

// notification is queued inside a transaction and delivered after it commits.
type notification struct {
	recipient models.Identity
	event     notify.Event
}

// deliver sends queued notifications. Failures are logged and never surface to the
// caller; the state change they describe is already committed.
func deliver(ctx context.Context, n notify.Notifier, log logrus.FieldLogger, batch []notification) {
	if n == nil {
		return
	}
	for _, item := range batch {
		if err := n.Notify(ctx, item.recipient, item.event); err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"event":         item.event.Type,
				"ride_offer_id": item.event.RideOfferID,
				"user_id":       item.recipient.ID,
			}).Warn("failed to deliver notification")
		}
	}
}

// cancelOffer marks a locked offer CANCELLED and rejects every live request on it.
func cancelOffer(ctx context.Context, tx *sqlx.Tx, offers repository.RideOfferRepository, requests repository.RideRequestRepository, offer *models.RideOffer) ([]notification, error) {
	offer.Status = models.OfferStatusCancelled
	if err := offers.Update(ctx, tx, offer); err != nil {
		return nil, err
	}
	rejected, err := requests.RejectByRideOffer(ctx, tx, offer.ID, models.LiveRequestStatuses)
	if err != nil {
		return nil, err
	}

	batch := make([]notification, 0, len(rejected))
	for _, req := range rejected {
		batch = append(batch, notification{recipient: req.Requester(), event: notify.OfferCancelled(offer, req)})
	}
	return batch, nil
}

// finishOffer marks a locked offer FINISHED and rejects the requests nobody answered.
// Accepted requests keep their status.
func finishOffer(ctx context.Context, tx *sqlx.Tx, offers repository.RideOfferRepository, requests repository.RideRequestRepository, offer *models.RideOffer) ([]notification, error) {
	offer.Status = models.OfferStatusFinished
	if err := offers.Update(ctx, tx, offer); err != nil {
		return nil, err
	}
	rejected, err := requests.RejectByRideOffer(ctx, tx, offer.ID, []models.RequestStatus{models.RequestStatusPending})
	if err != nil {
		return nil, err
	}

	batch := make([]notification, 0, len(rejected))
	for _, req := range rejected {
		batch = append(batch, notification{recipient: req.Requester(), event: notify.RequestAnswered(offer, req)})
	}
	return batch, nil
}

func formatLead(d time.Duration) string {
	if d%time.Hour == 0 && d >= time.Hour {
		return fmt.Sprintf("%d hours", int(d.Hours()))
	}
	return fmt.Sprintf("%d minutes", int(d.Minutes()))
}
