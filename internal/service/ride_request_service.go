package service

import (
	"context"
	"errors"

	"github.com/aditya/go-carpool/internal/database"
	apperrors "github.com/aditya/go-carpool/internal/errors"
	"github.com/aditya/go-carpool/internal/models"
	"github.com/aditya/go-carpool/internal/notify"
	"github.com/aditya/go-carpool/internal/repository"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

type RideRequestService interface {
	CreateRideRequest(ctx context.Context, user models.Identity, rideOfferID string) (*models.RideRequest, error)
	AnswerRideRequest(ctx context.Context, user models.Identity, requestID string, answer models.RequestStatus) (*models.RideRequest, error)
	DeleteRideRequest(ctx context.Context, user models.Identity, requestID string) error
	EditRideRequestStatus(ctx context.Context, user models.Identity, requestID string, status models.RequestStatus) (*models.RideRequest, error)
	GetRideRequest(ctx context.Context, user models.Identity, requestID string) (*models.RideRequest, error)
	ListRequestsForOffer(ctx context.Context, user models.Identity, rideOfferID string) ([]*models.RideRequest, error)
	ListMyRequests(ctx context.Context, user models.Identity) ([]*models.RideRequest, error)
}

type rideRequestService struct {
	tx          database.Transactor
	offerRepo   repository.RideOfferRepository
	requestRepo repository.RideRequestRepository
	notifier    notify.Notifier
	log         logrus.FieldLogger
	cfg         LifecycleConfig
}

func NewRideRequestService(
	tx database.Transactor,
	offerRepo repository.RideOfferRepository,
	requestRepo repository.RideRequestRepository,
	notifier notify.Notifier,
	log logrus.FieldLogger,
	cfg LifecycleConfig,
) RideRequestService {
	return &rideRequestService{
		tx:          tx,
		offerRepo:   offerRepo,
		requestRepo: requestRepo,
		notifier:    notifier,
		log:         log.WithField("component", "ride_request_service"),
		cfg:         cfg,
	}
}

// CreateRideRequest records a PENDING request. An offer found with no seats left is
// persisted as UNAVAILABLE before the request is refused.
func (s *rideRequestService) CreateRideRequest(ctx context.Context, user models.Identity, rideOfferID string) (*models.RideRequest, error) {
	if user.IsZero() {
		return nil, apperrors.Unauthorized("missing caller identity")
	}

	var (
		offer       *models.RideOffer
		req         *models.RideRequest
		unavailable bool
	)

	err := s.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		o, err := s.offerRepo.GetByIDForUpdate(ctx, tx, rideOfferID)
		if err != nil {
			return err
		}
		if o == nil {
			return apperrors.NotFound("ride offer")
		}

		if o.AvailableSeats <= 0 {
			// commit the status repair, then refuse
			unavailable = true
			if o.MarkUnavailable() {
				return s.offerRepo.Update(ctx, tx, o)
			}
			return nil
		}
		if o.IsOwnedBy(user) {
			return apperrors.Forbidden("you cannot request your own ride offer")
		}
		if o.Status != models.OfferStatusAvailable {
			return apperrors.OfferNotAvailable()
		}

		exists, err := s.requestRepo.ExistsByRideOfferAndRequester(ctx, tx, o.ID, user.ID)
		if err != nil {
			return err
		}
		if exists {
			return apperrors.AlreadyRequested()
		}

		r := &models.RideRequest{
			RideOfferID:    o.ID,
			RequesterID:    user.ID,
			RequesterEmail: user.Email,
			Status:         models.RequestStatusPending,
		}
		if err := s.requestRepo.Create(ctx, tx, r); err != nil {
			if errors.Is(err, repository.ErrDuplicateLiveRequest) {
				return apperrors.AlreadyRequested()
			}
			return err
		}

		offer, req = o, r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if unavailable {
		return nil, apperrors.OfferNotAvailable()
	}

	s.log.WithFields(logrus.Fields{
		"ride_offer_id": offer.ID,
		"request_id":    req.ID,
		"user_id":       user.ID,
	}).Info("ride request created")

	deliver(ctx, s.notifier, s.log, []notification{{recipient: offer.Creator(), event: notify.RequestCreated(offer, req)}})
	return req, nil
}

// AnswerRideRequest lets the offer creator accept or reject a request. Accepting takes a
// seat; the offer becomes UNAVAILABLE when the last one goes.
func (s *rideRequestService) AnswerRideRequest(ctx context.Context, user models.Identity, requestID string, answer models.RequestStatus) (*models.RideRequest, error) {
	if answer != models.RequestStatusAccepted && answer != models.RequestStatusRejected {
		return nil, apperrors.Validation("answer must be ACCEPTED or REJECTED")
	}

	var (
		offer *models.RideOffer
		req   *models.RideRequest
	)

	err := s.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		o, r, err := s.lockRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if r.Status == models.RequestStatusCanceled {
			return apperrors.Conflict("ride request was canceled by the requester")
		}
		if o.Status != models.OfferStatusAvailable {
			return apperrors.OfferNotAvailable()
		}
		if !o.IsOwnedBy(user) {
			return apperrors.Forbidden("only the offer creator can answer this ride request")
		}

		if answer == models.RequestStatusAccepted {
			if r.Status == models.RequestStatusAccepted {
				return apperrors.Conflict("ride request already accepted")
			}
			if !o.TakeSeat() {
				return apperrors.NoSeatsAvailable()
			}
		}

		if err := s.requestRepo.UpdateStatus(ctx, tx, r.ID, answer); err != nil {
			return err
		}
		if answer == models.RequestStatusAccepted {
			if err := s.offerRepo.Update(ctx, tx, o); err != nil {
				return err
			}
		}

		r.Status = answer
		r.UpdatedAt = s.cfg.now()
		offer, req = o, r
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"ride_offer_id":   offer.ID,
		"request_id":      req.ID,
		"answer":          answer,
		"available_seats": offer.AvailableSeats,
	}).Info("ride request answered")

	deliver(ctx, s.notifier, s.log, []notification{{recipient: req.Requester(), event: notify.RequestAnswered(offer, req)}})
	return req, nil
}

// DeleteRideRequest withdraws a request. Only an accepted request gives its seat back
// unless the legacy unconditional increment is enabled, and an accepted request can only
// be withdrawn outside the cancellation lead time.
func (s *rideRequestService) DeleteRideRequest(ctx context.Context, user models.Identity, requestID string) error {
	return s.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		o, r, err := s.lockRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if !r.IsOwnedBy(user) {
			return apperrors.Forbidden("only the requester can delete this ride request")
		}
		if o.Status != models.OfferStatusAvailable {
			return apperrors.OfferNotAvailable()
		}
		// an accepted seat is held to the same window as a cancellation
		if r.Status == models.RequestStatusAccepted && o.DepartsWithin(s.cfg.now(), s.cfg.CancelLeadTime) {
			return apperrors.CancellationWindowClosed(formatLead(s.cfg.CancelLeadTime))
		}

		if s.cfg.LegacyDeleteSeatIncrement || r.Status == models.RequestStatusAccepted {
			o.ReleaseSeat()
			if err := s.offerRepo.Update(ctx, tx, o); err != nil {
				return err
			}
		}
		return s.requestRepo.Delete(ctx, tx, r.ID)
	})
}

// EditRideRequestStatus applies the requester's self-service transitions:
// ACCEPTED->CANCELED before the lead time (seat released), PENDING->CANCELED, and
// CANCELED->PENDING while seats remain.
func (s *rideRequestService) EditRideRequestStatus(ctx context.Context, user models.Identity, requestID string, status models.RequestStatus) (*models.RideRequest, error) {
	switch status {
	case models.RequestStatusPending, models.RequestStatusAccepted, models.RequestStatusRejected, models.RequestStatusCanceled:
	default:
		return nil, apperrors.Validation("unknown ride request status " + string(status))
	}

	var (
		offer    *models.RideOffer
		req      *models.RideRequest
		reopened bool
	)

	err := s.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		o, r, err := s.lockRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if !r.IsOwnedBy(user) {
			return apperrors.Forbidden("only the requester can change this ride request")
		}
		if o.Status.IsTerminal() {
			return apperrors.OfferNotAvailable()
		}
		if !r.CanRequesterTransitionTo(status) {
			return apperrors.InvalidTransition(string(r.Status), string(status))
		}

		switch {
		case r.Status == models.RequestStatusAccepted && status == models.RequestStatusCanceled:
			if o.DepartsWithin(s.cfg.now(), s.cfg.CancelLeadTime) {
				return apperrors.CancellationWindowClosed(formatLead(s.cfg.CancelLeadTime))
			}
			o.ReleaseSeat()
			if err := s.offerRepo.Update(ctx, tx, o); err != nil {
				return err
			}
		case r.Status == models.RequestStatusCanceled && status == models.RequestStatusPending:
			if o.AvailableSeats <= 0 {
				return apperrors.NoSeatsAvailable()
			}
			reopened = true
		}

		if err := s.requestRepo.UpdateStatus(ctx, tx, r.ID, status); err != nil {
			return err
		}

		r.Status = status
		r.UpdatedAt = s.cfg.now()
		offer, req = o, r
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"ride_offer_id": offer.ID,
		"request_id":    req.ID,
		"status":        req.Status,
	}).Info("ride request status changed")

	if reopened {
		deliver(ctx, s.notifier, s.log, []notification{{recipient: offer.Creator(), event: notify.RequestCreated(offer, req)}})
	}
	return req, nil
}

// GetRideRequest is visible to the requester and to the creator of the offer.
func (s *rideRequestService) GetRideRequest(ctx context.Context, user models.Identity, requestID string) (*models.RideRequest, error) {
	req, err := s.requestRepo.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, apperrors.NotFound("ride request")
	}
	if req.IsOwnedBy(user) {
		return req, nil
	}

	offer, err := s.offerRepo.GetByID(ctx, req.RideOfferID)
	if err != nil {
		return nil, err
	}
	if offer == nil || !offer.IsOwnedBy(user) {
		return nil, apperrors.Forbidden("you cannot view this ride request")
	}
	return req, nil
}

func (s *rideRequestService) ListRequestsForOffer(ctx context.Context, user models.Identity, rideOfferID string) ([]*models.RideRequest, error) {
	offer, err := s.offerRepo.GetByID(ctx, rideOfferID)
	if err != nil {
		return nil, err
	}
	if offer == nil {
		return nil, apperrors.NotFound("ride offer")
	}
	if !offer.IsOwnedBy(user) {
		return nil, apperrors.Forbidden("only the creator can list requests for this ride offer")
	}
	return s.requestRepo.GetByRideOfferID(ctx, rideOfferID)
}

func (s *rideRequestService) ListMyRequests(ctx context.Context, user models.Identity) ([]*models.RideRequest, error) {
	return s.requestRepo.GetByRequesterID(ctx, user.ID)
}

// lockRequest locks the parent offer before the request so every seat-touching path takes
// row locks in the same order.
func (s *rideRequestService) lockRequest(ctx context.Context, tx *sqlx.Tx, requestID string) (*models.RideOffer, *models.RideRequest, error) {
	peek, err := s.requestRepo.GetByID(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	if peek == nil {
		return nil, nil, apperrors.NotFound("ride request")
	}

	offer, err := s.offerRepo.GetByIDForUpdate(ctx, tx, peek.RideOfferID)
	if err != nil {
		return nil, nil, err
	}
	req, err := s.requestRepo.GetByIDForUpdate(ctx, tx, requestID)
	if err != nil {
		return nil, nil, err
	}
	if req == nil {
		return nil, nil, apperrors.NotFound("ride request")
	}
	if offer == nil {
		return nil, nil, apperrors.NotFound("ride offer")
	}
	return offer, req, nil
}
