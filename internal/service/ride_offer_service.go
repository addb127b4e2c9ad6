package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aditya/go-carpool/internal/database"
	apperrors "github.com/aditya/go-carpool/internal/errors"
	"github.com/aditya/go-carpool/internal/models"
	"github.com/aditya/go-carpool/internal/notify"
	"github.com/aditya/go-carpool/internal/repository"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

const (
	maxLocationLength = 255
	maxSeats          = 64
)

type RideOfferService interface {
	CreateRideOffer(ctx context.Context, user models.Identity, req *models.CreateRideOfferRequest) (*models.RideOffer, error)
	GetRideOffer(ctx context.Context, id string) (*models.RideOffer, error)
	ListRideOffers(ctx context.Context, filter *models.RideOfferFilter) ([]*models.RideOffer, error)
	ListMyRideOffers(ctx context.Context, user models.Identity) ([]*models.RideOffer, error)
	ListProviders(ctx context.Context) ([]*models.Provider, error)
	EditRideOffer(ctx context.Context, user models.Identity, id string, req *models.EditRideOfferRequest) (*models.RideOffer, error)
	CancelRideOffer(ctx context.Context, user models.Identity, id string) (*models.RideOffer, error)
	FinishRideOffer(ctx context.Context, user models.Identity, id string) (*models.RideOffer, error)
	DeleteRideOffer(ctx context.Context, user models.Identity, id string) error
}

type rideOfferService struct {
	tx          database.Transactor
	offerRepo   repository.RideOfferRepository
	requestRepo repository.RideRequestRepository
	notifier    notify.Notifier
	log         logrus.FieldLogger
	cfg         LifecycleConfig
}

func NewRideOfferService(
	tx database.Transactor,
	offerRepo repository.RideOfferRepository,
	requestRepo repository.RideRequestRepository,
	notifier notify.Notifier,
	log logrus.FieldLogger,
	cfg LifecycleConfig,
) RideOfferService {
	return &rideOfferService{
		tx:          tx,
		offerRepo:   offerRepo,
		requestRepo: requestRepo,
		notifier:    notifier,
		log:         log.WithField("component", "ride_offer_service"),
		cfg:         cfg,
	}
}

func (s *rideOfferService) CreateRideOffer(ctx context.Context, user models.Identity, req *models.CreateRideOfferRequest) (*models.RideOffer, error) {
	if user.IsZero() {
		return nil, apperrors.Unauthorized("missing caller identity")
	}
	if err := validateLocation("start_location", req.StartLocation); err != nil {
		return nil, err
	}
	if err := validateLocation("end_location", req.EndLocation); err != nil {
		return nil, err
	}
	if err := s.validateDeparture(req.DepartureTime); err != nil {
		return nil, err
	}
	if err := validateSeats(req.AvailableSeats, 1); err != nil {
		return nil, err
	}

	offer := &models.RideOffer{
		StartLocation:  strings.TrimSpace(req.StartLocation),
		EndLocation:    strings.TrimSpace(req.EndLocation),
		DepartureTime:  req.DepartureTime.UTC(),
		AvailableSeats: req.AvailableSeats,
		Status:         models.OfferStatusAvailable,
		CreatorID:      user.ID,
		CreatorEmail:   user.Email,
	}
	if err := s.offerRepo.Create(ctx, offer); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"ride_offer_id": offer.ID, "user_id": user.ID}).Info("ride offer created")
	return offer, nil
}

func (s *rideOfferService) GetRideOffer(ctx context.Context, id string) (*models.RideOffer, error) {
	offer, err := s.offerRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if offer == nil {
		return nil, apperrors.NotFound("ride offer")
	}
	return offer, nil
}

func (s *rideOfferService) ListRideOffers(ctx context.Context, filter *models.RideOfferFilter) ([]*models.RideOffer, error) {
	if filter == nil {
		filter = &models.RideOfferFilter{}
	}
	if filter.DepartureAfter != nil && filter.DepartureUntil != nil && filter.DepartureUntil.Before(*filter.DepartureAfter) {
		return nil, apperrors.Validation("departure_until must not be before departure_after")
	}
	return s.offerRepo.Find(ctx, filter)
}

func (s *rideOfferService) ListMyRideOffers(ctx context.Context, user models.Identity) ([]*models.RideOffer, error) {
	return s.offerRepo.GetByCreator(ctx, user.ID)
}

func (s *rideOfferService) ListProviders(ctx context.Context) ([]*models.Provider, error) {
	return s.offerRepo.ListProviders(ctx)
}

// EditRideOffer applies each present field independently: a field is validated on its own
// and written only when it differs from the stored value. Invalid fields are skipped, the
// valid ones are still committed, and the skipped ones come back as a Validation error
// alongside the updated offer. A status of CANCELLED or FINISHED runs the matching
// transition after the field edits.
func (s *rideOfferService) EditRideOffer(ctx context.Context, user models.Identity, id string, req *models.EditRideOfferRequest) (*models.RideOffer, error) {
	var (
		offer    *models.RideOffer
		batch    []notification
		rejected []string
	)

	err := s.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		o, err := s.lockOwnedOffer(ctx, tx, user, id)
		if err != nil {
			return err
		}
		if o.Status.IsTerminal() {
			return apperrors.Conflict("ride offer is " + strings.ToLower(string(o.Status)))
		}

		reject := func(err error) {
			if apiErr, ok := apperrors.As(err); ok {
				rejected = append(rejected, apiErr.Message)
			}
		}

		changed := false
		if req.StartLocation != nil {
			if err := validateLocation("start_location", *req.StartLocation); err != nil {
				reject(err)
			} else if v := strings.TrimSpace(*req.StartLocation); v != o.StartLocation {
				o.StartLocation = v
				changed = true
			}
		}
		if req.EndLocation != nil {
			if err := validateLocation("end_location", *req.EndLocation); err != nil {
				reject(err)
			} else if v := strings.TrimSpace(*req.EndLocation); v != o.EndLocation {
				o.EndLocation = v
				changed = true
			}
		}
		if req.DepartureTime != nil && !req.DepartureTime.Equal(o.DepartureTime) {
			if err := s.validateDeparture(*req.DepartureTime); err != nil {
				reject(err)
			} else {
				o.DepartureTime = req.DepartureTime.UTC()
				changed = true
			}
		}
		if req.AvailableSeats != nil && *req.AvailableSeats != o.AvailableSeats {
			if err := validateSeats(*req.AvailableSeats, 0); err != nil {
				reject(err)
			} else {
				o.SetSeats(*req.AvailableSeats)
				changed = true
			}
		}

		if changed {
			if err := s.offerRepo.Update(ctx, tx, o); err != nil {
				return err
			}
		}

		if req.Status != nil {
			switch *req.Status {
			case models.OfferStatusCancelled:
				batch, err = cancelOffer(ctx, tx, s.offerRepo, s.requestRepo, o)
			case models.OfferStatusFinished:
				batch, err = finishOffer(ctx, tx, s.offerRepo, s.requestRepo, o)
			default:
				reject(apperrors.Validation("status can only be set to CANCELLED or FINISHED"))
			}
			if err != nil {
				return err
			}
		}

		offer = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	deliver(ctx, s.notifier, s.log, batch)

	if len(rejected) > 0 {
		s.log.WithFields(logrus.Fields{
			"ride_offer_id": offer.ID,
			"rejected":      rejected,
		}).Info("ride offer edited with rejected fields")
		return offer, apperrors.Validation(strings.Join(rejected, "; "))
	}
	return offer, nil
}

func (s *rideOfferService) CancelRideOffer(ctx context.Context, user models.Identity, id string) (*models.RideOffer, error) {
	return s.transition(ctx, user, id, cancelOffer)
}

func (s *rideOfferService) FinishRideOffer(ctx context.Context, user models.Identity, id string) (*models.RideOffer, error) {
	return s.transition(ctx, user, id, finishOffer)
}

type offerTransition func(context.Context, *sqlx.Tx, repository.RideOfferRepository, repository.RideRequestRepository, *models.RideOffer) ([]notification, error)

func (s *rideOfferService) transition(ctx context.Context, user models.Identity, id string, apply offerTransition) (*models.RideOffer, error) {
	var (
		offer *models.RideOffer
		batch []notification
	)

	err := s.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		o, err := s.lockOwnedOffer(ctx, tx, user, id)
		if err != nil {
			return err
		}
		// a second cancel or finish must not cascade again
		if o.Status.IsTerminal() {
			return apperrors.Conflict("ride offer is already " + strings.ToLower(string(o.Status)))
		}
		batch, err = apply(ctx, tx, s.offerRepo, s.requestRepo, o)
		if err != nil {
			return err
		}
		offer = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"ride_offer_id": offer.ID,
		"status":        offer.Status,
		"rejected":      len(batch),
	}).Info("ride offer closed")

	deliver(ctx, s.notifier, s.log, batch)
	return offer, nil
}

func (s *rideOfferService) DeleteRideOffer(ctx context.Context, user models.Identity, id string) error {
	return s.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := s.lockOwnedOffer(ctx, tx, user, id); err != nil {
			return err
		}
		if _, err := s.requestRepo.DeleteByRideOfferID(ctx, tx, id); err != nil {
			return err
		}
		return s.offerRepo.Delete(ctx, tx, id)
	})
}

func (s *rideOfferService) lockOwnedOffer(ctx context.Context, tx *sqlx.Tx, user models.Identity, id string) (*models.RideOffer, error) {
	offer, err := s.offerRepo.GetByIDForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if offer == nil {
		return nil, apperrors.NotFound("ride offer")
	}
	if !offer.IsOwnedBy(user) {
		return nil, apperrors.Forbidden("only the creator can modify this ride offer")
	}
	return offer, nil
}

func (s *rideOfferService) validateDeparture(t time.Time) error {
	if t.IsZero() || !t.After(s.cfg.now()) {
		return apperrors.Validation("departure_time must be in the future")
	}
	return nil
}

func validateLocation(field, v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return apperrors.Validation(field + " must not be blank")
	}
	if len(v) > maxLocationLength {
		return apperrors.Validation(fmt.Sprintf("%s must be at most %d characters", field, maxLocationLength))
	}
	return nil
}

func validateSeats(seats, least int) error {
	if seats < least {
		if least == 0 {
			return apperrors.Validation("available_seats must not be negative")
		}
		return apperrors.Validation(fmt.Sprintf("available_seats must be at least %d", least))
	}
	if seats > maxSeats {
		return apperrors.Validation(fmt.Sprintf("available_seats must be at most %d", maxSeats))
	}
	return nil
}
