package service

import (
	"context"
	"fmt"
	"time"

	"github.com/aditya/go-carpool/internal/database"
	"github.com/aditya/go-carpool/internal/models"
	"github.com/aditya/go-carpool/internal/notify"
	"github.com/aditya/go-carpool/internal/repository"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// SweepResult summarises one batch run.
type SweepResult struct {
	Scanned   int `json:"scanned"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

type SweepService interface {
	// AutoFinish finishes open offers that departed more than AutoFinishAfter before now.
	AutoFinish(ctx context.Context, now time.Time) (*SweepResult, error)
	// PurgeExpired deletes closed offers, with their requests, past the retention period.
	PurgeExpired(ctx context.Context, now time.Time) (*SweepResult, error)
}

type sweepService struct {
	tx          database.Transactor
	offerRepo   repository.RideOfferRepository
	requestRepo repository.RideRequestRepository
	notifier    notify.Notifier
	log         logrus.FieldLogger
	cfg         LifecycleConfig
}

func NewSweepService(
	tx database.Transactor,
	offerRepo repository.RideOfferRepository,
	requestRepo repository.RideRequestRepository,
	notifier notify.Notifier,
	log logrus.FieldLogger,
	cfg LifecycleConfig,
) SweepService {
	return &sweepService{
		tx:          tx,
		offerRepo:   offerRepo,
		requestRepo: requestRepo,
		notifier:    notifier,
		log:         log.WithField("component", "sweep_service"),
		cfg:         cfg,
	}
}

func (s *sweepService) AutoFinish(ctx context.Context, now time.Time) (*SweepResult, error) {
	cutoff := now.Add(-s.cfg.AutoFinishAfter)
	open := []models.OfferStatus{models.OfferStatusAvailable, models.OfferStatusUnavailable}

	return s.sweep(ctx, "auto_finish", open, cutoff, func(tx *sqlx.Tx, offer *models.RideOffer) ([]notification, error) {
		// another replica or the owner may have closed it since the scan
		if offer.Status.IsTerminal() {
			return nil, nil
		}
		return finishOffer(ctx, tx, s.offerRepo, s.requestRepo, offer)
	})
}

func (s *sweepService) PurgeExpired(ctx context.Context, now time.Time) (*SweepResult, error) {
	cutoff := now.Add(-s.cfg.RetentionPeriod)
	closed := []models.OfferStatus{models.OfferStatusFinished, models.OfferStatusCancelled}

	return s.sweep(ctx, "purge_expired", closed, cutoff, func(tx *sqlx.Tx, offer *models.RideOffer) ([]notification, error) {
		if _, err := s.requestRepo.DeleteByRideOfferID(ctx, tx, offer.ID); err != nil {
			return nil, err
		}
		return nil, s.offerRepo.Delete(ctx, tx, offer.ID)
	})
}

// sweep runs apply on every matching offer, one transaction each. A failing offer is
// logged and counted; it does not stop the batch.
func (s *sweepService) sweep(
	ctx context.Context,
	job string,
	statuses []models.OfferStatus,
	cutoff time.Time,
	apply func(tx *sqlx.Tx, offer *models.RideOffer) ([]notification, error),
) (*SweepResult, error) {
	log := s.log.WithFields(logrus.Fields{"job": job, "cutoff": cutoff.Format(time.RFC3339)})

	offers, err := s.offerRepo.FindDepartedBefore(ctx, statuses, cutoff)
	if err != nil {
		return nil, fmt.Errorf("%s: scan offers: %w", job, err)
	}

	result := &SweepResult{Scanned: len(offers)}
	for _, candidate := range offers {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		var batch []notification
		err := s.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
			offer, err := s.offerRepo.GetByIDForUpdate(ctx, tx, candidate.ID)
			if err != nil {
				return err
			}
			// gone, or the owner moved the departure since the scan
			if offer == nil || !offer.DepartureTime.Before(cutoff) {
				return nil
			}
			batch, err = apply(tx, offer)
			return err
		})
		if err != nil {
			result.Failed++
			log.WithError(err).WithField("ride_offer_id", candidate.ID).Error("sweep failed for offer")
			continue
		}

		result.Succeeded++
		deliver(ctx, s.notifier, log, batch)
	}

	log.WithFields(logrus.Fields{
		"scanned":   result.Scanned,
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
	}).Info("sweep finished")
	return result, nil
}
