package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/aditya/go-carpool/internal/models"
	"github.com/aditya/go-carpool/pkg/utils"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// ErrDuplicateLiveRequest is returned by Create when the requester already holds a
// PENDING or ACCEPTED request on the offer.
var ErrDuplicateLiveRequest = errors.New("live ride request already exists")

const uniqueViolation = "23505"

const requestColumns = `id, ride_offer_id, requester_id, requester_email, status, created_at, updated_at`

type RideRequestRepository interface {
	Create(ctx context.Context, tx *sqlx.Tx, req *models.RideRequest) error
	GetByID(ctx context.Context, id string) (*models.RideRequest, error)
	GetByIDForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*models.RideRequest, error)
	GetByRideOfferID(ctx context.Context, rideOfferID string) ([]*models.RideRequest, error)
	GetByRequesterID(ctx context.Context, requesterID string) ([]*models.RideRequest, error)
	ExistsByRideOfferAndRequester(ctx context.Context, tx *sqlx.Tx, rideOfferID, requesterID string) (bool, error)
	UpdateStatus(ctx context.Context, tx *sqlx.Tx, id string, status models.RequestStatus) error
	RejectByRideOffer(ctx context.Context, tx *sqlx.Tx, rideOfferID string, from []models.RequestStatus) ([]*models.RideRequest, error)
	Delete(ctx context.Context, tx *sqlx.Tx, id string) error
	DeleteByRideOfferID(ctx context.Context, tx *sqlx.Tx, rideOfferID string) (int64, error)
}

type rideRequestRepository struct {
	db *sqlx.DB
}

func NewRideRequestRepository(db *sqlx.DB) RideRequestRepository {
	return &rideRequestRepository{db: db}
}

func (r *rideRequestRepository) Create(ctx context.Context, tx *sqlx.Tx, req *models.RideRequest) error {
	if req.ID == "" {
		req.ID = utils.GenerateID()
	}
	now := time.Now()
	req.CreatedAt = now
	req.UpdatedAt = now
	if req.Status == "" {
		req.Status = models.RequestStatusPending
	}

	query := `
		INSERT INTO ride_requests (id, ride_offer_id, requester_id, requester_email, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := tx.ExecContext(ctx, query,
		req.ID, req.RideOfferID, req.RequesterID, req.RequesterEmail, req.Status, req.CreatedAt, req.UpdatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrDuplicateLiveRequest
	}
	return err
}

func (r *rideRequestRepository) GetByID(ctx context.Context, id string) (*models.RideRequest, error) {
	var req models.RideRequest
	query := `SELECT ` + requestColumns + ` FROM ride_requests WHERE id = $1`
	err := r.db.GetContext(ctx, &req, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// GetByIDForUpdate must be called after the parent offer row is locked so that every
// writer takes locks in offer -> request order.
func (r *rideRequestRepository) GetByIDForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*models.RideRequest, error) {
	var req models.RideRequest
	query := `SELECT ` + requestColumns + ` FROM ride_requests WHERE id = $1 FOR UPDATE`
	err := tx.GetContext(ctx, &req, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *rideRequestRepository) GetByRideOfferID(ctx context.Context, rideOfferID string) ([]*models.RideRequest, error) {
	reqs := []*models.RideRequest{}
	query := `
		SELECT ` + requestColumns + ` FROM ride_requests
		WHERE ride_offer_id = $1
		ORDER BY created_at DESC
	`
	err := r.db.SelectContext(ctx, &reqs, query, rideOfferID)
	return reqs, err
}

func (r *rideRequestRepository) GetByRequesterID(ctx context.Context, requesterID string) ([]*models.RideRequest, error) {
	reqs := []*models.RideRequest{}
	query := `
		SELECT ` + requestColumns + ` FROM ride_requests
		WHERE requester_id = $1
		ORDER BY created_at DESC
	`
	err := r.db.SelectContext(ctx, &reqs, query, requesterID)
	return reqs, err
}

// ExistsByRideOfferAndRequester matches rows in any status.
func (r *rideRequestRepository) ExistsByRideOfferAndRequester(ctx context.Context, tx *sqlx.Tx, rideOfferID, requesterID string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM ride_requests WHERE ride_offer_id = $1 AND requester_id = $2)`
	err := tx.GetContext(ctx, &exists, query, rideOfferID, requesterID)
	return exists, err
}

func (r *rideRequestRepository) UpdateStatus(ctx context.Context, tx *sqlx.Tx, id string, status models.RequestStatus) error {
	query := `UPDATE ride_requests SET status = $1, updated_at = $2 WHERE id = $3`
	_, err := tx.ExecContext(ctx, query, status, time.Now(), id)
	return err
}

// RejectByRideOffer forces every request of the offer currently in one of from to
// REJECTED and returns the rows it changed.
func (r *rideRequestRepository) RejectByRideOffer(ctx context.Context, tx *sqlx.Tx, rideOfferID string, from []models.RequestStatus) ([]*models.RideRequest, error) {
	rejected := []*models.RideRequest{}
	query := `
		UPDATE ride_requests
		SET status = $1, updated_at = $2
		WHERE ride_offer_id = $3 AND status = ANY($4)
		RETURNING ` + requestColumns
	err := tx.SelectContext(ctx, &rejected, query,
		models.RequestStatusRejected, time.Now(), rideOfferID, pq.Array(requestStatusStrings(from)))
	return rejected, err
}

func (r *rideRequestRepository) Delete(ctx context.Context, tx *sqlx.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM ride_requests WHERE id = $1`, id)
	return err
}

func (r *rideRequestRepository) DeleteByRideOfferID(ctx context.Context, tx *sqlx.Tx, rideOfferID string) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM ride_requests WHERE ride_offer_id = $1`, rideOfferID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func requestStatusStrings(statuses []models.RequestStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
