package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/aditya/go-carpool/internal/models"
	"github.com/aditya/go-carpool/pkg/utils"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const defaultOfferListLimit = 100

const offerColumns = `id, start_location, end_location, departure_time, available_seats, status,
	creator_id, creator_email, created_at, updated_at`

type RideOfferRepository interface {
	Create(ctx context.Context, offer *models.RideOffer) error
	GetByID(ctx context.Context, id string) (*models.RideOffer, error)
	GetByIDForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*models.RideOffer, error)
	GetByCreator(ctx context.Context, creatorID string) ([]*models.RideOffer, error)
	Find(ctx context.Context, filter *models.RideOfferFilter) ([]*models.RideOffer, error)
	FindDepartedBefore(ctx context.Context, statuses []models.OfferStatus, cutoff time.Time) ([]*models.RideOffer, error)
	ListProviders(ctx context.Context) ([]*models.Provider, error)
	Update(ctx context.Context, tx *sqlx.Tx, offer *models.RideOffer) error
	Delete(ctx context.Context, tx *sqlx.Tx, id string) error
}

type rideOfferRepository struct {
	db *sqlx.DB
}

func NewRideOfferRepository(db *sqlx.DB) RideOfferRepository {
	return &rideOfferRepository{db: db}
}

func (r *rideOfferRepository) Create(ctx context.Context, offer *models.RideOffer) error {
	if offer.ID == "" {
		offer.ID = utils.GenerateID()
	}
	now := time.Now()
	offer.CreatedAt = now
	offer.UpdatedAt = now
	if offer.Status == "" {
		offer.Status = models.OfferStatusAvailable
	}

	query := `
		INSERT INTO ride_offers (id, start_location, end_location, departure_time, available_seats,
			status, creator_id, creator_email, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		offer.ID, offer.StartLocation, offer.EndLocation, offer.DepartureTime, offer.AvailableSeats,
		offer.Status, offer.CreatorID, offer.CreatorEmail, offer.CreatedAt, offer.UpdatedAt)
	return err
}

func (r *rideOfferRepository) GetByID(ctx context.Context, id string) (*models.RideOffer, error) {
	var offer models.RideOffer
	query := `SELECT ` + offerColumns + ` FROM ride_offers WHERE id = $1`
	err := r.db.GetContext(ctx, &offer, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &offer, nil
}

// GetByIDForUpdate locks the offer row until tx ends. Every seat-counter change goes
// through this lock.
func (r *rideOfferRepository) GetByIDForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*models.RideOffer, error) {
	var offer models.RideOffer
	query := `SELECT ` + offerColumns + ` FROM ride_offers WHERE id = $1 FOR UPDATE`
	err := tx.GetContext(ctx, &offer, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &offer, nil
}

func (r *rideOfferRepository) GetByCreator(ctx context.Context, creatorID string) ([]*models.RideOffer, error) {
	offers := []*models.RideOffer{}
	query := `
		SELECT ` + offerColumns + ` FROM ride_offers
		WHERE creator_id = $1
		ORDER BY departure_time DESC
	`
	err := r.db.SelectContext(ctx, &offers, query, creatorID)
	return offers, err
}

func (r *rideOfferRepository) Find(ctx context.Context, filter *models.RideOfferFilter) ([]*models.RideOffer, error) {
	query, args := buildOfferFilter(filter)
	offers := []*models.RideOffer{}
	err := r.db.SelectContext(ctx, &offers, query, args...)
	return offers, err
}

// likeEscaper makes a keyword match literally inside an ILIKE pattern.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// buildOfferFilter turns the non-zero fields of filter into an AND-ed WHERE clause.
func buildOfferFilter(filter *models.RideOfferFilter) (string, []interface{}) {
	if filter == nil {
		filter = &models.RideOfferFilter{}
	}

	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.StartLocation != "" {
		add("start_location = $%d", filter.StartLocation)
	}
	if filter.EndLocation != "" {
		add("end_location = $%d", filter.EndLocation)
	}
	if filter.Keyword != "" {
		args = append(args, "%"+likeEscaper.Replace(filter.Keyword)+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf(
			`(start_location ILIKE $%[1]d ESCAPE '\' OR end_location ILIKE $%[1]d ESCAPE '\' OR creator_email ILIKE $%[1]d ESCAPE '\')`, n))
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.DepartureAfter != nil {
		add("departure_time >= $%d", *filter.DepartureAfter)
	}
	if filter.DepartureUntil != nil {
		add("departure_time <= $%d", *filter.DepartureUntil)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultOfferListLimit
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + offerColumns + ` FROM ride_offers`)
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	args = append(args, limit)
	fmt.Fprintf(&b, " ORDER BY departure_time ASC LIMIT $%d", len(args))

	return b.String(), args
}

// FindDepartedBefore selects sweep candidates: offers in one of statuses whose departure
// is before cutoff.
func (r *rideOfferRepository) FindDepartedBefore(ctx context.Context, statuses []models.OfferStatus, cutoff time.Time) ([]*models.RideOffer, error) {
	offers := []*models.RideOffer{}
	query := `
		SELECT ` + offerColumns + ` FROM ride_offers
		WHERE status = ANY($1) AND departure_time < $2
		ORDER BY departure_time ASC
	`
	err := r.db.SelectContext(ctx, &offers, query, pq.Array(offerStatusStrings(statuses)), cutoff)
	return offers, err
}

func (r *rideOfferRepository) ListProviders(ctx context.Context) ([]*models.Provider, error) {
	providers := []*models.Provider{}
	query := `
		SELECT DISTINCT creator_id, creator_email FROM ride_offers
		ORDER BY creator_email
	`
	err := r.db.SelectContext(ctx, &providers, query)
	return providers, err
}

// Update writes every mutable column. Creator and created_at never change.
func (r *rideOfferRepository) Update(ctx context.Context, tx *sqlx.Tx, offer *models.RideOffer) error {
	offer.UpdatedAt = time.Now()
	query := `
		UPDATE ride_offers
		SET start_location = $1, end_location = $2, departure_time = $3, available_seats = $4,
			status = $5, updated_at = $6
		WHERE id = $7
	`
	_, err := tx.ExecContext(ctx, query,
		offer.StartLocation, offer.EndLocation, offer.DepartureTime, offer.AvailableSeats,
		offer.Status, offer.UpdatedAt, offer.ID)
	return err
}

func (r *rideOfferRepository) Delete(ctx context.Context, tx *sqlx.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM ride_offers WHERE id = $1`, id)
	return err
}

func offerStatusStrings(statuses []models.OfferStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
