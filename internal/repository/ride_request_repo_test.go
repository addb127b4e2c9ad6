package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aditya/go-carpool/internal/models"
	"github.com/lib/pq"
)

var requestRowColumns = []string{
	"id", "ride_offer_id", "requester_id", "requester_email", "status", "created_at", "updated_at",
}

func TestRideRequestCreateUniqueViolation(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRideRequestRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO ride_requests`).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	tx, err := db.Beginx()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	err = repo.Create(context.Background(), tx, &models.RideRequest{
		RideOfferID: "offer-1",
		RequesterID: "u-2",
	})
	if !errors.Is(err, ErrDuplicateLiveRequest) {
		t.Fatalf("Create() error = %v, want ErrDuplicateLiveRequest", err)
	}
	tx.Rollback()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRideRequestCreateDefaultsToPending(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRideRequestRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO ride_requests`).
		WithArgs(sqlmock.AnyArg(), "offer-1", "u-2", "rider@example.com", models.RequestStatusPending, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, _ := db.Beginx()
	req := &models.RideRequest{RideOfferID: "offer-1", RequesterID: "u-2", RequesterEmail: "rider@example.com"}
	if err := repo.Create(context.Background(), tx, req); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	tx.Commit()

	if req.ID == "" {
		t.Error("expected generated id")
	}
	if req.Status != models.RequestStatusPending {
		t.Errorf("Status = %s, want PENDING", req.Status)
	}
}

func TestRideRequestExists(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRideRequestRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("offer-1", "u-2").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	tx, _ := db.Beginx()
	exists, err := repo.ExistsByRideOfferAndRequester(context.Background(), tx, "offer-1", "u-2")
	if err != nil {
		t.Fatalf("ExistsByRideOfferAndRequester() error = %v", err)
	}
	if !exists {
		t.Error("expected exists = true")
	}
	tx.Rollback()
}

func TestRideRequestRejectByRideOffer(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRideRequestRepository(db)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE ride_requests .* WHERE ride_offer_id = \$3 AND status = ANY\(\$4\) RETURNING`).
		WithArgs(models.RequestStatusRejected, sqlmock.AnyArg(), "offer-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(requestRowColumns).
			AddRow("r-1", "offer-1", "u-2", "a@example.com", "REJECTED", now, now).
			AddRow("r-2", "offer-1", "u-3", "b@example.com", "REJECTED", now, now))
	mock.ExpectCommit()

	tx, _ := db.Beginx()
	rejected, err := repo.RejectByRideOffer(context.Background(), tx, "offer-1", models.LiveRequestStatuses)
	if err != nil {
		t.Fatalf("RejectByRideOffer() error = %v", err)
	}
	tx.Commit()

	if len(rejected) != 2 {
		t.Fatalf("got %d rejected, want 2", len(rejected))
	}
	for _, r := range rejected {
		if r.Status != models.RequestStatusRejected {
			t.Errorf("request %s status = %s", r.ID, r.Status)
		}
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRideRequestDeleteByRideOfferID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRideRequestRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM ride_requests WHERE ride_offer_id = \$1`).
		WithArgs("offer-1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	tx, _ := db.Beginx()
	n, err := repo.DeleteByRideOfferID(context.Background(), tx, "offer-1")
	if err != nil {
		t.Fatalf("DeleteByRideOfferID() error = %v", err)
	}
	tx.Commit()

	if n != 3 {
		t.Errorf("deleted %d, want 3", n)
	}
}
