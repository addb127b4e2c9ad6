package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	apperrors "github.com/aditya/go-carpool/internal/errors"
	"github.com/aditya/go-carpool/internal/models"
	"github.com/aditya/go-carpool/internal/notify"
	"github.com/aditya/go-carpool/internal/repository"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus/hooks/test"
)

// fakeTransactor runs fn without a transaction. The fakes below ignore tx.
type fakeTransactor struct{}

func (fakeTransactor) WithTx(_ context.Context, fn func(tx *sqlx.Tx) error) error {
	return fn(nil)
}

type fakeOfferRepo struct {
	mu         sync.Mutex
	offers     map[string]*models.RideOffer
	seq        int
	updates    int
	failUpdate map[string]error
	// onLock runs against the stored offer before a locked read returns it
	onLock func(o *models.RideOffer)
}

func newFakeOfferRepo() *fakeOfferRepo {
	return &fakeOfferRepo{offers: map[string]*models.RideOffer{}, failUpdate: map[string]error{}}
}

func (f *fakeOfferRepo) Create(_ context.Context, offer *models.RideOffer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	if offer.ID == "" {
		offer.ID = fmt.Sprintf("offer-%d", f.seq)
	}
	if offer.Status == "" {
		offer.Status = models.OfferStatusAvailable
	}
	c := *offer
	f.offers[offer.ID] = &c
	return nil
}

func (f *fakeOfferRepo) GetByID(_ context.Context, id string) (*models.RideOffer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.offers[id]
	if !ok {
		return nil, nil
	}
	c := *o
	return &c, nil
}

func (f *fakeOfferRepo) GetByIDForUpdate(ctx context.Context, _ *sqlx.Tx, id string) (*models.RideOffer, error) {
	if f.onLock != nil {
		f.mu.Lock()
		if o, ok := f.offers[id]; ok {
			f.onLock(o)
		}
		f.mu.Unlock()
	}
	return f.GetByID(ctx, id)
}

func (f *fakeOfferRepo) GetByCreator(_ context.Context, creatorID string) ([]*models.RideOffer, error) {
	return f.collect(func(o *models.RideOffer) bool { return o.CreatorID == creatorID }), nil
}

func (f *fakeOfferRepo) Find(_ context.Context, filter *models.RideOfferFilter) ([]*models.RideOffer, error) {
	return f.collect(func(o *models.RideOffer) bool {
		return filter.Status == "" || o.Status == filter.Status
	}), nil
}

func (f *fakeOfferRepo) FindDepartedBefore(_ context.Context, statuses []models.OfferStatus, cutoff time.Time) ([]*models.RideOffer, error) {
	return f.collect(func(o *models.RideOffer) bool {
		if !o.DepartureTime.Before(cutoff) {
			return false
		}
		for _, s := range statuses {
			if o.Status == s {
				return true
			}
		}
		return false
	}), nil
}

func (f *fakeOfferRepo) ListProviders(_ context.Context) ([]*models.Provider, error) {
	seen := map[string]bool{}
	var providers []*models.Provider
	for _, o := range f.collect(func(*models.RideOffer) bool { return true }) {
		if seen[o.CreatorID] {
			continue
		}
		seen[o.CreatorID] = true
		providers = append(providers, &models.Provider{ID: o.CreatorID, Email: o.CreatorEmail})
	}
	return providers, nil
}

func (f *fakeOfferRepo) Update(_ context.Context, _ *sqlx.Tx, offer *models.RideOffer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failUpdate[offer.ID]; err != nil {
		return err
	}
	if _, ok := f.offers[offer.ID]; !ok {
		return errors.New("offer not found")
	}
	f.updates++
	c := *offer
	f.offers[offer.ID] = &c
	return nil
}

func (f *fakeOfferRepo) Delete(_ context.Context, _ *sqlx.Tx, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.offers, id)
	return nil
}

func (f *fakeOfferRepo) collect(match func(*models.RideOffer) bool) []*models.RideOffer {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.RideOffer
	for _, o := range f.offers {
		if match(o) {
			c := *o
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DepartureTime.Before(out[j].DepartureTime) })
	return out
}

// get reads the stored offer directly, bypassing the copy semantics the services see.
func (f *fakeOfferRepo) get(t *testing.T, id string) *models.RideOffer {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.offers[id]
	if !ok {
		t.Fatalf("offer %s not stored", id)
	}
	return o
}

type fakeRequestRepo struct {
	mu             sync.Mutex
	requests       map[string]*models.RideRequest
	order          []string
	seq            int
	forceDuplicate bool
}

func newFakeRequestRepo() *fakeRequestRepo {
	return &fakeRequestRepo{requests: map[string]*models.RideRequest{}}
}

func (f *fakeRequestRepo) Create(_ context.Context, _ *sqlx.Tx, req *models.RideRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.forceDuplicate {
		return repository.ErrDuplicateLiveRequest
	}
	for _, r := range f.requests {
		if r.RideOfferID == req.RideOfferID && r.RequesterID == req.RequesterID && r.IsLive() {
			return repository.ErrDuplicateLiveRequest
		}
	}
	f.seq++
	if req.ID == "" {
		req.ID = fmt.Sprintf("request-%d", f.seq)
	}
	if req.Status == "" {
		req.Status = models.RequestStatusPending
	}
	c := *req
	f.requests[req.ID] = &c
	f.order = append(f.order, req.ID)
	return nil
}

func (f *fakeRequestRepo) GetByID(_ context.Context, id string) (*models.RideRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.requests[id]
	if !ok {
		return nil, nil
	}
	c := *r
	return &c, nil
}

func (f *fakeRequestRepo) GetByIDForUpdate(ctx context.Context, _ *sqlx.Tx, id string) (*models.RideRequest, error) {
	return f.GetByID(ctx, id)
}

func (f *fakeRequestRepo) GetByRideOfferID(_ context.Context, rideOfferID string) ([]*models.RideRequest, error) {
	return f.collect(func(r *models.RideRequest) bool { return r.RideOfferID == rideOfferID }), nil
}

func (f *fakeRequestRepo) GetByRequesterID(_ context.Context, requesterID string) ([]*models.RideRequest, error) {
	return f.collect(func(r *models.RideRequest) bool { return r.RequesterID == requesterID }), nil
}

func (f *fakeRequestRepo) ExistsByRideOfferAndRequester(_ context.Context, _ *sqlx.Tx, rideOfferID, requesterID string) (bool, error) {
	found := f.collect(func(r *models.RideRequest) bool {
		return r.RideOfferID == rideOfferID && r.RequesterID == requesterID
	})
	return len(found) > 0, nil
}

func (f *fakeRequestRepo) UpdateStatus(_ context.Context, _ *sqlx.Tx, id string, status models.RequestStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.requests[id]
	if !ok {
		return errors.New("request not found")
	}
	r.Status = status
	return nil
}

func (f *fakeRequestRepo) RejectByRideOffer(_ context.Context, _ *sqlx.Tx, rideOfferID string, from []models.RequestStatus) ([]*models.RideRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var rejected []*models.RideRequest
	for _, id := range f.order {
		r, ok := f.requests[id]
		if !ok || r.RideOfferID != rideOfferID {
			continue
		}
		for _, s := range from {
			if r.Status == s {
				r.Status = models.RequestStatusRejected
				c := *r
				rejected = append(rejected, &c)
				break
			}
		}
	}
	return rejected, nil
}

func (f *fakeRequestRepo) Delete(_ context.Context, _ *sqlx.Tx, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.requests, id)
	return nil
}

func (f *fakeRequestRepo) DeleteByRideOfferID(_ context.Context, _ *sqlx.Tx, rideOfferID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, r := range f.requests {
		if r.RideOfferID == rideOfferID {
			delete(f.requests, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeRequestRepo) collect(match func(*models.RideRequest) bool) []*models.RideRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.RideRequest
	for _, id := range f.order {
		r, ok := f.requests[id]
		if ok && match(r) {
			c := *r
			out = append(out, &c)
		}
	}
	return out
}

func (f *fakeRequestRepo) status(t *testing.T, id string) models.RequestStatus {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.requests[id]
	if !ok {
		t.Fatalf("request %s not stored", id)
	}
	return r.Status
}

type sentNotification struct {
	recipient models.Identity
	event     notify.Event
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, recipient models.Identity, event notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{recipient: recipient, event: event})
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

var (
	driver = models.Identity{ID: "u-driver", Email: "driver@example.com"}
	riderA = models.Identity{ID: "u-rider-a", Email: "a@example.com"}
	riderB = models.Identity{ID: "u-rider-b", Email: "b@example.com"}
)

type harness struct {
	now      time.Time
	offers   *fakeOfferRepo
	requests *fakeRequestRepo
	notifier *recordingNotifier
	cfg      LifecycleConfig

	offerSvc   RideOfferService
	requestSvc RideRequestService
	sweepSvc   SweepService
}

func newHarness(t *testing.T, tweak ...func(*LifecycleConfig)) *harness {
	t.Helper()
	log, _ := test.NewNullLogger()

	h := &harness{
		now:      time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC),
		offers:   newFakeOfferRepo(),
		requests: newFakeRequestRepo(),
		notifier: &recordingNotifier{},
	}
	cfg := DefaultLifecycleConfig()
	cfg.Clock = func() time.Time { return h.now }
	for _, fn := range tweak {
		fn(&cfg)
	}
	h.cfg = cfg

	h.offerSvc = NewRideOfferService(fakeTransactor{}, h.offers, h.requests, h.notifier, log, cfg)
	h.requestSvc = NewRideRequestService(fakeTransactor{}, h.offers, h.requests, h.notifier, log, cfg)
	h.sweepSvc = NewSweepService(fakeTransactor{}, h.offers, h.requests, h.notifier, log, cfg)
	return h
}

// seedOffer stores an offer owned by driver departing departIn after the harness clock.
func (h *harness) seedOffer(t *testing.T, seats int, departIn time.Duration) *models.RideOffer {
	t.Helper()
	offer := &models.RideOffer{
		StartLocation:  "Oslo",
		EndLocation:    "Bergen",
		DepartureTime:  h.now.Add(departIn),
		AvailableSeats: seats,
		Status:         models.OfferStatusAvailable,
		CreatorID:      driver.ID,
		CreatorEmail:   driver.Email,
	}
	if seats == 0 {
		offer.Status = models.OfferStatusUnavailable
	}
	if err := h.offers.Create(context.Background(), offer); err != nil {
		t.Fatalf("seed offer: %v", err)
	}
	return offer
}

func (h *harness) seedRequest(t *testing.T, offerID string, user models.Identity, status models.RequestStatus) *models.RideRequest {
	t.Helper()
	req := &models.RideRequest{
		RideOfferID:    offerID,
		RequesterID:    user.ID,
		RequesterEmail: user.Email,
		Status:         status,
	}
	if err := h.requests.Create(context.Background(), nil, req); err != nil {
		t.Fatalf("seed request: %v", err)
	}
	return req
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	apiErr, ok := apperrors.As(err)
	if !ok {
		t.Fatalf("expected *APIError with code %s, got %T: %v", code, err, err)
	}
	if apiErr.Code != code {
		t.Fatalf("error code = %s (%s), want %s", apiErr.Code, apiErr.Message, code)
	}
}
