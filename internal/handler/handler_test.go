package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	apperrors "github.com/aditya/go-carpool/internal/errors"
	"github.com/aditya/go-carpool/internal/middleware"
	"github.com/aditya/go-carpool/internal/models"
	"github.com/aditya/go-carpool/internal/notify"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
)

const (
	offerID   = "6f1c3c3e-2b7a-4c59-9d4f-2f0d6b1e8a11"
	requestID = "0b9e4d2a-7c1f-4e3b-8a5d-3c2e1f0a9b87"
)

var caller = models.Identity{ID: "u-1", Email: "rider@example.com"}

type stubOfferService struct {
	offer     *models.RideOffer
	err       error
	gotFilter *models.RideOfferFilter
	gotEdit   *models.EditRideOfferRequest
	gotUser   models.Identity
}

func (s *stubOfferService) CreateRideOffer(_ context.Context, user models.Identity, req *models.CreateRideOfferRequest) (*models.RideOffer, error) {
	s.gotUser = user
	return s.offer, s.err
}
func (s *stubOfferService) GetRideOffer(context.Context, string) (*models.RideOffer, error) {
	return s.offer, s.err
}
func (s *stubOfferService) ListRideOffers(_ context.Context, f *models.RideOfferFilter) ([]*models.RideOffer, error) {
	s.gotFilter = f
	return []*models.RideOffer{s.offer}, s.err
}
func (s *stubOfferService) ListMyRideOffers(context.Context, models.Identity) ([]*models.RideOffer, error) {
	return nil, s.err
}
func (s *stubOfferService) ListProviders(context.Context) ([]*models.Provider, error) {
	return nil, s.err
}
func (s *stubOfferService) EditRideOffer(_ context.Context, _ models.Identity, _ string, req *models.EditRideOfferRequest) (*models.RideOffer, error) {
	s.gotEdit = req
	return s.offer, s.err
}
func (s *stubOfferService) CancelRideOffer(context.Context, models.Identity, string) (*models.RideOffer, error) {
	return s.offer, s.err
}
func (s *stubOfferService) FinishRideOffer(context.Context, models.Identity, string) (*models.RideOffer, error) {
	return s.offer, s.err
}
func (s *stubOfferService) DeleteRideOffer(context.Context, models.Identity, string) error {
	return s.err
}

type stubRequestService struct {
	req       *models.RideRequest
	err       error
	gotOffer  string
	gotAnswer models.RequestStatus
}

func (s *stubRequestService) CreateRideRequest(_ context.Context, _ models.Identity, id string) (*models.RideRequest, error) {
	s.gotOffer = id
	return s.req, s.err
}
func (s *stubRequestService) AnswerRideRequest(_ context.Context, _ models.Identity, _ string, answer models.RequestStatus) (*models.RideRequest, error) {
	s.gotAnswer = answer
	return s.req, s.err
}
func (s *stubRequestService) DeleteRideRequest(context.Context, models.Identity, string) error {
	return s.err
}
func (s *stubRequestService) EditRideRequestStatus(context.Context, models.Identity, string, models.RequestStatus) (*models.RideRequest, error) {
	return s.req, s.err
}
func (s *stubRequestService) GetRideRequest(context.Context, models.Identity, string) (*models.RideRequest, error) {
	return s.req, s.err
}
func (s *stubRequestService) ListRequestsForOffer(context.Context, models.Identity, string) ([]*models.RideRequest, error) {
	return []*models.RideRequest{s.req}, s.err
}
func (s *stubRequestService) ListMyRequests(context.Context, models.Identity) ([]*models.RideRequest, error) {
	return nil, s.err
}

func withCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(middleware.WithIdentity(r.Context(), caller)))
	})
}

func newRouter(offers *stubOfferService, requests *stubRequestService) http.Handler {
	log, _ := test.NewNullLogger()
	r := chi.NewRouter()
	r.Use(withCaller)
	NewRideOfferHandler(offers, log).RegisterRoutes(r)
	NewRideRequestHandler(requests, log).RegisterRoutes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func sampleOffer() *models.RideOffer {
	return &models.RideOffer{
		ID:             offerID,
		StartLocation:  "Oslo",
		EndLocation:    "Bergen",
		DepartureTime:  time.Now().Add(time.Hour),
		AvailableSeats: 2,
		Status:         models.OfferStatusAvailable,
		CreatorID:      "u-driver",
		CreatorEmail:   "driver@example.com",
	}
}

func TestCreateRideOfferHandler(t *testing.T) {
	departure := time.Now().Add(2 * time.Hour).UTC().Format(time.RFC3339)

	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "created",
			body:       `{"start_location":"Oslo","end_location":"Bergen","departure_time":"` + departure + `","available_seats":2}`,
			wantStatus: http.StatusCreated,
		},
		{
			name:       "malformed json",
			body:       `{"start_location":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "validation_error",
		},
		{
			name:       "blank location",
			body:       `{"start_location":"  ","end_location":"Bergen","departure_time":"` + departure + `","available_seats":2}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "validation_error",
		},
		{
			name:       "service conflict",
			body:       `{"start_location":"Oslo","end_location":"Bergen","departure_time":"` + departure + `","available_seats":2}`,
			err:        apperrors.Validation("departure_time must be in the future"),
			wantStatus: http.StatusBadRequest,
			wantCode:   "validation_error",
		},
		{
			name:       "unexpected error",
			body:       `{"start_location":"Oslo","end_location":"Bergen","departure_time":"` + departure + `","available_seats":2}`,
			err:        errors.New("connection reset"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "internal_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			offers := &stubOfferService{offer: sampleOffer(), err: tt.err}
			rec := do(t, newRouter(offers, &stubRequestService{}), http.MethodPost, "/offers", tt.body)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantCode != "" {
				var body map[string]string
				json.Unmarshal(rec.Body.Bytes(), &body)
				if body["error"] != tt.wantCode {
					t.Errorf("error code = %q, want %q", body["error"], tt.wantCode)
				}
				return
			}
			if offers.gotUser != caller {
				t.Errorf("service got user %+v, want %+v", offers.gotUser, caller)
			}
		})
	}
}

func TestListRideOffersParsesFilter(t *testing.T) {
	offers := &stubOfferService{offer: sampleOffer()}
	h := newRouter(offers, &stubRequestService{})

	rec := do(t, h, http.MethodGet, "/offers?keyword=berg&status=AVAILABLE&departure_after=2026-05-01T00:00:00Z&limit=20", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	f := offers.gotFilter
	if f.Keyword != "berg" || f.Status != models.OfferStatusAvailable || f.Limit != 20 || f.DepartureAfter == nil {
		t.Errorf("filter = %+v", f)
	}

	var list []models.RideOfferResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list) != 1 {
		t.Fatalf("body = %s", rec.Body.String())
	}

	for _, q := range []string{"?departure_after=yesterday", "?limit=ten", "?status=GONE", "?limit=900"} {
		if rec := do(t, h, http.MethodGet, "/offers"+q, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, rec.Code)
		}
	}
}

func TestEditRideOfferHandler(t *testing.T) {
	offers := &stubOfferService{offer: sampleOffer()}
	h := newRouter(offers, &stubRequestService{})

	rec := do(t, h, http.MethodPatch, "/offers/"+offerID, `{"available_seats":3,"status":"CANCELLED"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	if offers.gotEdit.AvailableSeats == nil || *offers.gotEdit.AvailableSeats != 3 || offers.gotEdit.StartLocation != nil {
		t.Errorf("edit = %+v", offers.gotEdit)
	}

	offers.err = apperrors.Validation("status can only be set to CANCELLED or FINISHED")
	rec = do(t, h, http.MethodPatch, "/offers/"+offerID, `{"end_location":"Trondheim","status":"AVAILABLE"}`)
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "CANCELLED or FINISHED") {
		t.Errorf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if offers.gotEdit.EndLocation == nil || *offers.gotEdit.EndLocation != "Trondheim" {
		t.Errorf("valid field not passed on with an invalid one: %+v", offers.gotEdit)
	}
}

func TestOfferTransitionsMapErrors(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		err        error
		wantStatus int
	}{
		{"cancel ok", http.MethodPost, "/offers/" + offerID + "/cancel", nil, http.StatusOK},
		{"cancel twice", http.MethodPost, "/offers/" + offerID + "/cancel", apperrors.Conflict("ride offer is already cancelled"), http.StatusConflict},
		{"finish not owner", http.MethodPost, "/offers/" + offerID + "/finish", apperrors.Forbidden("only the creator"), http.StatusForbidden},
		{"delete ok", http.MethodDelete, "/offers/" + offerID, nil, http.StatusNoContent},
		{"get missing", http.MethodGet, "/offers/" + offerID, apperrors.NotFound("ride offer"), http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			offers := &stubOfferService{offer: sampleOffer(), err: tt.err}
			rec := do(t, newRouter(offers, &stubRequestService{}), tt.method, tt.path, "")
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRideRequestRoutes(t *testing.T) {
	req := &models.RideRequest{ID: requestID, RideOfferID: offerID, RequesterID: caller.ID, RequesterEmail: caller.Email, Status: models.RequestStatusPending}

	t.Run("create uses path offer id", func(t *testing.T) {
		requests := &stubRequestService{req: req}
		rec := do(t, newRouter(&stubOfferService{}, requests), http.MethodPost, "/offers/"+offerID+"/requests", "")
		if rec.Code != http.StatusCreated {
			t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
		}
		if requests.gotOffer != offerID {
			t.Errorf("offer id = %q", requests.gotOffer)
		}
	})

	t.Run("malformed ids are not found", func(t *testing.T) {
		requests := &stubRequestService{req: req}
		router := newRouter(&stubOfferService{}, requests)
		for _, path := range []string{"/offers/not-a-uuid/requests", "/requests/r-1/answer"} {
			rec := do(t, router, http.MethodPost, path, `{"answer":"ACCEPTED"}`)
			if rec.Code != http.StatusNotFound {
				t.Errorf("%s: status = %d, want 404", path, rec.Code)
			}
		}
		if requests.gotOffer != "" || requests.gotAnswer != "" {
			t.Error("service reached with a malformed id")
		}
	})

	t.Run("create conflict", func(t *testing.T) {
		requests := &stubRequestService{err: apperrors.AlreadyRequested()}
		rec := do(t, newRouter(&stubOfferService{}, requests), http.MethodPost, "/offers/"+offerID+"/requests", "")
		if rec.Code != http.StatusConflict || !strings.Contains(rec.Body.String(), "already_requested") {
			t.Errorf("status = %d body = %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("answer", func(t *testing.T) {
		requests := &stubRequestService{req: req}
		rec := do(t, newRouter(&stubOfferService{}, requests), http.MethodPost, "/requests/"+requestID+"/answer", `{"answer":"ACCEPTED"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
		}
		if requests.gotAnswer != models.RequestStatusAccepted {
			t.Errorf("answer = %s", requests.gotAnswer)
		}
	})

	t.Run("answer outside accepted or rejected", func(t *testing.T) {
		rec := do(t, newRouter(&stubOfferService{}, &stubRequestService{req: req}), http.MethodPost, "/requests/"+requestID+"/answer", `{"answer":"PENDING"}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("status edit window closed", func(t *testing.T) {
		requests := &stubRequestService{err: apperrors.CancellationWindowClosed("30 minutes")}
		rec := do(t, newRouter(&stubOfferService{}, requests), http.MethodPatch, "/requests/"+requestID+"/status", `{"status":"CANCELED"}`)
		if rec.Code != http.StatusConflict || !strings.Contains(rec.Body.String(), "cancellation_window_closed") {
			t.Errorf("status = %d body = %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("mine is not an id", func(t *testing.T) {
		rec := do(t, newRouter(&stubOfferService{}, &stubRequestService{req: req}), http.MethodGet, "/requests/mine", "")
		if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
			t.Errorf("status = %d body = %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("delete", func(t *testing.T) {
		rec := do(t, newRouter(&stubOfferService{}, &stubRequestService{}), http.MethodDelete, "/requests/"+requestID, "")
		if rec.Code != http.StatusNoContent {
			t.Errorf("status = %d, want 204", rec.Code)
		}
	})
}

type stubChecker struct{ err error }

func (s stubChecker) Health(context.Context) error { return s.err }

func TestHealthHandler(t *testing.T) {
	log, _ := test.NewNullLogger()

	ok := NewHealthHandler(map[string]HealthChecker{"database": stubChecker{}, "redis": stubChecker{}}, nil, nil, log)
	rec := httptest.NewRecorder()
	ok.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	down := NewHealthHandler(map[string]HealthChecker{"database": stubChecker{err: errors.New("refused")}}, nil, nil, log)
	rec = httptest.NewRecorder()
	down.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), `"database":"down"`) {
		t.Errorf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestNotificationStream(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	log, _ := test.NewNullLogger()
	r := chi.NewRouter()
	r.Use(withCaller)
	NewNotificationHandler(client, log).RegisterRoutes(r)

	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/notifications/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	// the handler is subscribed once headers are sent
	payload := `{"event":{"type":"` + string(notify.EventRequestAnswered) + `"}}`
	if err := client.Publish(context.Background(), notify.UserChannel(caller.ID), payload).Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		close(lines)
	}()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed before notification")
			}
			if line == "data: "+payload {
				return
			}
		case <-deadline:
			t.Fatal("notification not relayed")
		}
	}
}
