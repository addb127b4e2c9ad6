package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/aditya/go-carpool/internal/middleware"
	"github.com/aditya/go-carpool/internal/models"
	"github.com/aditya/go-carpool/internal/service"
	"github.com/aditya/go-carpool/pkg/utils"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

type RideOfferHandler struct {
	offerService service.RideOfferService
	validate     *validator.Validate
	log          logrus.FieldLogger
}

func NewRideOfferHandler(offerService service.RideOfferService, log logrus.FieldLogger) *RideOfferHandler {
	return &RideOfferHandler{
		offerService: offerService,
		validate:     utils.NewValidator(),
		log:          log,
	}
}

func (h *RideOfferHandler) RegisterRoutes(r chi.Router) {
	r.Post("/offers", h.CreateRideOffer)
	r.Get("/offers", h.ListRideOffers)
	r.Get("/offers/mine", h.ListMyRideOffers)
	r.Get("/offers/providers", h.ListProviders)

	byID := r.With(requireID("ride offer"))
	byID.Get("/offers/{id}", h.GetRideOffer)
	byID.Patch("/offers/{id}", h.EditRideOffer)
	byID.Post("/offers/{id}/cancel", h.CancelRideOffer)
	byID.Post("/offers/{id}/finish", h.FinishRideOffer)
	byID.Delete("/offers/{id}", h.DeleteRideOffer)
}

// POST /v1/offers
func (h *RideOfferHandler) CreateRideOffer(w http.ResponseWriter, r *http.Request) {
	var req models.CreateRideOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.BadRequest(w, "invalid request body")
		return
	}

	if err := h.validate.Struct(req); err != nil {
		utils.BadRequest(w, utils.ValidationMessage(err))
		return
	}

	offer, err := h.offerService.CreateRideOffer(r.Context(), middleware.IdentityFromContext(r.Context()), &req)
	if err != nil {
		handleError(w, h.log, err)
		return
	}

	utils.Created(w, offer.ToResponse())
}

// GET /v1/offers?start_location=&end_location=&keyword=&status=&departure_after=&departure_until=&limit=
func (h *RideOfferHandler) ListRideOffers(w http.ResponseWriter, r *http.Request) {
	filter, err := parseOfferFilter(r)
	if err != nil {
		utils.BadRequest(w, err.Error())
		return
	}
	if err := h.validate.Struct(filter); err != nil {
		utils.BadRequest(w, utils.ValidationMessage(err))
		return
	}

	offers, err := h.offerService.ListRideOffers(r.Context(), filter)
	if err != nil {
		handleError(w, h.log, err)
		return
	}

	utils.Success(w, offerResponses(offers))
}

// GET /v1/offers/mine
func (h *RideOfferHandler) ListMyRideOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := h.offerService.ListMyRideOffers(r.Context(), middleware.IdentityFromContext(r.Context()))
	if err != nil {
		handleError(w, h.log, err)
		return
	}

	utils.Success(w, offerResponses(offers))
}

// GET /v1/offers/providers
func (h *RideOfferHandler) ListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := h.offerService.ListProviders(r.Context())
	if err != nil {
		handleError(w, h.log, err)
		return
	}
	if providers == nil {
		providers = []*models.Provider{}
	}

	utils.Success(w, providers)
}

// GET /v1/offers/{id}
func (h *RideOfferHandler) GetRideOffer(w http.ResponseWriter, r *http.Request) {
	offer, err := h.offerService.GetRideOffer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, h.log, err)
		return
	}

	utils.Success(w, offer.ToResponse())
}

// PATCH /v1/offers/{id}
// Valid fields are saved even when others are rejected; the 400 lists the rejected ones.
func (h *RideOfferHandler) EditRideOffer(w http.ResponseWriter, r *http.Request) {
	var req models.EditRideOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.BadRequest(w, "invalid request body")
		return
	}

	offer, err := h.offerService.EditRideOffer(r.Context(), middleware.IdentityFromContext(r.Context()), chi.URLParam(r, "id"), &req)
	if err != nil {
		handleError(w, h.log, err)
		return
	}

	utils.Success(w, offer.ToResponse())
}

// POST /v1/offers/{id}/cancel
func (h *RideOfferHandler) CancelRideOffer(w http.ResponseWriter, r *http.Request) {
	offer, err := h.offerService.CancelRideOffer(r.Context(), middleware.IdentityFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, h.log, err)
		return
	}

	utils.Success(w, offer.ToResponse())
}

// POST /v1/offers/{id}/finish
func (h *RideOfferHandler) FinishRideOffer(w http.ResponseWriter, r *http.Request) {
	offer, err := h.offerService.FinishRideOffer(r.Context(), middleware.IdentityFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, h.log, err)
		return
	}

	utils.Success(w, offer.ToResponse())
}

// DELETE /v1/offers/{id}
func (h *RideOfferHandler) DeleteRideOffer(w http.ResponseWriter, r *http.Request) {
	if err := h.offerService.DeleteRideOffer(r.Context(), middleware.IdentityFromContext(r.Context()), chi.URLParam(r, "id")); err != nil {
		handleError(w, h.log, err)
		return
	}

	utils.NoContent(w)
}

func parseOfferFilter(r *http.Request) (*models.RideOfferFilter, error) {
	q := r.URL.Query()
	filter := &models.RideOfferFilter{
		StartLocation: q.Get("start_location"),
		EndLocation:   q.Get("end_location"),
		Keyword:       q.Get("keyword"),
		Status:        models.OfferStatus(q.Get("status")),
	}

	if v := q.Get("departure_after"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, errInvalidQuery("departure_after must be RFC 3339")
		}
		filter.DepartureAfter = &t
	}
	if v := q.Get("departure_until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, errInvalidQuery("departure_until must be RFC 3339")
		}
		filter.DepartureUntil = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, errInvalidQuery("limit must be a number")
		}
		filter.Limit = n
	}
	return filter, nil
}

type errInvalidQuery string

func (e errInvalidQuery) Error() string { return string(e) }

func offerResponses(offers []*models.RideOffer) []*models.RideOfferResponse {
	out := make([]*models.RideOfferResponse, 0, len(offers))
	for _, o := range offers {
		out = append(out, o.ToResponse())
	}
	return out
}
