package handler

import (
	"encoding/json"
	"net/http"

	"github.com/aditya/go-carpool/internal/middleware"
	"github.com/aditya/go-carpool/internal/models"
	"github.com/aditya/go-carpool/internal/service"
	"github.com/aditya/go-carpool/pkg/utils"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

type RideRequestHandler struct {
	requestService service.RideRequestService
	validate       *validator.Validate
	log            logrus.FieldLogger
}

func NewRideRequestHandler(requestService service.RideRequestService, log logrus.FieldLogger) *RideRequestHandler {
	return &RideRequestHandler{
		requestService: requestService,
		validate:       utils.NewValidator(),
		log:            log,
	}
}

func (h *RideRequestHandler) RegisterRoutes(r chi.Router) {
	r.With(requireID("ride offer")).Get("/offers/{id}/requests", h.ListRequestsForOffer)
	r.With(requireID("ride offer")).Post("/offers/{id}/requests", h.CreateRideRequest)
	r.Get("/requests/mine", h.ListMyRequests)

	byID := r.With(requireID("ride request"))
	byID.Get("/requests/{id}", h.GetRideRequest)
	byID.Post("/requests/{id}/answer", h.AnswerRideRequest)
	byID.Patch("/requests/{id}/status", h.EditRideRequestStatus)
	byID.Delete("/requests/{id}", h.DeleteRideRequest)
}

// POST /v1/offers/{id}/requests
func (h *RideRequestHandler) CreateRideRequest(w http.ResponseWriter, r *http.Request) {
	req := models.CreateRideRequestRequest{RideOfferID: chi.URLParam(r, "id")}
	if err := h.validate.Struct(req); err != nil {
		utils.BadRequest(w, utils.ValidationMessage(err))
		return
	}

	created, err := h.requestService.CreateRideRequest(r.Context(), middleware.IdentityFromContext(r.Context()), req.RideOfferID)
	if err != nil {
		handleError(w, h.log, err)
		return
	}

	utils.Created(w, created.ToResponse())
}

// GET /v1/offers/{id}/requests
func (h *RideRequestHandler) ListRequestsForOffer(w http.ResponseWriter, r *http.Request) {
	requests, err := h.requestService.ListRequestsForOffer(r.Context(), middleware.IdentityFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, h.log, err)
		return
	}

	utils.Success(w, requestResponses(requests))
}

// GET /v1/requests/mine
func (h *RideRequestHandler) ListMyRequests(w http.ResponseWriter, r *http.Request) {
	requests, err := h.requestService.ListMyRequests(r.Context(), middleware.IdentityFromContext(r.Context()))
	if err != nil {
		handleError(w, h.log, err)
		return
	}

	utils.Success(w, requestResponses(requests))
}

// GET /v1/requests/{id}
func (h *RideRequestHandler) GetRideRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.requestService.GetRideRequest(r.Context(), middleware.IdentityFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, h.log, err)
		return
	}

	utils.Success(w, req.ToResponse())
}

// POST /v1/requests/{id}/answer
func (h *RideRequestHandler) AnswerRideRequest(w http.ResponseWriter, r *http.Request) {
	var body models.AnswerRideRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.BadRequest(w, "invalid request body")
		return
	}

	if err := h.validate.Struct(body); err != nil {
		utils.BadRequest(w, utils.ValidationMessage(err))
		return
	}

	req, err := h.requestService.AnswerRideRequest(r.Context(), middleware.IdentityFromContext(r.Context()), chi.URLParam(r, "id"), body.Answer)
	if err != nil {
		handleError(w, h.log, err)
		return
	}

	utils.Success(w, req.ToResponse())
}

// PATCH /v1/requests/{id}/status
func (h *RideRequestHandler) EditRideRequestStatus(w http.ResponseWriter, r *http.Request) {
	var body models.EditRideRequestStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.BadRequest(w, "invalid request body")
		return
	}

	if err := h.validate.Struct(body); err != nil {
		utils.BadRequest(w, utils.ValidationMessage(err))
		return
	}

	req, err := h.requestService.EditRideRequestStatus(r.Context(), middleware.IdentityFromContext(r.Context()), chi.URLParam(r, "id"), body.Status)
	if err != nil {
		handleError(w, h.log, err)
		return
	}

	utils.Success(w, req.ToResponse())
}

// DELETE /v1/requests/{id}
func (h *RideRequestHandler) DeleteRideRequest(w http.ResponseWriter, r *http.Request) {
	if err := h.requestService.DeleteRideRequest(r.Context(), middleware.IdentityFromContext(r.Context()), chi.URLParam(r, "id")); err != nil {
		handleError(w, h.log, err)
		return
	}

	utils.NoContent(w)
}

func requestResponses(requests []*models.RideRequest) []*models.RideRequestResponse {
	out := make([]*models.RideRequestResponse, 0, len(requests))
	for _, req := range requests {
		out = append(out, req.ToResponse())
	}
	return out
}
