package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors
var (
	ErrNotFound            = errors.New("resource not found")
	ErrConflict            = errors.New("resource conflict")
	ErrValidation          = errors.New("validation failed")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrInternalServer      = errors.New("internal server error")
	ErrIdempotencyConflict = errors.New("idempotency key conflict")
)

// APIError represents a structured API error
type APIError struct {
	Code       string `json:"error"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	kind       error
}

func (e *APIError) Error() string {
	return e.Message
}

// Unwrap exposes the error kind so callers can use errors.Is with the sentinels.
func (e *APIError) Unwrap() error {
	return e.kind
}

// NewAPIError creates a new API error
func NewAPIError(code, message string, statusCode int, kind error) *APIError {
	return &APIError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		kind:       kind,
	}
}

func NotFound(resource string) *APIError {
	return NewAPIError("not_found", fmt.Sprintf("%s not found", resource), http.StatusNotFound, ErrNotFound)
}

func Validation(message string) *APIError {
	return NewAPIError("validation_error", message, http.StatusBadRequest, ErrValidation)
}

func Conflict(message string) *APIError {
	return NewAPIError("conflict", message, http.StatusConflict, ErrConflict)
}

func Forbidden(message string) *APIError {
	return NewAPIError("forbidden", message, http.StatusForbidden, ErrForbidden)
}

func Unauthorized(message string) *APIError {
	return NewAPIError("unauthorized", message, http.StatusUnauthorized, ErrUnauthorized)
}

func InternalError(message string) *APIError {
	return NewAPIError("internal_error", message, http.StatusInternalServerError, ErrInternalServer)
}

func IdempotencyConflict() *APIError {
	return NewAPIError("idempotency_conflict", "idempotency key already used with different request", http.StatusConflict, ErrIdempotencyConflict)
}

// Lifecycle conflicts that callers match on by code.

func OfferNotAvailable() *APIError {
	return NewAPIError("offer_not_available", "ride offer not available", http.StatusConflict, ErrConflict)
}

func AlreadyRequested() *APIError {
	return NewAPIError("already_requested", "you have already requested this ride offer", http.StatusConflict, ErrConflict)
}

func NoSeatsAvailable() *APIError {
	return NewAPIError("no_seats", "no available seats to accept this ride request", http.StatusConflict, ErrConflict)
}

func CancellationWindowClosed(lead string) *APIError {
	return NewAPIError("cancellation_window_closed",
		fmt.Sprintf("cannot cancel less than %s before departure", lead), http.StatusConflict, ErrConflict)
}

func InvalidTransition(from, to string) *APIError {
	return NewAPIError("invalid_transition", fmt.Sprintf("cannot transition from %s to %s", from, to), http.StatusConflict, ErrConflict)
}

// As is errors.As for *APIError.
func As(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
