package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/btafoya/gocall/internal/phone"
	"github.com/btafoya/gocall/internal/reservations"
)

// ErrorResponse is the error envelope of every API response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information
type ErrorDetail struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

// FieldError represents a validation error for a specific field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Standard error codes
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeAuthentication     = "AUTHENTICATION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeInternal           = "INTERNAL_ERROR"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeBadGateway         = "BAD_GATEWAY"
	ErrCodeNotEligible        = "NOT_ELIGIBLE"
	ErrCodePermissionDenied   = "PERMISSION_DENIED"
)

// WriteError writes a standardized error response
func WriteError(w http.ResponseWriter, statusCode int, code, message string, details []FieldError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// WriteValidationError is a helper for validation errors
func WriteValidationError(w http.ResponseWriter, message string, details []FieldError) {
	WriteError(w, http.StatusBadRequest, ErrCodeValidation, message, details)
}

// WriteNotFoundError is a helper for not found errors
func WriteNotFoundError(w http.ResponseWriter, resource string) {
	WriteError(w, http.StatusNotFound, ErrCodeNotFound, resource+" not found", nil)
}

// WriteInternalError is a helper for internal server errors
func WriteInternalError(w http.ResponseWriter) {
	WriteError(w, http.StatusInternalServerError, ErrCodeInternal, "Internal server error", nil)
}

// WriteUnauthorizedError is a helper for authentication errors
func WriteUnauthorizedError(w http.ResponseWriter) {
	WriteError(w, http.StatusUnauthorized, ErrCodeAuthentication, "Authentication required", nil)
}

// WriteDomainError maps phone and reservation errors to HTTP statuses.
// Unknown errors become 500 without leaking their text.
func WriteDomainError(w http.ResponseWriter, err error) {
	var apiErr *reservations.APIError
	switch {
	case errors.Is(err, phone.ErrIdentityRequired),
		errors.Is(err, reservations.ErrNoDestination):
		WriteError(w, http.StatusBadRequest, ErrCodeValidation, err.Error(), nil)
	case errors.Is(err, reservations.ErrReservationNotFound):
		WriteNotFoundError(w, "Reservation")
	case errors.Is(err, phone.ErrMicrophonePermissionDenied):
		WriteError(w, http.StatusForbidden, ErrCodePermissionDenied, phone.MicrophoneDeniedMessage, nil)
	case errors.Is(err, reservations.ErrNotScheduled),
		errors.Is(err, reservations.ErrNotToday),
		errors.Is(err, reservations.ErrOutsideWindow):
		WriteError(w, http.StatusUnprocessableEntity, ErrCodeNotEligible, err.Error(), nil)
	case errors.Is(err, phone.ErrNoActiveSession),
		errors.Is(err, phone.ErrInvalidState),
		errors.Is(err, phone.ErrSuperseded),
		errors.Is(err, reservations.ErrCallInProgress),
		errors.Is(err, reservations.ErrRecoveryInProgress):
		WriteError(w, http.StatusConflict, ErrCodeConflict, err.Error(), nil)
	case errors.Is(err, phone.ErrNotInitialized),
		errors.Is(err, phone.ErrClosed),
		errors.Is(err, reservations.ErrPhoneNotReady):
		WriteError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, err.Error(), nil)
	case errors.Is(err, phone.ErrCredentialFetchFailed):
		WriteError(w, http.StatusBadGateway, ErrCodeBadGateway, phone.CredentialFailedMessage, nil)
	case errors.Is(err, phone.ErrDeviceRegistrationFailed):
		WriteError(w, http.StatusBadGateway, ErrCodeBadGateway, phone.RegistrationFailedMessage, nil)
	case errors.Is(err, phone.ErrSessionFailed):
		WriteError(w, http.StatusBadGateway, ErrCodeBadGateway, err.Error(), nil)
	case errors.As(err, &apiErr):
		WriteError(w, http.StatusBadGateway, ErrCodeBadGateway, apiErr.Error(), nil)
	default:
		WriteInternalError(w)
	}
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// ListResponse represents a paginated list response
type ListResponse struct {
	Data       interface{} `json:"data"`
	Pagination *Pagination `json:"pagination,omitempty"`
}

// Pagination represents pagination metadata
type Pagination struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// WriteList writes a paginated list response
func WriteList(w http.ResponseWriter, data interface{}, total, limit, offset int) {
	WriteJSON(w, http.StatusOK, ListResponse{
		Data: data,
		Pagination: &Pagination{
			Total:  total,
			Limit:  limit,
			Offset: offset,
		},
	})
}
