package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/btafoya/gocall/internal/models"
	"github.com/btafoya/gocall/internal/reservations"
)

// ReservationHandler handles reservation endpoints
type ReservationHandler struct {
	deps *Dependencies
}

// NewReservationHandler creates a new ReservationHandler
func NewReservationHandler(deps *Dependencies) *ReservationHandler {
	return &ReservationHandler{deps: deps}
}

// ReservationListResponse is the cached list plus the bound reservation
type ReservationListResponse struct {
	Data      []models.CallReservation `json:"data"`
	UpdatedAt *time.Time               `json:"updated_at,omitempty"`
	Error     string                   `json:"error,omitempty"`
	Active    *reservations.Binding    `json:"active,omitempty"`
}

// List returns the latest reservation list of the current identity
func (h *ReservationHandler) List(w http.ResponseWriter, r *http.Request) {
	items, updatedAt, err := h.deps.Reservations.Latest()
	h.writeList(w, items, updatedAt, err)
}

// Refresh sweeps expired reservations and reloads the list now
func (h *ReservationHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	items, err := h.deps.Reservations.Refresh(r.Context())
	if err != nil {
		slog.Warn("Reservation refresh failed", "error", err)
		WriteDomainError(w, err)
		return
	}
	_, updatedAt, _ := h.deps.Reservations.Latest()
	h.writeList(w, items, updatedAt, nil)
}

func (h *ReservationHandler) writeList(w http.ResponseWriter, items []models.CallReservation, updatedAt time.Time, err error) {
	resp := ReservationListResponse{Data: items}
	if resp.Data == nil {
		resp.Data = []models.CallReservation{}
	}
	if !updatedAt.IsZero() {
		resp.UpdatedAt = &updatedAt
	}
	if err != nil {
		resp.Error = err.Error()
	}
	if b, ok := h.deps.Guard.Current(); ok {
		resp.Active = &b
	}
	WriteJSON(w, http.StatusOK, resp)
}

// Create books a reservation for the current identity unless another
// username is given
func (h *ReservationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.CreateReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, ErrCodeBadRequest, "Invalid request body", nil)
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		req.Username = h.deps.Phone.Snapshot().Identity
	}
	if errs := validateReservation(req); len(errs) > 0 {
		WriteValidationError(w, "Invalid reservation", errs)
		return
	}

	created, err := h.deps.Store.Create(r.Context(), req)
	if err != nil {
		slog.Error("Failed to create reservation", "username", req.Username, "error", err)
		WriteDomainError(w, err)
		return
	}
	h.deps.Reservations.Trigger()

	slog.Info("Reservation created", "reservation_id", created.ID, "username", created.Username)
	WriteJSON(w, http.StatusCreated, created)
}

func validateReservation(req models.CreateReservationRequest) []FieldError {
	var errs []FieldError
	if req.Username == "" {
		errs = append(errs, FieldError{Field: "username", Message: "Username is required; initialize the phone or pass one"})
	}
	if _, err := time.Parse(models.DateLayout, req.ReservationDate); err != nil {
		errs = append(errs, FieldError{Field: "reservationDate", Message: "Date must be YYYY-MM-DD"})
	}
	start, startErr := time.Parse(models.TimeLayout, req.StartTime)
	if startErr != nil {
		errs = append(errs, FieldError{Field: "startTime", Message: "Time must be HH:MM"})
	}
	end, endErr := time.Parse(models.TimeLayout, req.EndTime)
	if endErr != nil {
		errs = append(errs, FieldError{Field: "endTime", Message: "Time must be HH:MM"})
	}
	// An earlier end time is a window past midnight; only equal times are empty.
	if startErr == nil && endErr == nil && start.Equal(end) {
		errs = append(errs, FieldError{Field: "endTime", Message: "End time must differ from start time"})
	}
	return errs
}

// StartCall dials the reservation's number if it is eligible right now
func (h *ReservationHandler) StartCall(w http.ResponseWriter, r *http.Request) {
	id, ok := reservationID(w, r)
	if !ok {
		return
	}

	updated, err := h.deps.Guard.StartCall(r.Context(), id)
	if err != nil {
		slog.Warn("Reservation call refused", "reservation_id", id, "error", err)
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, updated)
}

// Cancel marks a reservation cancelled. The reservation bound to the current
// call cannot be cancelled; hang up instead.
func (h *ReservationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := reservationID(w, r)
	if !ok {
		return
	}
	if b, bound := h.deps.Guard.Current(); bound && b.Reservation.ID == id {
		WriteError(w, http.StatusConflict, ErrCodeConflict, "Reservation is in a call; hang up first", nil)
		return
	}

	current, err := h.deps.Store.Get(r.Context(), id)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if current.Status != models.ReservationScheduled {
		WriteDomainError(w, reservations.ErrNotScheduled)
		return
	}

	updated, err := h.deps.Store.Update(r.Context(), id, models.StatusUpdate(models.ReservationCancelled))
	if err != nil {
		slog.Error("Failed to cancel reservation", "reservation_id", id, "error", err)
		WriteDomainError(w, err)
		return
	}
	if updated == nil || updated.ID == 0 {
		updated = current
		updated.Status = models.ReservationCancelled
	}
	h.deps.Reservations.Trigger()
	WriteJSON(w, http.StatusOK, updated)
}

func reservationID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		WriteError(w, http.StatusBadRequest, ErrCodeBadRequest, "Invalid reservation ID", nil)
		return 0, false
	}
	return id, true
}
