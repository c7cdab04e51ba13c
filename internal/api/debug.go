package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/btafoya/gocall/internal/phone"
	"github.com/btafoya/gocall/internal/reservations"
	"github.com/btafoya/gocall/internal/twilio"
)

// DebugHandler dumps internal state; only routed in debug mode
type DebugHandler struct {
	deps *Dependencies
}

// NewDebugHandler creates a new DebugHandler
func NewDebugHandler(deps *Dependencies) *DebugHandler {
	return &DebugHandler{deps: deps}
}

// DebugState is everything a developer wants to see at once
type DebugState struct {
	Phone             phone.Snapshot        `json:"phone"`
	Binding           *reservations.Binding `json:"binding,omitempty"`
	ReservationCount  int                   `json:"reservation_count"`
	ReservationsAt    *time.Time            `json:"reservations_updated_at,omitempty"`
	ReservationsError string                `json:"reservations_error,omitempty"`
	Twilio            *twilio.Health        `json:"twilio,omitempty"`
	Connect           ConnectInfo           `json:"connect"`
	Goroutines        int                   `json:"goroutines"`
}

// State returns the debug state
func (h *DebugHandler) State(w http.ResponseWriter, r *http.Request) {
	state := DebugState{
		Phone:      h.deps.Phone.Snapshot(),
		Connect:    NewConnectHandler(h.deps).info(),
		Goroutines: runtime.NumGoroutine(),
	}
	if b, ok := h.deps.Guard.Current(); ok {
		state.Binding = &b
	}
	if h.deps.Reservations != nil {
		items, at, err := h.deps.Reservations.Latest()
		state.ReservationCount = len(items)
		if !at.IsZero() {
			state.ReservationsAt = &at
		}
		if err != nil {
			state.ReservationsError = err.Error()
		}
	}
	if h.deps.Twilio != nil {
		health := h.deps.Twilio.Health()
		state.Twilio = &health
	}
	WriteJSON(w, http.StatusOK, state)
}
