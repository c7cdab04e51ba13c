package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/btafoya/gocall/internal/config"
	"github.com/btafoya/gocall/internal/phone"
	"github.com/btafoya/gocall/pkg/signaling"
)

// PhoneHandler exposes the call session controller
type PhoneHandler struct {
	deps *Dependencies
}

// NewPhoneHandler creates a new PhoneHandler
func NewPhoneHandler(deps *Dependencies) *PhoneHandler {
	return &PhoneHandler{deps: deps}
}

// InitializeRequest selects the identity to register
type InitializeRequest struct {
	Identity string `json:"identity"`
}

// CallRequest places an outgoing call
type CallRequest struct {
	Destination string                `json:"destination"`
	Kind        signaling.AddressKind `json:"kind"`
}

// MuteResponse reports the mute state after a toggle
type MuteResponse struct {
	Muted bool `json:"muted"`
}

// Get returns the controller snapshot
func (h *PhoneHandler) Get(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.deps.Phone.Snapshot())
}

// Initialize registers the phone. An empty identity reuses the persisted one.
func (h *PhoneHandler) Initialize(w http.ResponseWriter, r *http.Request) {
	var req InitializeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, ErrCodeBadRequest, "Invalid request body", nil)
			return
		}
	}

	identity := strings.TrimSpace(req.Identity)
	if identity == "" && h.deps.Settings != nil {
		saved, err := h.deps.Settings.Identity(r.Context())
		if err != nil {
			slog.Error("Failed to load saved identity", "error", err)
			WriteInternalError(w)
			return
		}
		identity = saved
	}
	if identity == "" {
		identity = h.deps.Phone.Snapshot().Identity
	}
	if identity == "" {
		WriteValidationError(w, "Identity is required", []FieldError{
			{Field: "identity", Message: "No identity given and none saved"},
		})
		return
	}

	if err := h.deps.Phone.Initialize(r.Context(), identity); err != nil {
		slog.Warn("Phone initialization failed", "identity", identity, "error", err)
		WriteDomainError(w, err)
		return
	}

	if h.deps.Settings != nil {
		if err := h.deps.Settings.SetIdentity(r.Context(), identity); err != nil {
			slog.Error("Failed to persist identity", "identity", identity, "error", err)
		}
	}
	if h.deps.Reservations != nil {
		h.deps.Reservations.SetIdentity(identity)
	}

	WriteJSON(w, http.StatusOK, h.deps.Phone.Snapshot())
}

// MakeCall dials a phone number or another identity
func (h *PhoneHandler) MakeCall(w http.ResponseWriter, r *http.Request) {
	var req CallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, ErrCodeBadRequest, "Invalid request body", nil)
		return
	}

	req.Destination = strings.TrimSpace(req.Destination)
	if req.Kind == "" {
		req.Kind = signaling.KindPhone
		if strings.HasPrefix(req.Destination, signaling.ClientPrefix) {
			req.Kind = signaling.KindClient
		}
	}

	var errs []FieldError
	if req.Destination == "" {
		errs = append(errs, FieldError{Field: "destination", Message: "Destination is required"})
	}
	if req.Kind != signaling.KindPhone && req.Kind != signaling.KindClient {
		errs = append(errs, FieldError{Field: "kind", Message: "Kind must be phone or client"})
	}
	if len(errs) > 0 {
		WriteValidationError(w, "Invalid call request", errs)
		return
	}

	if err := h.deps.Phone.MakeCall(r.Context(), req.Destination, req.Kind); err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, h.deps.Phone.Snapshot())
}

// Answer accepts the pending incoming call
func (h *PhoneHandler) Answer(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Phone.AnswerCall(r.Context()); err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, h.deps.Phone.Snapshot())
}

// Reject declines the pending incoming call
func (h *PhoneHandler) Reject(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Phone.RejectCall(); err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, h.deps.Phone.Snapshot())
}

// Hangup ends the current call
func (h *PhoneHandler) Hangup(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Phone.EndCall(); err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, h.deps.Phone.Snapshot())
}

// Mute toggles the microphone of the current call
func (h *PhoneHandler) Mute(w http.ResponseWriter, r *http.Request) {
	muted, err := h.deps.Phone.ToggleMute()
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, MuteResponse{Muted: muted})
}

// Events streams status changes as server-sent events. The current snapshot
// is sent first so a client never starts from an empty state.
func (h *PhoneHandler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, ErrCodeInternal, "Streaming not supported", nil)
		return
	}

	changes, unsubscribe := h.deps.Phone.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	snap := h.deps.Phone.Snapshot()
	if err := writeEvent(w, "status", phone.StatusChange{From: snap.Status, To: snap.Status, Snapshot: snap}); err != nil {
		return
	}
	flusher.Flush()

	keepalive := time.NewTicker(config.EventStreamKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			if err := writeEvent(w, "status", change); err != nil {
				slog.Debug("Event stream closed", "error", err)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}
