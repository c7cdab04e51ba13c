package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// TokenHandler is the hosted credential gateway: it issues signaling
// credentials to phones that point their backend URL at this server.
type TokenHandler struct {
	deps *Dependencies
}

// NewTokenHandler creates a new TokenHandler
func NewTokenHandler(deps *Dependencies) *TokenHandler {
	return &TokenHandler{deps: deps}
}

// TokenRequest asks for a credential for identity
type TokenRequest struct {
	Identity string `json:"identity"`
}

// TokenResponse is the credential gateway answer
type TokenResponse struct {
	Token     string    `json:"token"`
	Identity  string    `json:"identity"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// Issue returns a fresh credential for the requested identity
func (h *TokenHandler) Issue(w http.ResponseWriter, r *http.Request) {
	if h.deps.Tokens == nil {
		WriteError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Token issuing is not configured", nil)
		return
	}

	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, ErrCodeBadRequest, "Invalid request body", nil)
		return
	}
	req.Identity = strings.TrimSpace(req.Identity)
	if req.Identity == "" {
		WriteValidationError(w, "Identity is required", []FieldError{
			{Field: "identity", Message: "Identity is required"},
		})
		return
	}

	cred, err := h.deps.Tokens.Fetch(r.Context(), req.Identity)
	if err != nil {
		slog.Error("Failed to issue token", "identity", req.Identity, "error", err)
		WriteError(w, http.StatusBadGateway, ErrCodeBadGateway, "Failed to issue token", nil)
		return
	}

	identity := cred.Identity
	if identity == "" {
		identity = req.Identity
	}
	slog.Info("Issued token", "identity", identity, "expires_at", cred.ExpiresAt)
	WriteJSON(w, http.StatusOK, TokenResponse{
		Token:     cred.Token,
		Identity:  identity,
		ExpiresAt: cred.ExpiresAt,
	})
}
