package api

import (
	"fmt"
	"net/http"

	"github.com/btafoya/gocall/internal/certs"
)

// TLSHandler reports and reloads the HTTPS certificate
type TLSHandler struct {
	deps *Dependencies
}

// NewTLSHandler creates a new TLSHandler
func NewTLSHandler(deps *Dependencies) *TLSHandler {
	return &TLSHandler{deps: deps}
}

// TLSStatusResponse represents the TLS status API response
type TLSStatusResponse struct {
	Enabled     bool   `json:"enabled"`
	Port        int    `json:"port,omitempty"`
	AutoRenewal bool   `json:"auto_renewal"`
	ACMECA      string `json:"acme_ca,omitempty"`
	certs.Status
}

// GetStatus returns the TLS configuration and certificate status
func (h *TLSHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	cfg := h.deps.Config
	response := TLSStatusResponse{Enabled: cfg.TLSEnabled}
	if !cfg.TLSEnabled || h.deps.Certs == nil {
		WriteJSON(w, http.StatusOK, response)
		return
	}

	response.Port = cfg.TLSPort
	response.Status = h.deps.Certs.Status()
	response.AutoRenewal = response.Mode == certs.ModeACME
	if response.AutoRenewal {
		response.ACMECA = cfg.ACMECA
	}
	WriteJSON(w, http.StatusOK, response)
}

// ReloadCertificates reloads certificates from files (manual mode only)
func (h *TLSHandler) ReloadCertificates(w http.ResponseWriter, r *http.Request) {
	if h.deps.Certs == nil {
		WriteError(w, http.StatusBadRequest, ErrCodeBadRequest, "TLS is not enabled", nil)
		return
	}
	if h.deps.Certs.Status().Mode != certs.ModeManual {
		WriteError(w, http.StatusBadRequest, ErrCodeBadRequest, "Certificates are managed by ACME", nil)
		return
	}

	if err := h.deps.Certs.Reload(); err != nil {
		WriteError(w, http.StatusInternalServerError, ErrCodeInternal, fmt.Sprintf("Certificate reload failed: %v", err), nil)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"message": "Certificates reloaded successfully",
	})
}
