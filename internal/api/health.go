package api

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/btafoya/gocall/internal/certs"
	"github.com/btafoya/gocall/internal/twilio"
)

type HealthHandler struct {
	startTime time.Time
	version   string
	deps      *Dependencies
}

func NewHealthHandler(version string, deps *Dependencies) *HealthHandler {
	if deps == nil {
		deps = &Dependencies{}
	}
	return &HealthHandler{
		startTime: time.Now(),
		version:   version,
		deps:      deps,
	}
}

type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
	GoVersion string `json:"go_version"`
	Timestamp string `json:"timestamp"`
}

// ReadyResponse lists the checks behind the readiness answer
type ReadyResponse struct {
	Status   string         `json:"status"`
	Database string         `json:"database"`
	Phone    string         `json:"phone,omitempty"`
	Twilio   *twilio.Health `json:"twilio,omitempty"`
	TLS      *certs.Status  `json:"tls,omitempty"`
}

// Health returns a basic health check response
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		GoVersion: runtime.Version(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// Ready reports whether the database answers. Twilio, phone and certificate
// state are informational and never fail readiness.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{Status: "ready", Database: "ok"}
	code := http.StatusOK

	if h.deps.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.DB.PingContext(ctx); err != nil {
			resp.Status = "not_ready"
			resp.Database = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	if h.deps.Phone != nil {
		resp.Phone = string(h.deps.Phone.Snapshot().Status)
	}
	if h.deps.Twilio != nil {
		health := h.deps.Twilio.Health()
		resp.Twilio = &health
	}
	if h.deps.Certs != nil {
		status := h.deps.Certs.Status()
		resp.TLS = &status
	}

	WriteJSON(w, code, resp)
}

// Live returns whether the application is alive
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "alive",
	})
}
