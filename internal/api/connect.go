package api

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"

	qrcode "github.com/yeqown/go-qrcode/v2"
	"github.com/yeqown/go-qrcode/writer/standard"
)

// ConnectHandler tells clients which backend this phone talks to
type ConnectHandler struct {
	deps *Dependencies
}

// NewConnectHandler creates a new ConnectHandler
func NewConnectHandler(deps *Dependencies) *ConnectHandler {
	return &ConnectHandler{deps: deps}
}

// ConnectInfo describes the selected backend
type ConnectInfo struct {
	BackendURL      string `json:"backendUrl"`
	ReservationsURL string `json:"reservationsUrl"`
	UseTunnel       bool   `json:"useTunnel"`
	TunnelURL       string `json:"tunnelUrl,omitempty"`
	LocalURL        string `json:"localUrl"`
	PublicURL       string `json:"publicUrl,omitempty"`
}

// Get returns the selected backend URLs
func (h *ConnectHandler) Get(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.info())
}

func (h *ConnectHandler) info() ConnectInfo {
	cfg := h.deps.Config
	info := ConnectInfo{
		BackendURL:      cfg.BackendURL(),
		ReservationsURL: cfg.ReservationsURL(),
		UseTunnel:       cfg.UseTunnel,
		TunnelURL:       cfg.TunnelURL,
		LocalURL:        cfg.LocalURL,
	}
	if cfg.TLSEnabled && cfg.TLSDomain != "" {
		info.PublicURL = "https://" + cfg.TLSDomain
		if cfg.TLSPort != 0 && cfg.TLSPort != 443 {
			info.PublicURL = fmt.Sprintf("%s:%d", info.PublicURL, cfg.TLSPort)
		}
	}
	return info
}

// QRCode renders the selected backend URL for pairing another device.
// ?format=png (default) returns the image, ?format=dataurl a data URL.
func (h *ConnectHandler) QRCode(w http.ResponseWriter, r *http.Request) {
	info := h.info()
	target := info.BackendURL
	if r.URL.Query().Get("target") == "public" && info.PublicURL != "" {
		target = info.PublicURL
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "png"
	}
	if format != "png" && format != "dataurl" {
		WriteValidationError(w, "Invalid format", []FieldError{
			{Field: "format", Message: "Format must be png or dataurl"},
		})
		return
	}

	data, contentType, err := generateQRCode(target, format)
	if err != nil {
		slog.Error("Failed to generate QR code", "error", err)
		WriteInternalError(w)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// nopCloser wraps an io.Writer with a no-op Close method
type nopCloser struct {
	*bytes.Buffer
}

func (nopCloser) Close() error { return nil }

// generateQRCode creates a QR code image for the given URL
func generateQRCode(url string, format string) ([]byte, string, error) {
	qrc, err := qrcode.New(url)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create QR code: %w", err)
	}

	var buf bytes.Buffer
	writer := standard.NewWithWriter(nopCloser{&buf},
		standard.WithQRWidth(10),
		standard.WithBuiltinImageEncoder(standard.PNG_FORMAT),
	)
	if err := qrc.Save(writer); err != nil {
		return nil, "", fmt.Errorf("failed to save QR code: %w", err)
	}

	if format == "png" {
		return buf.Bytes(), "image/png", nil
	}

	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
	return []byte(dataURL), "text/plain", nil
}
