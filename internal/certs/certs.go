// Package certs provides TLS certificates for the public HTTP endpoint, the
// one the credential gateway and pairing QR point at when no tunnel is used.
package certs

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/caddyserver/certmagic"
	"github.com/libdns/cloudflare"

	"github.com/btafoya/gocall/internal/config"
)

// ErrDisabled is returned by New when TLS is not enabled
var ErrDisabled = errors.New("TLS disabled")

// Mode is how certificates are obtained
type Mode string

const (
	ModeManual Mode = "manual"
	ModeACME   Mode = "acme"
)

// Manager handles TLS certificate lifecycle management
type Manager struct {
	mode      Mode
	domain    string
	certFile  string
	keyFile   string
	tlsConfig *tls.Config
	magic     *certmagic.Config
	mu        sync.RWMutex

	certExpiry  time.Time
	certIssuer  string
	lastRenewal time.Time
}

// Status represents the current certificate status
type Status struct {
	Mode        Mode      `json:"mode"`
	Domain      string    `json:"domain,omitempty"`
	CertExpiry  time.Time `json:"cert_expiry,omitempty"`
	CertIssuer  string    `json:"cert_issuer,omitempty"`
	LastRenewal time.Time `json:"last_renewal,omitempty"`
	Valid       bool      `json:"valid"`
}

// New creates a certificate manager from the TLS settings of cfg
func New(ctx context.Context, cfg *config.Config) (*Manager, error) {
	if !cfg.TLSEnabled {
		return nil, ErrDisabled
	}

	m := &Manager{
		domain:   cfg.TLSDomain,
		certFile: cfg.TLSCertFile,
		keyFile:  cfg.TLSKeyFile,
	}

	if cfg.TLSCertFile != "" {
		m.mode = ModeManual
		if err := m.loadManual(); err != nil {
			return nil, err
		}
		return m, nil
	}

	m.mode = ModeACME
	if err := m.initACME(ctx, cfg); err != nil {
		return nil, err
	}
	return m, nil
}

// loadManual loads certificates from files
func (m *Manager) loadManual() error {
	cert, err := tls.LoadX509KeyPair(m.certFile, m.keyFile)
	if err != nil {
		return fmt.Errorf("load certificate: %w", err)
	}

	var expiry time.Time
	var issuer string
	if len(cert.Certificate) > 0 {
		if parsed, err := x509.ParseCertificate(cert.Certificate[0]); err == nil {
			expiry = parsed.NotAfter
			issuer = parsed.Issuer.CommonName
		}
	}

	m.mu.Lock()
	m.tlsConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	m.certExpiry = expiry
	m.certIssuer = issuer
	m.mu.Unlock()

	slog.Info("TLS initialized with manual certificates",
		"cert_file", m.certFile,
		"expiry", expiry.Format(time.RFC3339),
	)
	return nil
}

// initACME sets up automatic certificate management with Let's Encrypt
func (m *Manager) initACME(ctx context.Context, cfg *config.Config) error {
	if cfg.ACMEEmail == "" {
		return errors.New("ACME email required for automatic certificate management")
	}

	certsPath := cfg.CertificatesPath()
	if err := os.MkdirAll(certsPath, 0700); err != nil {
		return fmt.Errorf("create certs directory: %w", err)
	}
	certmagic.Default.Storage = &certmagic.FileStorage{Path: certsPath}

	// DNS-01 lets a host behind NAT obtain a certificate.
	if cfg.CloudflareToken != "" {
		certmagic.DefaultACME.DNS01Solver = &certmagic.DNS01Solver{
			DNSProvider: &cloudflare.Provider{APIToken: cfg.CloudflareToken},
		}
		slog.Info("Configured Cloudflare DNS-01 challenge for ACME")
	}

	certmagic.DefaultACME.Agreed = true
	certmagic.DefaultACME.Email = cfg.ACMEEmail
	if cfg.ACMECA == "staging" {
		certmagic.DefaultACME.CA = certmagic.LetsEncryptStagingCA
	} else {
		certmagic.DefaultACME.CA = certmagic.LetsEncryptProductionCA
	}

	m.magic = certmagic.NewDefault()
	m.magic.OnEvent = func(ctx context.Context, event string, data map[string]any) error {
		switch event {
		case "cert_obtained", "cert_renewed":
			m.mu.Lock()
			m.lastRenewal = time.Now()
			m.mu.Unlock()
			slog.Info("Certificate obtained", "event", event, "domain", m.domain)
		case "cert_failed":
			slog.Error("Certificate operation failed", "event", event, "data", data)
		}
		return nil
	}

	if err := m.magic.ManageAsync(ctx, []string{m.domain}); err != nil {
		return fmt.Errorf("certmagic manage: %w", err)
	}

	tlsConfig := m.magic.TLSConfig()
	tlsConfig.MinVersion = tls.VersionTLS12
	// Serve HTTP/1.1 only; the API streams server-sent events.
	tlsConfig.NextProtos = append([]string{"http/1.1"}, tlsConfig.NextProtos...)
	m.mu.Lock()
	m.tlsConfig = tlsConfig
	m.mu.Unlock()

	slog.Info("TLS initialized with ACME",
		"email", cfg.ACMEEmail,
		"domain", m.domain,
		"ca", cfg.ACMECA,
	)
	return nil
}

// TLSConfig returns the configuration for the HTTPS listener
func (m *Manager) TLSConfig() *tls.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tlsConfig
}

// ListenerConfig returns a config that resolves the current configuration
// per handshake, so Reload takes effect without restarting the listener
func (m *Manager) ListenerConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetConfigForClient: func(*tls.ClientHelloInfo) (*tls.Config, error) {
			return m.TLSConfig(), nil
		},
	}
}

// Status returns the current certificate status
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := Status{
		Mode:        m.mode,
		Domain:      m.domain,
		CertExpiry:  m.certExpiry,
		CertIssuer:  m.certIssuer,
		LastRenewal: m.lastRenewal,
	}
	if !m.certExpiry.IsZero() {
		status.Valid = time.Now().Before(m.certExpiry)
	}
	return status
}

// Reload re-reads manual certificates from disk
func (m *Manager) Reload() error {
	if m.mode != ModeManual {
		return errors.New("reload only available in manual mode")
	}
	return m.loadManual()
}
