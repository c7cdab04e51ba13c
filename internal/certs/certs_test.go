package certs

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btafoya/gocall/internal/config"
)

// writeSelfSigned writes a certificate and key valid until notAfter
func writeSelfSigned(t *testing.T, notAfter time.Time) (string, string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "gocall.test"},
		Issuer:       pkix.Name{CommonName: "gocall.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
		DNSNames:     []string{"gocall.test"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}

func TestNew_Disabled(t *testing.T) {
	_, err := New(context.Background(), &config.Config{})
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("New() error = %v, want ErrDisabled", err)
	}
}

func TestNew_ManualMode(t *testing.T) {
	expiry := time.Now().Add(48 * time.Hour).Truncate(time.Second)
	certFile, keyFile := writeSelfSigned(t, expiry)

	m, err := New(context.Background(), &config.Config{
		TLSEnabled:  true,
		TLSCertFile: certFile,
		TLSKeyFile:  keyFile,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if cfg := m.TLSConfig(); cfg == nil || len(cfg.Certificates) != 1 {
		t.Fatal("expected a TLS config with one certificate")
	}

	status := m.Status()
	if status.Mode != ModeManual {
		t.Errorf("Mode = %s, want manual", status.Mode)
	}
	if !status.CertExpiry.Equal(expiry.UTC()) {
		t.Errorf("CertExpiry = %v, want %v", status.CertExpiry, expiry.UTC())
	}
	if status.CertIssuer != "gocall.test" {
		t.Errorf("CertIssuer = %q", status.CertIssuer)
	}
	if !status.Valid {
		t.Error("certificate should be valid")
	}
}

func TestNew_ManualMode_ExpiredCertificate(t *testing.T) {
	certFile, keyFile := writeSelfSigned(t, time.Now().Add(-time.Minute))

	m, err := New(context.Background(), &config.Config{
		TLSEnabled:  true,
		TLSCertFile: certFile,
		TLSKeyFile:  keyFile,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if m.Status().Valid {
		t.Error("expired certificate reported valid")
	}
}

func TestNew_ManualMode_NonexistentFiles(t *testing.T) {
	_, err := New(context.Background(), &config.Config{
		TLSEnabled:  true,
		TLSCertFile: "/nonexistent/cert.pem",
		TLSKeyFile:  "/nonexistent/key.pem",
	})
	if err == nil {
		t.Error("expected error for nonexistent cert files")
	}
}

func TestNew_ACMEMode_MissingEmail(t *testing.T) {
	_, err := New(context.Background(), &config.Config{
		TLSEnabled: true,
		TLSDomain:  "gocall.example.com",
		DataDir:    t.TempDir(),
	})
	if err == nil {
		t.Error("expected error for missing ACME email")
	}
}

func TestReload(t *testing.T) {
	certFile, keyFile := writeSelfSigned(t, time.Now().Add(time.Hour))
	m, err := New(context.Background(), &config.Config{
		TLSEnabled:  true,
		TLSCertFile: certFile,
		TLSKeyFile:  keyFile,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	later := time.Now().Add(72 * time.Hour).Truncate(time.Second)
	newCert, newKey := writeSelfSigned(t, later)
	m.certFile, m.keyFile = newCert, newKey

	if err := m.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if !m.Status().CertExpiry.Equal(later.UTC()) {
		t.Errorf("CertExpiry after reload = %v, want %v", m.Status().CertExpiry, later.UTC())
	}

	acme := &Manager{mode: ModeACME}
	if err := acme.Reload(); err == nil {
		t.Error("Reload() should fail in ACME mode")
	}
}

func TestListenerConfig_FollowsReload(t *testing.T) {
	certFile, keyFile := writeSelfSigned(t, time.Now().Add(time.Hour))
	m, err := New(context.Background(), &config.Config{
		TLSEnabled:  true,
		TLSCertFile: certFile,
		TLSKeyFile:  keyFile,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	listener := m.ListenerConfig()
	before, err := listener.GetConfigForClient(nil)
	if err != nil {
		t.Fatalf("GetConfigForClient() error = %v", err)
	}

	if err := m.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	after, _ := listener.GetConfigForClient(nil)
	if after == before {
		t.Error("listener still serves the configuration from before the reload")
	}
}
