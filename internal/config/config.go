// Package config provides runtime configuration management for GoCall
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// ErrTunnelURLMissing is returned by Validate when the tunnel is selected without a URL
var ErrTunnelURLMissing = errors.New("GOCALL_USE_TUNNEL is set but GOCALL_TUNNEL_URL is empty")

// Config holds the runtime configuration for GoCall
type Config struct {
	// Server settings
	HTTPPort    int
	DataDir     string
	LogFile     string
	CORSOrigins []string
	APIKeyHash  string // bcrypt hash; empty disables API key auth

	// Backend selection. The credential gateway and the reservation API
	// share one base URL chosen by UseTunnel.
	UseTunnel        bool
	TunnelURL        string
	LocalURL         string
	ReservationsPath string
	TimeZone         string
	DefaultIdentity  string

	// SIP signaling
	SIPServer        string // registrar host
	SIPServerPort    int
	SIPDomain        string
	SIPTransport     string
	SIPPort          int // local listen port
	SIPPublicAddress string
	RegisterExpires  int
	RTPPortMin       int
	RTPPortMax       int
	AudioDevice      string // capture device that must be readable before registering

	// Twilio credentials for the hosted token endpoint
	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioAPIKey      string
	TwilioAPISecret   string
	TwilioTwiMLAppSID string

	// When set, /token rotates a SIP credential in this list instead of
	// issuing a Voice access token
	TwilioCredentialListSID string

	// TLS for the public API
	TLSEnabled      bool
	TLSDomain       string
	TLSPort         int
	TLSCertFile     string // manual certificates; ACME is used when empty
	TLSKeyFile      string
	ACMEEmail       string
	ACMECA          string
	CloudflareToken string

	// Missed and failed call alerts
	NotifyWebhookURL string
	GotifyURL        string
	GotifyToken      string

	// Feature flags
	DebugMode bool
}

// Load creates a Config from GOCALL_CONFIG_FILE (if any) and environment variables.
// Environment variables always win over the file.
func Load() *Config {
	cfg, err := LoadFile(os.Getenv("GOCALL_CONFIG_FILE"))
	if err != nil {
		slog.Warn("Ignoring config file", "error", err)
		cfg, _ = LoadFile("")
	}
	return cfg
}

// LoadFile reads an optional ini file and overlays the environment on top of it
func LoadFile(path string) (*Config, error) {
	file := ini.Empty()
	if path != "" {
		f, err := ini.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
		file = f
	}

	server := file.Section("server")
	backend := file.Section("backend")
	sip := file.Section("sip")
	tw := file.Section("twilio")
	tls := file.Section("tls")
	notify := file.Section("notify")

	cfg := &Config{
		HTTPPort:    getEnvInt("GOCALL_HTTP_PORT", server.Key("http_port").MustInt(DefaultHTTPPort)),
		DataDir:     getEnv("GOCALL_DATA_DIR", server.Key("data_dir").MustString(DefaultDataDir)),
		LogFile:     getEnv("GOCALL_LOG_FILE", server.Key("log_file").String()),
		CORSOrigins: getEnvStringSlice("GOCALL_CORS_ORIGINS", server.Key("cors_origins").Strings(",")),
		APIKeyHash:  getEnv("GOCALL_API_KEY_HASH", server.Key("api_key_hash").String()),

		UseTunnel:        getEnvBool("GOCALL_USE_TUNNEL", backend.Key("use_tunnel").MustBool(false)),
		TunnelURL:        getEnv("GOCALL_TUNNEL_URL", backend.Key("tunnel_url").String()),
		LocalURL:         getEnv("GOCALL_LOCAL_URL", backend.Key("local_url").MustString(DefaultLocalURL)),
		ReservationsPath: getEnv("GOCALL_RESERVATIONS_PATH", backend.Key("reservations_path").MustString(DefaultReservationsPath)),
		TimeZone:         getEnv("GOCALL_TIMEZONE", backend.Key("timezone").String()),
		DefaultIdentity:  getEnv("GOCALL_IDENTITY", backend.Key("identity").String()),

		SIPServer:        getEnv("GOCALL_SIP_SERVER", sip.Key("server").String()),
		SIPServerPort:    getEnvInt("GOCALL_SIP_SERVER_PORT", sip.Key("server_port").MustInt(DefaultSIPServerPort)),
		SIPDomain:        getEnv("GOCALL_SIP_DOMAIN", sip.Key("domain").String()),
		SIPTransport:     getEnv("GOCALL_SIP_TRANSPORT", sip.Key("transport").MustString(DefaultSIPTransport)),
		SIPPort:          getEnvInt("GOCALL_SIP_PORT", sip.Key("port").MustInt(DefaultSIPPort)),
		SIPPublicAddress: getEnv("GOCALL_SIP_PUBLIC_ADDRESS", sip.Key("public_address").String()),
		RegisterExpires:  getEnvInt("GOCALL_SIP_REGISTER_EXPIRES", sip.Key("register_expires").MustInt(DefaultRegisterExpires)),
		RTPPortMin:       getEnvInt("GOCALL_RTP_PORT_MIN", sip.Key("rtp_port_min").MustInt(DefaultRTPPortMin)),
		RTPPortMax:       getEnvInt("GOCALL_RTP_PORT_MAX", sip.Key("rtp_port_max").MustInt(DefaultRTPPortMax)),
		AudioDevice:      getEnv("GOCALL_AUDIO_DEVICE", sip.Key("audio_device").String()),

		TwilioAccountSID:  getEnv("TWILIO_ACCOUNT_SID", tw.Key("account_sid").String()),
		TwilioAuthToken:   getEnv("TWILIO_AUTH_TOKEN", tw.Key("auth_token").String()),
		TwilioAPIKey:      getEnv("TWILIO_API_KEY", tw.Key("api_key").String()),
		TwilioAPISecret:   getEnv("TWILIO_API_SECRET", tw.Key("api_secret").String()),
		TwilioTwiMLAppSID: getEnv("TWILIO_TWIML_APP_SID", tw.Key("twiml_app_sid").String()),

		TwilioCredentialListSID: getEnv("TWILIO_CREDENTIAL_LIST_SID", tw.Key("credential_list_sid").String()),

		TLSEnabled:      getEnvBool("GOCALL_TLS_ENABLED", tls.Key("enabled").MustBool(false)),
		TLSDomain:       getEnv("GOCALL_TLS_DOMAIN", tls.Key("domain").String()),
		TLSPort:         getEnvInt("GOCALL_TLS_PORT", tls.Key("port").MustInt(443)),
		TLSCertFile:     getEnv("GOCALL_TLS_CERT_FILE", tls.Key("cert_file").String()),
		TLSKeyFile:      getEnv("GOCALL_TLS_KEY_FILE", tls.Key("key_file").String()),
		ACMEEmail:       getEnv("GOCALL_ACME_EMAIL", tls.Key("acme_email").String()),
		ACMECA:          getEnv("GOCALL_ACME_CA", tls.Key("acme_ca").MustString("production")),
		CloudflareToken: getEnv("CLOUDFLARE_API_TOKEN", tls.Key("cloudflare_token").String()),

		NotifyWebhookURL: getEnv("GOCALL_NOTIFY_WEBHOOK_URL", notify.Key("webhook_url").String()),
		GotifyURL:        getEnv("GOCALL_GOTIFY_URL", notify.Key("gotify_url").String()),
		GotifyToken:      getEnv("GOCALL_GOTIFY_TOKEN", notify.Key("gotify_token").String()),

		DebugMode: getEnvBool("GOCALL_DEBUG", server.Key("debug").MustBool(false)),
	}

	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = defaultCORSOrigins()
	}

	return cfg, nil
}

// Validate reports configuration combinations that cannot work
func (c *Config) Validate() error {
	if c.UseTunnel && c.TunnelURL == "" {
		return ErrTunnelURLMissing
	}
	if c.RTPPortMin <= 0 || c.RTPPortMax < c.RTPPortMin {
		return fmt.Errorf("invalid RTP port range %d-%d", c.RTPPortMin, c.RTPPortMax)
	}
	if c.TLSEnabled && c.TLSCertFile == "" && c.TLSDomain == "" {
		return errors.New("GOCALL_TLS_ENABLED requires GOCALL_TLS_DOMAIN or a certificate file")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("GOCALL_TLS_CERT_FILE and GOCALL_TLS_KEY_FILE must be set together")
	}
	return nil
}

// BackendURL returns the base URL of the credential gateway and reservation API
func (c *Config) BackendURL() string {
	base := c.LocalURL
	if c.UseTunnel && c.TunnelURL != "" {
		base = c.TunnelURL
	}
	return strings.TrimRight(base, "/")
}

// ReservationsURL returns the base URL of the reservation API
func (c *Config) ReservationsURL() string {
	return c.BackendURL() + "/" + strings.Trim(c.ReservationsPath, "/")
}

// Location returns the time zone reservation dates and times are expressed in
func (c *Config) Location() *time.Location {
	if c.TimeZone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		slog.Warn("Unknown time zone, using local time", "timezone", c.TimeZone, "error", err)
		return time.Local
	}
	return loc
}

// TwilioVoiceConfigured reports whether access tokens can be issued locally
func (c *Config) TwilioVoiceConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAPIKey != "" && c.TwilioAPISecret != ""
}

// TwilioSIPConfigured reports whether SIP credentials can be rotated
func (c *Config) TwilioSIPConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioCredentialListSID != ""
}

// NotificationsConfigured reports whether any call alert target is set
func (c *Config) NotificationsConfigured() bool {
	return c.NotifyWebhookURL != "" || c.GotifyURL != ""
}

// DBPath returns the full path to the SQLite database file
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, DefaultDBFile)
}

// CertificatesPath returns the directory certmagic stores certificates in
func (c *Config) CertificatesPath() string {
	return filepath.Join(c.DataDir, CertificatesDir)
}

// EnsureDirectories creates all required data directories
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.CertificatesPath(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return nil
}

func defaultCORSOrigins() []string {
	return []string{
		"http://localhost:3000",
		"http://localhost:8080",
		"http://127.0.0.1:3000",
		"http://127.0.0.1:8080",
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
