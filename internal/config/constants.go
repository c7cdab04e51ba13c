// Package config provides configuration constants and settings for GoCall
package config

import "time"

// Credential lifecycle
const (
	CredentialTTL          = 59 * time.Minute // validity of a signaling credential
	CredentialRefreshLead  = 4 * time.Minute  // refresh this long before expiry
	CredentialRetryBackoff = 60 * time.Second // retry delay after a failed refresh
	CredentialMinRefresh   = 10 * time.Second
	CredentialFetchTimeout = 15 * time.Second
)

// Call session timings
const (
	SettleDelay      = 300 * time.Millisecond // closed -> ready after a normal end
	ErrorSettleDelay = 500 * time.Millisecond // error -> ready after a session error
	DialTimeout      = 60 * time.Second
)

// Reservation scheduling
const (
	DeadlinePollInterval   = 5 * time.Second
	DurationTickInterval   = 1 * time.Second
	ActiveRefreshInterval  = 120 * time.Second
	IdleRefreshInterval    = 60 * time.Second
	ReservationHTTPTimeout = 10 * time.Second
)

// Retry settings
const (
	TwilioMaxRetries    = 3
	TwilioCheckInterval = 5 * time.Minute
)

// SIP defaults
const (
	DefaultSIPPort         = 5060
	DefaultSIPServerPort   = 5060
	DefaultSIPTransport    = "udp"
	DefaultUserAgent       = "GoCall/1.0"
	DefaultRegisterExpires = 3600 // seconds
	DefaultRTPPortMin      = 10000
	DefaultRTPPortMax      = 10100
)

// Server defaults
const (
	DefaultHTTPPort         = 8080
	DefaultLocalURL         = "http://localhost:3000"
	DefaultReservationsPath = "/reservations"
	DefaultIdentityPrefix   = "user-"
	ShutdownTimeout         = 10 * time.Second
)

// API settings
const (
	DefaultPageSize      = 50
	MaxPageSize          = 200
	EventStreamKeepalive = 15 * time.Second
	APIVersion           = "0.1.0"
)

// Log file rotation
const (
	LogMaxSizeMB  = 100
	LogMaxBackups = 3
	LogMaxAgeDays = 28
)

// Call history retention
const (
	CallLogRetention     = 90 * 24 * time.Hour
	CallLogPruneInterval = 24 * time.Hour
)

// Notification delivery
const (
	NotifyMaxRetries = 3
	NotifyRetryDelay = 1 * time.Second // doubled after each failed attempt
	NotifyTimeout    = 30 * time.Second
	GotifyPriority   = 5
)

// Database paths
const (
	DefaultDataDir  = "./data"
	DefaultDBFile   = "gocall.db"
	CertificatesDir = "certs"
)
