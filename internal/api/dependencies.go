package api

import (
	"context"
	"time"

	"github.com/btafoya/gocall/internal/certs"
	"github.com/btafoya/gocall/internal/config"
	"github.com/btafoya/gocall/internal/db"
	"github.com/btafoya/gocall/internal/models"
	"github.com/btafoya/gocall/internal/phone"
	"github.com/btafoya/gocall/internal/reservations"
	"github.com/btafoya/gocall/internal/twilio"
	"github.com/btafoya/gocall/pkg/signaling"
)

// Dependencies holds all dependencies for API handlers
type Dependencies struct {
	Config       *config.Config
	Phone        Phone
	Guard        ReservationGuard
	Reservations ReservationList
	Store        reservations.Store
	Tokens       signaling.CredentialSource // serves POST /token; nil disables it
	Settings     IdentityStore
	History      CallHistory
	Twilio       TwilioHealth
	Certs        CertStatus
	DB           Pinger
}

// Phone is the call session controller as driven over HTTP
type Phone interface {
	Snapshot() phone.Snapshot
	Subscribe() (<-chan phone.StatusChange, func())
	Initialize(ctx context.Context, identity string) error
	MakeCall(ctx context.Context, destination string, kind signaling.AddressKind, opts ...phone.CallOption) error
	AnswerCall(ctx context.Context) error
	RejectCall() error
	EndCall() error
	ToggleMute() (bool, error)
}

// ReservationGuard starts reservation calls and reports the bound one
type ReservationGuard interface {
	StartCall(ctx context.Context, id int64) (*models.CallReservation, error)
	Current() (reservations.Binding, bool)
}

// ReservationList is the cached reservation list of the current identity
type ReservationList interface {
	SetIdentity(identity string)
	Latest() ([]models.CallReservation, time.Time, error)
	Refresh(ctx context.Context) ([]models.CallReservation, error)
	Trigger()
}

// IdentityStore persists the identity used at startup
type IdentityStore interface {
	Identity(ctx context.Context) (string, error)
	SetIdentity(ctx context.Context, identity string) error
}

// CallHistory reads finished call sessions
type CallHistory interface {
	List(ctx context.Context, filter db.CallLogFilter) ([]*models.CallRecord, error)
	Count(ctx context.Context, filter db.CallLogFilter) (int, error)
	StatsByDisposition(ctx context.Context, identity string) (map[string]int, error)
}

// TwilioHealth reports the state of the Twilio REST connection
type TwilioHealth interface {
	Health() twilio.Health
}

// CertStatus reports and reloads the certificate of the HTTPS listener
type CertStatus interface {
	Status() certs.Status
	Reload() error
}

// Pinger checks the local database
type Pinger interface {
	PingContext(ctx context.Context) error
}
