// Package signaling defines the telephony provider abstraction used by the
// call session controller. A provider registers an identity, places and
// receives calls, and reports what happens to them as events.
package signaling

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrPermissionDenied is returned by AudioInput.Request when capture is refused
var ErrPermissionDenied = errors.New("audio input permission denied")

// Credential is a short-lived signaling credential issued for one identity
type Credential struct {
	Token     string
	Identity  string
	ExpiresAt time.Time
}

// Expired reports whether the credential is no longer valid at now
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// AddressKind tells the provider how to interpret a dial destination
type AddressKind string

const (
	KindPhone  AddressKind = "phone"  // PSTN number
	KindClient AddressKind = "client" // another registered identity
)

// ClientPrefix marks addresses that refer to registered identities
const ClientPrefix = "client:"

// RemoteIdentity extracts a display identity from a provider address.
// "client:alice" and "sip:alice@host" both yield "alice"; anything else is
// returned unchanged.
func RemoteIdentity(address string) string {
	if strings.HasPrefix(address, ClientPrefix) {
		return strings.TrimPrefix(address, ClientPrefix)
	}
	for _, scheme := range []string{"sip:", "sips:"} {
		if strings.HasPrefix(address, scheme) {
			user := strings.TrimPrefix(address, scheme)
			if i := strings.IndexAny(user, "@;"); i >= 0 {
				user = user[:i]
			}
			return user
		}
	}
	return address
}

// DeviceEventType enumerates device level events
type DeviceEventType string

const (
	DeviceRegistered   DeviceEventType = "registered"
	DeviceUnregistered DeviceEventType = "unregistered"
	DeviceError        DeviceEventType = "error"
	DeviceIncoming     DeviceEventType = "incoming"
)

// DeviceEvent is delivered on Device.Events
type DeviceEvent struct {
	Type  DeviceEventType
	Call  Call  // set for DeviceIncoming
	Err   error // set for DeviceError
	Stamp time.Time
}

// CallEventType enumerates call level events
type CallEventType string

const (
	CallRinging      CallEventType = "ringing"
	CallAccept       CallEventType = "accept"
	CallDisconnect   CallEventType = "disconnect"
	CallCancel       CallEventType = "cancel"
	CallReject       CallEventType = "reject"
	CallError        CallEventType = "error"
	CallReconnecting CallEventType = "reconnecting"
	CallReconnected  CallEventType = "reconnected"
)

// Terminal reports whether no further events follow this one
func (t CallEventType) Terminal() bool {
	switch t {
	case CallDisconnect, CallCancel, CallReject, CallError:
		return true
	}
	return false
}

// CallEvent is delivered on Call.Events
type CallEvent struct {
	Type  CallEventType
	Err   error // set for CallError
	Stamp time.Time
}

// ConnectParams describes an outbound call
type ConnectParams struct {
	To   string
	Kind AddressKind
}

// Device is a registered signaling endpoint for one identity.
//
// Events is closed after Destroy. Implementations buffer events so that a
// slow consumer does not block signaling.
type Device interface {
	Register(ctx context.Context) error
	UpdateToken(ctx context.Context, token string) error
	Connect(ctx context.Context, params ConnectParams) (Call, error)
	Events() <-chan DeviceEvent
	// ReleaseAudio frees media resources held for calls that have ended
	ReleaseAudio()
	Destroy()
}

// Call is a provider call handle.
//
// Events is closed after a terminal event. Events raised before the
// consumer starts reading are buffered.
type Call interface {
	ID() string
	Direction() string // "inbound" or "outbound"
	From() string
	To() string
	Accept(ctx context.Context) error
	Reject() error
	Disconnect() error
	Mute(muted bool) error
	Events() <-chan CallEvent
}

// DeviceFactory builds a device for a credential
type DeviceFactory interface {
	NewDevice(ctx context.Context, cred Credential) (Device, error)
}

// DeviceFactoryFunc adapts a function to DeviceFactory
type DeviceFactoryFunc func(ctx context.Context, cred Credential) (Device, error)

// NewDevice calls f(ctx, cred)
func (f DeviceFactoryFunc) NewDevice(ctx context.Context, cred Credential) (Device, error) {
	return f(ctx, cred)
}

// AudioInput grants access to the capture device
type AudioInput interface {
	Request(ctx context.Context) error
}

// CredentialSource issues credentials for an identity
type CredentialSource interface {
	Fetch(ctx context.Context, identity string) (Credential, error)
}
