package phone

import (
	"errors"
	"fmt"
)

var (
	ErrMicrophonePermissionDenied = errors.New("microphone permission denied")
	ErrCredentialFetchFailed      = errors.New("credential fetch failed")
	ErrDeviceRegistrationFailed   = errors.New("device registration failed")
	ErrNoActiveSession            = errors.New("no active call session")
	ErrSessionFailed              = errors.New("call session failed")
	ErrNotInitialized             = errors.New("phone is not initialized")
	ErrInvalidState               = errors.New("operation not allowed in current call state")
	ErrIdentityRequired           = errors.New("identity is required")
	ErrSuperseded                 = errors.New("initialization superseded by a newer request")
	ErrClosed                     = errors.New("phone controller is closed")
)

// User-facing messages exposed through Snapshot.Error
const (
	MicrophoneDeniedMessage   = "Microphone access denied. Allow audio capture and initialize again."
	CredentialFailedMessage   = "Could not obtain a calling token. Check the connection to the backend."
	RegistrationFailedMessage = "Could not register with the calling service."
)

// StateError reports an operation attempted in a status that does not allow it
type StateError struct {
	Op     string
	Status Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s not allowed while %s", e.Op, e.Status)
}

func (e *StateError) Unwrap() error {
	return ErrInvalidState
}
