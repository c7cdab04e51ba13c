package phone

import "time"

// Status is the canonical call status of a Controller
type Status string

const (
	StatusClosed       Status = "closed"
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusConnecting   Status = "connecting"
	StatusRinging      Status = "ringing"
	StatusPending      Status = "pending"
	StatusOpen         Status = "open"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

// Active reports whether a call session is in progress in this status
func (s Status) Active() bool {
	switch s {
	case StatusConnecting, StatusRinging, StatusPending, StatusOpen, StatusReconnecting:
		return true
	}
	return false
}

// Connected reports whether media is (or is being re-) established
func (s Status) Connected() bool {
	return s == StatusOpen || s == StatusReconnecting
}

// validTransitions lists the statuses reachable from each status. Teardown
// targets (closed, error, initializing) are reachable from everywhere.
var validTransitions = map[Status][]Status{
	StatusClosed:       {StatusReady, StatusConnecting, StatusPending},
	StatusInitializing: {StatusReady},
	StatusReady:        {StatusConnecting, StatusPending},
	StatusConnecting:   {StatusRinging, StatusOpen, StatusReconnecting, StatusPending},
	StatusRinging:      {StatusOpen, StatusReconnecting, StatusPending, StatusConnecting},
	StatusPending:      {StatusOpen, StatusConnecting},
	StatusOpen:         {StatusReconnecting, StatusPending, StatusConnecting},
	StatusReconnecting: {StatusOpen, StatusPending, StatusConnecting},
	StatusError:        {StatusReady, StatusConnecting, StatusPending},
}

func canTransition(from, to Status) bool {
	switch to {
	case StatusClosed, StatusError, StatusInitializing:
		return true
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StatusChange is published to subscribers whenever the snapshot changes.
// From equals To when only non-status fields changed.
type StatusChange struct {
	From     Status   `json:"from"`
	To       Status   `json:"to"`
	Snapshot Snapshot `json:"snapshot"`
}

// Snapshot is a point-in-time view of the Controller for presentation
type Snapshot struct {
	Identity       string     `json:"identity"`
	Initialized    bool       `json:"initialized"`
	Status         Status     `json:"status"`
	Muted          bool       `json:"muted"`
	Error          string     `json:"error,omitempty"`
	CallInfo       string     `json:"callInfo,omitempty"`
	RemoteIdentity string     `json:"remoteIdentity,omitempty"`
	Direction      string     `json:"direction,omitempty"`
	SessionID      string     `json:"sessionId,omitempty"`
	ReservationID  *int64     `json:"reservationId,omitempty"`
	AnsweredAt     *time.Time `json:"answeredAt,omitempty"`
}
