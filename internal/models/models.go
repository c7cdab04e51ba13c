// Package models defines the domain models for GoCall
package models

import (
	"time"
)

// ReservationStatus is the lifecycle state of a call reservation
type ReservationStatus string

const (
	ReservationScheduled ReservationStatus = "scheduled"
	ReservationOngoing   ReservationStatus = "ongoing"
	ReservationCompleted ReservationStatus = "completed"
	ReservationCancelled ReservationStatus = "cancelled"
)

// Valid reports whether s is one of the known reservation statuses
func (s ReservationStatus) Valid() bool {
	switch s {
	case ReservationScheduled, ReservationOngoing, ReservationCompleted, ReservationCancelled:
		return true
	}
	return false
}

// Reservation date and time layouts used on the wire
const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// CallReservation is a time-boxed call slot owned by the reservation API
type CallReservation struct {
	ID              int64             `json:"id"`
	Username        string            `json:"username"`
	ReservationDate string            `json:"reservationDate"` // YYYY-MM-DD
	StartTime       string            `json:"startTime"`       // HH:MM
	EndTime         string            `json:"endTime"`         // HH:MM
	Status          ReservationStatus `json:"status"`
	PhoneNumber     string            `json:"phoneNumber,omitempty"`
	CallDuration    int               `json:"callDuration"` // seconds
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// CreateReservationRequest is the payload for creating a reservation
type CreateReservationRequest struct {
	Username        string `json:"username"`
	ReservationDate string `json:"reservationDate"`
	StartTime       string `json:"startTime"`
	EndTime         string `json:"endTime"`
	PhoneNumber     string `json:"phoneNumber,omitempty"`
}

// ReservationUpdate is a partial update; nil fields are left untouched
type ReservationUpdate struct {
	Status       *ReservationStatus `json:"status,omitempty"`
	CallDuration *int               `json:"callDuration,omitempty"`
	PhoneNumber  *string            `json:"phoneNumber,omitempty"`
}

// StatusUpdate builds an update that only changes the status
func StatusUpdate(status ReservationStatus) ReservationUpdate {
	return ReservationUpdate{Status: &status}
}

// CompletionUpdate marks a reservation completed with the given duration in seconds
func CompletionUpdate(duration int) ReservationUpdate {
	status := ReservationCompleted
	return ReservationUpdate{Status: &status, CallDuration: &duration}
}

// CallDirection indicates who placed a call
type CallDirection string

const (
	DirectionInbound  CallDirection = "inbound"
	DirectionOutbound CallDirection = "outbound"
)

// CallDisposition is how a call session ended
type CallDisposition string

const (
	DispositionCompleted CallDisposition = "completed" // answered then hung up
	DispositionRejected  CallDisposition = "rejected"
	DispositionCancelled CallDisposition = "cancelled"
	DispositionFailed    CallDisposition = "failed"
)

// CallRecord is a finished call session kept in local history
type CallRecord struct {
	ID             int64           `json:"id"`
	SessionID      string          `json:"session_id"`
	Identity       string          `json:"identity"`
	Direction      CallDirection   `json:"direction"`
	RemoteIdentity string          `json:"remote_identity"`
	ReservationID  *int64          `json:"reservation_id,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	AnsweredAt     *time.Time      `json:"answered_at,omitempty"`
	EndedAt        time.Time       `json:"ended_at"`
	Duration       int             `json:"duration"` // seconds between answer and end
	Disposition    CallDisposition `json:"disposition"`
	ErrorMessage   string          `json:"error_message,omitempty"`
}
