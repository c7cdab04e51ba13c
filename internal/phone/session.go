package phone

import (
	"time"

	"github.com/btafoya/gocall/internal/models"
	"github.com/btafoya/gocall/pkg/signaling"
	"github.com/google/uuid"
)

// session is the record for one call. The Controller holds at most one and
// drops it on teardown, so nothing from a finished call leaks into the next.
type session struct {
	id            string
	direction     models.CallDirection
	remote        string
	call          signaling.Call // nil while an outbound connect is in flight
	reservationID *int64
	startedAt     time.Time
	answeredAt    time.Time
}

func newSession(direction models.CallDirection, remote string, now time.Time) *session {
	return &session{
		id:        uuid.NewString(),
		direction: direction,
		remote:    remote,
		startedAt: now,
	}
}

func (s *session) answered() bool {
	return !s.answeredAt.IsZero()
}

func (s *session) record(identity string, disposition models.CallDisposition, errMsg string, now time.Time) models.CallRecord {
	rec := models.CallRecord{
		SessionID:      s.id,
		Identity:       identity,
		Direction:      s.direction,
		RemoteIdentity: s.remote,
		ReservationID:  s.reservationID,
		StartedAt:      s.startedAt,
		EndedAt:        now,
		Disposition:    disposition,
		ErrorMessage:   errMsg,
	}
	if s.answered() {
		answered := s.answeredAt
		rec.AnsweredAt = &answered
		rec.Duration = int(now.Sub(s.answeredAt).Seconds())
	}
	return rec
}

// CallOption customizes an outbound call
type CallOption func(*session)

// WithReservation links the call to a reservation in call history
func WithReservation(id int64) CallOption {
	return func(s *session) {
		s.reservationID = &id
	}
}
