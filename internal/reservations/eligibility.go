package reservations

import (
	"errors"
	"fmt"
	"time"

	"github.com/btafoya/gocall/internal/models"
)

// Reasons a reservation cannot start a call right now
var (
	ErrCallInProgress = errors.New("another call is in progress")
	ErrNotScheduled   = errors.New("reservation is not scheduled")
	ErrNotToday       = errors.New("reservation is not for today")
	ErrOutsideWindow  = errors.New("current time is outside the reservation window")
)

// Window is the absolute time span of a reservation
type Window struct {
	Start time.Time
	End   time.Time
}

// WindowOf resolves a reservation's date and HH:MM times in loc. An end time
// at or before the start time means the window runs past midnight and ends
// on the following day.
func WindowOf(r models.CallReservation, loc *time.Location) (Window, error) {
	date, err := time.ParseInLocation(models.DateLayout, r.ReservationDate, loc)
	if err != nil {
		return Window{}, fmt.Errorf("invalid reservation date %q: %w", r.ReservationDate, err)
	}
	start, err := clockOn(date, r.StartTime)
	if err != nil {
		return Window{}, err
	}
	end, err := clockOn(date, r.EndTime)
	if err != nil {
		return Window{}, err
	}
	if !end.After(start) {
		end = end.AddDate(0, 0, 1)
	}
	return Window{Start: start, End: end}, nil
}

func clockOn(date time.Time, hhmm string) (time.Time, error) {
	t, err := time.Parse(models.TimeLayout, hhmm)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid reservation time %q: %w", hhmm, err)
	}
	return time.Date(date.Year(), date.Month(), date.Day(), t.Hour(), t.Minute(), 0, 0, date.Location()), nil
}

// Contains reports whether a call can start at now. The window closes at the
// deadline, since a call started then would be ended on the next poll.
func (w Window) Contains(now time.Time) bool {
	return !now.Before(w.Start) && now.Before(w.Deadline())
}

// Deadline is the instant the reservation's call must be ended
func (w Window) Deadline() time.Time {
	return w.End
}

// CheckEligibility reports why r cannot start a call at now, or nil if it
// can. allowOngoing admits reservations left ongoing by an interrupted
// session that recovery already handled.
func CheckEligibility(r models.CallReservation, now time.Time, loc *time.Location, callActive, allowOngoing bool) error {
	if callActive {
		return ErrCallInProgress
	}
	switch r.Status {
	case models.ReservationScheduled:
	case models.ReservationOngoing:
		if !allowOngoing {
			return ErrNotScheduled
		}
	default:
		return ErrNotScheduled
	}

	w, err := WindowOf(r, loc)
	if err != nil {
		return err
	}
	if w.Contains(now) {
		return nil
	}
	if r.ReservationDate != now.In(loc).Format(models.DateLayout) {
		return ErrNotToday
	}
	return ErrOutsideWindow
}
