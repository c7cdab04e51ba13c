package notifications

import (
	"context"

	"github.com/btafoya/gocall/internal/models"
)

// Recorder persists finished calls
type Recorder interface {
	RecordCall(ctx context.Context, rec models.CallRecord) error
}

// Journal records calls through next and raises alerts for the ones that
// were missed or failed. Alerts are sent even when recording fails.
type Journal struct {
	next     Recorder
	notifier *Notifier
}

// NewJournal wraps next with call alerts
func NewJournal(next Recorder, notifier *Notifier) *Journal {
	return &Journal{next: next, notifier: notifier}
}

// RecordCall implements phone.Journal
func (j *Journal) RecordCall(ctx context.Context, rec models.CallRecord) error {
	var err error
	if j.next != nil {
		err = j.next.RecordCall(ctx, rec)
	}
	if j.notifier != nil {
		j.notifier.Go(rec)
	}
	return err
}
