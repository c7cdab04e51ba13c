package reservations

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/btafoya/gocall/internal/config"
	"github.com/btafoya/gocall/internal/models"
	"github.com/btafoya/gocall/internal/phone"
)

// StatusSource reports the controller status used to pick the refresh pace
type StatusSource interface {
	Snapshot() phone.Snapshot
}

// Refresher keeps a cached reservation list for the current identity,
// sweeping expired reservations before every reload.
type Refresher struct {
	store  Store
	status StatusSource
	log    *slog.Logger

	ActiveInterval time.Duration
	IdleInterval   time.Duration

	mu        sync.RWMutex
	identity  string
	items     []models.CallReservation
	updatedAt time.Time
	lastErr   error

	trigger chan struct{}
}

// NewRefresher creates a Refresher with the default intervals
func NewRefresher(store Store, status StatusSource, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		store:          store,
		status:         status,
		log:            logger.With("component", "reservation_refresher"),
		ActiveInterval: config.ActiveRefreshInterval,
		IdleInterval:   config.IdleRefreshInterval,
		trigger:        make(chan struct{}, 1),
	}
}

// SetIdentity switches the list owner and schedules an immediate reload
func (r *Refresher) SetIdentity(identity string) {
	r.mu.Lock()
	if r.identity != identity {
		r.identity = identity
		r.items = nil
		r.updatedAt = time.Time{}
		r.lastErr = nil
	}
	r.mu.Unlock()
	r.Trigger()
}

// Trigger asks Run to reload now
func (r *Refresher) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Latest returns the cached list and when it was loaded
func (r *Refresher) Latest() ([]models.CallReservation, time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]models.CallReservation(nil), r.items...), r.updatedAt, r.lastErr
}

// Refresh sweeps expired reservations and reloads the list. The sweep is
// best-effort; a failed list load is returned.
func (r *Refresher) Refresh(ctx context.Context) ([]models.CallReservation, error) {
	r.mu.RLock()
	identity := r.identity
	r.mu.RUnlock()
	if identity == "" {
		return nil, nil
	}

	if err := r.store.SweepExpired(ctx); err != nil {
		r.log.Warn("Expired reservation sweep failed", "error", err)
	}

	items, err := r.store.ListByUser(ctx, identity)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.identity != identity {
		// Identity changed while loading; the new owner gets its own reload.
		return items, err
	}
	r.lastErr = err
	if err != nil {
		return nil, err
	}
	r.items = items
	r.updatedAt = time.Now()
	return items, nil
}

// Interval is the pause before the next reload
func (r *Refresher) Interval() time.Duration {
	if r.status != nil && r.status.Snapshot().Status.Active() {
		return r.ActiveInterval
	}
	return r.IdleInterval
}

// Run reloads on a timer and on Trigger until ctx is done
func (r *Refresher) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-r.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		if _, err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("Reservation refresh failed", "error", err)
		}
		timer.Reset(r.Interval())
	}
}
