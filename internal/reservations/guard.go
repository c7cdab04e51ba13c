package reservations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/btafoya/gocall/internal/config"
	"github.com/btafoya/gocall/internal/models"
	"github.com/btafoya/gocall/internal/phone"
	"github.com/btafoya/gocall/pkg/signaling"
)

var (
	ErrRecoveryInProgress = errors.New("reservation recovery in progress")
	ErrPhoneNotReady      = errors.New("phone is not initialized")
	ErrNoDestination      = errors.New("reservation has no phone number")
)

// Phone is the part of the call session controller the guard drives
type Phone interface {
	Snapshot() phone.Snapshot
	Subscribe() (<-chan phone.StatusChange, func())
	MakeCall(ctx context.Context, destination string, kind signaling.AddressKind, opts ...phone.CallOption) error
	EndCall() error
}

// GuardOptions configures a Guard. Zero values take the config defaults.
type GuardOptions struct {
	Location           *time.Location
	PollInterval       time.Duration
	TickInterval       time.Duration
	DefaultDestination string // dialed when a reservation has no phone number
	Logger             *slog.Logger
	Now                func() time.Time
}

// Guard binds a reservation to the active call and enforces its window
type Guard struct {
	store Store
	phone Phone
	opts  GuardOptions
	log   *slog.Logger

	mu         sync.Mutex
	binding    *binding
	starting   bool
	recovering bool
	recovered  map[int64]bool
	onChange   func()
}

type binding struct {
	id          int64
	reservation models.CallReservation
	deadline    time.Time
	answeredAt  time.Time
	duration    int
	seen        bool
	wasOpen     bool
	cancel      context.CancelFunc
}

// Binding is a read-only view of the reservation tied to the current call
type Binding struct {
	Reservation models.CallReservation `json:"reservation"`
	Deadline    time.Time              `json:"deadline"`
	Duration    int                    `json:"duration"`
	Answered    bool                   `json:"answered"`
}

// NewGuard creates a Guard
func NewGuard(store Store, p Phone, opts GuardOptions) *Guard {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = config.DeadlinePollInterval
	}
	if opts.TickInterval == 0 {
		opts.TickInterval = config.DurationTickInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Guard{
		store:     store,
		phone:     p,
		opts:      opts,
		log:       opts.Logger.With("component", "reservation_guard"),
		recovered: make(map[int64]bool),
	}
}

// OnReservationChange registers fn to run after the guard writes a reservation
func (g *Guard) OnReservationChange(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onChange = fn
}

// Current returns the reservation bound to the active call, if any
func (g *Guard) Current() (Binding, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	b := g.binding
	if b == nil {
		return Binding{}, false
	}
	return Binding{
		Reservation: b.reservation,
		Deadline:    b.deadline,
		Duration:    b.duration,
		Answered:    b.wasOpen,
	}, true
}

// Eligible reports whether reservation id could start a call right now
func (g *Guard) Eligible(ctx context.Context, id int64) (*models.CallReservation, error) {
	r, err := g.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	busy := g.binding != nil || g.starting
	allowOngoing := g.recovered[id]
	g.mu.Unlock()

	busy = busy || g.phone.Snapshot().Status.Active()
	if err := CheckEligibility(*r, g.opts.Now(), g.opts.Location, busy, allowOngoing); err != nil {
		return r, err
	}
	return r, nil
}

// StartCall dials the phone number of reservation id if it is eligible. The
// reservation is marked ongoing before dialing and put back to scheduled if
// the dial fails.
func (g *Guard) StartCall(ctx context.Context, id int64) (*models.CallReservation, error) {
	g.mu.Lock()
	switch {
	case g.recovering:
		g.mu.Unlock()
		return nil, ErrRecoveryInProgress
	case g.binding != nil || g.starting:
		g.mu.Unlock()
		return nil, ErrCallInProgress
	}
	g.starting = true
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.starting = false
		g.mu.Unlock()
	}()

	snap := g.phone.Snapshot()
	if !snap.Initialized {
		return nil, ErrPhoneNotReady
	}

	r, err := g.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load reservation %d: %w", id, err)
	}

	g.mu.Lock()
	allowOngoing := g.recovered[id]
	g.mu.Unlock()

	now := g.opts.Now()
	if err := CheckEligibility(*r, now, g.opts.Location, snap.Status.Active(), allowOngoing); err != nil {
		return r, err
	}
	window, err := WindowOf(*r, g.opts.Location)
	if err != nil {
		return r, err
	}

	destination := strings.TrimSpace(r.PhoneNumber)
	if destination == "" {
		destination = g.opts.DefaultDestination
	}
	if destination == "" {
		return r, ErrNoDestination
	}
	kind := signaling.KindPhone
	if strings.HasPrefix(destination, signaling.ClientPrefix) {
		kind = signaling.KindClient
	}

	updated, err := g.store.Update(ctx, id, models.StatusUpdate(models.ReservationOngoing))
	if err != nil {
		return r, fmt.Errorf("mark reservation %d ongoing: %w", id, err)
	}
	if updated == nil || updated.ID == 0 {
		updated = r
		updated.Status = models.ReservationOngoing
	}

	changes, unsubscribe := g.phone.Subscribe()

	if err := g.phone.MakeCall(ctx, destination, kind, phone.WithReservation(id)); err != nil {
		unsubscribe()
		dialErr := fmt.Errorf("dial reservation %d: %w", id, err)
		if _, revertErr := g.store.Update(context.WithoutCancel(ctx), id, models.StatusUpdate(models.ReservationScheduled)); revertErr != nil {
			g.log.Error("Failed to revert reservation after dial failure", "reservation_id", id, "error", revertErr)
			return updated, errors.Join(dialErr, fmt.Errorf("revert reservation %d: %w", id, revertErr))
		}
		g.changed()
		return updated, dialErr
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b := &binding{
		id:          id,
		reservation: *updated,
		deadline:    window.Deadline(),
		cancel:      cancel,
	}
	g.mu.Lock()
	g.binding = b
	delete(g.recovered, id)
	g.mu.Unlock()

	g.log.Info("Reservation call started",
		"reservation_id", id,
		"destination", destination,
		"deadline", b.deadline,
	)
	g.changed()

	go g.watch(loopCtx, b, changes, unsubscribe)
	return updated, nil
}

// watch follows the bound call until it ends or the deadline passes
func (g *Guard) watch(ctx context.Context, b *binding, changes <-chan phone.StatusChange, unsubscribe func()) {
	defer unsubscribe()

	poll := time.NewTicker(g.opts.PollInterval)
	defer poll.Stop()
	tick := time.NewTicker(g.opts.TickInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				// Controller closed; recovery handles the reservation next time.
				g.release(b)
				return
			}
			if g.observe(b, change.Snapshot) {
				return
			}
		case <-tick.C:
			if g.observe(b, g.phone.Snapshot()) {
				return
			}
		case <-poll.C:
			if g.checkDeadline(b) {
				return
			}
		}
	}
}

// observe folds a controller snapshot into the binding. It returns true once
// the bound call is over.
func (g *Guard) observe(b *binding, snap phone.Snapshot) bool {
	now := g.opts.Now()
	ours := snap.ReservationID != nil && *snap.ReservationID == b.id

	g.mu.Lock()
	if ours {
		b.seen = true
		if snap.Status == phone.StatusOpen {
			b.wasOpen = true
		}
		if snap.AnsweredAt != nil {
			b.answeredAt = *snap.AnsweredAt
		}
		b.duration = elapsed(b.answeredAt, now)
		ended := b.wasOpen && !snap.Status.Connected()
		g.mu.Unlock()
		if ended {
			g.complete(b, "call ended")
			return true
		}
		return false
	}
	seen, wasOpen := b.seen, b.wasOpen
	b.duration = elapsed(b.answeredAt, now)
	g.mu.Unlock()

	if !seen {
		return false
	}
	if wasOpen {
		g.complete(b, "call ended")
	} else {
		g.revert(b)
	}
	return true
}

func (g *Guard) checkDeadline(b *binding) bool {
	if g.opts.Now().Before(b.deadline) {
		return false
	}
	snap := g.phone.Snapshot()
	if snap.ReservationID != nil && *snap.ReservationID == b.id {
		g.log.Info("Reservation window over, ending call", "reservation_id", b.id, "deadline", b.deadline)
		if err := g.phone.EndCall(); err != nil && !errors.Is(err, phone.ErrNoActiveSession) {
			g.log.Warn("Failed to end call at deadline", "reservation_id", b.id, "error", err)
		}
	} else {
		// the bound call already ended; leave whatever session followed it alone
		g.log.Info("Reservation window over", "reservation_id", b.id, "deadline", b.deadline)
	}
	g.mu.Lock()
	b.duration = elapsed(b.answeredAt, g.opts.Now())
	g.mu.Unlock()
	g.complete(b, "deadline reached")
	return true
}

// complete marks the reservation completed. Failures are logged only.
func (g *Guard) complete(b *binding, reason string) {
	duration := g.release(b)
	ctx, cancel := context.WithTimeout(context.Background(), config.ReservationHTTPTimeout)
	defer cancel()

	if _, err := g.store.Update(ctx, b.id, models.CompletionUpdate(duration)); err != nil {
		g.log.Warn("Failed to complete reservation", "reservation_id", b.id, "reason", reason, "error", err)
		return
	}
	g.log.Info("Reservation completed", "reservation_id", b.id, "reason", reason, "duration", duration)
	g.changed()
}

// revert puts a reservation whose call never connected back to scheduled
func (g *Guard) revert(b *binding) {
	g.release(b)
	ctx, cancel := context.WithTimeout(context.Background(), config.ReservationHTTPTimeout)
	defer cancel()

	if _, err := g.store.Update(ctx, b.id, models.StatusUpdate(models.ReservationScheduled)); err != nil {
		g.log.Warn("Failed to reschedule unanswered reservation", "reservation_id", b.id, "error", err)
		return
	}
	g.log.Info("Reservation call not answered, rescheduled", "reservation_id", b.id)
	g.changed()
}

// elapsed is the whole seconds since answeredAt, zero if never answered
func elapsed(answeredAt, now time.Time) int {
	if answeredAt.IsZero() || now.Before(answeredAt) {
		return 0
	}
	return int(now.Sub(answeredAt).Seconds())
}

func (g *Guard) release(b *binding) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.binding == b {
		g.binding = nil
	}
	b.cancel()
	return b.duration
}

func (g *Guard) changed() {
	g.mu.Lock()
	fn := g.onChange
	g.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Recover completes reservations of identity that were left ongoing by an
// interrupted session. It is meant to run as the phone's initialize hook,
// before any new call can start.
func (g *Guard) Recover(ctx context.Context, identity string) {
	g.mu.Lock()
	g.recovering = true
	var boundID int64
	if g.binding != nil {
		boundID = g.binding.id
	}
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.recovering = false
		g.mu.Unlock()
	}()

	list, err := g.store.ListByUser(ctx, identity)
	if err != nil {
		g.log.Warn("Reservation recovery skipped", "identity", identity, "error", err)
		return
	}

	recovered := 0
	for _, r := range list {
		if r.Status != models.ReservationOngoing || r.ID == boundID {
			continue
		}
		if _, err := g.store.Update(ctx, r.ID, models.CompletionUpdate(r.CallDuration)); err != nil {
			// still ongoing and never recovered; the next Recover retries it
			g.log.Warn("Failed to recover reservation", "reservation_id", r.ID, "error", err)
			continue
		}
		// a lagging read may still report it ongoing; that must not block a restart
		g.mu.Lock()
		g.recovered[r.ID] = true
		g.mu.Unlock()
		recovered++
	}
	if recovered > 0 {
		g.log.Info("Recovered interrupted reservations", "identity", identity, "count", recovered)
		g.changed()
	}
}

// Stop cancels the watch loop without touching the reservation; the next
// Recover completes it.
func (g *Guard) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.binding != nil {
		g.binding.cancel()
		g.binding = nil
	}
}
