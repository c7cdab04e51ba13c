package reservations

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btafoya/gocall/internal/models"
	"github.com/btafoya/gocall/internal/phone"
	"github.com/btafoya/gocall/pkg/signaling"
)

type recordedUpdate struct {
	ID       int64
	Status   models.ReservationStatus
	Duration *int
}

// MockStore is an in-memory Store
type MockStore struct {
	ListFunc   func(ctx context.Context, username string) ([]models.CallReservation, error)
	UpdateFunc func(ctx context.Context, id int64, update models.ReservationUpdate) error
	SweepFunc  func(ctx context.Context) error

	mu           sync.Mutex
	reservations map[int64]models.CallReservation
	updates      []recordedUpdate
	sweeps       int
	nextID       int64
}

func newMockStore(rs ...models.CallReservation) *MockStore {
	s := &MockStore{reservations: make(map[int64]models.CallReservation), nextID: 100}
	for _, r := range rs {
		s.reservations[r.ID] = r
	}
	return s
}

func (s *MockStore) Create(ctx context.Context, req models.CreateReservationRequest) (*models.CallReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	r := models.CallReservation{
		ID:              s.nextID,
		Username:        req.Username,
		ReservationDate: req.ReservationDate,
		StartTime:       req.StartTime,
		EndTime:         req.EndTime,
		PhoneNumber:     req.PhoneNumber,
		Status:          models.ReservationScheduled,
	}
	s.reservations[r.ID] = r
	return &r, nil
}

func (s *MockStore) ListByUser(ctx context.Context, username string) ([]models.CallReservation, error) {
	if s.ListFunc != nil {
		return s.ListFunc(ctx, username)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CallReservation
	for _, r := range s.reservations {
		if r.Username == username {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MockStore) Get(ctx context.Context, id int64) (*models.CallReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	return &r, nil
}

func (s *MockStore) Update(ctx context.Context, id int64, update models.ReservationUpdate) (*models.CallReservation, error) {
	if s.UpdateFunc != nil {
		if err := s.UpdateFunc(ctx, id, update); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := recordedUpdate{ID: id, Duration: update.CallDuration}
	r, ok := s.reservations[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	if update.Status != nil {
		r.Status = *update.Status
		rec.Status = *update.Status
	}
	if update.CallDuration != nil {
		r.CallDuration = *update.CallDuration
	}
	s.reservations[id] = r
	s.updates = append(s.updates, rec)
	return &r, nil
}

func (s *MockStore) SweepExpired(ctx context.Context) error {
	s.mu.Lock()
	s.sweeps++
	s.mu.Unlock()
	if s.SweepFunc != nil {
		return s.SweepFunc(ctx)
	}
	return nil
}

func (s *MockStore) recorded() []recordedUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedUpdate(nil), s.updates...)
}

// setStatus changes a stored reservation without recording an update
func (s *MockStore) setStatus(id int64, status models.ReservationStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.reservations[id]
	r.Status = status
	s.reservations[id] = r
}

func (s *MockStore) statusOf(id int64) models.ReservationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reservations[id].Status
}

// MockPhone stands in for the call session controller
type MockPhone struct {
	MakeCallFunc func(ctx context.Context, destination string) error

	mu          sync.Mutex
	snap        phone.Snapshot
	subs        map[int]chan phone.StatusChange
	nextSub     int
	dialed      []string
	kinds       []signaling.AddressKind
	ended       int
	reservation *int64
}

func newMockPhone() *MockPhone {
	return &MockPhone{
		snap: phone.Snapshot{Identity: "alice", Initialized: true, Status: phone.StatusReady},
		subs: make(map[int]chan phone.StatusChange),
	}
}

func (p *MockPhone) Snapshot() phone.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

func (p *MockPhone) Subscribe() (<-chan phone.StatusChange, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSub
	p.nextSub++
	ch := make(chan phone.StatusChange, 64)
	p.subs[id] = ch
	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if sub, ok := p.subs[id]; ok {
			close(sub)
			delete(p.subs, id)
		}
	}
}

// MakeCall moves to connecting with the reservation set by expectReservation
func (p *MockPhone) MakeCall(ctx context.Context, destination string, kind signaling.AddressKind, opts ...phone.CallOption) error {
	if p.MakeCallFunc != nil {
		if err := p.MakeCallFunc(ctx, destination); err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialed = append(p.dialed, destination)
	p.kinds = append(p.kinds, kind)
	next := p.snap
	next.Status = phone.StatusConnecting
	next.ReservationID = p.reservation
	next.RemoteIdentity = destination
	p.publishLocked(next)
	return nil
}

func (p *MockPhone) EndCall() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snap.SessionID == "" && p.snap.ReservationID == nil {
		return phone.ErrNoActiveSession
	}
	p.ended++
	next := phone.Snapshot{Identity: p.snap.Identity, Initialized: true, Status: phone.StatusClosed}
	p.publishLocked(next)
	return nil
}

// setQuietly replaces the snapshot without notifying subscribers, as when a
// status change is still queued
func (p *MockPhone) setQuietly(snap phone.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap = snap
}

func (p *MockPhone) expectReservation(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reservation = &id
}

// answer moves the bound call to open at answeredAt
func (p *MockPhone) answer(answeredAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.snap
	next.Status = phone.StatusOpen
	next.AnsweredAt = &answeredAt
	p.publishLocked(next)
}

// hangup ends the call the way the controller does: the session is gone
func (p *MockPhone) hangup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publishLocked(phone.Snapshot{Identity: p.snap.Identity, Initialized: true, Status: phone.StatusClosed})
}

func (p *MockPhone) setStatus(status phone.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.snap
	next.Status = status
	p.publishLocked(next)
}

func (p *MockPhone) publishLocked(next phone.Snapshot) {
	change := phone.StatusChange{From: p.snap.Status, To: next.Status, Snapshot: next}
	p.snap = next
	for _, ch := range p.subs {
		select {
		case ch <- change:
		default:
		}
	}
}

func (p *MockPhone) endCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ended
}

func (p *MockPhone) dialCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.dialed)
}

// testClock is a settable clock
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func at(hhmmss string) time.Time {
	t, err := time.ParseInLocation("2006-01-02 15:04:05", "2024-05-01 "+hhmmss, time.UTC)
	if err != nil {
		panic(err)
	}
	return t
}

func scheduled(id int64, start, end string) models.CallReservation {
	return models.CallReservation{
		ID:              id,
		Username:        "alice",
		ReservationDate: "2024-05-01",
		StartTime:       start,
		EndTime:         end,
		Status:          models.ReservationScheduled,
		PhoneNumber:     "+15551234567",
	}
}

func newTestGuard(store Store, p Phone, clock *testClock) *Guard {
	return NewGuard(store, p, GuardOptions{
		Location:     time.UTC,
		PollInterval: 5 * time.Millisecond,
		TickInterval: 5 * time.Millisecond,
		Now:          clock.Now,
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var errBoom = errors.New("boom")
