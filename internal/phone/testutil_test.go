package phone

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btafoya/gocall/internal/models"
	"github.com/btafoya/gocall/pkg/signaling"
)

// MockCall is a scriptable signaling.Call
type MockCall struct {
	id        string
	direction string
	from      string
	to        string
	events    chan signaling.CallEvent

	AcceptFunc func(ctx context.Context) error
	MuteFunc   func(muted bool) error

	mu           sync.Mutex
	accepted     bool
	rejected     bool
	disconnected bool
	closed       bool
}

func newMockCall(id, direction, from, to string) *MockCall {
	return &MockCall{
		id:        id,
		direction: direction,
		from:      from,
		to:        to,
		events:    make(chan signaling.CallEvent, 16),
	}
}

func (m *MockCall) ID() string        { return m.id }
func (m *MockCall) Direction() string { return m.direction }
func (m *MockCall) From() string      { return m.from }
func (m *MockCall) To() string        { return m.to }

func (m *MockCall) Events() <-chan signaling.CallEvent { return m.events }

func (m *MockCall) Accept(ctx context.Context) error {
	if m.AcceptFunc != nil {
		if err := m.AcceptFunc(ctx); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.accepted = true
	m.mu.Unlock()
	return nil
}

func (m *MockCall) Reject() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected = true
	return nil
}

func (m *MockCall) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = true
	return nil
}

func (m *MockCall) Mute(muted bool) error {
	if m.MuteFunc != nil {
		return m.MuteFunc(muted)
	}
	return nil
}

func (m *MockCall) emit(t signaling.CallEventType, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.events <- signaling.CallEvent{Type: t, Err: err, Stamp: time.Now()}
	if t.Terminal() {
		m.closed = true
		close(m.events)
	}
}

func (m *MockCall) wasDisconnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnected
}

func (m *MockCall) wasRejected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rejected
}

func (m *MockCall) wasAccepted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accepted
}

// MockDevice is a scriptable signaling.Device
type MockDevice struct {
	events chan signaling.DeviceEvent

	RegisterFunc    func(ctx context.Context) error
	ConnectFunc     func(ctx context.Context, params signaling.ConnectParams) (signaling.Call, error)
	UpdateTokenFunc func(ctx context.Context, token string) error

	mu        sync.Mutex
	calls     []*MockCall
	tokens    []string
	destroyed bool
	released  int
	// hung-up calls already disconnected when ReleaseAudio ran
	releasedHungUp int
}

func newMockDevice() *MockDevice {
	return &MockDevice{events: make(chan signaling.DeviceEvent, 16)}
}

func (m *MockDevice) Register(ctx context.Context) error {
	if m.RegisterFunc != nil {
		return m.RegisterFunc(ctx)
	}
	m.emit(signaling.DeviceEvent{Type: signaling.DeviceRegistered})
	return nil
}

func (m *MockDevice) UpdateToken(ctx context.Context, token string) error {
	if m.UpdateTokenFunc != nil {
		if err := m.UpdateTokenFunc(ctx, token); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = append(m.tokens, token)
	return nil
}

func (m *MockDevice) Connect(ctx context.Context, params signaling.ConnectParams) (signaling.Call, error) {
	if m.ConnectFunc != nil {
		return m.ConnectFunc(ctx, params)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	call := newMockCall(fmt.Sprintf("out-%d", len(m.calls)+1), "outbound", "me", params.To)
	m.calls = append(m.calls, call)
	return call, nil
}

func (m *MockDevice) Events() <-chan signaling.DeviceEvent { return m.events }

func (m *MockDevice) ReleaseAudio() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released++
	for _, call := range m.calls {
		if call.wasDisconnected() {
			m.releasedHungUp++
		}
	}
}

func (m *MockDevice) hungUpReleased() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releasedHungUp
}

func (m *MockDevice) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.destroyed {
		m.destroyed = true
		close(m.events)
	}
}

func (m *MockDevice) emit(ev signaling.DeviceEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.destroyed {
		m.events <- ev
	}
}

func (m *MockDevice) lastCall() *MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return nil
	}
	return m.calls[len(m.calls)-1]
}

func (m *MockDevice) updatedTokens() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.tokens...)
}

func (m *MockDevice) isDestroyed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}

// MockCredentials issues numbered tokens
type MockCredentials struct {
	FetchFunc func(ctx context.Context, identity string, n int) (signaling.Credential, error)

	mu    sync.Mutex
	count int
}

func (m *MockCredentials) Fetch(ctx context.Context, identity string) (signaling.Credential, error) {
	m.mu.Lock()
	m.count++
	n := m.count
	m.mu.Unlock()

	if m.FetchFunc != nil {
		return m.FetchFunc(ctx, identity, n)
	}
	return signaling.Credential{
		Token:     fmt.Sprintf("tok-%d", n),
		Identity:  identity,
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

func (m *MockCredentials) fetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// MockAudio grants or denies capture
type MockAudio struct {
	Err error
}

func (m *MockAudio) Request(ctx context.Context) error { return m.Err }

// MockJournal collects call records
type MockJournal struct {
	mu      sync.Mutex
	records []models.CallRecord
}

func (m *MockJournal) RecordCall(ctx context.Context, rec models.CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *MockJournal) all() []models.CallRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.CallRecord(nil), m.records...)
}

type testPhone struct {
	*Controller
	creds   *MockCredentials
	audio   *MockAudio
	journal *MockJournal

	mu      sync.Mutex
	devices []*MockDevice
	nextDev func() *MockDevice
}

func (p *testPhone) device() *MockDevice {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.devices) == 0 {
		return nil
	}
	return p.devices[len(p.devices)-1]
}

func (p *testPhone) deviceCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.devices)
}

func newTestPhone(t *testing.T, mutate func(*Options)) *testPhone {
	t.Helper()

	p := &testPhone{
		creds:   &MockCredentials{},
		audio:   &MockAudio{},
		journal: &MockJournal{},
		nextDev: newMockDevice,
	}
	opts := Options{
		Credentials: p.creds,
		Audio:       p.audio,
		Journal:     p.journal,
		Devices: signaling.DeviceFactoryFunc(func(ctx context.Context, cred signaling.Credential) (signaling.Device, error) {
			p.mu.Lock()
			defer p.mu.Unlock()
			dev := p.nextDev()
			p.devices = append(p.devices, dev)
			return dev, nil
		}),
		SettleDelay:      20 * time.Millisecond,
		ErrorSettleDelay: 40 * time.Millisecond,
		RetryBackoff:     20 * time.Millisecond,
		MinRefresh:       10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	p.Controller = NewController(opts)
	t.Cleanup(p.Close)
	return p
}

// readyPhone returns a phone that finished Initialize
func readyPhone(t *testing.T) *testPhone {
	t.Helper()
	p := newTestPhone(t, nil)
	if err := p.Initialize(context.Background(), "alice"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	waitForStatus(t, p.Controller, StatusReady)
	return p
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

func waitForStatus(t *testing.T, c *Controller, want Status) {
	t.Helper()
	waitFor(t, "status "+string(want), func() bool {
		return c.Snapshot().Status == want
	})
}

// statusRecorder collects every status a controller moves through
type statusRecorder struct {
	mu       sync.Mutex
	statuses []Status
	done     chan struct{}
}

func recordStatuses(t *testing.T, c *Controller) *statusRecorder {
	t.Helper()
	ch, stop := c.Subscribe()
	r := &statusRecorder{done: make(chan struct{})}
	go func() {
		defer close(r.done)
		for change := range ch {
			if change.From == change.To {
				continue
			}
			r.mu.Lock()
			r.statuses = append(r.statuses, change.To)
			r.mu.Unlock()
		}
	}()
	t.Cleanup(stop)
	return r
}

func (r *statusRecorder) sequence() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

func assertSequence(t *testing.T, r *statusRecorder, want ...Status) {
	t.Helper()
	waitFor(t, fmt.Sprintf("status sequence %v", want), func() bool {
		return len(r.sequence()) >= len(want)
	})
	got := r.sequence()
	if len(got) != len(want) {
		t.Fatalf("status sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("status sequence = %v, want %v", got, want)
		}
	}
}

var errBoom = errors.New("boom")
