// Package phone implements the call session controller: it owns the
// signaling device and the single active call, and reconciles user intents
// with provider events into one canonical Status.
package phone

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
	"github.com/btafoya/gocall/pkg/signaling"
)

// Journal receives a record for every finished call session
type Journal interface {
	RecordCall(ctx context.Context, rec models.CallRecord) error
}

// InitializeHook runs during Initialize after the credential and microphone
// checks and before the device registers, so no call can start while it runs.
type InitializeHook func(ctx context.Context, identity string)

// Options configures a Controller. Zero durations take the config defaults.
type Options struct {
	Credentials signaling.CredentialSource
	Devices     signaling.DeviceFactory
	Audio       signaling.AudioInput
	Journal     Journal
	Logger      *slog.Logger

	SettleDelay      time.Duration
	ErrorSettleDelay time.Duration
	RefreshLead      time.Duration
	RetryBackoff     time.Duration
	MinRefresh       time.Duration
	FetchTimeout     time.Duration

	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.SettleDelay == 0 {
		o.SettleDelay = config.SettleDelay
	}
	if o.ErrorSettleDelay == 0 {
		o.ErrorSettleDelay = config.ErrorSettleDelay
	}
	if o.RefreshLead == 0 {
		o.RefreshLead = config.CredentialRefreshLead
	}
	if o.RetryBackoff == 0 {
		o.RetryBackoff = config.CredentialRetryBackoff
	}
	if o.MinRefresh == 0 {
		o.MinRefresh = config.CredentialMinRefresh
	}
	if o.FetchTimeout == 0 {
		o.FetchTimeout = config.CredentialFetchTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Controller is the call session controller.
//
// All state lives behind mu. Blocking provider calls run without the lock;
// their results are applied only if the device generation or session id
// captured beforehand is still current.
type Controller struct {
	opts Options
	log  *slog.Logger

	mu          sync.Mutex
	status      Status
	identity    string
	initialized bool
	device      signaling.Device
	deviceGen   uint64
	credential  signaling.Credential
	session     *session
	muted       bool
	lastError   string
	callInfo    string
	settle      *time.Timer
	refresh     *time.Timer
	initHook    InitializeHook
	subs        map[uint64]chan StatusChange
	nextSub     uint64
	closed      bool
}

// NewController creates a Controller in the closed status
func NewController(opts Options) *Controller {
	opts.setDefaults()
	return &Controller{
		opts:   opts,
		log:    opts.Logger.With("component", "phone"),
		status: StatusClosed,
		subs:   make(map[uint64]chan StatusChange),
	}
}

// OnInitialize installs the hook run by Initialize before device registration
func (c *Controller) OnInitialize(hook InitializeHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initHook = hook
}

// Initialize registers identity with the signaling provider, replacing any
// existing device and call.
func (c *Controller) Initialize(ctx context.Context, identity string) error {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return ErrIdentityRequired
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.teardownDeviceLocked()
	gen := c.deviceGen
	c.identity = identity
	c.lastError = ""
	c.setStatusLocked(StatusInitializing)
	hook := c.initHook
	c.mu.Unlock()

	c.log.Info("Initializing phone", "identity", identity)

	cred, err := c.fetchCredential(ctx, identity)
	if err != nil {
		return c.failInitialize(gen, CredentialFailedMessage, fmt.Errorf("%w: %v", ErrCredentialFetchFailed, err))
	}

	if err := c.opts.Audio.Request(ctx); err != nil {
		return c.failInitialize(gen, MicrophoneDeniedMessage, fmt.Errorf("%w: %v", ErrMicrophonePermissionDenied, err))
	}

	if hook != nil {
		hook(ctx, identity)
	}

	dev, err := c.opts.Devices.NewDevice(ctx, cred)
	if err != nil {
		return c.failInitialize(gen, RegistrationFailedMessage, fmt.Errorf("%w: %v", ErrDeviceRegistrationFailed, err))
	}

	c.mu.Lock()
	if c.deviceGen != gen || c.closed {
		c.mu.Unlock()
		dev.Destroy()
		return ErrSuperseded
	}
	c.device = dev
	c.credential = cred
	c.mu.Unlock()

	go c.pumpDevice(gen, dev)

	if err := dev.Register(ctx); err != nil {
		return c.failInitialize(gen, RegistrationFailedMessage, fmt.Errorf("%w: %v", ErrDeviceRegistrationFailed, err))
	}

	c.mu.Lock()
	if c.deviceGen == gen {
		c.markRegisteredLocked()
	}
	c.mu.Unlock()
	return nil
}

func (c *Controller) fetchCredential(ctx context.Context, identity string) (signaling.Credential, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	defer cancel()

	cred, err := c.opts.Credentials.Fetch(fetchCtx, identity)
	if err != nil {
		return signaling.Credential{}, err
	}
	if cred.Token == "" {
		return signaling.Credential{}, errors.New("empty token")
	}
	if cred.ExpiresAt.IsZero() {
		cred.ExpiresAt = c.opts.Now().Add(config.CredentialTTL)
	}
	return cred, nil
}

// failInitialize records an initialization failure unless a newer
// Initialize or Close already replaced the attempt.
func (c *Controller) failInitialize(gen uint64, message string, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.deviceGen != gen {
		return ErrSuperseded
	}
	c.log.Error("Phone initialization failed", "identity", c.identity, "error", err)
	c.teardownDeviceLocked()
	c.lastError = message
	c.setStatusLocked(StatusError)
	return err
}

// markRegisteredLocked is idempotent: both Register returning and the
// registered event lead here.
func (c *Controller) markRegisteredLocked() {
	if c.device == nil {
		return
	}
	if !c.initialized {
		c.initialized = true
		c.log.Info("Phone registered", "identity", c.identity)
	}
	if c.session == nil {
		switch c.status {
		case StatusError:
			// the device recovered from an idle registration failure
			c.lastError = ""
			c.setStatusLocked(StatusReady)
		case StatusInitializing, StatusClosed:
			c.setStatusLocked(StatusReady)
		}
	}
	if c.refresh == nil {
		c.scheduleRefreshLocked(c.refreshDelayLocked())
	}
}

// MakeCall dials destination. Any stale session is torn down first.
func (c *Controller) MakeCall(ctx context.Context, destination string, kind signaling.AddressKind, opts ...CallOption) error {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return errors.New("destination is required")
	}
	if kind == "" {
		kind = signaling.KindPhone
	}

	c.mu.Lock()
	if !c.initialized || c.device == nil {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	if c.status == StatusInitializing {
		status := c.status
		c.mu.Unlock()
		return &StateError{Op: "make call", Status: status}
	}
	c.endSessionLocked(c.staleDisposition(), "")
	sess := newSession(models.DirectionOutbound, signaling.RemoteIdentity(destination), c.opts.Now())
	for _, opt := range opts {
		opt(sess)
	}
	c.session = sess
	c.lastError = ""
	c.callInfo = "Calling " + sess.remote
	prev := c.status
	c.setStatusLocked(StatusConnecting)
	if prev == StatusConnecting {
		c.publishLocked(prev)
	}
	dev := c.device
	c.mu.Unlock()

	c.log.Info("Placing call", "session_id", sess.id, "destination", destination, "kind", kind)

	call, err := dev.Connect(ctx, signaling.ConnectParams{To: destination, Kind: kind})

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		if c.session == sess {
			c.failSessionLocked(err)
		}
		return fmt.Errorf("%w: %v", ErrSessionFailed, err)
	}
	if c.session != sess {
		// Hung up or replaced while connecting.
		go disconnect(c.log, call)
		return nil
	}
	sess.call = call
	go c.pumpCall(sess.id, call)
	return nil
}

// AnswerCall accepts the pending inbound call
func (c *Controller) AnswerCall(ctx context.Context) error {
	c.mu.Lock()
	sess, err := c.pendingSessionLocked("answer")
	if err != nil {
		c.mu.Unlock()
		return err
	}
	call := sess.call
	c.mu.Unlock()

	if err := call.Accept(ctx); err != nil {
		c.mu.Lock()
		if c.session == sess {
			c.failSessionLocked(err)
		}
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrSessionFailed, err)
	}
	return nil
}

// RejectCall declines the pending inbound call
func (c *Controller) RejectCall() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, err := c.pendingSessionLocked("reject")
	if err != nil {
		return err
	}
	if err := sess.call.Reject(); err != nil {
		c.log.Warn("Reject failed", "session_id", sess.id, "error", err)
	}
	sess.call = nil
	c.finishSessionLocked(models.DispositionRejected, "", StatusClosed, c.opts.SettleDelay)
	return nil
}

func (c *Controller) pendingSessionLocked(op string) (*session, error) {
	if c.session == nil {
		c.endSessionLocked("", "")
		c.publishLocked(c.status)
		return nil, ErrNoActiveSession
	}
	if c.status != StatusPending || c.session.direction != models.DirectionInbound || c.session.call == nil {
		return nil, &StateError{Op: op, Status: c.status}
	}
	return c.session, nil
}

// EndCall hangs up the active call
func (c *Controller) EndCall() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		c.endSessionLocked("", "")
		c.publishLocked(c.status)
		return ErrNoActiveSession
	}
	c.log.Info("Ending call", "session_id", c.session.id)
	c.finishSessionLocked(c.staleDisposition(), "", StatusClosed, c.opts.SettleDelay)
	return nil
}

// ToggleMute flips the mute flag on the active call. On failure the flag is
// left unchanged.
func (c *Controller) ToggleMute() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		c.endSessionLocked("", "")
		c.publishLocked(c.status)
		return false, ErrNoActiveSession
	}
	if c.session.call == nil {
		return c.muted, &StateError{Op: "mute", Status: c.status}
	}

	next := !c.muted
	if err := c.session.call.Mute(next); err != nil {
		c.lastError = "Could not change mute state"
		c.publishLocked(c.status)
		return c.muted, fmt.Errorf("%w: mute: %v", ErrSessionFailed, err)
	}
	c.muted = next
	c.publishLocked(c.status)
	return c.muted, nil
}

// Cleanup tears down the active call, if any. It is idempotent and safe from
// any status; without a call only mute and remote identity are cleared.
func (c *Controller) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		c.endSessionLocked("", "")
		c.publishLocked(c.status)
		return
	}
	c.finishSessionLocked(c.staleDisposition(), "", StatusClosed, c.opts.SettleDelay)
}

// Close tears everything down and closes subscriber channels
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.teardownDeviceLocked()
	c.setStatusLocked(StatusClosed)
	c.closed = true
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
}

// Snapshot returns the current presentation view
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Identity returns the identity of the current or last registration
func (c *Controller) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Subscribe returns a channel of status changes and a function that stops
// delivery. Slow subscribers lose changes rather than block the controller.
func (c *Controller) Subscribe() (<-chan StatusChange, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan StatusChange, 64)
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			close(sub)
			delete(c.subs, id)
		}
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		Identity:    c.identity,
		Initialized: c.initialized,
		Status:      c.status,
		Muted:       c.muted,
		Error:       c.lastError,
		CallInfo:    c.callInfo,
	}
	if s := c.session; s != nil {
		snap.RemoteIdentity = s.remote
		snap.Direction = string(s.direction)
		snap.SessionID = s.id
		snap.ReservationID = s.reservationID
		if s.answered() {
			answered := s.answeredAt
			snap.AnsweredAt = &answered
		}
	}
	return snap
}

// setStatusLocked is the only writer of c.status
func (c *Controller) setStatusLocked(next Status) {
	prev := c.status
	if prev == next {
		return
	}
	if !canTransition(prev, next) {
		c.log.Debug("Ignoring status transition", "from", prev, "to", next)
		return
	}
	c.status = next
	if next != StatusClosed && next != StatusError && c.settle != nil {
		c.settle.Stop()
		c.settle = nil
	}
	c.log.Debug("Call status changed", "from", prev, "to", next)
	c.publishLocked(prev)
}

func (c *Controller) publishLocked(prev Status) {
	change := StatusChange{From: prev, To: c.status, Snapshot: c.snapshotLocked()}
	for _, ch := range c.subs {
		select {
		case ch <- change:
		default:
			c.log.Warn("Dropping status change for slow subscriber", "to", change.To)
		}
	}
}

func (c *Controller) staleDisposition() models.CallDisposition {
	if c.session != nil && c.session.answered() {
		return models.DispositionCompleted
	}
	return models.DispositionCancelled
}

// endSessionLocked releases the active call and clears per-call state. It
// does not touch the status. An empty disposition skips the journal.
func (c *Controller) endSessionLocked(disposition models.CallDisposition, errMsg string) {
	sess := c.session
	c.session = nil
	c.muted = false
	c.callInfo = ""

	if sess == nil {
		return
	}
	call, dev := sess.call, c.device
	switch {
	case call != nil:
		// ports are freed only once the call is terminated
		go func() {
			disconnect(c.log, call)
			if dev != nil {
				dev.ReleaseAudio()
			}
		}()
	case dev != nil:
		dev.ReleaseAudio()
	}
	if disposition != "" && c.opts.Journal != nil {
		rec := sess.record(c.identity, disposition, errMsg, c.opts.Now())
		go c.recordCall(rec)
	}
}

// finishSessionLocked ends the session and moves through status to ready
// after delay.
func (c *Controller) finishSessionLocked(disposition models.CallDisposition, errMsg string, status Status, delay time.Duration) {
	c.endSessionLocked(disposition, errMsg)
	c.setStatusLocked(status)
	c.scheduleSettleLocked(delay)
}

func (c *Controller) failSessionLocked(err error) {
	c.log.Warn("Call session failed", "error", err)
	c.lastError = err.Error()
	c.finishSessionLocked(models.DispositionFailed, err.Error(), StatusError, c.opts.ErrorSettleDelay)
}

func (c *Controller) scheduleSettleLocked(delay time.Duration) {
	if c.settle != nil {
		c.settle.Stop()
	}
	gen := c.deviceGen
	c.settle = time.AfterFunc(delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.deviceGen != gen || c.session != nil || !c.initialized {
			return
		}
		if c.status == StatusClosed || c.status == StatusError {
			c.settle = nil
			c.setStatusLocked(StatusReady)
		}
	})
}

// teardownDeviceLocked ends the session, cancels timers and destroys the
// device. Bumping the generation makes all in-flight work stale.
func (c *Controller) teardownDeviceLocked() {
	c.endSessionLocked(c.staleDisposition(), "")
	if c.refresh != nil {
		c.refresh.Stop()
		c.refresh = nil
	}
	if c.settle != nil {
		c.settle.Stop()
		c.settle = nil
	}
	if c.device != nil {
		dev := c.device
		c.device = nil
		go dev.Destroy()
	}
	c.deviceGen++
	c.initialized = false
	c.credential = signaling.Credential{}
}

func (c *Controller) recordCall(rec models.CallRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.opts.Journal.RecordCall(ctx, rec); err != nil {
		c.log.Warn("Failed to record call", "session_id", rec.SessionID, "error", err)
	}
}

func disconnect(log *slog.Logger, call signaling.Call) {
	if err := call.Disconnect(); err != nil {
		log.Debug("Disconnect failed", "call_id", call.ID(), "error", err)
	}
}
