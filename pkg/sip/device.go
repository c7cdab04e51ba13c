// Package sip implements the signaling provider on top of sipgo: a user
// agent that registers one identity with a SIP registrar, places calls
// through it and answers calls it routes to us.
package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/btafoya/gocall/internal/config"
	"github.com/btafoya/gocall/pkg/signaling"
)

// registerRetry is the re-REGISTER delay after a failed refresh
const registerRetry = 30 * time.Second

// ErrDeviceClosed is returned once Destroy has been called
var ErrDeviceClosed = errors.New("device destroyed")

// Config holds SIP user agent configuration
type Config struct {
	Server          string // registrar and outbound proxy host
	ServerPort      int
	Domain          string // SIP domain, defaults to Server
	Transport       string // udp or tcp
	ListenPort      int
	PublicAddress   string // advertised in Contact and SDP, detected when empty
	RegisterExpires int    // seconds
	UserAgent       string
}

// ConfigFrom builds the user agent configuration from application config
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Server:          cfg.SIPServer,
		ServerPort:      cfg.SIPServerPort,
		Domain:          cfg.SIPDomain,
		Transport:       cfg.SIPTransport,
		ListenPort:      cfg.SIPPort,
		PublicAddress:   cfg.SIPPublicAddress,
		RegisterExpires: cfg.RegisterExpires,
		UserAgent:       config.DefaultUserAgent,
	}
}

func (c Config) withDefaults() Config {
	if c.Domain == "" {
		c.Domain = c.Server
	}
	if c.ServerPort == 0 {
		c.ServerPort = config.DefaultSIPServerPort
	}
	if c.Transport == "" {
		c.Transport = config.DefaultSIPTransport
	}
	if c.ListenPort == 0 {
		c.ListenPort = config.DefaultSIPPort
	}
	if c.RegisterExpires <= 0 {
		c.RegisterExpires = config.DefaultRegisterExpires
	}
	if c.UserAgent == "" {
		c.UserAgent = config.DefaultUserAgent
	}
	return c
}

// Device is a registered SIP endpoint for one identity. It implements
// signaling.Device.
type Device struct {
	cfg    Config
	host   string // address advertised in Contact and SDP
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client
	ports  *PortPool
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	identity   string
	password   string
	regCallID  string
	regTag     string
	regSeq     uint32
	registered bool
	regLost    bool
	refreshing bool
	reschedule chan time.Duration
	calls      map[string]*Call
	closed     bool
	events     chan signaling.DeviceEvent
}

// NewDevice creates a user agent for cred and starts listening. Register
// must be called before the registrar routes calls to us.
func NewDevice(ctx context.Context, cfg Config, cred signaling.Credential, ports *PortPool, logger *slog.Logger) (*Device, error) {
	cfg = cfg.withDefaults()
	if cfg.Server == "" {
		return nil, errors.New("SIP server not configured")
	}
	if cred.Identity == "" {
		return nil, errors.New("credential has no identity")
	}
	if logger == nil {
		logger = slog.Default()
	}

	host := cfg.PublicAddress
	if host == "" {
		host = outboundIP(fmt.Sprintf("%s:%d", cfg.Server, cfg.ServerPort))
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(cfg.UserAgent),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(host))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	devCtx, cancel := context.WithCancel(context.Background())
	d := &Device{
		cfg:        cfg,
		host:       host,
		ua:         ua,
		srv:        srv,
		client:     client,
		ports:      ports,
		log:        logger.With("component", "sip", "identity", cred.Identity),
		ctx:        devCtx,
		cancel:     cancel,
		identity:   cred.Identity,
		password:   cred.Token,
		regCallID:  uuid.New().String(),
		regTag:     uuid.New().String()[:8],
		reschedule: make(chan time.Duration, 1),
		calls:      make(map[string]*Call),
		events:     make(chan signaling.DeviceEvent, 32),
	}

	srv.OnInvite(d.handleInvite)
	srv.OnAck(d.handleAck)
	srv.OnBye(d.handleBye)
	srv.OnCancel(d.handleCancel)
	srv.OnOptions(d.handleOptions)

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.ListenPort)
	go func() {
		d.log.Info("Starting SIP listener", "transport", cfg.Transport, "addr", addr)
		if err := srv.ListenAndServe(devCtx, cfg.Transport, addr); err != nil && devCtx.Err() == nil {
			d.log.Error("SIP listener error", "error", err)
			d.emit(signaling.DeviceEvent{Type: signaling.DeviceError, Err: err})
		}
	}()

	return d, nil
}

// Factory returns a signaling.DeviceFactory building SIP devices
func Factory(cfg Config, ports *PortPool, logger *slog.Logger) signaling.DeviceFactory {
	return signaling.DeviceFactoryFunc(func(ctx context.Context, cred signaling.Credential) (signaling.Device, error) {
		return NewDevice(ctx, cfg, cred, ports, logger)
	})
}

// Events returns device level events. The channel is closed by Destroy.
func (d *Device) Events() <-chan signaling.DeviceEvent { return d.events }

// Identity returns the registered identity
func (d *Device) Identity() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.identity
}

// Registered reports whether the last REGISTER succeeded
func (d *Device) Registered() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registered && !d.regLost
}

func (d *Device) emit(ev signaling.DeviceEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.emitLocked(ev)
}

func (d *Device) emitLocked(ev signaling.DeviceEvent) {
	if d.closed {
		return
	}
	ev.Stamp = time.Now()
	select {
	case d.events <- ev:
	default:
		d.log.Warn("Dropping device event, consumer is not reading", "event", ev.Type)
	}
}

// Register binds our Contact at the registrar and keeps the binding fresh
func (d *Device) Register(ctx context.Context) error {
	granted, err := d.register(ctx, d.cfg.RegisterExpires)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDeviceClosed
	}
	d.registered = true
	d.regLost = false
	d.emitLocked(signaling.DeviceEvent{Type: signaling.DeviceRegistered})
	startLoop := !d.refreshing
	d.refreshing = true
	d.mu.Unlock()

	if startLoop {
		go d.keepRegistered(refreshAfter(granted))
	} else {
		d.scheduleRefresh(refreshAfter(granted))
	}
	d.log.Info("Registered", "expires", granted)
	return nil
}

// UpdateToken swaps the digest password and refreshes the registration
// with it
func (d *Device) UpdateToken(ctx context.Context, token string) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDeviceClosed
	}
	d.password = token
	registered := d.registered
	d.mu.Unlock()

	if !registered {
		return nil
	}
	granted, err := d.register(ctx, d.cfg.RegisterExpires)
	if err != nil {
		return fmt.Errorf("re-register with new token: %w", err)
	}
	d.scheduleRefresh(refreshAfter(granted))
	return nil
}

func refreshAfter(expires int) time.Duration {
	after := time.Duration(expires) * time.Second / 2
	if after < time.Second {
		after = time.Second
	}
	return after
}

func (d *Device) scheduleRefresh(after time.Duration) {
	select {
	case d.reschedule <- after:
	default:
	}
}

// keepRegistered refreshes the binding at half its lifetime. Losing the
// registration during a call reports reconnecting on the call; without a
// call it is a device error. Recovery reports registered again.
func (d *Device) keepRegistered(after time.Duration) {
	timer := time.NewTimer(after)
	defer timer.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case next := <-d.reschedule:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(next)
		case <-timer.C:
			ctx, cancel := context.WithTimeout(d.ctx, 30*time.Second)
			granted, err := d.register(ctx, d.cfg.RegisterExpires)
			cancel()
			if d.ctx.Err() != nil {
				return
			}
			if err != nil {
				d.log.Warn("Registration refresh failed", "error", err)
				d.registrationLost(err)
				timer.Reset(registerRetry)
				continue
			}
			d.registrationRestored()
			timer.Reset(refreshAfter(granted))
		}
	}
}

func (d *Device) registrationLost(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.regLost {
		return
	}
	d.regLost = true

	active := false
	for _, call := range d.calls {
		if call.State() == CallStateActive {
			active = true
			call.setReconnecting(true)
		}
	}
	if !active {
		d.emitLocked(signaling.DeviceEvent{Type: signaling.DeviceError, Err: err})
	}
}

func (d *Device) registrationRestored() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.regLost {
		return
	}
	d.regLost = false
	for _, call := range d.calls {
		call.setReconnecting(false)
	}
	d.emitLocked(signaling.DeviceEvent{Type: signaling.DeviceRegistered})
	d.log.Info("Registration restored")
}

// register sends REGISTER with the given expiry, answering one digest
// challenge. It returns the expiry granted by the registrar.
func (d *Device) register(ctx context.Context, expires int) (int, error) {
	d.mu.Lock()
	if d.closed && expires > 0 {
		d.mu.Unlock()
		return 0, ErrDeviceClosed
	}
	username, password := d.identity, d.password
	d.regSeq++
	seq := d.regSeq
	d.mu.Unlock()

	req := d.buildRegister(username, seq, expires)

	for attempt := 0; ; attempt++ {
		tx, err := d.client.TransactionRequest(ctx, req)
		if err != nil {
			return 0, fmt.Errorf("send REGISTER: %w", err)
		}
		res, err := awaitFinal(ctx, tx)
		tx.Terminate()
		if err != nil {
			return 0, fmt.Errorf("REGISTER: %w", err)
		}

		if isAuthChallenge(res) {
			if attempt > 0 {
				return 0, fmt.Errorf("%w: %d %s", ErrAuthRejected, res.StatusCode, res.Reason)
			}
			prepareRetry(req)
			if err := authorize(req, res, username, password, 1); err != nil {
				return 0, err
			}
			if cseq := req.CSeq(); cseq != nil {
				d.mu.Lock()
				d.regSeq = cseq.SeqNo
				d.mu.Unlock()
			}
			continue
		}

		if res.StatusCode < 200 || res.StatusCode >= 300 {
			return 0, fmt.Errorf("REGISTER rejected: %d %s", res.StatusCode, res.Reason)
		}
		return grantedExpires(res, expires), nil
	}
}

func (d *Device) buildRegister(username string, seq uint32, expires int) *sip.Request {
	registrar := sip.Uri{Scheme: "sip", Host: d.cfg.Domain}
	req := sip.NewRequest(sip.REGISTER, registrar)

	aor := sip.Uri{Scheme: "sip", User: username, Host: d.cfg.Domain}
	fromParams := sip.NewParams()
	fromParams.Add("tag", d.regTag)
	req.AppendHeader(&sip.FromHeader{Address: aor, Params: fromParams})
	req.AppendHeader(&sip.ToHeader{Address: aor, Params: sip.NewParams()})

	callID := sip.CallIDHeader(d.regCallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.REGISTER})
	req.AppendHeader(d.contactHeader())
	req.AppendHeader(sip.NewHeader("Expires", fmt.Sprintf("%d", expires)))
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	req.SetDestination(d.serverAddr())
	return req
}

// grantedExpires reads the expiry from the Contact param or Expires header
func grantedExpires(res *sip.Response, requested int) int {
	if contact := res.Contact(); contact != nil {
		if v, ok := contact.Params.Get("expires"); ok {
			var n int
			if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
				return n
			}
		}
	}
	if h := res.GetHeader("Expires"); h != nil {
		var n int
		if _, err := fmt.Sscanf(h.Value(), "%d", &n); err == nil && n > 0 {
			return n
		}
	}
	return requested
}

// awaitFinal waits for the final response of a client transaction
func awaitFinal(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res, ok := <-tx.Responses():
			if !ok || res == nil {
				return nil, errors.New("transaction ended without response")
			}
			if res.StatusCode < 200 {
				continue
			}
			return res, nil
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, err
			}
			return nil, errors.New("transaction terminated unexpectedly")
		}
	}
}

// Connect places an outbound call. The INVITE is sent in the background and
// progress is reported on the returned call's events.
func (d *Device) Connect(ctx context.Context, params signaling.ConnectParams) (signaling.Call, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDeviceClosed
	}
	username, password := d.identity, d.password
	d.mu.Unlock()

	target, err := d.targetURI(params)
	if err != nil {
		return nil, err
	}

	port, err := d.ports.Allocate()
	if err != nil {
		return nil, err
	}
	offer, err := BuildOffer(d.host, port)
	if err != nil {
		d.ports.Release(port)
		return nil, err
	}

	local := sip.Uri{Scheme: "sip", User: username, Host: d.cfg.Domain}
	dialog := Dialog{
		CallID:    uuid.New().String(),
		LocalTag:  uuid.New().String()[:8],
		LocalSeq:  1,
		LocalURI:  local,
		RemoteURI: target,
	}
	invite := d.buildInvite(dialog, offer)

	call := newCall(d, "outbound", signaling.ClientPrefix+username, params.To, dialog, port)
	call.state = CallStateCalling
	call.invite = invite
	call.localSDP = offer

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.ports.Release(port)
		return nil, ErrDeviceClosed
	}
	d.calls[dialog.CallID] = call
	d.mu.Unlock()

	go call.runOutbound(d.ctx, invite, username, password)
	return call, nil
}

// targetURI resolves a dial destination to a request URI
func (d *Device) targetURI(params signaling.ConnectParams) (sip.Uri, error) {
	to := strings.TrimSpace(params.To)
	if to == "" {
		return sip.Uri{}, errors.New("empty destination")
	}
	if strings.HasPrefix(to, "sip:") || strings.HasPrefix(to, "sips:") {
		var uri sip.Uri
		if err := sip.ParseUri(to, &uri); err != nil {
			return sip.Uri{}, fmt.Errorf("invalid destination %q: %w", to, err)
		}
		return uri, nil
	}
	user := signaling.RemoteIdentity(to)
	if params.Kind == signaling.KindPhone {
		user = strings.Map(func(r rune) rune {
			if (r >= '0' && r <= '9') || r == '+' {
				return r
			}
			return -1
		}, user)
		if user == "" {
			return sip.Uri{}, fmt.Errorf("invalid phone number %q", to)
		}
	}
	return sip.Uri{Scheme: "sip", User: user, Host: d.cfg.Domain}, nil
}

func (d *Device) buildInvite(dialog Dialog, offer []byte) *sip.Request {
	invite := sip.NewRequest(sip.INVITE, dialog.RemoteURI)

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", dialog.LocalTag)
	invite.AppendHeader(&sip.FromHeader{Address: dialog.LocalURI, Params: fromParams})
	invite.AppendHeader(&sip.ToHeader{Address: dialog.RemoteURI, Params: sip.NewParams()})

	callID := sip.CallIDHeader(dialog.CallID)
	invite.AppendHeader(&callID)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: dialog.LocalSeq, MethodName: sip.INVITE})
	invite.AppendHeader(d.contactHeader())

	contentType := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&contentType)
	invite.SetBody(offer)

	invite.SetDestination(d.serverAddr())
	return invite
}

func (d *Device) contactHeader() *sip.ContactHeader {
	return &sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   d.identity,
			Host:   d.host,
			Port:   d.cfg.ListenPort,
		},
	}
}

func (d *Device) serverAddr() string {
	return fmt.Sprintf("%s:%d", d.cfg.Server, d.cfg.ServerPort)
}

func (d *Device) lookupCall(callID string) *Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[callID]
}

// ReleaseAudio returns the RTP ports of finished calls to the pool
func (d *Device) ReleaseAudio() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, call := range d.calls {
		if call.State() != CallStateTerminated {
			continue
		}
		d.ports.Release(call.localPort)
		delete(d.calls, id)
	}
}

// Destroy hangs up every call, removes the registration and stops the user
// agent. Events is closed afterwards.
func (d *Device) Destroy() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	calls := make([]*Call, 0, len(d.calls))
	for _, call := range d.calls {
		calls = append(calls, call)
	}
	registered := d.registered
	d.mu.Unlock()

	for _, call := range calls {
		if err := call.Disconnect(); err != nil {
			d.log.Debug("Disconnect on destroy failed", "call_id", call.ID(), "error", err)
		}
	}

	if registered {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if _, err := d.register(ctx, 0); err != nil {
			d.log.Debug("Unregister failed", "error", err)
		}
		cancel()
	}

	d.cancel()
	if err := d.ua.Close(); err != nil {
		d.log.Debug("Closing user agent", "error", err)
	}

	d.mu.Lock()
	for id, call := range d.calls {
		d.ports.Release(call.localPort)
		delete(d.calls, id)
	}
	close(d.events)
	d.mu.Unlock()
	d.log.Info("Device destroyed")
}

// outboundIP finds the local address used to reach addr
func outboundIP(addr string) string {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if local, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return local.IP.String()
	}
	return "127.0.0.1"
}
