package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/btafoya/gocall/internal/config"
	"github.com/btafoya/gocall/pkg/signaling"
)

// CallState represents the current state of a call leg
type CallState string

const (
	CallStateCalling    CallState = "calling" // INVITE sent, no answer yet
	CallStateRinging    CallState = "ringing"
	CallStateActive     CallState = "active"
	CallStateTerminated CallState = "terminated"
)

var validTransitions = map[CallState][]CallState{
	CallStateCalling: {CallStateRinging, CallStateActive, CallStateTerminated},
	CallStateRinging: {CallStateActive, CallStateTerminated},
	CallStateActive:  {CallStateTerminated},
}

// ErrCallTerminated is returned for operations on a finished call
var ErrCallTerminated = errors.New("call already terminated")

// Dialog holds SIP dialog state for mid-call requests
type Dialog struct {
	CallID        string
	LocalTag      string
	RemoteTag     string
	LocalSeq      uint32
	LocalURI      sip.Uri
	RemoteURI     sip.Uri
	RemoteContact sip.Uri
	Destination   string // host:port in-dialog requests are sent to
}

// Call is a SIP call leg. It implements signaling.Call.
type Call struct {
	dev       *Device
	direction string
	from      string
	to        string
	log       *slog.Logger

	mu        sync.Mutex
	state     CallState
	dialog    Dialog
	muted     bool
	localPort int
	localSDP  []byte
	remote    MediaEndpoint
	invite    *sip.Request           // the INVITE that created the call
	serverTx  sip.ServerTransaction  // inbound only
	finalSent chan struct{}          // inbound: closed once a final response is sent
	events    chan signaling.CallEvent
	closed    bool
	cancel    context.CancelFunc
}

func newCall(dev *Device, direction, from, to string, dialog Dialog, localPort int) *Call {
	return &Call{
		dev:       dev,
		direction: direction,
		from:      from,
		to:        to,
		log:       dev.log.With("call_id", dialog.CallID, "direction", direction),
		dialog:    dialog,
		localPort: localPort,
		finalSent: make(chan struct{}),
		events:    make(chan signaling.CallEvent, 16),
		cancel:    func() {},
	}
}

func (c *Call) ID() string                        { return c.dialog.CallID }
func (c *Call) Direction() string                 { return c.direction }
func (c *Call) From() string                      { return c.from }
func (c *Call) To() string                        { return c.to }
func (c *Call) Events() <-chan signaling.CallEvent { return c.events }

// State returns the current call state
func (c *Call) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Muted reports whether the local side is muted
func (c *Call) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// RemoteMedia returns the negotiated remote RTP endpoint
func (c *Call) RemoteMedia() MediaEndpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// setStateLocked transitions the call to a new state with validation
func (c *Call) setStateLocked(next CallState) error {
	for _, allowed := range validTransitions[c.state] {
		if allowed == next {
			c.log.Debug("Call state change", "from", c.state, "to", next)
			c.state = next
			return nil
		}
	}
	return fmt.Errorf("invalid state transition: %s -> %s", c.state, next)
}

func (c *Call) emitLocked(t signaling.CallEventType, err error) {
	if c.closed {
		return
	}
	select {
	case c.events <- signaling.CallEvent{Type: t, Err: err, Stamp: time.Now()}:
	default:
		c.log.Warn("Dropping call event, consumer is not reading", "event", t)
	}
	if t.Terminal() {
		c.closed = true
		close(c.events)
	}
}

// terminate ends the call once with a terminal event. It reports whether
// this call did the termination.
func (c *Call) terminate(t signaling.CallEventType, err error) bool {
	c.mu.Lock()
	if c.state == CallStateTerminated {
		c.mu.Unlock()
		return false
	}
	c.state = CallStateTerminated
	c.emitLocked(t, err)
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.log.Info("Call terminated", "reason", t)
	return true
}

// Mute records the local mute flag. Media is not processed here, so muting
// has no signaling side effect.
func (c *Call) Mute(muted bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == CallStateTerminated {
		return ErrCallTerminated
	}
	c.muted = muted
	return nil
}

// Accept answers an inbound call with 200 OK and our SDP answer
func (c *Call) Accept(ctx context.Context) error {
	c.mu.Lock()
	if c.direction != "inbound" || c.serverTx == nil {
		c.mu.Unlock()
		return errors.New("only inbound calls can be accepted")
	}
	if c.state != CallStateRinging {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("cannot accept call in state %s", state)
	}
	res := sip.NewResponseFromRequest(c.invite, sip.StatusOK, "OK", c.localSDP)
	c.tagResponse(res)
	res.AppendHeader(c.dev.contactHeader())
	contentType := sip.ContentTypeHeader("application/sdp")
	res.AppendHeader(&contentType)
	tx := c.serverTx
	c.mu.Unlock()

	if err := tx.Respond(res); err != nil {
		c.terminate(signaling.CallError, fmt.Errorf("send 200 OK: %w", err))
		return fmt.Errorf("answer call: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == CallStateTerminated {
		// Cancelled while we answered; tear down the dialog the 200 created.
		go c.sendBye()
		return ErrCallTerminated
	}
	_ = c.setStateLocked(CallStateActive)
	c.closeFinalLocked()
	c.emitLocked(signaling.CallAccept, nil)
	c.log.Info("Call answered")
	return nil
}

// Reject declines an inbound call with 603
func (c *Call) Reject() error {
	if c.direction != "inbound" {
		return errors.New("only inbound calls can be rejected")
	}
	if err := c.respondFinal(statusDecline, "Decline"); err != nil {
		return err
	}
	c.terminate(signaling.CallReject, nil)
	return nil
}

// Disconnect ends the call: CANCEL or 603 before answer, BYE after
func (c *Call) Disconnect() error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch {
	case state == CallStateTerminated:
		return nil
	case state == CallStateActive:
		c.terminate(signaling.CallDisconnect, nil)
		return c.sendBye()
	case c.direction == "inbound":
		if err := c.respondFinal(statusDecline, "Decline"); err != nil {
			c.log.Debug("Decline failed", "error", err)
		}
		c.terminate(signaling.CallCancel, nil)
		return nil
	default:
		c.mu.Lock()
		invite := c.invite
		c.mu.Unlock()
		c.terminate(signaling.CallCancel, nil)
		if invite == nil {
			return nil
		}
		return c.sendCancel(invite)
	}
}

// respondFinal sends a non-2xx final response to an unanswered inbound call
func (c *Call) respondFinal(code sip.StatusCode, reason string) error {
	c.mu.Lock()
	if c.state != CallStateRinging || c.serverTx == nil {
		c.mu.Unlock()
		return fmt.Errorf("no pending INVITE to answer with %d", code)
	}
	res := sip.NewResponseFromRequest(c.invite, code, reason, nil)
	c.tagResponse(res)
	tx := c.serverTx
	c.mu.Unlock()

	err := tx.Respond(res)
	c.mu.Lock()
	c.closeFinalLocked()
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("send %d: %w", code, err)
	}
	return nil
}

func (c *Call) closeFinalLocked() {
	select {
	case <-c.finalSent:
	default:
		close(c.finalSent)
	}
}

// tagResponse keeps one To tag across every response of the dialog
func (c *Call) tagResponse(res *sip.Response) {
	if to := res.To(); to != nil {
		to.Params.Add("tag", c.dialog.LocalTag)
	}
}

// runOutbound drives the INVITE transaction of an outbound call
func (c *Call) runOutbound(ctx context.Context, invite *sip.Request, username, password string) {
	dialCtx, cancel := context.WithTimeout(ctx, config.DialTimeout)
	c.mu.Lock()
	c.cancel = cancel
	terminated := c.state == CallStateTerminated
	c.mu.Unlock()
	defer cancel()
	if terminated {
		return
	}

	for attempt := 0; ; attempt++ {
		tx, err := c.dev.client.TransactionRequest(dialCtx, invite)
		if err != nil {
			c.terminate(signaling.CallError, fmt.Errorf("send INVITE: %w", err))
			return
		}
		c.log.Info("INVITE sent", "target", invite.Recipient.String(), "attempt", attempt+1)

		res, err := c.awaitInviteResponse(dialCtx, tx)
		tx.Terminate()
		if err != nil {
			if dialCtx.Err() == context.DeadlineExceeded {
				go c.sendCancel(invite)
				c.terminate(signaling.CallError, errors.New("no answer"))
				return
			}
			// Local cancel already terminated the call; otherwise the
			// transaction failed.
			c.terminate(signaling.CallError, err)
			return
		}

		if isAuthChallenge(res) {
			if attempt > 0 {
				c.terminate(signaling.CallError, fmt.Errorf("%w: %d %s", ErrAuthRejected, res.StatusCode, res.Reason))
				return
			}
			prepareRetry(invite)
			if err := authorize(invite, res, username, password, 1); err != nil {
				c.terminate(signaling.CallError, err)
				return
			}
			c.mu.Lock()
			c.invite = invite
			c.mu.Unlock()
			continue
		}

		c.handleFinal(invite, res)
		return
	}
}

// awaitInviteResponse waits for a final response, emitting ringing on the
// first 180/183
func (c *Call) awaitInviteResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res, ok := <-tx.Responses():
			if !ok || res == nil {
				return nil, errors.New("transaction ended without response")
			}
			if res.StatusCode < 200 {
				if res.StatusCode == statusRinging || res.StatusCode == statusSessionProgress {
					c.mu.Lock()
					if c.state == CallStateCalling {
						_ = c.setStateLocked(CallStateRinging)
						c.emitLocked(signaling.CallRinging, nil)
					}
					c.mu.Unlock()
				}
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

// handleFinal maps the final INVITE response to a call event
func (c *Call) handleFinal(invite *sip.Request, res *sip.Response) {
	code := res.StatusCode
	switch {
	case code >= 200 && code < 300:
		c.mu.Lock()
		if to := res.To(); to != nil {
			if tag, ok := to.Params.Get("tag"); ok {
				c.dialog.RemoteTag = tag
			}
		}
		if contact := res.Contact(); contact != nil {
			c.dialog.RemoteContact = contact.Address
		}
		c.dialog.Destination = res.Source()
		if media, err := ParseMedia(res.Body()); err == nil {
			c.remote = media
		}
		alreadyGone := c.state == CallStateTerminated
		c.mu.Unlock()

		if err := c.sendAck(invite, res); err != nil {
			c.log.Error("Failed to send ACK", "error", err)
		}
		if alreadyGone {
			// Answered after a local cancel; hang up the dialog we just made.
			_ = c.sendBye()
			return
		}

		c.mu.Lock()
		_ = c.setStateLocked(CallStateActive)
		c.emitLocked(signaling.CallAccept, nil)
		c.mu.Unlock()
		c.log.Info("Call answered", "remote_media", c.remote.Address)

	case code == sip.StatusBusyHere || code == statusBusyEverywhere || code == statusDecline:
		c.terminate(signaling.CallReject, nil)

	case code == statusRequestTerminated:
		c.terminate(signaling.CallCancel, nil)

	default:
		c.terminate(signaling.CallError, fmt.Errorf("call failed: %d %s", code, res.Reason))
	}
}

// sendAck sends the ACK for a 2xx response
func (c *Call) sendAck(invite *sip.Request, res *sip.Response) error {
	requestURI := invite.Recipient
	if contact := res.Contact(); contact != nil {
		requestURI = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, requestURI)
	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("Call-ID", invite, ack)
	if to := res.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      to.Params,
		})
	}
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	dest := res.Source()
	if dest == "" {
		dest = c.dev.serverAddr()
	}
	ack.SetDestination(dest)

	return c.dev.client.WriteRequest(ack)
}

// sendCancel cancels a pending INVITE
func (c *Call) sendCancel(invite *sip.Request) error {
	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)
	if cseq := invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)
	cancelReq.SetDestination(c.dev.serverAddr())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := c.dev.client.TransactionRequest(ctx, cancelReq)
	if err != nil {
		return fmt.Errorf("send CANCEL: %w", err)
	}
	defer tx.Terminate()

	select {
	case res := <-tx.Responses():
		if res != nil {
			c.log.Debug("CANCEL response", "status", res.StatusCode)
		}
	case <-tx.Done():
	case <-ctx.Done():
	}
	return nil
}

// sendBye ends an established dialog
func (c *Call) sendBye() error {
	c.mu.Lock()
	c.dialog.LocalSeq++
	d := c.dialog
	c.mu.Unlock()

	requestURI := d.RemoteContact
	if requestURI.Host == "" {
		requestURI = d.RemoteURI
	}
	bye := sip.NewRequest(sip.BYE, requestURI)

	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)
	fromParams := sip.NewParams()
	fromParams.Add("tag", d.LocalTag)
	bye.AppendHeader(&sip.FromHeader{Address: d.LocalURI, Params: fromParams})
	toParams := sip.NewParams()
	if d.RemoteTag != "" {
		toParams.Add("tag", d.RemoteTag)
	}
	bye.AppendHeader(&sip.ToHeader{Address: d.RemoteURI, Params: toParams})
	callID := sip.CallIDHeader(d.CallID)
	bye.AppendHeader(&callID)
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: d.LocalSeq, MethodName: sip.BYE})

	dest := d.Destination
	if dest == "" {
		dest = c.dev.serverAddr()
	}
	bye.SetDestination(dest)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := c.dev.client.TransactionRequest(ctx, bye)
	if err != nil {
		return fmt.Errorf("send BYE: %w", err)
	}
	defer tx.Terminate()

	select {
	case res := <-tx.Responses():
		if res != nil {
			c.log.Debug("BYE response", "status", res.StatusCode)
		}
	case <-tx.Done():
	case <-ctx.Done():
		c.log.Warn("BYE timeout")
	}
	return nil
}

// remoteEnded handles BYE or CANCEL from the far end
func (c *Call) remoteEnded(t signaling.CallEventType) {
	c.terminate(t, nil)
}

// setReconnecting reports signaling loss or recovery on an active call
func (c *Call) setReconnecting(lost bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != CallStateActive {
		return
	}
	if lost {
		c.emitLocked(signaling.CallReconnecting, nil)
		return
	}
	c.emitLocked(signaling.CallReconnected, nil)
}
