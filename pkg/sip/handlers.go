package sip

import (
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/btafoya/gocall/internal/config"
	"github.com/btafoya/gocall/pkg/signaling"
)

// handleInvite offers an incoming call to the consumer. The handler stays
// in the INVITE transaction until a final response is sent or the caller
// gives up.
func (d *Device) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	d.log.Debug("Received INVITE request",
		"call_id", callID,
		"from", req.From().Address.String(),
		"to", req.To().Address.String(),
	)

	// Re-INVITE within an existing call: keep the session as it is.
	if existing := d.lookupCall(callID); existing != nil {
		d.answerReInvite(existing, req, tx)
		return
	}

	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		d.sendResponse(tx, req, statusTemporarilyUnavailable, "Temporarily Unavailable")
		return
	}

	d.sendResponse(tx, req, sip.StatusTrying, "Trying")

	port, err := d.ports.Allocate()
	if err != nil {
		d.log.Warn("No RTP port for incoming call", "error", err)
		d.sendResponse(tx, req, sip.StatusBusyHere, "Busy Here")
		return
	}
	answer, err := BuildAnswer(req.Body(), d.host, port)
	if err != nil {
		d.ports.Release(port)
		d.log.Warn("Cannot answer offer", "call_id", callID, "error", err)
		d.sendResponse(tx, req, statusNotAcceptableHere, "Not Acceptable Here")
		return
	}

	dialog := Dialog{
		CallID:    callID,
		LocalTag:  uuid.New().String()[:8],
		LocalURI:  req.To().Address,
		RemoteURI: req.From().Address,
	}
	if tag, ok := req.From().Params.Get("tag"); ok {
		dialog.RemoteTag = tag
	}
	if contact := req.Contact(); contact != nil {
		dialog.RemoteContact = contact.Address
	}
	dialog.Destination = req.Source()

	call := newCall(d, "inbound", req.From().Address.String(), req.To().Address.String(), dialog, port)
	call.state = CallStateRinging
	call.invite = req
	call.serverTx = tx
	call.localSDP = answer
	if media, err := ParseMedia(req.Body()); err == nil {
		call.remote = media
	}

	d.mu.Lock()
	d.calls[callID] = call
	d.mu.Unlock()

	ringing := sip.NewResponseFromRequest(req, statusRinging, "Ringing", nil)
	call.tagResponse(ringing)
	if err := tx.Respond(ringing); err != nil {
		d.log.Error("Failed to send 180 Ringing", "error", err)
	}

	d.log.Info("Incoming call", "call_id", callID, "from", call.From())
	d.emit(signaling.DeviceEvent{Type: signaling.DeviceIncoming, Call: call})

	timer := time.NewTimer(config.DialTimeout)
	defer timer.Stop()

	select {
	case <-call.finalSent:
	case <-tx.Done():
		// Caller cancelled or the transaction failed before we answered.
		call.remoteEnded(signaling.CallCancel)
	case <-timer.C:
		if err := call.respondFinal(statusTemporarilyUnavailable, "Temporarily Unavailable"); err == nil {
			call.terminate(signaling.CallCancel, nil)
		}
	case <-d.ctx.Done():
	}
}

// answerReInvite accepts a session refresh with our current SDP
func (d *Device) answerReInvite(call *Call, req *sip.Request, tx sip.ServerTransaction) {
	if call.State() != CallStateActive {
		d.sendResponse(tx, req, statusRequestPending, "Request Pending")
		return
	}
	if media, err := ParseMedia(req.Body()); err == nil {
		call.mu.Lock()
		call.remote = media
		call.mu.Unlock()
	}

	call.mu.Lock()
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", call.localSDP)
	call.mu.Unlock()
	res.AppendHeader(d.contactHeader())
	contentType := sip.ContentTypeHeader("application/sdp")
	res.AppendHeader(&contentType)
	if err := tx.Respond(res); err != nil {
		d.log.Error("Failed to answer re-INVITE", "error", err, "call_id", call.ID())
	}
}

// handleAck processes ACK requests
func (d *Device) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	d.log.Debug("Received ACK request", "call_id", req.CallID().Value())
}

// handleBye ends the call the far end hung up
func (d *Device) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	d.log.Debug("Received BYE request", "call_id", callID)

	call := d.lookupCall(callID)
	if call == nil {
		d.sendResponse(tx, req, statusCallDoesNotExist, "Call/Transaction Does Not Exist")
		return
	}
	d.sendResponse(tx, req, sip.StatusOK, "OK")
	call.remoteEnded(signaling.CallDisconnect)
}

// handleCancel stops an incoming call that is still ringing
func (d *Device) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	d.log.Debug("Received CANCEL request", "call_id", callID)

	call := d.lookupCall(callID)
	if call == nil {
		d.sendResponse(tx, req, statusCallDoesNotExist, "Call/Transaction Does Not Exist")
		return
	}
	d.sendResponse(tx, req, sip.StatusOK, "OK")

	if call.State() == CallStateRinging {
		if err := call.respondFinal(statusRequestTerminated, "Request Terminated"); err != nil {
			d.log.Debug("487 after CANCEL failed", "error", err)
		}
		call.remoteEnded(signaling.CallCancel)
		d.log.Info("Call cancelled", "call_id", callID)
	}
}

// handleOptions processes OPTIONS requests (keepalive / capabilities)
func (d *Device) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	d.log.Debug("Received OPTIONS request", "from", req.From().Address.String())

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, OPTIONS, BYE"))
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Accept-Language", "en"))

	if err := tx.Respond(res); err != nil {
		d.log.Error("Failed to send OPTIONS response", "error", err)
	}
}

// sendResponse sends a simple response
func (d *Device) sendResponse(tx sip.ServerTransaction, req *sip.Request, statusCode sip.StatusCode, reason string) {
	res := sip.NewResponseFromRequest(req, statusCode, reason, nil)
	if err := tx.Respond(res); err != nil {
		d.log.Error("Failed to send response", "error", err, "status", statusCode)
	}
}
