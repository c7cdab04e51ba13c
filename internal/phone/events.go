package phone

import (
	"github.com/btafoya/gocall/internal/models"
	"github.com/btafoya/gocall/pkg/signaling"
)

func (c *Controller) pumpDevice(gen uint64, dev signaling.Device) {
	for ev := range dev.Events() {
		c.handleDeviceEvent(gen, ev)
	}
}

func (c *Controller) pumpCall(sessionID string, call signaling.Call) {
	for ev := range call.Events() {
		c.handleCallEvent(sessionID, ev)
	}
}

func (c *Controller) handleDeviceEvent(gen uint64, ev signaling.DeviceEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.deviceGen {
		c.log.Debug("Ignoring event from replaced device", "event", ev.Type)
		if ev.Type == signaling.DeviceIncoming && ev.Call != nil {
			go disconnect(c.log, ev.Call)
		}
		return
	}

	switch ev.Type {
	case signaling.DeviceRegistered:
		c.markRegisteredLocked()

	case signaling.DeviceUnregistered:
		c.log.Warn("Phone unregistered", "identity", c.identity)
		c.initialized = false
		if c.session == nil {
			c.setStatusLocked(StatusClosed)
		}

	case signaling.DeviceError:
		msg := "signaling error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		c.log.Error("Device error", "identity", c.identity, "error", msg)
		c.lastError = msg
		if c.session != nil {
			c.finishSessionLocked(models.DispositionFailed, msg, StatusError, c.opts.ErrorSettleDelay)
			return
		}
		c.initialized = false
		c.setStatusLocked(StatusError)

	case signaling.DeviceIncoming:
		if ev.Call == nil {
			return
		}
		c.acceptIncomingLocked(ev.Call)
	}
}

func (c *Controller) acceptIncomingLocked(call signaling.Call) {
	c.endSessionLocked(c.staleDisposition(), "")

	sess := newSession(models.DirectionInbound, signaling.RemoteIdentity(call.From()), c.opts.Now())
	sess.call = call
	c.session = sess
	c.lastError = ""
	c.callInfo = "Incoming call from " + sess.remote
	c.log.Info("Incoming call", "session_id", sess.id, "from", call.From())

	prev := c.status
	c.setStatusLocked(StatusPending)
	if prev == StatusPending {
		// A replacing call keeps the status but changes the remote party.
		c.publishLocked(prev)
	}
	go c.pumpCall(sess.id, call)
}

func (c *Controller) handleCallEvent(sessionID string, ev signaling.CallEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess := c.session
	if sess == nil || sess.id != sessionID {
		c.log.Debug("Ignoring event from finished call", "session_id", sessionID, "event", ev.Type)
		return
	}

	switch ev.Type {
	case signaling.CallRinging:
		c.callInfo = "Ringing " + sess.remote
		c.setStatusLocked(StatusRinging)

	case signaling.CallAccept:
		if !sess.answered() {
			sess.answeredAt = c.opts.Now()
		}
		c.callInfo = "Connected to " + sess.remote
		c.setStatusLocked(StatusOpen)

	case signaling.CallReconnecting:
		c.callInfo = "Reconnecting to " + sess.remote
		c.setStatusLocked(StatusReconnecting)

	case signaling.CallReconnected:
		c.callInfo = "Connected to " + sess.remote
		c.setStatusLocked(StatusOpen)

	case signaling.CallDisconnect, signaling.CallCancel, signaling.CallReject:
		c.log.Info("Call ended", "session_id", sess.id, "event", ev.Type)
		// The provider already tore the call down.
		sess.call = nil
		c.finishSessionLocked(disposition(ev.Type, sess), "", StatusClosed, c.opts.SettleDelay)

	case signaling.CallError:
		sess.call = nil
		err := ev.Err
		if err == nil {
			err = ErrSessionFailed
		}
		c.failSessionLocked(err)
	}
}

func disposition(t signaling.CallEventType, sess *session) models.CallDisposition {
	switch t {
	case signaling.CallReject:
		return models.DispositionRejected
	case signaling.CallCancel:
		return models.DispositionCancelled
	}
	if sess.answered() {
		return models.DispositionCompleted
	}
	return models.DispositionCancelled
}
