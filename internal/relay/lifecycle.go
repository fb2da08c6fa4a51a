package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dialbridge/dialbridge/internal/store"
	"github.com/dialbridge/dialbridge/pkg/protocol"
)

// callAttempt is one outbound-call episode. It is created on a desktop dial
// command, mutated only under the owner group mutex, and removed from the
// group on reaching a terminal state. Timers carry the attempt ID and are
// checked against the current attempt before acting, so a stale timer never
// fires against a superseding attempt.
type callAttempt struct {
	id          string
	phoneNumber string
	contactName string
	contactID   string
	state       string
	confirmedBy *conn // phone that won the dialing -> active transition
	startedAt   time.Time

	confirmTimer  *time.Timer
	durationTimer *time.Timer
}

var errMissingNumber = errors.New("missing phoneNumber")

// decodePayload re-marshals an envelope payload into a concrete message type.
func decodePayload(payload, dst any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// dispatch routes one inbound frame by type and sender role. Frames of an
// unknown type, with a malformed payload, or from the wrong role for their
// type are dropped with a log line; the connection stays open.
func (r *Relay) dispatch(c *conn, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypePing:
		c.alive.Store(true)
		r.send(c, protocol.TypePong, nil)

	case protocol.TypePong:
		c.alive.Store(true)

	case protocol.TypeRegisterPhone:
		if c.role != protocol.RolePhone {
			r.logRoleViolation(c, env.Type)
			return
		}
		var reg protocol.RegisterPhone
		if err := decodePayload(env.Payload, &reg); err != nil {
			r.logMalformed(c, env.Type, err)
			return
		}
		r.registerPhone(c, reg.DeviceID)

	case protocol.TypeMakeCall:
		if c.role != protocol.RoleDesktop {
			r.logRoleViolation(c, env.Type)
			return
		}
		var mc protocol.MakeCall
		if err := decodePayload(env.Payload, &mc); err != nil {
			r.logMalformed(c, env.Type, err)
			return
		}
		if mc.PhoneNumber == "" {
			r.logMalformed(c, env.Type, errMissingNumber)
			return
		}
		r.handleMakeCall(c, mc)

	case protocol.TypeCallStarted:
		if c.role != protocol.RolePhone {
			r.logRoleViolation(c, env.Type)
			return
		}
		var cs protocol.CallStarted
		if err := decodePayload(env.Payload, &cs); err != nil {
			r.logMalformed(c, env.Type, err)
			return
		}
		r.handleCallStarted(c, cs.AttemptID)

	case protocol.TypeCallEnded:
		if c.role != protocol.RolePhone {
			r.logRoleViolation(c, env.Type)
			return
		}
		var ce protocol.CallEnded
		if err := decodePayload(env.Payload, &ce); err != nil {
			r.logMalformed(c, env.Type, err)
			return
		}
		r.handleCallEnded(c, ce.AttemptID, ce.Duration)

	case protocol.TypeCallFailed:
		if c.role != protocol.RolePhone {
			r.logRoleViolation(c, env.Type)
			return
		}
		var cf protocol.CallFailed
		if err := decodePayload(env.Payload, &cf); err != nil {
			r.logMalformed(c, env.Type, err)
			return
		}
		r.handleCallFailed(c, cf.AttemptID, cf.Reason)

	default:
		r.logger.Warn("unknown message type dropped", "type", env.Type,
			"owner", c.ownerID, "role", c.role)
	}
}

func (r *Relay) logRoleViolation(c *conn, msgType string) {
	r.logger.Warn("message type not permitted for role", "type", msgType,
		"owner", c.ownerID, "role", c.role)
}

func (r *Relay) logMalformed(c *conn, msgType string, err error) {
	r.logger.Warn("malformed payload dropped", "type", msgType,
		"owner", c.ownerID, "role", c.role, "error", err)
}

// registerPhone binds a stable device identifier to an already admitted
// phone connection. A prior phone holding the same deviceId is evicted
// through the same notification path a disconnect takes, so the desktop's
// peer count stays accurate and an active call confirmed by the evicted
// phone fails rather than dangling.
func (r *Relay) registerPhone(c *conn, deviceID string) {
	if deviceID == "" || deviceID == c.device() {
		r.send(c, protocol.TypeRegistered, protocol.Registered{
			Role: c.role, OwnerID: c.ownerID, DeviceID: c.device(),
		})
		return
	}

	g := c.group
	g.mu.Lock()
	for i, p := range g.phones {
		if p != c && p.device() == deviceID {
			p.close()
			g.phones = append(g.phones[:i], g.phones[i+1:]...)
			if g.desktop != nil {
				r.send(g.desktop, protocol.TypePeerDisconnected, protocol.PeerEvent{
					DeviceID:  deviceID,
					PeerCount: len(g.phones),
				})
			}
			if g.call != nil && g.call.state == protocol.StateActive && g.call.confirmedBy == p {
				r.finishAttemptLocked(g, protocol.StateFailed, "phone disconnected mid-call", 0)
			}
			break
		}
	}
	c.setDevice(deviceID)
	r.send(c, protocol.TypeRegistered, protocol.Registered{
		Role: c.role, OwnerID: c.ownerID, DeviceID: deviceID,
	})
	g.mu.Unlock()
}

// handleMakeCall creates a new attempt and fans the dial command out to every
// phone in the group. Attempt creation and the fan-out happen under the same
// lock, so no status referencing the attempt can be observed before the
// command has been enqueued to all phones. A non-terminal attempt already in
// flight is forced to failed ("superseded") first.
func (r *Relay) handleMakeCall(c *conn, mc protocol.MakeCall) {
	g := c.group
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.call != nil {
		r.logger.Info("call attempt superseded", "owner", g.ownerID, "attempt", g.call.id)
		r.finishAttemptLocked(g, protocol.StateFailed, "superseded", 0)
	}

	attemptID := mc.AttemptID
	if attemptID == "" {
		attemptID = uuid.New().String()
	}

	call := &callAttempt{
		id:          attemptID,
		phoneNumber: mc.PhoneNumber,
		contactName: mc.ContactName,
		contactID:   mc.ContactID,
		state:       protocol.StateDialing,
		startedAt:   time.Now(),
	}
	g.call = call

	if err := r.store.CreateCallLog(context.Background(), &store.CallLog{
		ID:          uuid.New().String(),
		OwnerID:     g.ownerID,
		AttemptID:   attemptID,
		ContactID:   mc.ContactID,
		PhoneNumber: mc.PhoneNumber,
		ContactName: mc.ContactName,
		State:       protocol.StateDialing,
		StartedAt:   call.startedAt,
	}); err != nil {
		r.logger.Warn("failed to persist call log", "attempt", attemptID, "error", err)
	}

	cmd := protocol.CallCommand{
		PhoneNumber: mc.PhoneNumber,
		ContactName: mc.ContactName,
		AttemptID:   attemptID,
	}
	for _, p := range g.phones {
		r.send(p, protocol.TypeCallCommand, cmd)
	}

	call.confirmTimer = time.AfterFunc(r.confirmTimeout, func() {
		r.confirmTimeoutFired(g, attemptID)
	})

	r.logger.Info("dial dispatched", "owner", g.ownerID, "attempt", attemptID,
		"phones", len(g.phones))
}

// handleCallStarted applies the dialing -> active transition. The first
// confirming phone wins; duplicate or late confirmations are no-ops.
func (r *Relay) handleCallStarted(c *conn, attemptID string) {
	g := c.group
	g.mu.Lock()
	defer g.mu.Unlock()

	call := g.call
	if call == nil || call.id != attemptID {
		r.logger.Debug("call_started for unknown attempt", "owner", g.ownerID, "attempt", attemptID)
		return
	}
	if call.state != protocol.StateDialing {
		return
	}

	call.state = protocol.StateActive
	call.confirmedBy = c
	if call.confirmTimer != nil {
		call.confirmTimer.Stop()
		call.confirmTimer = nil
	}
	call.durationTimer = time.AfterFunc(r.maxDuration, func() {
		r.maxDurationFired(g, attemptID)
	})

	r.send(c, protocol.TypeRecordStart, protocol.RecordControl{AttemptID: attemptID})
	r.broadcastStatusLocked(g, protocol.CallStatus{
		AttemptID: attemptID,
		Status:    protocol.StateActive,
	})

	r.logger.Info("call active", "owner", g.ownerID, "attempt", attemptID, "device", c.device())
}

// handleCallEnded applies the active -> ended transition.
func (r *Relay) handleCallEnded(c *conn, attemptID string, duration int64) {
	g := c.group
	g.mu.Lock()
	defer g.mu.Unlock()

	call := g.call
	if call == nil || call.id != attemptID || call.state != protocol.StateActive {
		return
	}
	r.finishAttemptLocked(g, protocol.StateEnded, "", duration)
}

// handleCallFailed applies the dialing|active -> failed transition.
func (r *Relay) handleCallFailed(c *conn, attemptID, reason string) {
	g := c.group
	g.mu.Lock()
	defer g.mu.Unlock()

	call := g.call
	if call == nil || call.id != attemptID {
		return
	}
	if call.state != protocol.StateDialing && call.state != protocol.StateActive {
		return
	}
	r.finishAttemptLocked(g, protocol.StateFailed, reason, 0)
}

// confirmTimeoutFired fails an attempt no phone confirmed within the bound.
func (r *Relay) confirmTimeoutFired(g *ownerGroup, attemptID string) {
	g.mu.Lock()
	if g.call == nil || g.call.id != attemptID || g.call.state != protocol.StateDialing {
		g.mu.Unlock()
		return
	}
	r.finishAttemptLocked(g, protocol.StateFailed, "no answer/timeout", 0)
	g.mu.Unlock()
	r.maybeCollect(g)
}

// maxDurationFired gracefully auto-terminates a call at the duration ceiling.
func (r *Relay) maxDurationFired(g *ownerGroup, attemptID string) {
	g.mu.Lock()
	if g.call == nil || g.call.id != attemptID || g.call.state != protocol.StateActive {
		g.mu.Unlock()
		return
	}
	duration := int64(time.Since(g.call.startedAt).Seconds())
	r.finishAttemptLocked(g, protocol.StateEnded, "", duration)
	g.mu.Unlock()
	r.maybeCollect(g)
}

// finishAttemptLocked moves the current attempt to a terminal state, stops
// its timers, signals the recorder, emits exactly one call_status to the
// desktop, persists the outcome, and returns the group to idle. Callers must
// hold g.mu.
func (r *Relay) finishAttemptLocked(g *ownerGroup, state, reason string, duration int64) {
	call := g.call
	if call == nil {
		return
	}

	if call.confirmTimer != nil {
		call.confirmTimer.Stop()
		call.confirmTimer = nil
	}
	if call.durationTimer != nil {
		call.durationTimer.Stop()
		call.durationTimer = nil
	}

	wasActive := call.state == protocol.StateActive
	call.state = state
	g.call = nil

	if wasActive && call.confirmedBy != nil {
		r.send(call.confirmedBy, protocol.TypeRecordStop, protocol.RecordControl{AttemptID: call.id})
	}

	r.broadcastStatusLocked(g, protocol.CallStatus{
		AttemptID: call.id,
		Status:    state,
		Reason:    reason,
		Duration:  duration,
	})

	if err := r.store.FinishCallLog(context.Background(), call.id, state, reason, duration, time.Now()); err != nil {
		r.logger.Warn("failed to finish call log", "attempt", call.id, "error", err)
	}

	r.logger.Info("call finished", "owner", g.ownerID, "attempt", call.id,
		"state", state, "reason", reason, "duration", duration)
}

// broadcastStatusLocked delivers a call_status to the desktop, or drops it if
// the desktop is absent. Status events are never queued for later delivery.
func (r *Relay) broadcastStatusLocked(g *ownerGroup, status protocol.CallStatus) {
	if g.desktop == nil {
		return
	}
	r.send(g.desktop, protocol.TypeCallStatus, status)
}
