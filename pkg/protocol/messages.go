// Package protocol defines the wire protocol messages exchanged between
// the dialbridge relay and its desktop and phone endpoints over WebSocket.
//
// All messages are JSON-encoded and share a common envelope with a "type" field
// that determines the payload structure. Field names are camelCase on the wire.
package protocol

import "time"

// Envelope is the top-level wire format for all messages.
type Envelope struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"ts,omitzero"`
	Payload   any       `json:"payload,omitempty"`
}

// Role identifies which side of the pairing a connection represents.
type Role string

const (
	RoleDesktop Role = "desktop"
	RolePhone   Role = "phone"
)

// Valid reports whether r is a recognized connection role.
func (r Role) Valid() bool {
	return r == RoleDesktop || r == RolePhone
}

// --- Registration ---

// RegisterPhone is sent by a phone after connecting to bind its stable
// device identifier. Reconnecting with the same deviceId replaces the
// previous registration in place.
type RegisterPhone struct {
	DeviceID string `json:"deviceId"`
}

// Registered acknowledges a successful registration.
type Registered struct {
	Role     Role   `json:"role"`
	OwnerID  string `json:"ownerId"`
	DeviceID string `json:"deviceId,omitempty"`
}

// --- Call flow ---

// MakeCall is sent by the desktop to start an outbound call attempt.
// AttemptID is optional; the relay assigns one if absent.
type MakeCall struct {
	PhoneNumber string `json:"phoneNumber"`
	ContactName string `json:"contactName,omitempty"`
	ContactID   string `json:"contactId,omitempty"`
	AttemptID   string `json:"attemptId,omitempty"`
}

// CallCommand is fanned out by the relay to every phone in the owner group.
type CallCommand struct {
	PhoneNumber string `json:"phoneNumber"`
	ContactName string `json:"contactName,omitempty"`
	AttemptID   string `json:"attemptId"`
}

// CallStarted is sent by a phone once the outbound call is ringing or
// connected. The first confirming phone wins; later confirmations for the
// same attempt are ignored.
type CallStarted struct {
	AttemptID string `json:"attemptId"`
}

// CallEnded is sent by a phone when the call terminated normally.
type CallEnded struct {
	AttemptID string `json:"attemptId"`
	Duration  int64  `json:"duration,omitempty"` // seconds
}

// CallFailed is sent by a phone when the call could not be completed.
type CallFailed struct {
	AttemptID string `json:"attemptId"`
	Reason    string `json:"reason,omitempty"`
}

// CallStatus is the relay's authoritative lifecycle broadcast to the desktop.
// Exactly one is emitted per state transition after dialing.
type CallStatus struct {
	AttemptID string `json:"attemptId"`
	Status    string `json:"status"` // "dialing", "active", "ended", "failed"
	Reason    string `json:"reason,omitempty"`
	Duration  int64  `json:"duration,omitempty"` // seconds, terminal states only
}

// --- Recording control ---

// RecordControl instructs the confirming phone to start or stop its local
// recorder. The captured artifact is uploaded out of band.
type RecordControl struct {
	AttemptID string `json:"attemptId"`
}

// --- Presence ---

// PeerEvent notifies the desktop that a phone joined or left the group.
type PeerEvent struct {
	DeviceID  string `json:"deviceId,omitempty"`
	PeerCount int    `json:"peerCount"`
}

// --- Errors ---

// ErrorMessage carries a relay-side error to an endpoint.
type ErrorMessage struct {
	Message string `json:"message"`
}

// --- Message type constants ---

const (
	// Phone → relay
	TypeRegisterPhone = "register_phone"
	TypeCallStarted   = "call_started"
	TypeCallEnded     = "call_ended"
	TypeCallFailed    = "call_failed"

	// Desktop → relay
	TypeMakeCall = "make_call"

	// Relay → phone
	TypeCallCommand = "call_command"
	TypeRecordStart = "record_start"
	TypeRecordStop  = "record_stop"

	// Relay → desktop
	TypeCallStatus       = "call_status"
	TypePeerConnected    = "peer_connected"
	TypePeerDisconnected = "peer_disconnected"

	// Either direction
	TypeRegistered = "registered"
	TypePing       = "ping"
	TypePong       = "pong"
	TypeError      = "error"
)

// Call attempt states as carried in CallStatus.Status.
const (
	StateDialing = "dialing"
	StateActive  = "active"
	StateEnded   = "ended"
	StateFailed  = "failed"
)
