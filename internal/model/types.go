package model

import (
	"encoding/json"
	"strings"
	"time"
)

// Identity names either a user account or a device. The namespace prefix keeps
// user ids and device ids from ever colliding.
type Identity string

const (
	userPrefix   = "user:"
	devicePrefix = "device:"
)

func UserIdentity(userID string) Identity { return Identity(userPrefix + userID) }
func DeviceIdentity(deviceID string) Identity { return Identity(devicePrefix + deviceID) }

// ParseIdentity accepts "user:<id>", "device:<id>" or a bare id, which is
// treated as a user id.
func ParseIdentity(raw string) (Identity, bool) {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(raw, userPrefix):
		if len(raw) == len(userPrefix) {
			return "", false
		}
		return Identity(raw), true
	case strings.HasPrefix(raw, devicePrefix):
		if len(raw) == len(devicePrefix) {
			return "", false
		}
		return Identity(raw), true
	case raw == "" || strings.Contains(raw, ":"):
		return "", false
	default:
		return UserIdentity(raw), true
	}
}

func (i Identity) IsUser() bool { return strings.HasPrefix(string(i), userPrefix) }
func (i Identity) IsDevice() bool { return strings.HasPrefix(string(i), devicePrefix) }

// ID returns the identity without its namespace prefix.
func (i Identity) ID() string {
	s := string(i)
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		return s[idx+1:]
	}
	return s
}

func (i Identity) String() string { return string(i) }

type SessionKind string

const (
	KindDirect  SessionKind = "direct-request"
	KindMeeting SessionKind = "meeting-request"
)

type SessionState string

const (
	StatePending   SessionState = "pending"
	StateAccepted  SessionState = "accepted"
	StateRejected  SessionState = "rejected"
	StateActive    SessionState = "active"
	StateCompleted SessionState = "completed"
	StateExpired   SessionState = "expired"
)

func (s SessionState) Terminal() bool {
	switch s {
	case StateRejected, StateCompleted, StateExpired:
		return true
	default:
		return false
	}
}

type SessionRecord struct {
	ID             string       `json:"id"`
	Initiator      Identity     `json:"initiator"`
	Responder      Identity     `json:"responder"`
	Kind           SessionKind  `json:"kind"`
	RoomID         string       `json:"roomId,omitempty"`
	State          SessionState `json:"state"`
	CreatedAt      time.Time    `json:"createdAt"`
	LastActivityAt time.Time    `json:"lastActivityAt"`
}

func (r SessionRecord) HasParticipant(id Identity) bool {
	return id != "" && (r.Initiator == id || r.Responder == id)
}

// Peer returns the other participant, or "" when id is not a participant.
func (r SessionRecord) Peer(id Identity) Identity {
	switch id {
	case r.Initiator:
		return r.Responder
	case r.Responder:
		return r.Initiator
	default:
		return ""
	}
}

// Envelope is the negotiation message shape on every realtime channel. The
// payload is opaque to the server.
type Envelope struct {
	SessionID string          `json:"sessionId"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	From      Identity        `json:"from,omitempty"`
}

type RelayCredential struct {
	Username  string `json:"username"`
	Password  string `json:"credential"`
	ExpiresAt int64  `json:"expiresAt"`
}

// AgentMessage is one JSON frame on the device agent channel. Server frames
// use Type "welcome", "event", "result" or "pong"; agent frames use "signal",
// "accept", "reject", "complete" or "ping".
type AgentMessage struct {
	Type      string          `json:"type"`
	Event     string          `json:"event,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Signal    *Envelope       `json:"signal,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Welcome is the body of the first frame a device agent receives.
type Welcome struct {
	DeviceID string `json:"deviceId"`
	OwnerID  string `json:"ownerId"`
}

// Notice is the body of every lifecycle event.
type Notice struct {
	SessionID string       `json:"sessionId"`
	State     SessionState `json:"state"`
	Kind      SessionKind  `json:"kind"`
	Initiator Identity     `json:"initiator"`
	Responder Identity     `json:"responder"`
	RoomID    string       `json:"roomId,omitempty"`
}
