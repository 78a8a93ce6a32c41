// Package protocol defines the WebSocket messages exchanged with a remote
// login worker. All messages are JSON-encoded and wrapped in an Envelope.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Subprotocol is negotiated during the WebSocket handshake.
const Subprotocol = "agentauth-driver-v1"

// MessageType identifies the kind of message.
type MessageType string

const (
	// Gateway -> Worker
	MsgAuthTask         MessageType = "auth.task"
	MsgCapabilityResult MessageType = "capability.result"
	MsgAuthCancel       MessageType = "auth.cancel"

	// Worker -> Gateway
	MsgAuthAccepted      MessageType = "auth.accepted"
	MsgCapabilityRequest MessageType = "capability.request"
	MsgAuthProgress      MessageType = "auth.progress"
	MsgAuthDone          MessageType = "auth.done"
	MsgAuthFailed        MessageType = "auth.failed"

	// Bidirectional
	MsgError MessageType = "error"
)

// Envelope wraps every message.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope creates an Envelope with a fresh ID and the current time.
func NewEnvelope(msgType MessageType, sessionID string, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		Type:      msgType,
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the Payload into target.
func (e *Envelope) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// CapabilityInfo advertises one capability to the worker.
type CapabilityInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// AuthTaskPayload starts a login on the worker.
type AuthTaskPayload struct {
	Instructions string            `json:"instructions"`
	Secrets      map[string]string `json:"secrets"`
	Capabilities []CapabilityInfo  `json:"capabilities"`
}

// CapabilityRequestPayload asks for one capability value.
type CapabilityRequestPayload struct {
	RequestID string `json:"request_id"`
	Name      string `json:"name"`
}

// CapabilityResultPayload answers a CapabilityRequestPayload.
// Exactly one of Value and Error is set.
type CapabilityResultPayload struct {
	RequestID    string `json:"request_id"`
	Value        string `json:"value,omitempty"`
	Error        string `json:"error,omitempty"`
	NotAvailable bool   `json:"not_available,omitempty"`
}

// AuthProgressPayload reports intermediate progress.
type AuthProgressPayload struct {
	Message string `json:"message"`
}

// Cookie is a browser cookie as reported by the worker.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// AuthDonePayload reports a successful login.
type AuthDonePayload struct {
	Cookies []Cookie `json:"cookies"`
	Summary string   `json:"summary,omitempty"`
}

// AuthFailedPayload reports a failed login.
type AuthFailedPayload struct {
	Error string `json:"error"`
}

// AuthCancelPayload tells the worker to stop.
type AuthCancelPayload struct {
	Reason string `json:"reason"`
}

// ErrorPayload reports a protocol error.
type ErrorPayload struct {
	Message string `json:"message"`
}
