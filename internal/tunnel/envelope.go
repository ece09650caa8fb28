package tunnel

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Source discriminates which execution context emitted an envelope.
// Cross-context messaging is broadcast-style; every listener filters on
// the source tag and ignores foreign messages, approximating a private
// channel over a public bus.
type Source string

const (
	SourcePage   Source = "page"
	SourceBridge Source = "bridge"
	SourceRelay  Source = "relay"
)

// MessageType is the closed set of envelope kinds the tunnel speaks.
type MessageType string

const (
	TypeConnect MessageType = "connect"
	TypeSend    MessageType = "send"
	TypeClose   MessageType = "close"
	TypeOpen    MessageType = "open"
	TypeMessage MessageType = "message"
	TypeError   MessageType = "error"
	TypePing    MessageType = "ping"
)

// Valid reports whether the type belongs to the tunnel vocabulary.
func (t MessageType) Valid() bool {
	switch t {
	case TypeConnect, TypeSend, TypeClose, TypeOpen, TypeMessage, TypeError, TypePing:
		return true
	}
	return false
}

// Envelope is the uniform three-hop message frame. Payload is opaque
// to the tunnel; only the envelope fields are interpreted.
type Envelope struct {
	Source    Source      `json:"source"`
	TabID     int         `json:"tabId"`
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	Payload   []byte      `json:"payload,omitempty"`
}

// ConnectPayload carries the upstream port for a connect request.
type ConnectPayload struct {
	Port int `json:"port"`
}

// ErrorPayload carries a human-readable failure reason, so callers can
// distinguish security-relevant rejections from plain transport loss.
type ErrorPayload struct {
	Reason string `json:"reason"`
}

// EncodeEnvelope marshals an envelope for the wire.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	raw, err := sonic.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return raw, nil
}

// DecodeEnvelope unmarshals an envelope and validates its type.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := sonic.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if !env.Type.Valid() {
		return Envelope{}, fmt.Errorf("unknown envelope type %q", env.Type)
	}
	return env, nil
}

// MarshalPayload encodes a typed payload for an envelope.
func MarshalPayload(v interface{}) ([]byte, error) {
	raw, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return raw, nil
}

// UnmarshalPayload decodes a typed payload from an envelope.
func UnmarshalPayload(raw []byte, v interface{}) error {
	return sonic.Unmarshal(raw, v)
}

// errorReason extracts the reason from an error envelope, falling back
// to a generic description.
func errorReason(env Envelope) string {
	var p ErrorPayload
	if err := UnmarshalPayload(env.Payload, &p); err == nil && p.Reason != "" {
		return p.Reason
	}
	return "transport error"
}
