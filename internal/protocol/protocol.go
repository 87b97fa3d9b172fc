// Package protocol defines the JSON wire envelope shared by the broker,
// the host agent and the viewer. Every message is {type, payload};
// receivers ignore unknown types instead of erroring.
package protocol

import (
	"encoding/json"

	"github.com/ndsokol/periscope/internal/core"
	"github.com/ndsokol/periscope/internal/domain"
)

// Message type discriminators.
const (
	TypeRegisterHost   = "register_host"
	TypeRegisterResult = "register_result"
	TypeConnect        = "connect"
	TypeConnectResult  = "connect_result"
	TypeDisconnect     = "disconnect"
	TypeSessionClosed  = "session_closed"
	TypeViewerJoined   = "viewer_joined"
	TypePeerSignal     = "peer_signal"
	TypeScreenUpdate   = "screen_update"
	TypeMouseEvent     = "mouse_event"
	TypeKeyboardEvent  = "keyboard_event"
	TypePing           = "ping"
	TypePong           = "pong"
)

// Envelope frames every message on the transport socket and the peer
// data channel. Payload stays opaque until the type is known.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RegisterHost is sent by a host agent right after opening its socket.
type RegisterHost struct {
	Code               string `json:"code"`
	Password           string `json:"password,omitempty"`
	SupportPeerChannel bool   `json:"supportPeerChannel"`
}

type RegisterResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Connect is the viewer's handshake request.
type Connect struct {
	TargetID           string `json:"targetId"`
	Password           string `json:"password,omitempty"`
	SupportPeerChannel bool   `json:"supportPeerChannel"`
}

type ConnectResult struct {
	Success              bool   `json:"success"`
	SessionID            string `json:"sessionId,omitempty"`
	Message              string `json:"message,omitempty"`
	PeerChannelSupported bool   `json:"peerChannelSupported,omitempty"`
}

type Disconnect struct {
	SessionID string `json:"sessionId"`
}

type SessionClosed struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

type ViewerJoined struct {
	SessionID string `json:"sessionId"`
}

// PeerSignal carries negotiation payloads verbatim between the two
// participants. The broker never looks inside Signal.
type PeerSignal struct {
	SessionID string          `json:"sessionId"`
	Signal    json.RawMessage `json:"signal"`
}

// ScreenUpdate delivers one encoded frame. Image is an opaque blob
// (base64 of whatever codec the host produced).
type ScreenUpdate struct {
	SessionID string `json:"sessionId,omitempty"`
	Image     string `json:"image"`
}

// MouseEvent and KeyboardEvent wrap the domain events with the session
// they belong to.
type MouseEvent struct {
	SessionID string `json:"sessionId,omitempty"`
	domain.MouseEvent
}

type KeyboardEvent struct {
	SessionID string `json:"sessionId,omitempty"`
	domain.KeyboardEvent
}

// Encode marshals a typed payload into a ready-to-send frame.
func Encode(msgType string, payload any) (core.Frame, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}

// Decode parses an envelope off the wire.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	return env, err
}
