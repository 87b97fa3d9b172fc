package app

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/ndsokol/periscope/internal/core"
	"github.com/ndsokol/periscope/internal/domain"
	"github.com/ndsokol/periscope/internal/protocol"
)

// Relay forwards traffic between the two participants of a session.
// It is a thin pass-through over the registry: negotiation payloads are
// never inspected, and a missing counterpart makes every call a silent
// no-op (the peer on the other end times out and falls back on its own).
type Relay struct {
	Reg *Registry
}

func NewRelay(reg *Registry) *Relay {
	return &Relay{Reg: reg}
}

func (r *Relay) counterpart(sid core.SessionID, from domain.Role) (core.SignalConnection, bool) {
	rec, ok := r.Reg.LookupSession(sid)
	if !ok {
		return nil, false
	}
	var conn core.SignalConnection
	if from == domain.RoleHost {
		conn = rec.Viewer
	} else {
		conn = rec.Host
	}
	if conn == nil {
		return nil, false
	}
	return conn, true
}

// RelaySignal forwards a negotiation payload verbatim to the other
// participant of the session.
func (r *Relay) RelaySignal(sid core.SessionID, from domain.Role, signal json.RawMessage) {
	conn, ok := r.counterpart(sid, from)
	if !ok {
		return
	}
	frame, err := protocol.Encode(protocol.TypePeerSignal, protocol.PeerSignal{
		SessionID: string(sid),
		Signal:    signal,
	})
	if err != nil {
		return
	}
	if err := conn.TrySend(frame); err != nil {
		log.Debug().Str("module", "app.relay").Str("sid", string(sid)).Err(err).Msg("signal dropped")
		return
	}
	r.Reg.Touch(sid)
}

// RelayToHost delivers an already-framed input event to the host side.
func (r *Relay) RelayToHost(sid core.SessionID, frame core.Frame) bool {
	conn, ok := r.counterpart(sid, domain.RoleViewer)
	if !ok {
		return false
	}
	if err := conn.TrySend(frame); err != nil {
		return false
	}
	r.Reg.Touch(sid)
	return true
}

// RelayToViewer delivers an already-framed screen update to the viewer.
func (r *Relay) RelayToViewer(sid core.SessionID, frame core.Frame) bool {
	conn, ok := r.counterpart(sid, domain.RoleHost)
	if !ok {
		return false
	}
	if err := conn.TrySend(frame); err != nil {
		return false
	}
	r.Reg.Touch(sid)
	return true
}
