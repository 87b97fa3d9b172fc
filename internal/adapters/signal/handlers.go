package signal

import (
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/ndsokol/periscope/internal/core"
	"github.com/ndsokol/periscope/internal/domain"
	"github.com/ndsokol/periscope/internal/protocol"
)

func (ctl *Controller) handleRegisterHost(c *WsConn, payload json.RawMessage) {
	var p protocol.RegisterHost
	if err := json.Unmarshal(payload, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad register payload")
		return
	}
	code, err := domain.NewConnectionCode(p.Code)
	if err != nil {
		ctl.sendJSON(c, protocol.TypeRegisterResult, protocol.RegisterResult{
			Success: false,
			Message: "Invalid connection code",
		})
		return
	}
	ctl.Reg.RegisterHost(code, p.Password, p.SupportPeerChannel, c)
	ctl.sendJSON(c, protocol.TypeRegisterResult, protocol.RegisterResult{Success: true})
}

func (ctl *Controller) handleConnect(token string, c *WsConn, payload json.RawMessage) {
	var p protocol.Connect
	if err := json.Unmarshal(payload, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad connect payload")
		return
	}

	fail := func(msg string) {
		ctl.sendJSON(c, protocol.TypeConnectResult, protocol.ConnectResult{
			Success: false,
			Message: msg,
		})
	}

	if !ctl.Limiter.Allow(token) {
		fail("Too many connection attempts")
		return
	}

	code, err := domain.NewConnectionCode(p.TargetID)
	if err != nil {
		fail("Invalid connection ID")
		return
	}

	if err := ctl.Reg.Authenticate(code, p.Password); err != nil {
		switch {
		case errors.Is(err, domain.ErrHostUnavailable):
			fail("Connection not found")
		case errors.Is(err, domain.ErrInvalidCredential):
			fail("Invalid password")
		default:
			fail("Internal server error")
		}
		return
	}

	sid, err := ctl.Reg.CreateSession(code)
	if err != nil {
		fail("Host is not connected")
		return
	}
	if !ctl.Reg.AttachViewer(sid, c) {
		fail("Failed to join session")
		return
	}

	peer := p.SupportPeerChannel && ctl.Reg.PeerSupported(code)
	ctl.sendJSON(c, protocol.TypeConnectResult, protocol.ConnectResult{
		Success:              true,
		SessionID:            string(sid),
		PeerChannelSupported: peer,
	})
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("code", p.TargetID).Bool("peer", peer).Msg("viewer connected")
}

func (ctl *Controller) handleDisconnect(payload json.RawMessage) {
	var p protocol.Disconnect
	if err := json.Unmarshal(payload, &p); err != nil || p.SessionID == "" {
		return
	}
	ctl.Reg.CloseSession(core.SessionID(p.SessionID), "closed by participant")
}

// handlePeerSignal forwards a negotiation payload to the counterpart.
// The sender's role is derived from socket identity, never trusted from
// the payload.
func (ctl *Controller) handlePeerSignal(c *WsConn, payload json.RawMessage) {
	var p protocol.PeerSignal
	if err := json.Unmarshal(payload, &p); err != nil || p.SessionID == "" {
		return
	}
	sid := core.SessionID(p.SessionID)
	role, ok := ctl.roleOf(sid, c)
	if !ok {
		return
	}
	ctl.Relay.RelaySignal(sid, role, p.Signal)
}

// handleInput relays a viewer input event to the host verbatim; the
// original frame goes through untouched so nothing is lost in
// re-encoding.
func (ctl *Controller) handleInput(c *WsConn, frame []byte, payload json.RawMessage) {
	sid, ok := sessionIDOf(payload)
	if !ok {
		return
	}
	if role, ok := ctl.roleOf(core.SessionID(sid), c); !ok || role != domain.RoleViewer {
		return
	}
	ctl.Relay.RelayToHost(core.SessionID(sid), core.Frame(frame))
}

func (ctl *Controller) handleScreenUpdate(c *WsConn, frame []byte, payload json.RawMessage) {
	sid, ok := sessionIDOf(payload)
	if !ok {
		return
	}
	if role, ok := ctl.roleOf(core.SessionID(sid), c); !ok || role != domain.RoleHost {
		return
	}
	ctl.Relay.RelayToViewer(core.SessionID(sid), core.Frame(frame))
}

func (ctl *Controller) handlePing(c *WsConn) {
	ctl.sendJSON(c, protocol.TypePong, nil)
}

func (ctl *Controller) roleOf(sid core.SessionID, c *WsConn) (domain.Role, bool) {
	rec, ok := ctl.Reg.LookupSession(sid)
	if !ok {
		return "", false
	}
	switch {
	case rec.Host == core.SignalConnection(c):
		return domain.RoleHost, true
	case rec.Viewer == core.SignalConnection(c):
		return domain.RoleViewer, true
	}
	return "", false
}
