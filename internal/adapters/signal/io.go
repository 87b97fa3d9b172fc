package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ndsokol/periscope/internal/protocol"
)

const writeTimeout = 5 * time.Second

func (ctl *Controller) writePump(ctx context.Context, c *WsConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, token string, c *WsConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("token", token).Msg("readPump closing")
		ctl.Reg.RemoveParticipant(c)
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn().Err(err).Str("module", "signal").Str("token", token).Msg("readPump read error")
				}
				return
			}
			ctl.dispatch(token, c, data)
		}
	}
}

func (ctl *Controller) dispatch(token string, c *WsConn, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	switch env.Type {
	case protocol.TypeRegisterHost:
		ctl.handleRegisterHost(c, env.Payload)
	case protocol.TypeConnect:
		ctl.handleConnect(token, c, env.Payload)
	case protocol.TypeDisconnect:
		ctl.handleDisconnect(env.Payload)
	case protocol.TypePeerSignal:
		ctl.handlePeerSignal(c, env.Payload)
	case protocol.TypeMouseEvent, protocol.TypeKeyboardEvent:
		ctl.handleInput(c, data, env.Payload)
	case protocol.TypeScreenUpdate:
		ctl.handleScreenUpdate(c, data, env.Payload)
	case protocol.TypePing:
		ctl.handlePing(c)
	case protocol.TypePong:
		// keep-alive acknowledgment, nothing to do
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown message type")
	}
}

func (ctl *Controller) sendJSON(c *WsConn, msgType string, payload any) {
	frame, err := protocol.Encode(msgType, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("encode")
		return
	}
	_ = c.TrySend(frame)
}

// sessionIDOf extracts the sessionId field shared by relayed payloads.
func sessionIDOf(payload json.RawMessage) (string, bool) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(payload, &p); err != nil || p.SessionID == "" {
		return "", false
	}
	return p.SessionID, true
}
