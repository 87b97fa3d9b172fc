package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ndsokol/periscope/internal/app"
	"github.com/ndsokol/periscope/internal/core"
)

var ErrBackpressure = errors.New("backpressure")

// Controller owns the server side of the transport socket: one
// WebSocket per participant, a typed-envelope dispatch loop, and the
// registry/relay behind it.
type Controller struct {
	Reg       *app.Registry
	Relay     *app.Relay
	Limiter   *ConnectRateLimiter
	ReadLimit int64
}

func NewController(reg *app.Registry, relay *app.Relay, readLimit int64) *Controller {
	return &Controller{
		Reg:       reg,
		Relay:     relay,
		Limiter:   NewConnectRateLimiter(10, defaultLimiterWindow),
		ReadLimit: readLimit,
	}
}

// WsConn wraps one websocket with a buffered outbound queue. TrySend
// never blocks; a full queue surfaces as ErrBackpressure and the frame
// is dropped.
type WsConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWS upgrades the request and runs the read/write pumps until the
// socket dies. The client token only rate-limits connect attempts; all
// session state is keyed by socket identity.
func (ctl *Controller) HandleWS(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")
	log.Info().Str("module", "signal").Str("token", token).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	conn := &WsConn{
		conn: ws,
		send: make(chan core.Frame, 32),
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ctl.writePump(ctx, conn)
		cancel()
	}()
	go func() {
		ctl.readPump(ctx, token, conn)
		cancel()
	}()
}
