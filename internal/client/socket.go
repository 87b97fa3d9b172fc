// Package client implements the viewer-side stack: the transport
// socket with reconnection and keep-alive, the session state machine,
// and the synthetic fallback generator.
package client

import (
	"encoding/json"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ndsokol/periscope/internal/protocol"
)

// Handler receives the payload of one inbound message type.
type Handler func(payload json.RawMessage)

type SocketOptions struct {
	// ReconnectInterval is the backoff base; attempt n waits
	// interval * 1.5^n.
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	PingPeriod           time.Duration
}

func defaultSocketOptions() SocketOptions {
	return SocketOptions{
		ReconnectInterval:    3 * time.Second,
		MaxReconnectAttempts: 5,
		PingPeriod:           30 * time.Second,
	}
}

// Socket is a persistent duplex message channel. Unexpected closures
// trigger capped exponential-backoff reconnection; Close suppresses
// the policy for good.
type Socket struct {
	url    string
	opts   SocketOptions
	dialer *websocket.Dialer

	mu             sync.Mutex
	conn           *websocket.Conn
	open           bool
	closed         bool
	attempts       int
	handlers       map[string]map[int]Handler
	nextHandlerID  int
	reconnectTimer *time.Timer
	pingStop       chan struct{}
	onExhausted    func()
	exhausted      bool
	writeMu        sync.Mutex
}

func NewSocket(url string, opts SocketOptions) *Socket {
	def := defaultSocketOptions()
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = def.ReconnectInterval
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = def.PingPeriod
	}
	return &Socket{
		url:      url,
		opts:     opts,
		dialer:   websocket.DefaultDialer,
		handlers: make(map[string]map[int]Handler),
	}
}

// Open establishes the channel and starts the read loop and keep-alive.
// Opening an already-open socket is a no-op; Open after a deliberate
// Close starts a fresh lifecycle.
func (s *Socket) Open() error {
	return s.dial(true)
}

// dial does the work of Open. Reconnect attempts pass deliberate=false
// so a Close that raced the backoff timer stays final.
func (s *Socket) dial(deliberate bool) error {
	s.mu.Lock()
	if s.open {
		s.mu.Unlock()
		return nil
	}
	if deliberate {
		s.closed = false
	} else if s.closed {
		s.mu.Unlock()
		return errors.New("socket closed")
	}
	s.mu.Unlock()

	conn, _, err := s.dialer.Dial(s.url, nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	// A deliberate Close may have landed while the dial was in flight
	// (a reconnect attempt that had already left its timer); the fresh
	// conn must not resurrect the socket.
	if s.closed || s.open {
		s.mu.Unlock()
		_ = conn.Close()
		if s.closed {
			return errors.New("socket closed")
		}
		return nil
	}
	s.conn = conn
	s.open = true
	s.attempts = 0
	stop := make(chan struct{})
	s.pingStop = stop
	s.mu.Unlock()

	log.Info().Str("module", "client.socket").Str("url", s.url).Msg("socket open")
	go s.readLoop(conn)
	go s.keepAlive(stop)
	return nil
}

// IsOpen reports whether the channel is currently usable.
func (s *Socket) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Send enqueues a typed message. Returns false, never panics, when the
// channel is not open.
func (s *Socket) Send(msgType string, payload any) bool {
	s.mu.Lock()
	conn, open := s.conn, s.open
	s.mu.Unlock()
	if !open || conn == nil {
		return false
	}

	frame, err := protocol.Encode(msgType, payload)
	if err != nil {
		return false
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, frame) == nil
}

// RegisterHandler subscribes to one inbound message type and returns
// the unsubscribe function. Several handlers may share a type.
func (s *Socket) RegisterHandler(msgType string, h Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers[msgType] == nil {
		s.handlers[msgType] = make(map[int]Handler)
	}
	id := s.nextHandlerID
	s.nextHandlerID++
	s.handlers[msgType][id] = h

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers[msgType], id)
	}
}

// OnReconnectExhausted installs the terminal callback fired exactly
// once when the retry cap is reached.
func (s *Socket) OnReconnectExhausted(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExhausted = fn
}

// Close performs a deliberate shutdown: no reconnect will follow, and
// any pending backoff timer dies here.
func (s *Socket) Close() {
	s.mu.Lock()
	s.closed = true
	s.open = false
	conn := s.conn
	s.conn = nil
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	if s.pingStop != nil {
		close(s.pingStop)
		s.pingStop = nil
	}
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Socket) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.onClosed(conn)
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "client.socket").Msg("bad inbound json")
			continue
		}
		if env.Type == protocol.TypePing {
			s.Send(protocol.TypePong, nil)
			continue
		}
		s.dispatch(env)
	}
}

func (s *Socket) dispatch(env protocol.Envelope) {
	s.mu.Lock()
	hs := make([]Handler, 0, len(s.handlers[env.Type]))
	for _, h := range s.handlers[env.Type] {
		hs = append(hs, h)
	}
	s.mu.Unlock()

	// Unknown types have no handlers and are dropped silently.
	for _, h := range hs {
		h(env.Payload)
	}
}

func (s *Socket) keepAlive(stop chan struct{}) {
	ticker := time.NewTicker(s.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Send(protocol.TypePing, nil)
		}
	}
}

// onClosed handles the underlying channel dying. Deliberate Close
// already cleared the open flag; anything else schedules a retry.
func (s *Socket) onClosed(conn *websocket.Conn) {
	_ = conn.Close()

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.open = false
	}
	if s.pingStop != nil {
		close(s.pingStop)
		s.pingStop = nil
	}
	deliberate := s.closed
	s.mu.Unlock()

	if !deliberate {
		s.scheduleReconnect()
	}
}

func (s *Socket) scheduleReconnect() {
	s.mu.Lock()
	if s.closed || s.exhausted {
		s.mu.Unlock()
		return
	}
	if s.attempts >= s.opts.MaxReconnectAttempts {
		s.exhausted = true
		fn := s.onExhausted
		s.mu.Unlock()
		log.Warn().Str("module", "client.socket").Msg("reconnect attempts exhausted")
		if fn != nil {
			fn()
		}
		return
	}
	s.attempts++
	backoff := time.Duration(float64(s.opts.ReconnectInterval) * math.Pow(1.5, float64(s.attempts-1)))
	attempt := s.attempts
	s.reconnectTimer = time.AfterFunc(backoff, func() {
		log.Info().Str("module", "client.socket").Int("attempt", attempt).Msg("reconnecting")
		if err := s.dial(false); err != nil {
			s.scheduleReconnect()
		}
	})
	s.mu.Unlock()
}
