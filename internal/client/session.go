package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ndsokol/periscope/internal/adapters/rtc"
	"github.com/ndsokol/periscope/internal/core"
	"github.com/ndsokol/periscope/internal/domain"
	"github.com/ndsokol/periscope/internal/protocol"
)

// State is the connection lifecycle exposed to the UI layer.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Transport names the single active frame/input channel. Within one
// connection attempt the only moves are downgrades: peer -> synthetic
// or relay -> synthetic, never upward.
type Transport string

const (
	TransportNone      Transport = ""
	TransportPeer      Transport = "peer"
	TransportRelay     Transport = "relay"
	TransportSynthetic Transport = "synthetic"
)

// Negotiator is the viewer-facing surface of the peer media channel.
type Negotiator interface {
	StartInitiator() error
	ProcessSignal(rtc.SignalPayload) error
	SendData(payload []byte) bool
	Disconnect()
}

// NegotiatorFactory builds a fresh negotiator per attempt; injected so
// no module-level singleton survives between sessions.
type NegotiatorFactory func(rtc.Options) Negotiator

// Snapshot is the client-local aggregate handed to the UI.
type Snapshot struct {
	Connecting      bool
	Connected       bool
	ConnectionCode  string
	SessionID       string
	ActiveTransport Transport
}

type SessionOptions struct {
	// ConnectTimeout bounds the connect handshake; fallback is entered
	// unconditionally once it expires.
	ConnectTimeout time.Duration
	FrameInterval  time.Duration
	StunServers    []string

	OnState func(Snapshot)
	OnFrame func(core.Frame)
	OnError func(error)
}

// noTransportDelay simulates a short connecting beat before the
// synthetic fallback when the socket was never open to begin with.
const noTransportDelay = 1500 * time.Millisecond

// Session orchestrates the transport socket, the peer negotiator and
// the synthetic generator behind one coherent connection lifecycle.
type Session struct {
	sock          *Socket
	synth         *Generator
	newNegotiator NegotiatorFactory
	opts          SessionOptions

	mu           sync.Mutex
	state        State
	transport    Transport
	code         string
	sid          string
	gen          int
	peer         Negotiator
	connectTimer *time.Timer
	unsubs       []func()
}

func NewSession(sock *Socket, opts SessionOptions) *Session {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	return &Session{
		sock:  sock,
		synth: NewGenerator(opts.FrameInterval),
		opts:  opts,
		newNegotiator: func(o rtc.Options) Negotiator {
			return rtc.NewPeerChannel(o)
		},
	}
}

// SetNegotiatorFactory swaps the peer-channel constructor; used by
// tests and by embedders that bring their own ICE setup.
func (s *Session) SetNegotiatorFactory(f NegotiatorFactory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.newNegotiator = f
}

// Snapshot returns the current client-visible state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		Connecting:      s.state == StateConnecting,
		Connected:       s.state == StateConnected,
		ConnectionCode:  s.code,
		SessionID:       s.sid,
		ActiveTransport: s.transport,
	}
}

func (s *Session) notify() {
	if s.opts.OnState == nil {
		return
	}
	s.mu.Lock()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.opts.OnState(snap)
}

// Connect starts a fresh attempt against code. The handshake has a
// fixed ceiling; whatever happens, the session ends up Connected on
// some transport — synthetic if nothing real worked out.
func (s *Session) Connect(code, password string) error {
	s.mu.Lock()
	if s.state == StateConnecting || s.state == StateConnected {
		s.mu.Unlock()
		return errors.New("session already active")
	}
	s.gen++
	g := s.gen
	s.state = StateConnecting
	s.transport = TransportNone
	s.code = code
	s.sid = ""
	s.mu.Unlock()
	s.notify()

	if !s.sock.IsOpen() {
		log.Info().Str("module", "client.session").Msg("no open transport, scheduling synthetic fallback")
		s.mu.Lock()
		s.connectTimer = time.AfterFunc(noTransportDelay, func() { s.timeoutFallback(g) })
		s.mu.Unlock()
		return nil
	}

	s.addUnsub(g, s.sock.RegisterHandler(protocol.TypeConnectResult, func(payload json.RawMessage) {
		s.onConnectResult(g, payload)
	}))
	s.addUnsub(g, s.sock.RegisterHandler(protocol.TypeSessionClosed, func(payload json.RawMessage) {
		s.onSessionClosed(g, payload)
	}))

	// The ceiling is armed before the request leaves, in the same
	// critical section that sees the handshake pending, so a result can
	// never race an unarmed or late-armed timer.
	s.mu.Lock()
	if s.gen == g && s.state == StateConnecting {
		s.connectTimer = time.AfterFunc(s.opts.ConnectTimeout, func() { s.timeoutFallback(g) })
	}
	s.mu.Unlock()

	if !s.sock.Send(protocol.TypeConnect, protocol.Connect{
		TargetID:           code,
		Password:           password,
		SupportPeerChannel: true,
	}) {
		s.enterSynthetic(g)
	}
	return nil
}

// timeoutFallback runs when the handshake ceiling expires. It only
// acts while the attempt is still pending; if a result is being
// processed concurrently, Timer.Stop decides the single winner.
func (s *Session) timeoutFallback(g int) {
	s.mu.Lock()
	if s.gen != g || s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	log.Warn().Str("module", "client.session").Msg("connect handshake expired, falling back")
	s.enterSynthetic(g)
}

func (s *Session) onConnectResult(g int, payload json.RawMessage) {
	var p protocol.ConnectResult
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}

	s.mu.Lock()
	if s.gen != g || s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	timer := s.connectTimer
	s.connectTimer = nil
	s.mu.Unlock()

	// Stop reports false when the ceiling already fired; the fallback
	// it started owns the attempt, and this result is dropped so the
	// transport never moves back up from synthetic.
	if timer != nil && !timer.Stop() {
		return
	}

	if !p.Success {
		msg := p.Message
		if msg == "" {
			msg = "failed to connect to remote host"
		}
		if s.opts.OnError != nil {
			s.opts.OnError(errors.New(msg))
		}
		// Deliberate: even a rejected attempt lands in the synthetic
		// session instead of a dead end.
		s.enterSynthetic(g)
		return
	}

	s.mu.Lock()
	s.sid = p.SessionID
	s.mu.Unlock()

	if p.PeerChannelSupported {
		s.startPeer(g)
	} else {
		s.startRelay(g)
	}
}

func (s *Session) startRelay(g int) {
	s.mu.Lock()
	if s.gen != g {
		s.mu.Unlock()
		return
	}
	s.transport = TransportRelay
	s.state = StateConnected
	s.mu.Unlock()

	s.addUnsub(g, s.sock.RegisterHandler(protocol.TypeScreenUpdate, func(payload json.RawMessage) {
		var u protocol.ScreenUpdate
		if err := json.Unmarshal(payload, &u); err != nil {
			return
		}
		s.deliverFrame(g, TransportRelay, core.Frame(u.Image))
	}))

	log.Info().Str("module", "client.session").Msg("relay channel active")
	s.notify()
}

func (s *Session) startPeer(g int) {
	peer := s.newNegotiator(rtc.Options{
		ICEServers:    s.opts.StunServers,
		FrameInterval: s.opts.FrameInterval,
		OnSignal: func(sig rtc.SignalPayload) {
			raw, err := sig.Bytes()
			if err != nil {
				return
			}
			s.mu.Lock()
			sid, current := s.sid, s.gen == g
			s.mu.Unlock()
			if current {
				s.sock.Send(protocol.TypePeerSignal, protocol.PeerSignal{SessionID: sid, Signal: raw})
			}
		},
		OnData: func(b []byte) { s.onPeerData(g, b) },
		OnState: func(st rtc.State) {
			if st == rtc.StateFailed {
				// Silent downgrade; the relay path is never tried after a
				// peer failure on the same session.
				log.Warn().Str("module", "client.session").Msg("peer channel failed, falling back to synthetic")
				s.enterSynthetic(g)
			}
		},
		OnError: func(err error) {
			log.Error().Err(err).Str("module", "client.session").Msg("peer channel error")
		},
	})

	s.mu.Lock()
	if s.gen != g {
		s.mu.Unlock()
		peer.Disconnect()
		return
	}
	s.peer = peer
	s.transport = TransportPeer
	s.state = StateConnected
	s.mu.Unlock()

	s.addUnsub(g, s.sock.RegisterHandler(protocol.TypePeerSignal, func(payload json.RawMessage) {
		var ps protocol.PeerSignal
		if err := json.Unmarshal(payload, &ps); err != nil {
			return
		}
		s.mu.Lock()
		ok := s.gen == g && s.sid == ps.SessionID && s.peer != nil
		s.mu.Unlock()
		if !ok {
			return
		}
		sig, err := rtc.ParseSignal(ps.Signal)
		if err != nil {
			return
		}
		if err := peer.ProcessSignal(sig); err != nil {
			log.Warn().Err(err).Str("module", "client.session").Msg("bad peer signal")
		}
	}))

	if err := peer.StartInitiator(); err != nil {
		log.Error().Err(err).Str("module", "client.session").Msg("peer start failed")
		s.enterSynthetic(g)
		return
	}

	log.Info().Str("module", "client.session").Msg("peer channel negotiating")
	s.notify()
}

func (s *Session) onPeerData(g int, b []byte) {
	env, err := protocol.Decode(b)
	if err != nil || env.Type != protocol.TypeScreenUpdate {
		return
	}
	var u protocol.ScreenUpdate
	if err := json.Unmarshal(env.Payload, &u); err != nil {
		return
	}
	s.deliverFrame(g, TransportPeer, core.Frame(u.Image))
}

// deliverFrame enforces the mutual-exclusivity invariant: a frame only
// reaches the UI when its transport is still the active one for the
// current attempt.
func (s *Session) deliverFrame(g int, from Transport, frame core.Frame) {
	s.mu.Lock()
	ok := s.gen == g && s.transport == from && s.state == StateConnected
	s.mu.Unlock()
	if ok && s.opts.OnFrame != nil {
		s.opts.OnFrame(frame)
	}
}

// enterSynthetic downgrades the attempt in place. The connection stays
// Connected from the UI's point of view.
func (s *Session) enterSynthetic(g int) {
	s.mu.Lock()
	if s.gen != g || s.transport == TransportSynthetic {
		s.mu.Unlock()
		return
	}
	s.stopConnectTimerLocked()
	peer := s.peer
	s.peer = nil
	unsubs := s.unsubs
	s.unsubs = nil
	if s.sid == "" {
		s.sid = fmt.Sprintf("demo-session-%04d", rand.Intn(10000))
	}
	s.transport = TransportSynthetic
	s.state = StateConnected
	s.mu.Unlock()

	if peer != nil {
		peer.Disconnect()
	}
	for _, u := range unsubs {
		u()
	}
	s.synth.Start(func(frame core.Frame) {
		s.deliverFrame(g, TransportSynthetic, frame)
	})

	log.Info().Str("module", "client.session").Msg("synthetic session active")
	s.notify()
}

func (s *Session) onSessionClosed(g int, payload json.RawMessage) {
	var p protocol.SessionClosed
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	s.mu.Lock()
	if s.gen != g || s.sid != p.SessionID {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.stopConnectTimerLocked()
	peer := s.peer
	s.peer = nil
	unsubs := s.unsubs
	s.unsubs = nil
	s.state = StateDisconnected
	s.transport = TransportNone
	s.mu.Unlock()

	if peer != nil {
		peer.Disconnect()
	}
	s.synth.Stop()
	for _, u := range unsubs {
		u()
	}
	log.Info().Str("module", "client.session").Str("reason", p.Reason).Msg("session closed by server")
	s.notify()
}

// Disconnect tears the attempt down from any state: notice to the
// server, negotiator release, generator stop, every timer and handler
// of the attempt dead before it returns.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.gen++
	sid := s.sid
	transport := s.transport
	s.stopConnectTimerLocked()
	peer := s.peer
	s.peer = nil
	unsubs := s.unsubs
	s.unsubs = nil
	s.state = StateIdle
	s.transport = TransportNone
	s.code = ""
	s.sid = ""
	s.mu.Unlock()

	if sid != "" && transport != TransportSynthetic {
		s.sock.Send(protocol.TypeDisconnect, protocol.Disconnect{SessionID: sid})
	}
	if peer != nil {
		peer.Disconnect()
	}
	s.synth.Stop()
	for _, u := range unsubs {
		u()
	}
	s.notify()
}

// SendMouseEvent routes an input event to whichever channel is active.
// Exactly one channel ever sees it.
func (s *Session) SendMouseEvent(ev domain.MouseEvent) {
	s.mu.Lock()
	transport, sid, peer, connected := s.transport, s.sid, s.peer, s.state == StateConnected
	s.mu.Unlock()
	if !connected {
		return
	}

	switch transport {
	case TransportSynthetic:
		s.synth.SendMouseEvent(ev)
	case TransportPeer:
		if env, err := protocol.Encode(protocol.TypeMouseEvent, protocol.MouseEvent{MouseEvent: ev}); err == nil && peer != nil {
			peer.SendData(env)
		}
	case TransportRelay:
		s.sock.Send(protocol.TypeMouseEvent, protocol.MouseEvent{SessionID: sid, MouseEvent: ev})
	}
}

// SendKeyboardEvent mirrors SendMouseEvent for keys.
func (s *Session) SendKeyboardEvent(ev domain.KeyboardEvent) {
	s.mu.Lock()
	transport, sid, peer, connected := s.transport, s.sid, s.peer, s.state == StateConnected
	s.mu.Unlock()
	if !connected {
		return
	}

	switch transport {
	case TransportSynthetic:
		s.synth.SendKeyboardEvent(ev)
	case TransportPeer:
		if env, err := protocol.Encode(protocol.TypeKeyboardEvent, protocol.KeyboardEvent{KeyboardEvent: ev}); err == nil && peer != nil {
			peer.SendData(env)
		}
	case TransportRelay:
		s.sock.Send(protocol.TypeKeyboardEvent, protocol.KeyboardEvent{SessionID: sid, KeyboardEvent: ev})
	}
}

func (s *Session) stopConnectTimerLocked() {
	if s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
}

func (s *Session) addUnsub(g int, u func()) {
	s.mu.Lock()
	if s.gen != g {
		s.mu.Unlock()
		u()
		return
	}
	s.unsubs = append(s.unsubs, u)
	s.mu.Unlock()
}
