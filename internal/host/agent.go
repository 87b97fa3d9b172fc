package host

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ndsokol/periscope/internal/adapters/rtc"
	"github.com/ndsokol/periscope/internal/client"
	"github.com/ndsokol/periscope/internal/core"
	"github.com/ndsokol/periscope/internal/domain"
	"github.com/ndsokol/periscope/internal/protocol"
)

// InputSink receives remote input events addressed to this machine.
type InputSink interface {
	Mouse(domain.MouseEvent)
	Keyboard(domain.KeyboardEvent)
}

// LogSink records incoming input without injecting it. The default sink;
// actual OS-level injection is a deployment decision, not ours.
type LogSink struct{}

func (LogSink) Mouse(ev domain.MouseEvent) {
	log.Info().Str("module", "host").Str("type", ev.Type).Int("x", ev.X).Int("y", ev.Y).Msg("mouse event")
}

func (LogSink) Keyboard(ev domain.KeyboardEvent) {
	log.Info().Str("module", "host").Str("type", ev.Type).Str("key", ev.Key).Msg("keyboard event")
}

type AgentOptions struct {
	Code          string
	Password      string
	PeerChannel   bool
	FrameInterval time.Duration
	StunServers   []string

	// NewSource builds one capture source per consumer; peer receivers
	// and relay pumps each own theirs.
	NewSource func() (core.FrameSource, error)
	Input     InputSink
}

// Agent keeps one host registration alive on the broker and serves every
// viewer session the broker pairs with it. Frames go over the peer data
// channel when one comes up, over the relay until then.
type Agent struct {
	sock *client.Socket
	opts AgentOptions

	mu       sync.Mutex
	sessions map[string]*hostSession

	registered chan protocol.RegisterResult
}

type hostSession struct {
	stopRelay chan struct{}
	peer      *rtc.PeerChannel
}

func NewAgent(sock *client.Socket, opts AgentOptions) *Agent {
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = 60 * time.Millisecond
	}
	if opts.Input == nil {
		opts.Input = LogSink{}
	}
	return &Agent{
		sock:       sock,
		opts:       opts,
		sessions:   make(map[string]*hostSession),
		registered: make(chan protocol.RegisterResult, 1),
	}
}

// Run registers the host and serves sessions until ctx is cancelled or
// registration is rejected.
func (a *Agent) Run(ctx context.Context) error {
	unsubs := []func(){
		a.sock.RegisterHandler(protocol.TypeRegisterResult, a.onRegisterResult),
		a.sock.RegisterHandler(protocol.TypeViewerJoined, a.onViewerJoined),
		a.sock.RegisterHandler(protocol.TypeSessionClosed, a.onSessionClosed),
		a.sock.RegisterHandler(protocol.TypePeerSignal, a.onPeerSignal),
		a.sock.RegisterHandler(protocol.TypeMouseEvent, a.onMouseEvent),
		a.sock.RegisterHandler(protocol.TypeKeyboardEvent, a.onKeyboardEvent),
	}
	defer func() {
		for _, u := range unsubs {
			u()
		}
		a.closeAllSessions()
	}()

	if err := a.sock.Open(); err != nil {
		return err
	}
	if !a.sock.Send(protocol.TypeRegisterHost, protocol.RegisterHost{
		Code:               a.opts.Code,
		Password:           a.opts.Password,
		SupportPeerChannel: a.opts.PeerChannel,
	}) {
		return domain.ErrTransportUnavailable
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-a.registered:
		if !res.Success {
			return errors.New("registration rejected: " + res.Message)
		}
		log.Info().Str("module", "host").Str("code", a.opts.Code).Msg("registered, waiting for viewers")
	case <-time.After(10 * time.Second):
		return errors.New("registration timed out")
	}

	<-ctx.Done()
	return ctx.Err()
}

func (a *Agent) onRegisterResult(payload json.RawMessage) {
	var res protocol.RegisterResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return
	}
	select {
	case a.registered <- res:
	default:
	}
}

// onViewerJoined starts serving one session. Only the relay pump runs
// at first: a peer channel (and its capture source) is not built until
// the viewer actually opens negotiation, so relay-only viewers never
// cost a second capture handle.
func (a *Agent) onViewerJoined(payload json.RawMessage) {
	var p protocol.ViewerJoined
	if err := json.Unmarshal(payload, &p); err != nil || p.SessionID == "" {
		return
	}
	sid := p.SessionID

	a.mu.Lock()
	if _, dup := a.sessions[sid]; dup {
		a.mu.Unlock()
		return
	}
	hs := &hostSession{stopRelay: make(chan struct{})}
	a.sessions[sid] = hs
	a.mu.Unlock()

	log.Info().Str("module", "host").Str("session_id", sid).Msg("viewer joined")
	go a.relayPump(sid, hs.stopRelay)
}

func (a *Agent) startReceiver(sid string, hs *hostSession) {
	source, err := a.opts.NewSource()
	if err != nil {
		log.Error().Err(err).Str("module", "host").Msg("capture source unavailable for peer channel")
		return
	}

	peer := rtc.NewPeerChannel(rtc.Options{
		ICEServers:    a.opts.StunServers,
		FrameInterval: a.opts.FrameInterval,
		OnSignal: func(sig rtc.SignalPayload) {
			raw, err := sig.Bytes()
			if err != nil {
				return
			}
			a.sock.Send(protocol.TypePeerSignal, protocol.PeerSignal{SessionID: sid, Signal: raw})
		},
		OnData: func(b []byte) { a.onPeerData(b) },
		OnState: func(st rtc.State) {
			if st == rtc.StateConnected {
				a.stopRelay(sid)
			}
		},
		OnError: func(err error) {
			log.Warn().Err(err).Str("module", "host").Str("session_id", sid).Msg("peer channel error, relay keeps serving")
		},
	})
	if err := peer.StartReceiver(source); err != nil {
		log.Error().Err(err).Str("module", "host").Msg("peer receiver failed to start")
		_ = source.Close()
		return
	}

	a.mu.Lock()
	hs.peer = peer
	a.mu.Unlock()
}

// relayPump captures and ships frames through the broker until stopped.
func (a *Agent) relayPump(sid string, stop chan struct{}) {
	source, err := a.opts.NewSource()
	if err != nil {
		log.Error().Err(err).Str("module", "host").Msg("capture source unavailable for relay")
		return
	}
	defer source.Close()

	ticker := time.NewTicker(a.opts.FrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			frame, err := source.Capture()
			if err != nil {
				log.Warn().Err(err).Str("module", "host").Msg("capture failed")
				continue
			}
			a.sock.Send(protocol.TypeScreenUpdate, protocol.ScreenUpdate{SessionID: sid, Image: string(frame)})
		}
	}
}

func (a *Agent) stopRelay(sid string) {
	a.mu.Lock()
	hs := a.sessions[sid]
	var stop chan struct{}
	if hs != nil {
		stop = hs.stopRelay
		hs.stopRelay = nil
	}
	a.mu.Unlock()
	if stop != nil {
		close(stop)
		log.Info().Str("module", "host").Str("session_id", sid).Msg("peer channel up, relay pump stopped")
	}
}

// onPeerSignal lazily brings up the receiver on the first signal of a
// session. Signals arrive on the single socket read loop, so creation
// is not racing itself.
func (a *Agent) onPeerSignal(payload json.RawMessage) {
	var ps protocol.PeerSignal
	if err := json.Unmarshal(payload, &ps); err != nil {
		return
	}
	a.mu.Lock()
	hs := a.sessions[ps.SessionID]
	var peer *rtc.PeerChannel
	if hs != nil {
		peer = hs.peer
	}
	a.mu.Unlock()
	if hs == nil {
		return
	}
	if peer == nil {
		if !a.opts.PeerChannel {
			return
		}
		a.startReceiver(ps.SessionID, hs)
		a.mu.Lock()
		peer = hs.peer
		a.mu.Unlock()
	}
	if peer == nil {
		return
	}
	sig, err := rtc.ParseSignal(ps.Signal)
	if err != nil {
		return
	}
	if err := peer.ProcessSignal(sig); err != nil {
		log.Warn().Err(err).Str("module", "host").Msg("bad peer signal")
	}
}

// onPeerData handles input arriving over the data channel instead of
// the relay.
func (a *Agent) onPeerData(b []byte) {
	env, err := protocol.Decode(b)
	if err != nil {
		return
	}
	switch env.Type {
	case protocol.TypeMouseEvent:
		a.onMouseEvent(env.Payload)
	case protocol.TypeKeyboardEvent:
		a.onKeyboardEvent(env.Payload)
	}
}

func (a *Agent) onMouseEvent(payload json.RawMessage) {
	var ev protocol.MouseEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return
	}
	a.opts.Input.Mouse(ev.MouseEvent)
}

func (a *Agent) onKeyboardEvent(payload json.RawMessage) {
	var ev protocol.KeyboardEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return
	}
	a.opts.Input.Keyboard(ev.KeyboardEvent)
}

func (a *Agent) onSessionClosed(payload json.RawMessage) {
	var p protocol.SessionClosed
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	a.closeSession(p.SessionID)
	log.Info().Str("module", "host").Str("session_id", p.SessionID).Str("reason", p.Reason).Msg("session closed")
}

func (a *Agent) closeSession(sid string) {
	a.mu.Lock()
	hs := a.sessions[sid]
	delete(a.sessions, sid)
	a.mu.Unlock()
	if hs == nil {
		return
	}
	if hs.stopRelay != nil {
		close(hs.stopRelay)
	}
	if hs.peer != nil {
		hs.peer.Disconnect()
	}
}

func (a *Agent) closeAllSessions() {
	a.mu.Lock()
	sids := make([]string, 0, len(a.sessions))
	for sid := range a.sessions {
		sids = append(sids, sid)
	}
	a.mu.Unlock()
	for _, sid := range sids {
		a.closeSession(sid)
	}
}
