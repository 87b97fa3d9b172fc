package rtc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/ndsokol/periscope/internal/core"
	"github.com/ndsokol/periscope/internal/domain"
	"github.com/ndsokol/periscope/internal/protocol"
)

// State is the negotiator lifecycle. Idle -> Negotiating -> Connected,
// with any teardown landing in Disconnected or Failed; back to Idle
// only through Disconnect, which releases the peer object and the
// capture source.
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateConnected
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

var ErrBusy = errors.New("negotiator already holds a peer connection")

const dataChannelLabel = "periscope"

type Options struct {
	ICEServers    []string
	FrameInterval time.Duration

	// OnSignal emits local negotiation data; the caller forwards it
	// through the signaling relay without looking inside.
	OnSignal func(SignalPayload)
	OnData   func([]byte)
	OnState  func(State)
	OnError  func(error)
}

// PeerChannel owns exactly one peer connection per instance. It never
// retries on its own; fallback decisions belong to the session state
// machine.
type PeerChannel struct {
	opts Options

	mu         sync.Mutex
	pc         *webrtc.PeerConnection
	dc         *webrtc.DataChannel
	source     core.FrameSource
	state      State
	haveRemote bool
	pending    []webrtc.ICECandidateInit
	cancelPump context.CancelFunc
}

func NewPeerChannel(opts Options) *PeerChannel {
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = 60 * time.Millisecond
	}
	return &PeerChannel{opts: opts, state: StateIdle}
}

func (p *PeerChannel) webrtcConfig() webrtc.Configuration {
	servers := p.opts.ICEServers
	if len(servers) == 0 {
		servers = []string{"stun:stun.l.google.com:19302"}
	}
	ice := make([]webrtc.ICEServer, 0, len(servers))
	for _, u := range servers {
		ice = append(ice, webrtc.ICEServer{URLs: []string{u}})
	}
	return webrtc.Configuration{ICEServers: ice}
}

// StartInitiator opens the viewer side: creates the peer connection and
// the data channel, then emits an offer through OnSignal.
func (p *PeerChannel) StartInitiator() error {
	p.mu.Lock()
	if p.state != StateIdle {
		p.mu.Unlock()
		return ErrBusy
	}
	pc, err := webrtc.NewPeerConnection(p.webrtcConfig())
	if err != nil {
		p.mu.Unlock()
		return err
	}
	p.pc = pc
	p.mu.Unlock()

	p.wirePeerConnection(pc)

	dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		p.fail(err)
		return err
	}
	p.wireDataChannel(dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		p.fail(err)
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		p.fail(err)
		return err
	}

	p.setState(StateNegotiating)
	p.emitSignal(SignalPayload{Kind: SignalOffer, SDP: offer.SDP})
	return nil
}

// StartReceiver opens the host side, taking ownership of the capture
// stream. Frames are pumped over the data channel once it opens; the
// source is closed on Disconnect no matter what.
func (p *PeerChannel) StartReceiver(source core.FrameSource) error {
	p.mu.Lock()
	if p.state != StateIdle {
		p.mu.Unlock()
		return ErrBusy
	}
	pc, err := webrtc.NewPeerConnection(p.webrtcConfig())
	if err != nil {
		p.mu.Unlock()
		return err
	}
	p.pc = pc
	p.source = source
	p.mu.Unlock()

	p.wirePeerConnection(pc)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		p.wireDataChannel(dc)
	})

	p.setState(StateNegotiating)
	return nil
}

// wirePeerConnection installs the pion callbacks. Each closure checks
// that pc is still the held connection: pion delivers state changes
// asynchronously even after Close, and a released connection must not
// drag an idle negotiator back to disconnected.
func (p *PeerChannel) wirePeerConnection(pc *webrtc.PeerConnection) {
	current := func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.pc == pc
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || !current() {
			return
		}
		ci := cand.ToJSON()
		p.emitSignal(SignalPayload{Kind: SignalCandidate, Candidate: &Candidate{
			Candidate:     ci.Candidate,
			SDPMid:        ci.SDPMid,
			SDPMLineIndex: ci.SDPMLineIndex,
		}})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if !current() {
			return
		}
		log.Info().Str("module", "rtc").Str("peer_state", s.String()).Msg("peer state")
		switch s {
		case webrtc.PeerConnectionStateFailed:
			p.setState(StateFailed)
			if p.opts.OnError != nil {
				p.opts.OnError(domain.ErrNegotiationFailed)
			}
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			p.setState(StateDisconnected)
		}
	})
}

func (p *PeerChannel) wireDataChannel(dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()

	current := func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.dc == dc
	}

	dc.OnOpen(func() {
		if !current() {
			return
		}
		log.Info().Str("module", "rtc").Str("label", dc.Label()).Msg("data channel open")
		p.setState(StateConnected)
		p.startPump()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if p.opts.OnData != nil && current() {
			p.opts.OnData(msg.Data)
		}
	})
	dc.OnClose(func() {
		if !current() {
			return
		}
		p.setState(StateDisconnected)
	})
}

// startPump streams frames from the capture source while the channel
// stays open. Initiator-side channels have no source and skip this.
func (p *PeerChannel) startPump() {
	p.mu.Lock()
	source := p.source
	if source == nil || p.cancelPump != nil {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancelPump = cancel
	p.mu.Unlock()

	go func() {
		ticker := time.NewTicker(p.opts.FrameInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				frame, err := source.Capture()
				if err != nil {
					log.Warn().Err(err).Str("module", "rtc").Msg("capture failed")
					continue
				}
				env, err := protocol.Encode(protocol.TypeScreenUpdate, protocol.ScreenUpdate{Image: string(frame)})
				if err != nil {
					continue
				}
				if !p.SendData(env) {
					return
				}
			}
		}
	}()
}

// ProcessSignal applies remote negotiation data. Candidates that arrive
// before the remote description are buffered and flushed afterwards.
func (p *PeerChannel) ProcessSignal(sig SignalPayload) error {
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return errors.New("peer connection not initialized")
	}

	switch sig.Kind {
	case SignalOffer:
		if err := pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer,
			SDP:  sig.SDP,
		}); err != nil {
			return err
		}
		p.flushCandidates(pc)
		answer, err := pc.CreateAnswer(nil)
		if err != nil {
			return err
		}
		if err := pc.SetLocalDescription(answer); err != nil {
			return err
		}
		p.emitSignal(SignalPayload{Kind: SignalAnswer, SDP: answer.SDP})
		return nil

	case SignalAnswer:
		if err := pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  sig.SDP,
		}); err != nil {
			return err
		}
		p.flushCandidates(pc)
		return nil

	case SignalCandidate:
		if sig.Candidate == nil {
			return errors.New("candidate payload missing")
		}
		ci := webrtc.ICECandidateInit{
			Candidate:     sig.Candidate.Candidate,
			SDPMid:        sig.Candidate.SDPMid,
			SDPMLineIndex: sig.Candidate.SDPMLineIndex,
		}
		p.mu.Lock()
		if !p.haveRemote {
			p.pending = append(p.pending, ci)
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()
		return pc.AddICECandidate(ci)

	default:
		return errors.New("unknown signal kind: " + sig.Kind)
	}
}

func (p *PeerChannel) flushCandidates(pc *webrtc.PeerConnection) {
	p.mu.Lock()
	p.haveRemote = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, ci := range pending {
		if err := pc.AddICECandidate(ci); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Msg("buffered candidate rejected")
		}
	}
}

// SendData delivers payload over the data channel; false when no
// connected peer exists.
func (p *PeerChannel) SendData(payload []byte) bool {
	p.mu.Lock()
	dc := p.dc
	p.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return false
	}
	return dc.Send(payload) == nil
}

// Disconnect synchronously releases the peer object and the capture
// source. Safe to call in any state, after which the negotiator is
// idle and reusable.
func (p *PeerChannel) Disconnect() {
	p.mu.Lock()
	pc, dc, source := p.pc, p.dc, p.source
	cancel := p.cancelPump
	p.pc, p.dc, p.source = nil, nil, nil
	p.cancelPump = nil
	p.haveRemote = false
	p.pending = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if dc != nil {
		_ = dc.Close()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Msg("close error")
		}
	}
	if source != nil {
		_ = source.Close()
	}
	p.setState(StateIdle)
}

func (p *PeerChannel) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *PeerChannel) setState(s State) {
	p.mu.Lock()
	if p.state == s {
		p.mu.Unlock()
		return
	}
	p.state = s
	p.mu.Unlock()
	if p.opts.OnState != nil {
		p.opts.OnState(s)
	}
}

func (p *PeerChannel) emitSignal(sig SignalPayload) {
	if p.opts.OnSignal != nil {
		p.opts.OnSignal(sig)
	}
}

func (p *PeerChannel) fail(err error) {
	log.Error().Err(err).Str("module", "rtc").Msg("negotiation error")
	p.setState(StateFailed)
	if p.opts.OnError != nil {
		p.opts.OnError(err)
	}
}
