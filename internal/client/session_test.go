package client

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ndsokol/periscope/internal/adapters/rtc"
	"github.com/ndsokol/periscope/internal/core"
	"github.com/ndsokol/periscope/internal/domain"
	"github.com/ndsokol/periscope/internal/protocol"
)

type fakeNegotiator struct {
	mu           sync.Mutex
	opts         rtc.Options
	started      bool
	signals      []rtc.SignalPayload
	sent         [][]byte
	disconnected bool
}

func (f *fakeNegotiator) StartInitiator() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeNegotiator) ProcessSignal(sig rtc.SignalPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, sig)
	return nil
}

func (f *fakeNegotiator) SendData(b []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, b)
	return true
}

func (f *fakeNegotiator) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
}

// brokerStub is a one-connection broker: it answers the connect
// handshake with a canned result and records everything else.
type brokerStub struct {
	url string

	mu         sync.Mutex
	conn       *websocket.Conn
	msgs       []protocol.Envelope
	replyDelay time.Duration
}

func newBrokerStub(t *testing.T, reply *protocol.ConnectResult) *brokerStub {
	t.Helper()
	b := &brokerStub{}
	_, url, _, _ := newWSServer(t, func(conn *websocket.Conn) {
		b.mu.Lock()
		b.conn = conn
		b.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := protocol.Decode(data)
			if err != nil {
				continue
			}
			b.mu.Lock()
			b.msgs = append(b.msgs, env)
			b.mu.Unlock()
			if env.Type == protocol.TypeConnect && reply != nil {
				b.mu.Lock()
				delay := b.replyDelay
				b.mu.Unlock()
				if delay > 0 {
					time.Sleep(delay)
				}
				frame, _ := protocol.Encode(protocol.TypeConnectResult, *reply)
				_ = conn.WriteMessage(websocket.TextMessage, frame)
			}
		}
	})
	b.url = url
	return b
}

func (b *brokerStub) push(t *testing.T, msgType string, payload any) {
	t.Helper()
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		t.Fatal("no client connected to the stub")
	}
	frame, _ := protocol.Encode(msgType, payload)
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func (b *brokerStub) count(msgType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.msgs {
		if m.Type == msgType {
			n++
		}
	}
	return n
}

type sessionRig struct {
	sock  *Socket
	sess  *Session
	fake  *fakeNegotiator
	mu    sync.Mutex
	snaps []Snapshot
	frame []core.Frame
	errs  []error
}

func newSessionRig(t *testing.T, url string, timeout time.Duration) *sessionRig {
	t.Helper()
	rig := &sessionRig{fake: &fakeNegotiator{}}
	rig.sock = NewSocket(url, SocketOptions{})
	t.Cleanup(rig.sock.Close)

	rig.sess = NewSession(rig.sock, SessionOptions{
		ConnectTimeout: timeout,
		FrameInterval:  10 * time.Millisecond,
		OnState: func(s Snapshot) {
			rig.mu.Lock()
			rig.snaps = append(rig.snaps, s)
			rig.mu.Unlock()
		},
		OnFrame: func(f core.Frame) {
			rig.mu.Lock()
			rig.frame = append(rig.frame, f)
			rig.mu.Unlock()
		},
		OnError: func(err error) {
			rig.mu.Lock()
			rig.errs = append(rig.errs, err)
			rig.mu.Unlock()
		},
	})
	rig.sess.SetNegotiatorFactory(func(o rtc.Options) Negotiator {
		rig.fake.mu.Lock()
		rig.fake.opts = o
		rig.fake.mu.Unlock()
		return rig.fake
	})
	t.Cleanup(rig.sess.Disconnect)
	return rig
}

func (rig *sessionRig) frames() int {
	rig.mu.Lock()
	defer rig.mu.Unlock()
	return len(rig.frame)
}

func (rig *sessionRig) lastFrame() core.Frame {
	rig.mu.Lock()
	defer rig.mu.Unlock()
	if len(rig.frame) == 0 {
		return nil
	}
	return rig.frame[len(rig.frame)-1]
}

func onTransport(rig *sessionRig, tr Transport) func() bool {
	return func() bool {
		s := rig.sess.Snapshot()
		return s.Connected && s.ActiveTransport == tr
	}
}

func TestConnectRejectsConcurrentAttempt(t *testing.T) {
	t.Parallel()
	rig := newSessionRig(t, "ws://127.0.0.1:0/nowhere", time.Second)

	if err := rig.sess.Connect("42424242", ""); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	if err := rig.sess.Connect("42424242", ""); err == nil {
		t.Error("second connect during an active attempt must fail")
	}
}

func TestSyntheticFallbackWithoutTransport(t *testing.T) {
	t.Parallel()
	rig := newSessionRig(t, "ws://127.0.0.1:0/nowhere", time.Second)

	if err := rig.sess.Connect("42424242", ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	snap := rig.sess.Snapshot()
	if !snap.Connecting {
		t.Error("not in connecting state right after Connect")
	}

	if !waitFor(t, 4*time.Second, onTransport(rig, TransportSynthetic)) {
		t.Fatalf("never reached synthetic transport, snapshot %+v", rig.sess.Snapshot())
	}
	snap = rig.sess.Snapshot()
	if !strings.HasPrefix(snap.SessionID, "demo-session-") {
		t.Errorf("synthetic session id %q lacks demo prefix", snap.SessionID)
	}

	if !waitFor(t, 2*time.Second, func() bool { return rig.frames() > 0 }) {
		t.Fatal("no synthetic frames delivered")
	}
	var blob struct {
		DemoMode bool `json:"demoMode"`
	}
	if err := json.Unmarshal(rig.lastFrame(), &blob); err != nil || !blob.DemoMode {
		t.Errorf("frame not a demo blob: %v", err)
	}
}

func TestConnectTimeoutFallsBack(t *testing.T) {
	t.Parallel()
	broker := newBrokerStub(t, nil) // never answers
	rig := newSessionRig(t, broker.url, 50*time.Millisecond)

	if err := rig.sock.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := rig.sess.Connect("42424242", ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !waitFor(t, 2*time.Second, onTransport(rig, TransportSynthetic)) {
		t.Fatalf("timeout did not trigger fallback, snapshot %+v", rig.sess.Snapshot())
	}
}

func TestRejectedConnectFallsBack(t *testing.T) {
	t.Parallel()
	broker := newBrokerStub(t, &protocol.ConnectResult{Success: false, Message: "Invalid password"})
	rig := newSessionRig(t, broker.url, time.Second)

	if err := rig.sock.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := rig.sess.Connect("42424242", "nope"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if !waitFor(t, 2*time.Second, onTransport(rig, TransportSynthetic)) {
		t.Fatalf("rejection did not land in synthetic, snapshot %+v", rig.sess.Snapshot())
	}
	rig.mu.Lock()
	defer rig.mu.Unlock()
	if len(rig.errs) == 0 || rig.errs[0].Error() != "Invalid password" {
		t.Errorf("errors %v, want the broker's message surfaced", rig.errs)
	}
}

func TestRelayTransport(t *testing.T) {
	t.Parallel()
	broker := newBrokerStub(t, &protocol.ConnectResult{Success: true, SessionID: "sess-1"})
	rig := newSessionRig(t, broker.url, time.Second)

	if err := rig.sock.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := rig.sess.Connect("42424242", ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !waitFor(t, 2*time.Second, onTransport(rig, TransportRelay)) {
		t.Fatalf("never reached relay transport, snapshot %+v", rig.sess.Snapshot())
	}

	broker.push(t, protocol.TypeScreenUpdate, protocol.ScreenUpdate{SessionID: "sess-1", Image: "frame-bytes"})
	if !waitFor(t, 2*time.Second, func() bool { return rig.frames() > 0 }) {
		t.Fatal("relayed frame never delivered")
	}
	if got := string(rig.lastFrame()); got != "frame-bytes" {
		t.Errorf("frame %q, want %q", got, "frame-bytes")
	}

	rig.sess.SendMouseEvent(domain.MouseEvent{Type: "move", X: 10, Y: 20})
	if !waitFor(t, 2*time.Second, func() bool { return broker.count(protocol.TypeMouseEvent) == 1 }) {
		t.Error("relay input never reached the broker")
	}
}

func TestPeerDowngradesToSyntheticOnly(t *testing.T) {
	t.Parallel()
	broker := newBrokerStub(t, &protocol.ConnectResult{Success: true, SessionID: "sess-1", PeerChannelSupported: true})
	rig := newSessionRig(t, broker.url, time.Second)

	if err := rig.sock.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := rig.sess.Connect("42424242", ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !waitFor(t, 2*time.Second, onTransport(rig, TransportPeer)) {
		t.Fatalf("never reached peer transport, snapshot %+v", rig.sess.Snapshot())
	}

	rig.fake.mu.Lock()
	started, onState := rig.fake.started, rig.fake.opts.OnState
	rig.fake.mu.Unlock()
	if !started {
		t.Fatal("negotiator never started as initiator")
	}

	// Input on the peer transport goes over the data channel only.
	rig.sess.SendMouseEvent(domain.MouseEvent{Type: "down", X: 1, Y: 2})
	rig.fake.mu.Lock()
	sent := len(rig.fake.sent)
	rig.fake.mu.Unlock()
	if sent != 1 {
		t.Errorf("peer channel saw %d input frames, want 1", sent)
	}
	if n := broker.count(protocol.TypeMouseEvent); n != 0 {
		t.Errorf("broker saw %d input frames on the peer transport, want 0", n)
	}

	onState(rtc.StateFailed)
	if !waitFor(t, 2*time.Second, onTransport(rig, TransportSynthetic)) {
		t.Fatalf("peer failure did not fall back to synthetic, snapshot %+v", rig.sess.Snapshot())
	}
	snap := rig.sess.Snapshot()
	if snap.SessionID != "sess-1" {
		t.Errorf("session id %q, want the negotiated one kept", snap.SessionID)
	}
	rig.fake.mu.Lock()
	disconnected := rig.fake.disconnected
	rig.fake.mu.Unlock()
	if !disconnected {
		t.Error("failed negotiator was not released")
	}
}

func TestDisconnectResetsToIdle(t *testing.T) {
	t.Parallel()
	rig := newSessionRig(t, "ws://127.0.0.1:0/nowhere", time.Second)

	if err := rig.sess.Connect("42424242", ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !waitFor(t, 4*time.Second, onTransport(rig, TransportSynthetic)) {
		t.Fatal("never reached synthetic transport")
	}

	rig.sess.Disconnect()
	snap := rig.sess.Snapshot()
	if snap.Connected || snap.Connecting || snap.ActiveTransport != TransportNone || snap.SessionID != "" {
		t.Errorf("snapshot after disconnect: %+v", snap)
	}

	// The generator must be fully stopped: no more frames arrive.
	n := rig.frames()
	time.Sleep(100 * time.Millisecond)
	if after := rig.frames(); after != n {
		t.Errorf("%d frames leaked after disconnect", after-n)
	}

	// And the session is reusable.
	if err := rig.sess.Connect("42424242", ""); err != nil {
		t.Errorf("reconnect after disconnect: %v", err)
	}
}

func TestLateConnectResultNeverUpgrades(t *testing.T) {
	t.Parallel()
	broker := newBrokerStub(t, &protocol.ConnectResult{Success: true, SessionID: "sess-9"})
	broker.mu.Lock()
	broker.replyDelay = 400 * time.Millisecond
	broker.mu.Unlock()
	rig := newSessionRig(t, broker.url, 50*time.Millisecond)

	if err := rig.sock.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := rig.sess.Connect("42424242", ""); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// The ceiling expires long before the broker answers.
	if !waitFor(t, 2*time.Second, onTransport(rig, TransportSynthetic)) {
		t.Fatalf("never fell back, snapshot %+v", rig.sess.Snapshot())
	}

	// When the success result finally lands, the attempt already belongs
	// to the fallback; the transport must not move back up.
	time.Sleep(600 * time.Millisecond)
	snap := rig.sess.Snapshot()
	if snap.ActiveTransport != TransportSynthetic {
		t.Errorf("late result moved the transport to %q", snap.ActiveTransport)
	}
	if !strings.HasPrefix(snap.SessionID, "demo-session-") {
		t.Errorf("late result replaced the session id: %q", snap.SessionID)
	}
}

func TestStaleFallbackTimerNeverFires(t *testing.T) {
	t.Parallel()
	rig := newSessionRig(t, "ws://127.0.0.1:0/nowhere", time.Second)

	if err := rig.sess.Connect("42424242", ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	rig.sess.Disconnect()

	// The first attempt armed a fallback timer; disconnecting must have
	// killed it for good, not left it to resurrect the session later.
	time.Sleep(2 * time.Second)
	snap := rig.sess.Snapshot()
	if snap.Connected || snap.Connecting || snap.ActiveTransport != TransportNone {
		t.Errorf("stale timer revived the session: %+v", snap)
	}
	if rig.frames() != 0 {
		t.Errorf("%d frames from a disconnected attempt", rig.frames())
	}
}

func TestServerCloseDisconnectsSession(t *testing.T) {
	t.Parallel()
	broker := newBrokerStub(t, &protocol.ConnectResult{Success: true, SessionID: "sess-1"})
	rig := newSessionRig(t, broker.url, time.Second)

	if err := rig.sock.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := rig.sess.Connect("42424242", ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !waitFor(t, 2*time.Second, onTransport(rig, TransportRelay)) {
		t.Fatal("never reached relay transport")
	}

	broker.push(t, protocol.TypeSessionClosed, protocol.SessionClosed{SessionID: "sess-1", Reason: "host left"})
	if !waitFor(t, 2*time.Second, func() bool {
		s := rig.sess.Snapshot()
		return !s.Connected && !s.Connecting
	}) {
		t.Fatalf("session_closed ignored, snapshot %+v", rig.sess.Snapshot())
	}
}
