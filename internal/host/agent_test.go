package host

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ndsokol/periscope/internal/adapters/rtc"
	"github.com/ndsokol/periscope/internal/client"
	"github.com/ndsokol/periscope/internal/core"
	"github.com/ndsokol/periscope/internal/domain"
	"github.com/ndsokol/periscope/internal/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// stubBroker accepts the agent's socket, acknowledges registration,
// injects a viewer and records what the agent sends back.
type stubBroker struct {
	url string

	mu   sync.Mutex
	conn *websocket.Conn
	msgs []protocol.Envelope
}

func newStubBroker(t *testing.T) *stubBroker {
	t.Helper()
	b := &stubBroker{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
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
			if env.Type == protocol.TypeRegisterHost {
				frame, _ := protocol.Encode(protocol.TypeRegisterResult, protocol.RegisterResult{Success: true})
				_ = conn.WriteMessage(websocket.TextMessage, frame)
			}
		}
	}))
	t.Cleanup(srv.Close)
	b.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return b
}

func (b *stubBroker) push(t *testing.T, msgType string, payload any) {
	t.Helper()
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		t.Fatal("agent not connected")
	}
	frame, _ := protocol.Encode(msgType, payload)
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func (b *stubBroker) count(msgType string) int {
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

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

type recordingSink struct {
	mu   sync.Mutex
	mice []domain.MouseEvent
	keys []domain.KeyboardEvent
}

func (r *recordingSink) Mouse(ev domain.MouseEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mice = append(r.mice, ev)
}

func (r *recordingSink) Keyboard(ev domain.KeyboardEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, ev)
}

func TestAgentServesRelayViewer(t *testing.T) {
	t.Parallel()
	broker := newStubBroker(t)
	sock := client.NewSocket(broker.url, client.SocketOptions{})
	t.Cleanup(sock.Close)

	sink := &recordingSink{}
	agent := NewAgent(sock, AgentOptions{
		Code:          "42424242",
		FrameInterval: 10 * time.Millisecond,
		NewSource:     func() (core.FrameSource, error) { return NewPatternSource(32, 24), nil },
		Input:         sink,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	if !waitFor(t, 3*time.Second, func() bool { return broker.count(protocol.TypeRegisterHost) == 1 }) {
		t.Fatal("agent never registered")
	}

	broker.push(t, protocol.TypeViewerJoined, protocol.ViewerJoined{SessionID: "sess-1"})
	if !waitFor(t, 3*time.Second, func() bool { return broker.count(protocol.TypeScreenUpdate) >= 2 }) {
		t.Fatal("relay pump produced no frames")
	}

	// Frames carry the session they belong to.
	broker.mu.Lock()
	var upd protocol.ScreenUpdate
	for _, m := range broker.msgs {
		if m.Type == protocol.TypeScreenUpdate {
			_ = json.Unmarshal(m.Payload, &upd)
			break
		}
	}
	broker.mu.Unlock()
	if upd.SessionID != "sess-1" || upd.Image == "" {
		t.Errorf("screen update %+v", upd)
	}

	// Input from the viewer lands in the sink.
	broker.push(t, protocol.TypeMouseEvent, protocol.MouseEvent{SessionID: "sess-1", MouseEvent: domain.MouseEvent{Type: "down", X: 3, Y: 4}})
	broker.push(t, protocol.TypeKeyboardEvent, protocol.KeyboardEvent{SessionID: "sess-1", KeyboardEvent: domain.KeyboardEvent{Type: "down", Key: "a"}})
	if !waitFor(t, 2*time.Second, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.mice) == 1 && len(sink.keys) == 1
	}) {
		t.Fatal("input never reached the sink")
	}

	// A closed session stops the pump.
	broker.push(t, protocol.TypeSessionClosed, protocol.SessionClosed{SessionID: "sess-1", Reason: "viewer left"})
	time.Sleep(50 * time.Millisecond)
	n := broker.count(protocol.TypeScreenUpdate)
	time.Sleep(100 * time.Millisecond)
	if after := broker.count(protocol.TypeScreenUpdate); after != n {
		t.Errorf("%d frames sent after session close", after-n)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("agent did not stop on context cancel")
	}
}

func TestAgentBuildsReceiverLazily(t *testing.T) {
	t.Parallel()
	broker := newStubBroker(t)
	sock := client.NewSocket(broker.url, client.SocketOptions{})
	t.Cleanup(sock.Close)

	var sources atomic.Int32
	agent := NewAgent(sock, AgentOptions{
		Code:          "lazy",
		PeerChannel:   true,
		FrameInterval: 10 * time.Millisecond,
		NewSource: func() (core.FrameSource, error) {
			sources.Add(1)
			return NewPatternSource(8, 8), nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = agent.Run(ctx) }()

	if !waitFor(t, 3*time.Second, func() bool { return broker.count(protocol.TypeRegisterHost) == 1 }) {
		t.Fatal("agent never registered")
	}

	broker.push(t, protocol.TypeViewerJoined, protocol.ViewerJoined{SessionID: "sess-2"})
	if !waitFor(t, 3*time.Second, func() bool { return broker.count(protocol.TypeScreenUpdate) >= 1 }) {
		t.Fatal("relay pump produced no frames")
	}

	// A relay-only viewer costs exactly one capture handle; the peer
	// receiver waits for negotiation to actually open.
	time.Sleep(50 * time.Millisecond)
	if n := sources.Load(); n != 1 {
		t.Fatalf("%d capture sources before any negotiation, want 1", n)
	}

	var mu sync.Mutex
	var offer []byte
	initiator := rtc.NewPeerChannel(rtc.Options{OnSignal: func(sig rtc.SignalPayload) {
		if sig.Kind == rtc.SignalOffer {
			b, _ := sig.Bytes()
			mu.Lock()
			offer = b
			mu.Unlock()
		}
	}})
	if err := initiator.StartInitiator(); err != nil {
		t.Fatalf("initiator: %v", err)
	}
	t.Cleanup(initiator.Disconnect)

	mu.Lock()
	sig := offer
	mu.Unlock()
	broker.push(t, protocol.TypePeerSignal, protocol.PeerSignal{SessionID: "sess-2", Signal: sig})

	if !waitFor(t, 3*time.Second, func() bool { return sources.Load() == 2 }) {
		t.Fatal("first offer did not bring the receiver up")
	}
	if !waitFor(t, 3*time.Second, func() bool { return broker.count(protocol.TypePeerSignal) >= 1 }) {
		t.Error("agent never answered the offer")
	}
}

func TestAgentRejectedRegistration(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if env, err := protocol.Decode(data); err == nil && env.Type == protocol.TypeRegisterHost {
				frame, _ := protocol.Encode(protocol.TypeRegisterResult, protocol.RegisterResult{Success: false, Message: "code taken"})
				_ = conn.WriteMessage(websocket.TextMessage, frame)
			}
		}
	}))
	t.Cleanup(srv.Close)

	sock := client.NewSocket("ws"+strings.TrimPrefix(srv.URL, "http"), client.SocketOptions{})
	t.Cleanup(sock.Close)
	agent := NewAgent(sock, AgentOptions{
		Code:      "dup",
		NewSource: func() (core.FrameSource, error) { return NewPatternSource(8, 8), nil },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := agent.Run(ctx)
	if err == nil || !strings.Contains(err.Error(), "code taken") {
		t.Errorf("got %v, want the broker's rejection surfaced", err)
	}
}
