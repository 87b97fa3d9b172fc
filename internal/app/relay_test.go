package app

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/ndsokol/periscope/internal/core"
	"github.com/ndsokol/periscope/internal/domain"
	"github.com/ndsokol/periscope/internal/protocol"
)

func pairedSession(t *testing.T) (*Relay, string, *fakeConn, *fakeConn) {
	t.Helper()
	reg := NewRegistry()
	host := &fakeConn{}
	viewer := &fakeConn{}
	reg.RegisterHost("pair", "", true, host)
	sid, err := reg.CreateSession("pair")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	reg.AttachViewer(sid, viewer)
	host.mu.Lock()
	host.frames = nil // drop the viewer_joined notification
	host.mu.Unlock()
	return NewRelay(reg), string(sid), host, viewer
}

func TestRelaySignalVerbatim(t *testing.T) {
	t.Parallel()
	relay, sid, host, _ := pairedSession(t)

	raw := json.RawMessage(`{"kind":"offer","sdp":"v=0 fake"}`)
	relay.RelaySignal(core.SessionID(sid), domain.RoleViewer, raw)

	envs := host.received()
	if len(envs) != 1 || envs[0].Type != protocol.TypePeerSignal {
		t.Fatalf("host received %v, want one peer_signal", envs)
	}
	var ps protocol.PeerSignal
	if err := json.Unmarshal(envs[0].Payload, &ps); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if !bytes.Equal(ps.Signal, raw) {
		t.Errorf("signal altered in transit: got %s, want %s", ps.Signal, raw)
	}
}

func TestRelayDirections(t *testing.T) {
	t.Parallel()
	relay, sid, host, viewer := pairedSession(t)

	input, _ := protocol.Encode(protocol.TypeMouseEvent, protocol.MouseEvent{SessionID: sid})
	if !relay.RelayToHost(core.SessionID(sid), input) {
		t.Fatal("RelayToHost failed")
	}
	if got := host.lastType(); got != protocol.TypeMouseEvent {
		t.Errorf("host: got %q, want mouse_event", got)
	}
	if len(viewer.received()) != 0 {
		t.Error("input leaked to the viewer")
	}

	frame, _ := protocol.Encode(protocol.TypeScreenUpdate, protocol.ScreenUpdate{SessionID: sid, Image: "x"})
	if !relay.RelayToViewer(core.SessionID(sid), frame) {
		t.Fatal("RelayToViewer failed")
	}
	if got := viewer.lastType(); got != protocol.TypeScreenUpdate {
		t.Errorf("viewer: got %q, want screen_update", got)
	}
}

func TestRelayUnknownSessionIsNoop(t *testing.T) {
	t.Parallel()
	relay := NewRelay(NewRegistry())

	relay.RelaySignal("nope", domain.RoleViewer, json.RawMessage(`{}`))
	if relay.RelayToHost("nope", []byte(`{}`)) {
		t.Error("RelayToHost claimed delivery on unknown session")
	}
	if relay.RelayToViewer("nope", []byte(`{}`)) {
		t.Error("RelayToViewer claimed delivery on unknown session")
	}
}

func TestRelayDeadSocket(t *testing.T) {
	t.Parallel()
	relay, sid, host, _ := pairedSession(t)
	host.mu.Lock()
	host.fail = true
	host.mu.Unlock()

	input, _ := protocol.Encode(protocol.TypeMouseEvent, protocol.MouseEvent{SessionID: sid})
	if relay.RelayToHost(core.SessionID(sid), input) {
		t.Error("delivery reported despite send failure")
	}
}
