package protocol

import (
	"encoding/json"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	t.Parallel()
	frame, err := Encode(TypeConnect, Connect{TargetID: "42424242", Password: "abc", SupportPeerChannel: true})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != TypeConnect {
		t.Errorf("type %q", env.Type)
	}
	var p Connect
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.TargetID != "42424242" || !p.SupportPeerChannel {
		t.Errorf("got %+v", p)
	}
}

func TestEncodeNilPayload(t *testing.T) {
	t.Parallel()
	frame, err := Encode(TypePing, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(frame) != `{"type":"ping"}` {
		t.Errorf("frame %s, payload should be omitted", frame)
	}
}

func TestDecodeUnknownTypeStillParses(t *testing.T) {
	t.Parallel()
	env, err := Decode([]byte(`{"type":"future_thing","payload":{"a":1}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != "future_thing" || len(env.Payload) == 0 {
		t.Errorf("got %+v", env)
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Error("garbage accepted")
	}
}
