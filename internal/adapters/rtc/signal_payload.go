package rtc

import "encoding/json"

// Signal kinds of the negotiation tagged union. Only this package
// understands the shape; the broker and the transport relay it as
// opaque bytes.
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "candidate"
)

type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

type SignalPayload struct {
	Kind      string     `json:"kind"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
}

// ParseSignal decodes relayed negotiation bytes back into the union.
func ParseSignal(raw []byte) (SignalPayload, error) {
	var sig SignalPayload
	err := json.Unmarshal(raw, &sig)
	return sig, err
}

// Bytes encodes the union for the signaling relay.
func (s SignalPayload) Bytes() ([]byte, error) {
	return json.Marshal(s)
}
