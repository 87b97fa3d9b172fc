package core

// Frame is a raw binary payload (a wire envelope or an encoded image).
type Frame []byte

// SessionID identifies one viewer-to-host pairing. Generated by the
// registry, collision-resistant, independent of the connection code.
type SessionID string

// SignalConnection abstracts a system messaging transport.
// Owned by the adapter; the adapter must Close() it. The registry only
// keeps lookups to these, never ownership, so a closed socket is
// removed explicitly instead of being kept alive by the registry.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// FrameSource yields encoded screen frames on demand. Implementations
// own whatever capture resource backs them; Close releases it and is
// mandatory on teardown.
type FrameSource interface {
	Capture() (Frame, error)
	Close() error
}
