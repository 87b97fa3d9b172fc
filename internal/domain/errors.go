package domain

import "errors"

// Session error taxonomy. HostUnavailable and InvalidCredential are
// terminal for a connect attempt; the rest are absorbed by the client
// fallback path and never fatal to the session experience.
var (
	ErrHostUnavailable      = errors.New("no host registered for code")
	ErrInvalidCredential    = errors.New("invalid password")
	ErrNegotiationFailed    = errors.New("peer channel negotiation failed")
	ErrTransportUnavailable = errors.New("no open transport channel")
	ErrReconnectExhausted   = errors.New("reconnect attempts exhausted")
)
