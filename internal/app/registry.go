package app

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ndsokol/periscope/internal/core"
	"github.com/ndsokol/periscope/internal/domain"
	"github.com/ndsokol/periscope/internal/protocol"
)

type hostEntry struct {
	conn        core.SignalConnection
	password    string
	peerSupport bool
}

// SessionRecord is one viewer-to-host pairing. The registry owns the
// record; relays only reference it. Sockets are plain lookups, never
// kept past RemoveParticipant.
type SessionRecord struct {
	ID           core.SessionID
	Code         domain.ConnectionCode
	Host         core.SignalConnection
	Viewer       core.SignalConnection
	LastActivity time.Time
	Active       bool
}

// Registry is the single source of truth mapping connection codes to
// host sockets and session ids to participant pairs. All mutations are
// serialized behind one mutex so concurrent disconnects cannot race.
type Registry struct {
	mu       sync.Mutex
	hosts    map[domain.ConnectionCode]*hostEntry
	sessions map[core.SessionID]*SessionRecord

	now func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		hosts:    make(map[domain.ConnectionCode]*hostEntry),
		sessions: make(map[core.SessionID]*SessionRecord),
		now:      time.Now,
	}
}

// RegisterHost binds a connection code to a host socket. Idempotent per
// code; the newest registration replaces a previous one, the old socket
// is left to idle-timeout or explicit cleanup.
func (r *Registry) RegisterHost(code domain.ConnectionCode, password string, peerSupport bool, conn core.SignalConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hosts[code] = &hostEntry{conn: conn, password: password, peerSupport: peerSupport}
	log.Info().Str("module", "app.registry").Str("code", string(code)).Bool("peer", peerSupport).Msg("host registered")
}

// Authenticate checks a viewer's credentials for a code.
func (r *Registry) Authenticate(code domain.ConnectionCode, password string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hosts[code]
	if !ok {
		return domain.ErrHostUnavailable
	}
	if h.password != "" && h.password != password {
		return domain.ErrInvalidCredential
	}
	return nil
}

// PeerSupported reports whether the host under code negotiates a peer
// channel.
func (r *Registry) PeerSupported(code domain.ConnectionCode) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hosts[code]
	return ok && h.peerSupport
}

// CreateSession pairs a fresh session id with the host registered under
// code. Fails with ErrHostUnavailable before touching any state, so a
// failed call never leaves a partial record.
func (r *Registry) CreateSession(code domain.ConnectionCode) (core.SessionID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hosts[code]
	if !ok {
		return "", domain.ErrHostUnavailable
	}
	sid := core.SessionID(uuid.NewString())
	r.sessions[sid] = &SessionRecord{
		ID:           sid,
		Code:         code,
		Host:         h.conn,
		LastActivity: r.now(),
		Active:       true,
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("code", string(code)).Msg("session created")
	return sid, nil
}

// AttachViewer joins a viewer socket to an existing session and tells
// the host about it. Returns false when the session is unknown.
func (r *Registry) AttachViewer(sid core.SessionID, conn core.SignalConnection) bool {
	r.mu.Lock()
	rec, ok := r.sessions[sid]
	if !ok || !rec.Active {
		r.mu.Unlock()
		return false
	}
	rec.Viewer = conn
	rec.LastActivity = r.now()
	host := rec.Host
	r.mu.Unlock()

	if frame, err := protocol.Encode(protocol.TypeViewerJoined, protocol.ViewerJoined{SessionID: string(sid)}); err == nil {
		_ = host.TrySend(frame)
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("viewer attached")
	return true
}

// LookupSession returns the record for sid. Inactive sessions are
// unreachable by design.
func (r *Registry) LookupSession(sid core.SessionID) (SessionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[sid]
	if !ok || !rec.Active {
		return SessionRecord{}, false
	}
	return *rec, true
}

// Touch bumps the session's activity clock.
func (r *Registry) Touch(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.sessions[sid]; ok {
		rec.LastActivity = r.now()
	}
}

// CloseSession notifies both participants and removes the record.
// Calling it on an unknown or already-closed session is a no-op.
func (r *Registry) CloseSession(sid core.SessionID, reason string) {
	r.mu.Lock()
	rec, ok := r.sessions[sid]
	if !ok {
		r.mu.Unlock()
		return
	}
	rec.Active = false
	delete(r.sessions, sid)
	host, viewer := rec.Host, rec.Viewer
	r.mu.Unlock()

	frame, err := protocol.Encode(protocol.TypeSessionClosed, protocol.SessionClosed{
		SessionID: string(sid),
		Reason:    reason,
	})
	if err == nil {
		if host != nil {
			_ = host.TrySend(frame)
		}
		if viewer != nil {
			_ = viewer.TrySend(frame)
		}
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("reason", reason).Msg("session closed")
}

// RemoveParticipant is called when a socket closes. A host disconnect
// terminates every session it hosts and drops its code registrations; a
// viewer disconnect terminates only that viewer's sessions.
func (r *Registry) RemoveParticipant(conn core.SignalConnection) {
	r.mu.Lock()
	var closing []core.SessionID
	for sid, rec := range r.sessions {
		if rec.Host == conn || rec.Viewer == conn {
			closing = append(closing, sid)
		}
	}
	for code, h := range r.hosts {
		if h.conn == conn {
			delete(r.hosts, code)
			log.Info().Str("module", "app.registry").Str("code", string(code)).Msg("host unregistered")
		}
	}
	r.mu.Unlock()

	for _, sid := range closing {
		r.CloseSession(sid, "participant disconnected")
	}
}

// SweepIdle closes every session whose last activity is older than
// threshold, regardless of socket liveness. Works on a snapshot so the
// sweep never mutates while iterating live state.
func (r *Registry) SweepIdle(threshold time.Duration) int {
	cutoff := r.now().Add(-threshold)

	r.mu.Lock()
	var stale []core.SessionID
	for sid, rec := range r.sessions {
		if rec.LastActivity.Before(cutoff) {
			stale = append(stale, sid)
		}
	}
	r.mu.Unlock()

	for _, sid := range stale {
		r.CloseSession(sid, "session timed out")
	}
	return len(stale)
}

// RunReaper sweeps on a fixed period until ctx is done.
func (r *Registry) RunReaper(ctx context.Context, every, threshold time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.SweepIdle(threshold); n > 0 {
				log.Info().Str("module", "app.registry").Int("reaped", n).Msg("idle sweep")
			}
		}
	}
}
