// Package server coordinates session registration, presence lookups, and
// connection cleanup via the Registry type.
package server

import (
	"sync"

	"github.com/rs/zerolog"
)

// Registry tracks which users are currently reachable and through which
// sessions. A user identity is present iff it has at least one live session;
// a single identity may hold any number of sessions (multiple devices/tabs).
//
// Implementations must make all mutating operations atomic with respect to
// each other, and Unregister must be idempotent: the read and write pumps of
// a failing session can both attempt removal.
type Registry interface {
	Register(identity int64, s *Session)
	Unregister(identity int64, s *Session)
	// SessionsFor returns a snapshot of the identity's sessions. Sessions
	// may close concurrently after the call returns.
	SessionsFor(identity int64) []*Session
	IsOnline(identity int64) bool
	OnlineUsers() []int64
	SessionCount() int
	// CloseAll closes every registered session, used on shutdown.
	CloseAll()
}

// MemoryRegistry is the in-process Registry used by a single-server
// deployment. A single RWMutex over the whole map is the accepted
// contention trade-off at this scale.
type MemoryRegistry struct {
	mu       sync.RWMutex
	sessions map[int64]map[*Session]struct{}
	metrics  *Metrics
	log      zerolog.Logger
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry(logger zerolog.Logger, metrics *Metrics) *MemoryRegistry {
	return &MemoryRegistry{
		sessions: make(map[int64]map[*Session]struct{}),
		metrics:  metrics,
		log:      logger.With().Str("component", "registry").Logger(),
	}
}

// Register adds the session to the identity's session set.
func (r *MemoryRegistry) Register(identity int64, s *Session) {
	if s == nil {
		return
	}
	r.mu.Lock()
	set, ok := r.sessions[identity]
	if !ok {
		set = make(map[*Session]struct{})
		r.sessions[identity] = set
	}
	set[s] = struct{}{}
	total := r.countLocked()
	r.mu.Unlock()

	r.metrics.recordActiveSessions(total)
	r.log.Info().Int64("user_id", identity).Str("session_id", s.ID()).Int("total_sessions", total).Msg("session registered")
}

// Unregister removes exactly that session from the identity's set; when the
// set becomes empty the identity key is removed entirely. Unregistering a
// session that is already gone is a no-op.
func (r *MemoryRegistry) Unregister(identity int64, s *Session) {
	r.mu.Lock()
	set, ok := r.sessions[identity]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, present := set[s]; !present {
		r.mu.Unlock()
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(r.sessions, identity)
	}
	total := r.countLocked()
	r.mu.Unlock()

	r.metrics.recordActiveSessions(total)
	r.log.Info().Int64("user_id", identity).Str("session_id", s.ID()).Int("total_sessions", total).Msg("session unregistered")
}

// SessionsFor returns a snapshot of the identity's current sessions.
func (r *MemoryRegistry) SessionsFor(identity int64) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.sessions[identity]
	if !ok {
		return nil
	}
	out := make([]*Session, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// IsOnline reports whether the identity has at least one live session.
func (r *MemoryRegistry) IsOnline(identity int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[identity]) > 0
}

// OnlineUsers returns a snapshot of all identities with a live session.
func (r *MemoryRegistry) OnlineUsers() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]int64, 0, len(r.sessions))
	for identity := range r.sessions {
		out = append(out, identity)
	}
	return out
}

// SessionCount returns the total number of live sessions across all users.
func (r *MemoryRegistry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.countLocked()
}

func (r *MemoryRegistry) countLocked() int {
	total := 0
	for _, set := range r.sessions {
		total += len(set)
	}
	return total
}

// CloseAll closes every registered session. Each Close unregisters the
// session itself, so the snapshot is taken first and closed outside the
// lock.
func (r *MemoryRegistry) CloseAll() {
	r.mu.RLock()
	all := make([]*Session, 0, r.countLocked())
	for _, set := range r.sessions {
		for s := range set {
			all = append(all, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range all {
		s.Close()
	}
	r.log.Info().Int("closed", len(all)).Msg("closed all sessions")
}
