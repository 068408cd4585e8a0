package p2p

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// SessionRegistry is the process-wide table of live sessions keyed by
// remote node id (spec.md §4.3). Reader-writer access: many concurrent
// readers (handlers, discovery) plus rare writers (register/unregister).
// No lock is held across I/O — register/unregister/lookup/snapshot all
// complete without touching the network.
type SessionRegistry struct {
	mu             sync.RWMutex
	sessions       map[NodeID]*Session
	maxConnections int
	log            *logrus.Entry
}

// NewSessionRegistry builds a registry admitting at most maxConnections
// sessions.
func NewSessionRegistry(maxConnections int, log *logrus.Entry) *SessionRegistry {
	return &SessionRegistry{
		sessions:       make(map[NodeID]*Session),
		maxConnections: maxConnections,
		log:            withLog(log, "session_registry"),
	}
}

// Register admits s into the registry. It never replaces an existing
// entry (invariant S1): if a session for s.RemoteNodeID() is already
// registered, it returns ErrDuplicateNodeID and the caller is responsible
// for closing itself. If the registry is already at capacity it returns
// ErrRegistryFull.
func (r *SessionRegistry) Register(s *Session) error {
	id := s.RemoteNodeID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return ErrDuplicateNodeID
	}
	if len(r.sessions) >= r.maxConnections {
		return ErrRegistryFull
	}
	r.sessions[id] = s
	r.log.WithField("remote", id.String()).WithField("peers", len(r.sessions)).Debug("session registered")
	return nil
}

// Unregister removes s's entry if it is still the one on file for its
// node id (a session that lost a registration race must not evict the
// winner's entry).
func (r *SessionRegistry) Unregister(s *Session) {
	id := s.RemoteNodeID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[id]; ok && cur == s {
		delete(r.sessions, id)
		r.log.WithField("remote", id.String()).WithField("peers", len(r.sessions)).Debug("session unregistered")
	}
}

// Lookup returns the session registered for id, if any.
func (r *SessionRegistry) Lookup(id NodeID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Snapshot returns a point-in-time copy of all registered sessions. The
// slice is safe to range over without holding any lock.
func (r *SessionRegistry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len reports the current registry size.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IDs returns the node ids of all registered sessions.
func (r *SessionRegistry) IDs() []NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NodeID, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

// Disconnect closes and unregisters the session for id, if any. It
// returns false if no session is registered for id (ErrNoSuchSession
// territory for callers that want to report that upward).
func (r *SessionRegistry) Disconnect(id NodeID) bool {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	s.Close()
	return true
}
