package session

import (
	"sync"
	"time"

	"github.com/phone-voice-lab/internal/logging"
)

// Registry maps call IDs to live sessions. It is the only state shared
// across call lifecycles, so every operation is safe under concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// put inserts a session. If a session with the same call ID already exists
// it is kept and returned, with its stream ID refreshed; repeated start
// events for the same call update metadata rather than resetting state.
func (r *Registry) put(s *Session) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[s.CallID]; ok {
		logging.Warnw("registry: session already exists, updating metadata",
			logging.StreamFields(s.CallID, s.StreamID)...)
		existing.mu.Lock()
		existing.StreamID = s.StreamID
		existing.lastActivity = time.Now()
		existing.mu.Unlock()
		return existing, false
	}
	r.sessions[s.CallID] = s
	return s, true
}

// Get returns the session for callID, if any.
func (r *Registry) Get(callID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[callID]
	return s, ok
}

// remove deletes and returns the session for callID. The second return is
// false when the session was already gone, making removal idempotent.
func (r *Registry) remove(callID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[callID]
	if ok {
		delete(r.sessions, callID)
	}
	return s, ok
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the current sessions, in no particular order.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// idleCalls returns the call IDs whose sessions have seen no activity since
// the cutoff.
func (r *Registry) idleCalls(cutoff time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, s := range r.sessions {
		if s.idleSince().Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}
