package bridge

import (
	"sort"
	"sync"
)

// Registry maps call ids to their live session. It is the only state shared
// between calls.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register inserts s. A call id that already has a session is rejected with
// a *DuplicateSessionError and the existing entry is left untouched.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.CallID]; exists {
		return &DuplicateSessionError{CallID: s.CallID}
	}
	r.sessions[s.CallID] = s
	return nil
}

// Get returns the session for callID.
func (r *Registry) Get(callID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[callID]
	return s, ok
}

// Remove deletes s if it is still the registered session for its call id.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[s.CallID]; ok && cur == s {
		delete(r.sessions, s.CallID)
		return true
	}
	return false
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions returns the registered sessions ordered by call id.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CallID < out[j].CallID })
	return out
}
