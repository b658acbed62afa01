package session

import (
	"errors"
	"sync"
)

// ErrCallInProgress is returned when a new session is refused because one is
// already live.
var ErrCallInProgress = errors.New("session: call already in progress")

// Registry tracks the single current session. A new session may begin only
// when there is none, or the previous one has ended.
type Registry struct {
	mu      sync.Mutex
	current *Session
}

func NewRegistry() *Registry { return &Registry{} }

// Begin installs s as the current session. It fails with ErrCallInProgress
// if a live session exists.
func (r *Registry) Begin(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil && !r.current.Ended() {
		return ErrCallInProgress
	}
	r.current = s
	return nil
}

// Current returns the live session, or nil when there is none. A session
// that has ended but not yet been cleared does not count as live.
func (r *Registry) Current() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil || r.current.Ended() {
		return nil
	}
	return r.current
}

// Lookup returns the current session only if it matches id. Events for any
// other session id get nil and are the caller's to drop.
func (r *Registry) Lookup(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil || r.current.id != id {
		return nil
	}
	return r.current
}

// Clear forgets the current session if it matches id.
func (r *Registry) Clear(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil && r.current.id == id {
		r.current = nil
	}
}
