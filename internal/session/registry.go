package session

import (
	"errors"
	"sync"
	"time"
)

// ErrConflict is returned by [Registry.Create] when a live session already
// uses the requested id.
var ErrConflict = errors.New("session: id already in use")

// Registry maps client identities to live sessions. Insert-if-absent is
// atomic per key and no method blocks on backend I/O.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

// RegistryOption configures a [Registry].
type RegistryOption func(*Registry)

// WithClock replaces time.Now as the source of session and turn timestamps.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// GetOrCreate returns the live session for id, creating one with empty
// history if none exists. created reports whether this call constructed it.
// A closed session left in the map is replaced, never revived.
func (r *Registry) GetOrCreate(id string) (s *Session, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[id]; ok && cur.Status() != StatusClosed {
		return cur, false
	}
	s = newSession(id, r.now)
	r.sessions[id] = s
	return s, true
}

// Create registers a new session for id, failing with [ErrConflict] if a
// live session already holds it.
func (r *Registry) Create(id string) (*Session, error) {
	s, created := r.GetOrCreate(id)
	if !created {
		return nil, ErrConflict
	}
	return s, nil
}

// Get returns the session registered under id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove closes the session registered under id and deletes it. Unknown ids
// and repeated calls are no-ops.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Close()
}

// Release closes s and deletes it if it is still the session registered
// under its id. A newer session that has since taken the id is left alone.
func (r *Registry) Release(s *Session) error {
	r.mu.Lock()
	if cur, ok := r.sessions[s.id]; ok && cur == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()
	return s.Close()
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll closes and removes every session.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var errs []error
	for _, s := range all {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
