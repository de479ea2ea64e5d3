// registry.go tracks live sessions by container identity so repeated attach
// requests for the same container share one session.

package termclient

import (
	"sync"

	"github.com/polydash/termgate/internal/negotiate"
)

// Registry is a concurrency-safe set of sessions keyed by
// namespace/pod/container.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Get returns the live session for an identity, if one exists.
func (r *Registry) Get(id negotiate.Identity) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id.Key()]
	if !ok || s.State().Terminal() {
		return nil, false
	}
	return s, true
}

// GetOrCreate returns the live session for cfg.Identity, creating one when
// none exists or the previous one reached a terminal state. The second
// return value reports whether a new session was created.
func (r *Registry) GetOrCreate(cfg Config) (*Session, bool, error) {
	key := cfg.Identity.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok && !s.State().Terminal() {
		return s, false, nil
	}
	s, err := NewSession(cfg)
	if err != nil {
		return nil, false, err
	}
	r.sessions[key] = s
	return s, true, nil
}

// Release disposes and forgets the session for an identity.
func (r *Registry) Release(id negotiate.Identity) {
	key := id.Key()
	r.mu.Lock()
	s, ok := r.sessions[key]
	delete(r.sessions, key)
	r.mu.Unlock()
	if ok {
		s.Dispose()
	}
}

// List returns all tracked sessions in no particular order.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// CloseAll disposes every tracked session and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, s := range sessions {
		s.Dispose()
	}
}
