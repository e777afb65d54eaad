package session

import (
	"sort"
	"sync"
)

// Registry maps session names to sessions. It is the single owner of every
// session; other components obtain sessions through it.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	reserved map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		reserved: make(map[string]bool),
	}
}

// Reserve claims a name while a session is being created remotely, so two
// concurrent creates of one name cannot both reach the server. The returned
// func releases an unused reservation.
func (r *Registry) Reserve(name string) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[name]; ok || r.reserved[name] {
		return nil, ErrDuplicateSession
	}
	r.reserved[name] = true
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.reserved, name)
	}, nil
}

// Add registers s, consuming any reservation for its name.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.Name]; ok {
		return ErrDuplicateSession
	}
	delete(r.reserved, s.Name)
	r.sessions[s.Name] = s
	return nil
}

func (r *Registry) Get(name string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[name]
	return s, ok
}

// Remove deletes name only if it still maps to s.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.Name]; ok && cur == s {
		delete(r.sessions, s.Name)
		return true
	}
	return false
}

// List returns every session sorted by name.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// UsesConnection reports whether any registered session other than except
// uses the connection with the given pool key.
func (r *Registry) UsesConnection(key string, except *Session) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s != except && s.Connection.Key() == key {
			return true
		}
	}
	return false
}
