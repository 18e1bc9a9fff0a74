package session

import (
	"sync"

	"call-me/internal/domain"
)

// Registry is the live-session map plus its two lookup indices. The token and
// carrier-handle indices are strict sub-indices: every key they hold maps to a
// session currently in the live map, and removal clears all three together.
type Registry struct {
	mu       sync.Mutex
	byID     map[string]*Session
	byToken  map[string]*Session
	byHandle map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		byID:     make(map[string]*Session),
		byToken:  make(map[string]*Session),
		byHandle: make(map[string]*Session),
	}
}

// Add places a session in the live map and token index. The handle index is
// populated later, once the carrier assigns a handle.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[s.ID] = s
	r.byToken[s.Token] = s
}

// IndexHandle records the carrier handle for an already-live session.
// Sessions removed before the handle arrived are not resurrected.
func (r *Registry) IndexHandle(s *Session, handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, live := r.byID[s.ID]; !live {
		return
	}
	r.byHandle[handle] = s
}

// Remove deletes the session from the live map and both indices. Idempotent.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, s.ID)
	delete(r.byToken, s.Token)
	if h := s.Handle(); h != "" {
		delete(r.byHandle, h)
	}
}

func (r *Registry) ByID(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, domain.ErrNoSuchSession
	}
	return s, nil
}

func (r *Registry) ByToken(token string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byToken[token]
	return s, ok
}

func (r *Registry) ByHandle(handle string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byHandle[handle]
	return s, ok
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

func (r *Registry) All() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}
