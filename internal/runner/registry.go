package runner

import "sync"

// Registry tracks the live sessions in this process, by session id
// and by room.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Session
	byRoom map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]*Session),
		byRoom: make(map[string]*Session),
	}
}

// Add registers a session under its id and room.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info := s.Info()
	r.byID[info.SessionID] = s
	r.byRoom[info.Room] = s
}

// Remove drops a session from both indexes.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info := s.Info()
	delete(r.byID, info.SessionID)
	if r.byRoom[info.Room] == s {
		delete(r.byRoom, info.Room)
	}
}

// Rebind moves a session's room index after a transition.
func (r *Registry) Rebind(s *Session, oldRoom string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byRoom[oldRoom] == s {
		delete(r.byRoom, oldRoom)
	}
	r.byRoom[s.Room()] = s
}

// ByID looks a session up by id.
func (r *Registry) ByID(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// ByRoom looks a session up by canonical room URL.
func (r *Registry) ByRoom(room string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byRoom[room]
	return s, ok
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// All snapshots the live sessions.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}
