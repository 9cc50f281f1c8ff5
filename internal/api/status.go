package api

import "sync"

// Status tracks whether the backend is believed reachable. Listeners are
// notified once per transition, never on repeated failures.
type Status struct {
	mu        sync.Mutex
	online    bool
	nextID    int
	listeners map[int]func(online bool)
}

func NewStatus() *Status {
	return &Status{
		online:    true,
		listeners: make(map[int]func(online bool)),
	}
}

func (s *Status) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Subscribe registers fn for transitions and returns a function removing it.
func (s *Status) Subscribe(fn func(online bool)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Status) MarkOnline() {
	s.set(true)
}

func (s *Status) MarkOffline() {
	s.set(false)
}

func (s *Status) set(online bool) {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online
	fns := make([]func(bool), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}

// Reset drops all listeners; used when the owning client is torn down.
func (s *Status) Reset() {
	s.mu.Lock()
	s.listeners = make(map[int]func(online bool))
	s.online = true
	s.mu.Unlock()
}
