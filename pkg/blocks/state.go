package blocks

import "sync"

// State is a per-step mutable state handle with session lifetime. The
// session owns one handle per step and passes it by reference into every
// call, so blocks that keep model state across a streaming session (for
// example trackers) do so without relying on instance identity.
type State struct {
	mu     sync.Mutex
	values map[string]any
}

// NewState creates an empty state handle.
func NewState() *State {
	return &State{values: make(map[string]any)}
}

// Get returns the value stored under key.
func (s *State) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores a value under key.
func (s *State) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Update applies fn to the value under key while holding the state lock,
// storing whatever fn returns. The zero value passed to fn is nil when the
// key is absent.
func (s *State) Update(key string, fn func(any) any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = fn(s.values[key])
}

// Delete removes the value under key.
func (s *State) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}
