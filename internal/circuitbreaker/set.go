package circuitbreaker

import (
	"sort"
	"sync"
)

// Set is the named collection of breakers a process runs, exposed for
// inspection and manual reset.
type Set struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

func NewSet() *Set {
	return &Set{breakers: make(map[string]*CircuitBreaker)}
}

// Add registers cb under its name, replacing any breaker with the same name.
func (s *Set) Add(cb *CircuitBreaker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakers[cb.Name()] = cb
}

// Stats returns every breaker's snapshot ordered by name.
func (s *Set) Stats() []Stats {
	s.mu.RLock()
	out := make([]Stats, 0, len(s.breakers))
	for _, cb := range s.breakers {
		out = append(out, cb.Stats())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset closes the named breaker. It reports false for an unknown name.
func (s *Set) Reset(name string) (Stats, bool) {
	s.mu.RLock()
	cb, ok := s.breakers[name]
	s.mu.RUnlock()
	if !ok {
		return Stats{}, false
	}
	cb.Reset()
	return cb.Stats(), true
}
