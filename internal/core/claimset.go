package core

import (
	"sort"
	"sync"
)

// ClaimSet tracks job ids owned by this dispatcher process.
type ClaimSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func NewClaimSet() *ClaimSet {
	return &ClaimSet{ids: make(map[string]struct{})}
}

// Add inserts id and reports whether it was absent.
func (s *ClaimSet) Add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *ClaimSet) Remove(id string) {
	s.mu.Lock()
	delete(s.ids, id)
	s.mu.Unlock()
}

// Snapshot returns the ids in sorted order.
func (s *ClaimSet) Snapshot() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}
