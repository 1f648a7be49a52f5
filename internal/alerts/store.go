// Package alerts keeps the most recent decisions in memory for inspection.
package alerts

import (
	"sync"
	"time"

	"ezwatch/internal/model"
)

// Filter selects decisions from the history. Zero fields match everything.
type Filter struct {
	ZoneID   string
	CameraID string
	Status   model.Status
	Since    time.Time
	// Limit keeps only the newest matches.
	Limit int
}

func (f Filter) match(d model.Decision) bool {
	if f.ZoneID != "" && d.Event.ZoneID != f.ZoneID {
		return false
	}
	if f.CameraID != "" && d.Event.CameraID != f.CameraID {
		return false
	}
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	return f.Since.IsZero() || !d.ReceivedAt.Before(f.Since)
}

// Store is a fixed-size ring of decisions; the oldest is overwritten first.
type Store struct {
	mu    sync.RWMutex
	ring  []model.Decision
	next  int
	full  bool
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{ring: make([]model.Decision, limit), limit: limit}
}

func (s *Store) Add(d model.Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring[s.next] = d
	s.next = (s.next + 1) % s.limit
	if s.next == 0 {
		s.full = true
	}
}

// Query walks the ring newest first and returns the matches oldest first.
func (s *Store) Query(f Filter) []model.Decision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.lenLocked()
	out := make([]model.Decision, 0)
	for i := 1; i <= n; i++ {
		d := s.ring[(s.next-i+s.limit)%s.limit]
		if !f.match(d) {
			continue
		}
		out = append(out, d)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// List returns up to limit of the newest decisions, oldest first.
func (s *Store) List(limit int) []model.Decision {
	return s.Query(Filter{Limit: limit})
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lenLocked()
}

func (s *Store) lenLocked() int {
	if s.full {
		return s.limit
	}
	return s.next
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.ring)
	s.next, s.full = 0, false
}
