package metrics

import (
	"sync"
	"time"

	"ezwatch/internal/model"
)

// ZoneStats is a per-zone tally of decisions, served to inspection endpoints.
type ZoneStats struct {
	ZoneID     string                 `json:"zone_id"`
	ByStatus   map[model.Status]int64 `json:"by_status"`
	ByReason   map[string]int64       `json:"by_reason"`
	LastStatus model.Status           `json:"last_status,omitempty"`
	LastSentAt time.Time              `json:"last_sent_at,omitempty"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

type Store struct {
	mu     sync.RWMutex
	byZone map[string]*ZoneStats
	limit  int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		byZone: make(map[string]*ZoneStats),
		limit:  limit,
	}
}

func (s *Store) Record(zoneID string, status model.Status, reason string, at time.Time) {
	if zoneID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.byZone[zoneID]
	if !ok {
		z = &ZoneStats{
			ZoneID:   zoneID,
			ByStatus: make(map[model.Status]int64),
			ByReason: make(map[string]int64),
		}
		s.byZone[zoneID] = z
	}
	z.ByStatus[status]++
	if reason != "" {
		z.ByReason[reason]++
	}
	z.LastStatus = status
	if status == model.StatusSent {
		z.LastSentAt = at
	}
	z.UpdatedAt = at
	if len(s.byZone) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(zoneID string) (ZoneStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	z, ok := s.byZone[zoneID]
	if !ok {
		return ZoneStats{}, false
	}
	return z.clone(), true
}

func (s *Store) GetAll() map[string]ZoneStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ZoneStats, len(s.byZone))
	for id, z := range s.byZone {
		out[id] = z.clone()
	}
	return out
}

func (z *ZoneStats) clone() ZoneStats {
	c := *z
	c.ByStatus = make(map[model.Status]int64, len(z.ByStatus))
	for k, v := range z.ByStatus {
		c.ByStatus[k] = v
	}
	c.ByReason = make(map[string]int64, len(z.ByReason))
	for k, v := range z.ByReason {
		c.ByReason[k] = v
	}
	return c
}

// evictOldest drops the zone that has been quiet the longest; unknown zone
// ids sent by misconfigured upstreams would otherwise grow the map forever.
func (s *Store) evictOldest() {
	var oldestZone string
	var oldest time.Time
	for id, z := range s.byZone {
		if oldestZone == "" || z.UpdatedAt.Before(oldest) {
			oldestZone = id
			oldest = z.UpdatedAt
		}
	}
	if oldestZone != "" {
		delete(s.byZone, oldestZone)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byZone = make(map[string]*ZoneStats)
}
