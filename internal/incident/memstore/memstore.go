// Package memstore provides an in-memory implementation of incident.Store.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/linnemanlabs/roadwatch/internal/incident"
)

// Store holds incidents in memory. Suitable for dev/testing.
type Store struct {
	mu      sync.RWMutex
	source  string
	clock   clockwork.Clock
	records map[string]*incident.Record // incident ID -> record
}

// New initializes a new in-memory Store for the given feed source. A nil
// clock means wall time.
func New(source string, clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		source:  source,
		clock:   clock,
		records: make(map[string]*incident.Record),
	}
}

// Upsert stores a deep copy of the incident, marks it active and stamps updated_at.
func (s *Store) Upsert(_ context.Context, inc *incident.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[inc.ID] = &incident.Record{
		Incident:  inc.Clone(),
		Source:    s.source,
		Status:    incident.StatusActive,
		UpdatedAt: s.clock.Now(),
	}
	return nil
}

// ClearMissing marks stale, unseen active incidents as cleared.
func (s *Store) ClearMissing(_ context.Context, seen []string, grace time.Duration) (int, error) {
	if len(seen) == 0 {
		return 0, nil
	}

	keep := make(map[string]struct{}, len(seen))
	for _, id := range seen {
		keep[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	cutoff := now.Add(-grace)
	cleared := 0
	for id, r := range s.records {
		if r.Status != incident.StatusActive {
			continue
		}
		if _, ok := keep[id]; ok {
			continue
		}
		if !r.UpdatedAt.Before(cutoff) {
			continue
		}
		r.Status = incident.StatusCleared
		r.UpdatedAt = now
		cleared++
	}
	return cleared, nil
}

// Get retrieves an incident by ID. The returned record is a deep copy.
func (s *Store) Get(_ context.Context, id string) (*incident.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, false, nil
	}
	cp := r.Clone()
	return &cp, true, nil
}

// List returns deep copies of the matching records ordered by priority, then ID.
func (s *Store) List(_ context.Context, status incident.Status) ([]incident.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]incident.Record, 0, len(s.records))
	for _, r := range s.records {
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
