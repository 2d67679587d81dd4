package administration

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps the administration log in process. Writes are
// serialised by a single mutex so the guard re-check and the insert are
// atomic.
type MemoryStore struct {
	mu         sync.RWMutex
	records    map[uuid.UUID]*Record
	byMed      map[uuid.UUID][]uuid.UUID
	links      map[uuid.UUID][]uuid.UUID
	successors map[uuid.UUID]uuid.UUID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:    make(map[uuid.UUID]*Record),
		byMed:      make(map[uuid.UUID][]uuid.UUID),
		links:      make(map[uuid.UUID][]uuid.UUID),
		successors: make(map[uuid.UUID]uuid.UUID),
	}
}

func (s *MemoryStore) Append(_ context.Context, rec *Record, guard *WindowGuard) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("append record %s: duplicate id", rec.ID)
	}
	if guard != nil {
		if err := guard.Check(s.listLocked(guard.query())); err != nil {
			return err
		}
	}
	if rec.Supersedes != nil {
		target, ok := s.records[*rec.Supersedes]
		if !ok {
			return fmt.Errorf("supersede %s: %w", *rec.Supersedes, ErrNotFound)
		}
		if _, taken := s.successors[target.ID]; taken {
			return &WindowOccupiedError{Records: s.listLocked(Query{
				MedicationID: target.MedicationID,
				From:         target.AdministeredAt,
				To:           target.AdministeredAt,
				ActiveOnly:   true,
			})}
		}
	}
	for _, id := range rec.ConflictOf {
		if _, ok := s.records[id]; !ok {
			return fmt.Errorf("link conflict %s: %w", id, ErrNotFound)
		}
	}

	stored := rec.clone()
	stored.ConflictOf = nil
	stored.SupersededBy = nil
	s.records[stored.ID] = stored
	s.byMed[stored.MedicationID] = append(s.byMed[stored.MedicationID], stored.ID)
	for _, id := range rec.ConflictOf {
		s.links[stored.ID] = append(s.links[stored.ID], id)
		s.links[id] = append(s.links[id], stored.ID)
	}
	if rec.Supersedes != nil {
		s.successors[*rec.Supersedes] = stored.ID
	}
	return nil
}

func (s *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.materialize(r), nil
}

func (s *MemoryStore) List(_ context.Context, q Query) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked(q), nil
}

func (s *MemoryStore) listLocked(q Query) []*Record {
	var out []*Record
	for _, id := range s.byMed[q.MedicationID] {
		r := s.materialize(s.records[id])
		if q.matches(r) {
			out = append(out, r)
		}
	}
	sortRecords(out)
	return out
}

// materialize returns a copy of r with its derived fields filled in.
func (s *MemoryStore) materialize(r *Record) *Record {
	c := r.clone()
	if links := s.links[r.ID]; len(links) > 0 {
		c.ConflictOf = append([]uuid.UUID(nil), links...)
	}
	if next, ok := s.successors[r.ID]; ok {
		c.SupersededBy = &next
	}
	return c
}
