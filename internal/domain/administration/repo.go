package administration

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Query selects records of one medication. Zero From/To leave that side of
// the interval open; both bounds are inclusive.
type Query struct {
	MedicationID uuid.UUID
	From         time.Time
	To           time.Time
	ActiveOnly   bool
}

func (q Query) matches(r *Record) bool {
	if r.MedicationID != q.MedicationID {
		return false
	}
	if !q.From.IsZero() && r.AdministeredAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && r.AdministeredAt.After(q.To) {
		return false
	}
	return !q.ActiveOnly || r.Active()
}

// WindowGuard is re-checked by the store inside the write transaction. The
// write is rejected when the window holds an active record that is not in
// Acknowledged.
type WindowGuard struct {
	MedicationID       uuid.UUID
	From               time.Time
	To                 time.Time
	ExcludeCaregiverID string
	Acknowledged       []uuid.UUID
}

func (g *WindowGuard) query() Query {
	return Query{MedicationID: g.MedicationID, From: g.From, To: g.To, ActiveOnly: true}
}

// Check filters active (already restricted to the guard's window) down to
// the records the guard covers and rejects when any is unacknowledged.
func (g *WindowGuard) Check(active []*Record) error {
	var covered []*Record
	unacknowledged := false
	for _, r := range active {
		if g.ExcludeCaregiverID != "" && r.AdministeredBy == g.ExcludeCaregiverID {
			continue
		}
		covered = append(covered, r)
		if !containsID(g.Acknowledged, r.ID) {
			unacknowledged = true
		}
	}
	if unacknowledged {
		return &WindowOccupiedError{Records: covered}
	}
	return nil
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// Store persists the append-only administration log.
type Store interface {
	// Append writes rec. When guard is non-nil the window is re-checked in
	// the same transaction and a *WindowOccupiedError is returned instead
	// of writing. rec.ConflictOf ids are linked in both directions.
	Append(ctx context.Context, rec *Record, guard *WindowGuard) error
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	// List returns matching records ordered by AdministeredAt.
	List(ctx context.Context, q Query) ([]*Record, error)
}

func sortRecords(rs []*Record) {
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if !a.AdministeredAt.Equal(b.AdministeredAt) {
			return a.AdministeredAt.Before(b.AdministeredAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
}
