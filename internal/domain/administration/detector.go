package administration

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DefaultConflictWindow is used when a query leaves Window unset.
const DefaultConflictWindow = 2 * time.Hour

// ConflictQuery describes a proposed administration to check.
type ConflictQuery struct {
	MedicationID uuid.UUID
	Proposed     time.Time
	// ExcludeCaregiverID drops that caregiver's own records from the result.
	ExcludeCaregiverID string
	Window             time.Duration
}

// Guard returns the store-level guard for the same window.
func (q ConflictQuery) Guard(acknowledged []uuid.UUID) *WindowGuard {
	return &WindowGuard{
		MedicationID:       q.MedicationID,
		From:               q.Proposed.Add(-q.Window),
		To:                 q.Proposed.Add(q.Window),
		ExcludeCaregiverID: q.ExcludeCaregiverID,
		Acknowledged:       acknowledged,
	}
}

// Detector finds active records close in time to a proposed administration.
type Detector struct {
	store         Store
	defaultWindow time.Duration
}

// NewDetector returns a Detector. A non-positive defaultWindow falls back
// to DefaultConflictWindow.
func NewDetector(store Store, defaultWindow time.Duration) *Detector {
	if defaultWindow <= 0 {
		defaultWindow = DefaultConflictWindow
	}
	return &Detector{store: store, defaultWindow: defaultWindow}
}

// resolve fills in the default window and validates the query.
func (d *Detector) resolve(q ConflictQuery) (ConflictQuery, error) {
	if q.Window < 0 {
		return q, &ValidationError{Field: "window", Msg: "must not be negative"}
	}
	if q.Window == 0 {
		q.Window = d.defaultWindow
	}
	if q.MedicationID == uuid.Nil {
		return q, &ValidationError{Field: "medication_id", Msg: "is required"}
	}
	if q.Proposed.IsZero() {
		return q, &ValidationError{Field: "administered_at", Msg: "is required"}
	}
	return q, nil
}

// FindConflicts returns the active records of the medication administered
// within [Proposed-Window, Proposed+Window], oldest first. It never writes.
func (d *Detector) FindConflicts(ctx context.Context, q ConflictQuery) ([]ConflictCandidate, error) {
	q, err := d.resolve(q)
	if err != nil {
		return nil, err
	}
	guard := q.Guard(nil)
	records, err := d.store.List(ctx, guard.query())
	if err != nil {
		return nil, err
	}

	candidates := make([]ConflictCandidate, 0, len(records))
	for _, r := range records {
		if q.ExcludeCaregiverID != "" && r.AdministeredBy == q.ExcludeCaregiverID {
			continue
		}
		candidates = append(candidates, newCandidate(r))
	}
	return candidates, nil
}
