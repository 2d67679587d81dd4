package administration

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Caregiver roles as issued by the identity provider.
const (
	RoleFamily       = "family"
	RoleProfessional = "professional"
)

// RoleDisplay returns the human-readable label for a caregiver role.
// Unknown roles are returned unchanged.
func RoleDisplay(role string) string {
	switch role {
	case RoleFamily:
		return "Family member"
	case RoleProfessional:
		return "Professional caregiver"
	}
	return role
}

// ResolutionMethod names a conflict resolution policy.
type ResolutionMethod string

const (
	MethodDualEntry ResolutionMethod = "dual_entry"
	MethodOverride  ResolutionMethod = "override"
	MethodCancel    ResolutionMethod = "cancel"
)

// Record is one entry of the append-only administration log. Records are
// never mutated after they are written; ConflictOf and SupersededBy are
// derived from later writes when the record is read back.
type Record struct {
	ID                 uuid.UUID         `json:"id"`
	MedicationID       uuid.UUID         `json:"medication_id"`
	AdministeredAt     time.Time         `json:"administered_at"`
	AdministeredBy     string            `json:"administered_by"`
	AdministeredByRole string            `json:"administered_by_role"`
	Notes              *string           `json:"notes,omitempty"`
	Resolution         *ResolutionMethod `json:"resolution,omitempty"`
	ResolutionNotes    *string           `json:"resolution_notes,omitempty"`
	ConflictOf         []uuid.UUID       `json:"conflict_of,omitempty"`
	Supersedes         *uuid.UUID        `json:"supersedes,omitempty"`
	SupersededBy       *uuid.UUID        `json:"superseded_by,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
}

// Active reports whether no later record supersedes this one.
func (r *Record) Active() bool {
	return r.SupersededBy == nil
}

func (r *Record) clone() *Record {
	c := *r
	if r.ConflictOf != nil {
		c.ConflictOf = append([]uuid.UUID(nil), r.ConflictOf...)
	}
	return &c
}

// ConflictCandidate is an active record that falls inside the conflict
// window of a proposed administration.
type ConflictCandidate struct {
	Record
	AdministeredByRoleDisplay string `json:"administered_by_role_display"`
}

func newCandidate(r *Record) ConflictCandidate {
	return ConflictCandidate{
		Record:                    *r.clone(),
		AdministeredByRoleDisplay: RoleDisplay(r.AdministeredByRole),
	}
}

func candidateIDs(cs []ConflictCandidate) []uuid.UUID {
	ids := make([]uuid.UUID, len(cs))
	for i, c := range cs {
		ids[i] = c.ID
	}
	return ids
}

// ConflictReport is returned to the caller instead of writing a record.
type ConflictReport struct {
	Candidates []ConflictCandidate
	Window     time.Duration
}

func (r ConflictReport) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Candidates    []ConflictCandidate `json:"candidates"`
		Window        string              `json:"window"`
		WindowMinutes int                 `json:"window_minutes"`
	}{
		Candidates:    r.Candidates,
		Window:        r.Window.String(),
		WindowMinutes: int(r.Window / time.Minute),
	})
}

// Input is a request to record that a caregiver administered a dose.
type Input struct {
	MedicationID   uuid.UUID
	AdministeredAt time.Time
	CaregiverID    string
	Role           string
	Notes          *string

	// Resolution is set when the caller re-invokes after a conflict report.
	Resolution Resolution

	// AcknowledgedConflicts lists the candidate ids of the report being
	// resolved. When non-empty, any other candidate found at write time
	// turns the call back into a conflict report.
	AcknowledgedConflicts []uuid.UUID
}

// Outcome is the terminal state of one administration attempt.
type Outcome string

const (
	OutcomeRecorded       Outcome = "recorded"
	OutcomeConflictsFound Outcome = "conflicts_found"
	OutcomeCancelled      Outcome = "cancelled"
	OutcomeFailed         Outcome = "failed"
	OutcomeUnprocessed    Outcome = "unprocessed"
)

// Result is the non-error result of RecordAdministration. Failures are
// returned as errors, never as a Result.
type Result struct {
	Outcome   Outcome         `json:"outcome"`
	Records   []*Record       `json:"records"`
	Conflicts *ConflictReport `json:"conflicts,omitempty"`
}

// BatchItem is the per-item outcome of RecordBatch.
type BatchItem struct {
	Index     int             `json:"index"`
	Outcome   Outcome         `json:"outcome"`
	Records   []*Record       `json:"records,omitempty"`
	Conflicts *ConflictReport `json:"conflicts,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// BatchResult summarises a sequential batch. Recorded holds only the
// records the batch wrote. StoppedAt is the index of the item that
// reported conflicts or hit a storage failure, if any.
type BatchResult struct {
	Items     []BatchItem `json:"items"`
	Recorded  []*Record   `json:"recorded"`
	StoppedAt *int        `json:"stopped_at,omitempty"`
}

// Conflicts returns the conflict report that stopped the batch, if any.
func (b *BatchResult) Conflicts() *ConflictReport {
	if b.StoppedAt == nil {
		return nil
	}
	return b.Items[*b.StoppedAt].Conflicts
}
