package medication

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a catalog lookup misses.
var ErrNotFound = errors.New("medication not found")

// Catalog is the read-only medication catalog the scheduling core consumes.
type Catalog interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Medication, error)
	ListByCarePlan(ctx context.Context, carePlanID string) ([]*Medication, error)
}
