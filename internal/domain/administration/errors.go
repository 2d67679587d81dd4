package administration

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record id is unknown to the store.
	ErrNotFound = errors.New("administration record not found")

	// ErrInvalidResolution is returned for a resolution outside the
	// supported policies.
	ErrInvalidResolution = errors.New("invalid conflict resolution")

	// ErrWindowOccupied is the store's signal that the conflict window
	// holds records the writer did not acknowledge.
	ErrWindowOccupied = errors.New("conflict window occupied")
)

// ValidationError reports malformed input. It is never worth retrying.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// StorageError wraps a failure of the record store or the medication
// catalog.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// WindowOccupiedError carries the active records found in the window when
// a guarded write was rejected.
type WindowOccupiedError struct {
	Records []*Record
}

func (e *WindowOccupiedError) Error() string {
	return fmt.Sprintf("%s: %d active record(s)", ErrWindowOccupied, len(e.Records))
}

func (e *WindowOccupiedError) Is(target error) bool {
	return target == ErrWindowOccupied
}
