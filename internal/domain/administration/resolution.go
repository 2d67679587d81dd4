package administration

import (
	"fmt"
	"strings"
)

// Resolution is the caller's decision for a reported conflict. The set of
// implementations is closed: DualEntry, Override and Cancel.
type Resolution interface {
	Method() ResolutionMethod
	sealed()
}

// DualEntry records the new administration alongside the existing ones and
// cross-references all of them.
type DualEntry struct {
	Notes string
}

// Override records the new administration as superseding the most recent
// existing one.
type Override struct {
	Notes string
}

// Cancel abandons the proposed administration.
type Cancel struct{}

func (DualEntry) Method() ResolutionMethod { return MethodDualEntry }
func (Override) Method() ResolutionMethod  { return MethodOverride }
func (Cancel) Method() ResolutionMethod    { return MethodCancel }

func (DualEntry) sealed() {}
func (Override) sealed()  {}
func (Cancel) sealed()    {}

// ParseResolution builds a Resolution from its wire form.
func ParseResolution(method, notes string) (Resolution, error) {
	switch ResolutionMethod(strings.TrimSpace(method)) {
	case MethodDualEntry:
		return DualEntry{Notes: notes}, nil
	case MethodOverride:
		return Override{Notes: notes}, nil
	case MethodCancel:
		return Cancel{}, nil
	}
	return nil, fmt.Errorf("%w: method %q", ErrInvalidResolution, method)
}

// ResolutionRequest is the wire form of a Resolution.
type ResolutionRequest struct {
	Method string `json:"method" validate:"required,oneof=dual_entry override cancel"`
	Notes  string `json:"notes,omitempty"`
}

// Resolution converts the request into its typed form.
func (r *ResolutionRequest) Resolution() (Resolution, error) {
	if r == nil {
		return nil, nil
	}
	return ParseResolution(r.Method, r.Notes)
}

// normalizeResolution dereferences pointer forms so callers can switch on
// value types only. A nil pointer is not a decision.
func normalizeResolution(res Resolution) (Resolution, error) {
	switch r := res.(type) {
	case nil, DualEntry, Override, Cancel:
		return r, nil
	case *DualEntry:
		if r != nil {
			return *r, nil
		}
	case *Override:
		if r != nil {
			return *r, nil
		}
	case *Cancel:
		if r != nil {
			return Cancel{}, nil
		}
	}
	return nil, ErrInvalidResolution
}
