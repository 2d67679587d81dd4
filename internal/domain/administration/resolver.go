package administration

import "context"

// Proposal is an administration that has not been written yet, together
// with the window it was checked against.
type Proposal struct {
	Record *Record
	Query  ConflictQuery
}

// Resolver applies a caller's resolution to a reported conflict.
type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve writes the proposal according to res and returns the records the
// caller should see. Cancel writes nothing and returns an empty slice.
// Writes acknowledge exactly the given candidates; a record the caller did
// not see makes the store reject the write with *WindowOccupiedError.
func (r *Resolver) Resolve(ctx context.Context, p Proposal, conflicts []ConflictCandidate, res Resolution) ([]*Record, error) {
	res, err := normalizeResolution(res)
	if err != nil {
		return nil, err
	}
	guard := p.Query.Guard(candidateIDs(conflicts))
	rec := p.Record.clone()

	switch res := res.(type) {
	case Cancel:
		return []*Record{}, nil

	case DualEntry:
		if len(conflicts) > 0 {
			rec.Resolution = methodPtr(MethodDualEntry)
			rec.ResolutionNotes = notesPtr(res.Notes)
			rec.ConflictOf = candidateIDs(conflicts)
		}
		if err := r.store.Append(ctx, rec, guard); err != nil {
			return nil, err
		}
		out := []*Record{rec}
		for _, c := range conflicts {
			updated, err := r.store.GetByID(ctx, c.ID)
			if err != nil {
				return nil, err
			}
			out = append(out, updated)
		}
		return out, nil

	case Override:
		if latest := mostRecent(conflicts); latest != nil {
			rec.Resolution = methodPtr(MethodOverride)
			rec.ResolutionNotes = notesPtr(res.Notes)
			id := latest.ID
			rec.Supersedes = &id
		}
		if err := r.store.Append(ctx, rec, guard); err != nil {
			return nil, err
		}
		return []*Record{rec}, nil
	}
	return nil, ErrInvalidResolution
}

// mostRecent picks the candidate with the latest administration time,
// breaking ties by the latest creation time.
func mostRecent(cs []ConflictCandidate) *ConflictCandidate {
	var best *ConflictCandidate
	for i := range cs {
		c := &cs[i]
		if best == nil || c.AdministeredAt.After(best.AdministeredAt) ||
			(c.AdministeredAt.Equal(best.AdministeredAt) && c.CreatedAt.After(best.CreatedAt)) {
			best = c
		}
	}
	return best
}

func methodPtr(m ResolutionMethod) *ResolutionMethod { return &m }

func notesPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
