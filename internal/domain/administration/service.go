package administration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/carecircle/medadmin/internal/domain/medication"
)

const tracerName = "github.com/carecircle/medadmin/internal/domain/administration"

// Config tunes the administration service.
type Config struct {
	Generator GeneratorConfig
	// ConflictWindow is used for schedule forms whose generator window is
	// unset, in dose matching and conflict detection alike.
	ConflictWindow time.Duration
	// ExcludeSameCaregiver hides a caregiver's own records from conflict
	// detection of their next administration.
	ExcludeSameCaregiver bool
}

// DefaultConfig returns the default windows with same-caregiver exclusion
// off.
func DefaultConfig() Config {
	return Config{
		Generator:      DefaultGeneratorConfig(),
		ConflictWindow: DefaultConflictWindow,
	}
}

// Option customises a Service.
type Option func(*Service)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// OutcomeRecorder counts administration outcomes, e.g. for metrics.
type OutcomeRecorder interface {
	RecordOutcome(outcome string)
}

func WithOutcomeRecorder(r OutcomeRecorder) Option {
	return func(s *Service) { s.outcomes = r }
}

// WithClock replaces time.Now for record creation timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator replaces uuid.New for new record ids.
func WithIDGenerator(newID func() uuid.UUID) Option {
	return func(s *Service) { s.newID = newID }
}

// Service records administrations and lays out daily doses. It keeps no
// state between calls; all state lives in the store.
type Service struct {
	catalog  medication.Catalog
	store    Store
	detector *Detector
	resolver *Resolver
	cfg      Config

	logger   zerolog.Logger
	tracer   trace.Tracer
	outcomes OutcomeRecorder
	now      func() time.Time
	newID    func() uuid.UUID
}

func NewService(catalog medication.Catalog, store Store, cfg Config, opts ...Option) *Service {
	if cfg.Generator.FallbackWindow <= 0 {
		cfg.Generator.FallbackWindow = cfg.ConflictWindow
	}
	s := &Service{
		catalog:  catalog,
		store:    store,
		detector: NewDetector(store, cfg.ConflictWindow),
		resolver: NewResolver(store),
		cfg:      cfg,
		logger:   zerolog.Nop(),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
		newID:    uuid.New,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Location is the time zone doses are laid out in.
func (s *Service) Location() *time.Location {
	return s.cfg.Generator.location()
}

func (s *Service) validate(in Input) error {
	if in.MedicationID == uuid.Nil {
		return &ValidationError{Field: "medication_id", Msg: "is required"}
	}
	if in.AdministeredAt.IsZero() {
		return &ValidationError{Field: "administered_at", Msg: "is required"}
	}
	if strings.TrimSpace(in.CaregiverID) == "" {
		return &ValidationError{Field: "caregiver_id", Msg: "is required"}
	}
	if strings.TrimSpace(in.Role) == "" {
		return &ValidationError{Field: "role", Msg: "is required"}
	}
	return nil
}

func (s *Service) lookupMedication(ctx context.Context, id uuid.UUID) (*medication.Medication, error) {
	m, err := s.catalog.GetByID(ctx, id)
	if errors.Is(err, medication.ErrNotFound) {
		return nil, &ValidationError{Field: "medication_id", Msg: fmt.Sprintf("unknown medication %s", id)}
	}
	if err != nil {
		return nil, &StorageError{Op: "catalog lookup", Err: err}
	}
	return m, nil
}

// RecordAdministration records one administration, or reports the
// conflicting records when another caregiver already administered the
// same medication within the window. Conflicts are results, not errors;
// the returned error is a *ValidationError, a *StorageError or
// ErrInvalidResolution.
func (s *Service) RecordAdministration(ctx context.Context, in Input) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "administration.RecordAdministration", trace.WithAttributes(
		attribute.String("medication.id", in.MedicationID.String()),
		attribute.String("caregiver.role", in.Role),
	))
	defer span.End()

	res, err := s.recordAdministration(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
	if s.outcomes != nil {
		s.outcomes.RecordOutcome(string(res.Outcome))
	}
	return res, nil
}

func (s *Service) recordAdministration(ctx context.Context, in Input) (*Result, error) {
	resolution, err := normalizeResolution(in.Resolution)
	if err != nil {
		return nil, err
	}
	if err := s.validate(in); err != nil {
		return nil, err
	}
	med, err := s.lookupMedication(ctx, in.MedicationID)
	if err != nil {
		return nil, err
	}

	log := s.logger.With().
		Str("medication_id", in.MedicationID.String()).
		Str("caregiver_id", in.CaregiverID).
		Time("administered_at", in.AdministeredAt).
		Logger()

	if _, ok := resolution.(Cancel); ok {
		log.Info().Str("outcome", string(OutcomeCancelled)).Msg("administration cancelled")
		return &Result{Outcome: OutcomeCancelled, Records: []*Record{}}, nil
	}

	q := ConflictQuery{
		MedicationID: in.MedicationID,
		Proposed:     in.AdministeredAt,
		Window:       s.cfg.Generator.WindowFor(med.Schedule.ActiveForm()),
	}
	if s.cfg.ExcludeSameCaregiver {
		q.ExcludeCaregiverID = in.CaregiverID
	}
	candidates, err := s.detector.FindConflicts(ctx, q)
	if err != nil {
		return nil, s.storageErr("detect conflicts", err)
	}

	if len(candidates) > 0 {
		if resolution == nil || !acknowledgesAll(in.AcknowledgedConflicts, candidates) {
			log.Info().Str("outcome", string(OutcomeConflictsFound)).
				Int("candidates", len(candidates)).Msg("conflicting administrations found")
			return conflictsFound(candidates, q.Window), nil
		}
	}

	proposal := Proposal{
		Record: &Record{
			ID:                 s.newID(),
			MedicationID:       in.MedicationID,
			AdministeredAt:     in.AdministeredAt,
			AdministeredBy:     in.CaregiverID,
			AdministeredByRole: in.Role,
			Notes:              in.Notes,
			CreatedAt:          s.now(),
		},
		Query: q,
	}

	var records []*Record
	if resolution == nil {
		err = s.store.Append(ctx, proposal.Record, q.Guard(nil))
		records = []*Record{proposal.Record}
	} else {
		records, err = s.resolver.Resolve(ctx, proposal, candidates, resolution)
	}

	var occupied *WindowOccupiedError
	if errors.As(err, &occupied) {
		log.Warn().Int("candidates", len(occupied.Records)).Msg("window changed before write")
		fresh := make([]ConflictCandidate, 0, len(occupied.Records))
		for _, r := range occupied.Records {
			fresh = append(fresh, newCandidate(r))
		}
		if len(fresh) == 0 {
			if fresh, err = s.detector.FindConflicts(ctx, q); err != nil {
				return nil, s.storageErr("detect conflicts", err)
			}
		}
		return conflictsFound(fresh, q.Window), nil
	}
	if err != nil {
		return nil, s.storageErr("append administration", err)
	}

	evt := log.Info().Str("outcome", string(OutcomeRecorded)).Str("record_id", proposal.Record.ID.String())
	if resolution != nil && len(candidates) > 0 {
		evt = evt.Str("resolution", string(resolution.Method()))
	}
	evt.Msg("administration recorded")
	return &Result{Outcome: OutcomeRecorded, Records: records}, nil
}

// acknowledgesAll reports whether every candidate is in acked. An empty
// acked list acknowledges whatever is found.
func acknowledgesAll(acked []uuid.UUID, candidates []ConflictCandidate) bool {
	if len(acked) == 0 {
		return true
	}
	for _, c := range candidates {
		if !containsID(acked, c.ID) {
			return false
		}
	}
	return true
}

func conflictsFound(candidates []ConflictCandidate, window time.Duration) *Result {
	return &Result{
		Outcome:   OutcomeConflictsFound,
		Records:   []*Record{},
		Conflicts: &ConflictReport{Candidates: candidates, Window: window},
	}
}

func (s *Service) storageErr(op string, err error) error {
	var ve *ValidationError
	if errors.As(err, &ve) || errors.Is(err, ErrInvalidResolution) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	s.logger.Error().Err(err).Str("op", op).Msg("administration store failure")
	return &StorageError{Op: op, Err: err}
}

// RecordBatch records items in order. The first item that reports
// conflicts stops the batch and the remaining items are returned as
// unprocessed; callers resume by resubmitting from that item with its
// resolution set. Invalid items are marked failed and skipped, while a
// storage failure stops the batch.
func (s *Service) RecordBatch(ctx context.Context, items []Input) *BatchResult {
	ctx, span := s.tracer.Start(ctx, "administration.RecordBatch",
		trace.WithAttributes(attribute.Int("batch.size", len(items))))
	defer span.End()

	out := &BatchResult{Items: make([]BatchItem, 0, len(items)), Recorded: []*Record{}}
	for i, in := range items {
		if out.StoppedAt != nil {
			out.Items = append(out.Items, BatchItem{Index: i, Outcome: OutcomeUnprocessed})
			continue
		}

		res, err := s.RecordAdministration(ctx, in)
		if err != nil {
			out.Items = append(out.Items, BatchItem{Index: i, Outcome: OutcomeFailed, Reason: err.Error()})
			var se *StorageError
			if errors.As(err, &se) {
				stop := i
				out.StoppedAt = &stop
			}
			continue
		}

		item := BatchItem{Index: i, Outcome: res.Outcome, Records: res.Records, Conflicts: res.Conflicts}
		out.Items = append(out.Items, item)
		switch res.Outcome {
		case OutcomeRecorded:
			out.Recorded = append(out.Recorded, res.Records[0])
		case OutcomeConflictsFound:
			stop := i
			out.StoppedAt = &stop
		}
	}

	if out.StoppedAt != nil {
		span.SetAttributes(attribute.Int("batch.stopped_at", *out.StoppedAt))
		s.logger.Info().Int("stopped_at", *out.StoppedAt).Int("recorded", len(out.Recorded)).
			Msg("administration batch stopped")
	}
	return out
}

// ListAdministrations returns the full history of a medication, superseded
// records included, ordered by administration time. Zero bounds are open.
func (s *Service) ListAdministrations(ctx context.Context, medicationID uuid.UUID, from, to time.Time) ([]*Record, error) {
	ctx, span := s.tracer.Start(ctx, "administration.ListAdministrations")
	defer span.End()

	if medicationID == uuid.Nil {
		return nil, &ValidationError{Field: "medication_id", Msg: "is required"}
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return nil, &ValidationError{Field: "to", Msg: "must not be before from"}
	}
	records, err := s.store.List(ctx, Query{MedicationID: medicationID, From: from, To: to})
	if err != nil {
		return nil, s.storageErr("list administrations", err)
	}
	if records == nil {
		records = []*Record{}
	}
	return records, nil
}

// GetAdministration returns one record with its derived fields.
func (s *Service) GetAdministration(ctx context.Context, id uuid.UUID) (*Record, error) {
	r, err := s.store.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, s.storageErr("get administration", err)
	}
	return r, nil
}

// DosesForDate lays out the doses of a care plan on date, marking those
// already covered by an active administration.
func (s *Service) DosesForDate(ctx context.Context, carePlanID string, date Date) ([]ScheduledDose, error) {
	ctx, span := s.tracer.Start(ctx, "administration.DosesForDate",
		trace.WithAttributes(attribute.String("care_plan.id", carePlanID), attribute.String("date", date.String())))
	defer span.End()

	if strings.TrimSpace(carePlanID) == "" {
		return nil, &ValidationError{Field: "care_plan_id", Msg: "is required"}
	}
	meds, err := s.catalog.ListByCarePlan(ctx, carePlanID)
	if err != nil {
		return nil, &StorageError{Op: "catalog list", Err: err}
	}

	loc := s.Location()
	margin := s.cfg.Generator.MaxWindow()
	from := date.At(0, 0, loc).Add(-margin)
	to := date.At(0, 0, loc).AddDate(0, 0, 1).Add(margin)

	var records []*Record
	for _, m := range meds {
		rs, err := s.store.List(ctx, Query{MedicationID: m.ID, From: from, To: to, ActiveOnly: true})
		if err != nil {
			return nil, s.storageErr("list administrations", err)
		}
		records = append(records, rs...)
	}

	gen := s.cfg.Generator
	gen.Location = loc
	return gen.GenerateDoses(meds, date, records), nil
}
