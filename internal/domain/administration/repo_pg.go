package administration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carecircle/medadmin/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PGStore is the Postgres administration log. Writers for one medication
// are serialised with a transaction-scoped advisory lock.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

const recordCols = `a.id, a.medication_id, a.administered_at, a.administered_by,
	a.administered_by_role, a.notes, a.resolution, a.resolution_notes,
	a.supersedes, a.created_at,
	s.id,
	ARRAY(SELECT c.conflict_id::text FROM medication_administration_conflict c
		WHERE c.administration_id = a.id ORDER BY c.created_at, c.conflict_id)`

const recordFrom = ` FROM medication_administration a
	LEFT JOIN medication_administration s ON s.supersedes = a.id`

func (s *PGStore) scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	var resolution *string
	var links []string
	err := row.Scan(&r.ID, &r.MedicationID, &r.AdministeredAt, &r.AdministeredBy,
		&r.AdministeredByRole, &r.Notes, &resolution, &r.ResolutionNotes,
		&r.Supersedes, &r.CreatedAt, &r.SupersededBy, &links)
	if err != nil {
		return nil, err
	}
	if resolution != nil {
		m := ResolutionMethod(*resolution)
		r.Resolution = &m
	}
	for _, l := range links {
		id, err := uuid.Parse(l)
		if err != nil {
			return nil, fmt.Errorf("parse conflict link %q: %w", l, err)
		}
		r.ConflictOf = append(r.ConflictOf, id)
	}
	return &r, nil
}

func (s *PGStore) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	r, err := s.scanRecord(s.conn(ctx).QueryRow(ctx,
		`SELECT `+recordCols+recordFrom+` WHERE a.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get administration %s: %w", id, err)
	}
	return r, nil
}

func (s *PGStore) List(ctx context.Context, q Query) ([]*Record, error) {
	return s.list(ctx, s.conn(ctx), q)
}

func (s *PGStore) list(ctx context.Context, conn queryable, q Query) ([]*Record, error) {
	rows, err := conn.Query(ctx, `SELECT `+recordCols+recordFrom+`
		WHERE a.medication_id = $1
		  AND ($2::timestamptz IS NULL OR a.administered_at >= $2)
		  AND ($3::timestamptz IS NULL OR a.administered_at <= $3)
		  AND (NOT $4 OR s.id IS NULL)
		ORDER BY a.administered_at, a.created_at, a.id`,
		q.MedicationID, nullTime(q.From), nullTime(q.To), q.ActiveOnly)
	if err != nil {
		return nil, fmt.Errorf("list administrations: %w", err)
	}
	defer rows.Close()

	var items []*Record
	for rows.Next() {
		r, err := s.scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan administration: %w", err)
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

func (s *PGStore) Append(ctx context.Context, rec *Record, guard *WindowGuard) error {
	err := db.RunInTx(ctx, s.pool, pgx.TxOptions{}, func(ctx context.Context) error {
		conn := s.conn(ctx)
		if _, err := conn.Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, rec.MedicationID.String()); err != nil {
			return fmt.Errorf("lock medication %s: %w", rec.MedicationID, err)
		}

		if guard != nil {
			active, err := s.list(ctx, conn, guard.query())
			if err != nil {
				return err
			}
			if err := guard.Check(active); err != nil {
				return err
			}
		}

		var resolution *string
		if rec.Resolution != nil {
			m := string(*rec.Resolution)
			resolution = &m
		}
		_, err := conn.Exec(ctx, `INSERT INTO medication_administration
			(id, medication_id, administered_at, administered_by, administered_by_role,
			 notes, resolution, resolution_notes, supersedes, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			rec.ID, rec.MedicationID, rec.AdministeredAt, rec.AdministeredBy,
			rec.AdministeredByRole, rec.Notes, resolution, rec.ResolutionNotes,
			rec.Supersedes, rec.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert administration: %w", err)
		}

		for _, id := range rec.ConflictOf {
			if _, err := conn.Exec(ctx, `INSERT INTO medication_administration_conflict
				(administration_id, conflict_id, created_at)
				VALUES ($1, $2, $3), ($2, $1, $3)
				ON CONFLICT DO NOTHING`, rec.ID, id, rec.CreatedAt); err != nil {
				return fmt.Errorf("link conflict %s: %w", id, err)
			}
		}
		return nil
	})

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			if pgErr.ConstraintName == "uq_med_admin_supersedes" {
				return &WindowOccupiedError{}
			}
		case "23503":
			return fmt.Errorf("%w: %s", ErrNotFound, pgErr.Detail)
		}
	}
	return err
}

// Ping reports whether the database is reachable.
func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
