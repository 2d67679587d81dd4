package medication

import (
	"context"
	"errors"
	"fmt"

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

type catalogPG struct{ pool *pgxpool.Pool }

// NewCatalogPG returns a Catalog reading the medication table.
func NewCatalogPG(pool *pgxpool.Pool) Catalog {
	return &catalogPG{pool: pool}
}

func (r *catalogPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const medCols = `id, care_plan_id, name, dosage, instructions,
	schedule_form, slot_morning, slot_afternoon, slot_evening, slot_night,
	schedule_times, created_at, updated_at`

func (r *catalogPG) scanMed(row pgx.Row) (*Medication, error) {
	var m Medication
	var form string
	err := row.Scan(&m.ID, &m.CarePlanID, &m.Name, &m.Dosage, &m.Instructions,
		&form, &m.Schedule.Slots.Morning, &m.Schedule.Slots.Afternoon,
		&m.Schedule.Slots.Evening, &m.Schedule.Slots.Night,
		&m.Schedule.Times, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	m.Schedule.Form = ScheduleForm(form)
	return &m, nil
}

func (r *catalogPG) GetByID(ctx context.Context, id uuid.UUID) (*Medication, error) {
	return r.scanMed(r.conn(ctx).QueryRow(ctx, `SELECT `+medCols+` FROM medication WHERE id = $1`, id))
}

func (r *catalogPG) ListByCarePlan(ctx context.Context, carePlanID string) ([]*Medication, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+medCols+` FROM medication WHERE care_plan_id = $1 ORDER BY name, id`, carePlanID)
	if err != nil {
		return nil, fmt.Errorf("list medications: %w", err)
	}
	defer rows.Close()
	var items []*Medication
	for rows.Next() {
		m, err := r.scanMed(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}
