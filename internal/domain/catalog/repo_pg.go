package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/encounter/internal/domain/exam"
	"github.com/ehr/encounter/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

// ListDefinitions returns the catalog ordered by section, then name.
func (r *repoPG) ListDefinitions(ctx context.Context) ([]exam.Definition, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+exam.DefinitionCols+` FROM exam_definition d ORDER BY d.section, d.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []exam.Definition
	for rows.Next() {
		d, err := exam.ScanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, *d)
	}
	return defs, rows.Err()
}

func (r *repoPG) Upsert(ctx context.Context, d *exam.Definition) error {
	fields, err := json.Marshal(d.Fields)
	if err != nil {
		return fmt.Errorf("encode fields of %s: %w", d.Name, err)
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO exam_definition (id, name, label, section, is_pre_exam, is_assessment,
			multi_value, addable_post_lock, display_order, fields, import)
		VALUES (COALESCE(NULLIF($1, ''), gen_random_uuid()::text), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (name) DO UPDATE SET
			label = EXCLUDED.label, section = EXCLUDED.section,
			is_pre_exam = EXCLUDED.is_pre_exam, is_assessment = EXCLUDED.is_assessment,
			multi_value = EXCLUDED.multi_value, addable_post_lock = EXCLUDED.addable_post_lock,
			display_order = EXCLUDED.display_order, fields = EXCLUDED.fields, import = EXCLUDED.import
		RETURNING id`,
		d.ID, d.Name, d.Label, d.Section, d.IsPreExam, d.IsAssessment,
		d.MultiValue, d.AddablePostLock, d.Order, fields, d.Import,
	).Scan(&d.ID)
}

func (r *repoPG) GetVisitType(ctx context.Context, id string) (*VisitType, error) {
	var vt VisitType
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT id, name, exam_names FROM visit_type WHERE id = $1`, id,
	).Scan(&vt.ID, &vt.Name, &vt.ExamNames)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrVisitTypeNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &vt, nil
}

func (r *repoPG) UpsertVisitType(ctx context.Context, vt *VisitType) error {
	names := vt.ExamNames
	if names == nil {
		names = []string{}
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO visit_type (id, name, exam_names) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, exam_names = EXCLUDED.exam_names`,
		vt.ID, vt.Name, names,
	)
	return err
}
