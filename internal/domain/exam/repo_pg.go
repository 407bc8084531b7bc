package exam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

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

// DefinitionCols selects an exam_definition row aliased as d.
const DefinitionCols = `d.id, d.name, d.label, d.section, d.is_pre_exam, d.is_assessment,
	d.multi_value, d.addable_post_lock, d.display_order, d.fields, d.import`

const examCols = `e.id, e.visit_id, e.is_hidden, e.is_invalid, e.has_started, e.values, e.updated_at, ` + DefinitionCols

const examFrom = ` FROM exam e JOIN exam_definition d ON d.id = e.definition_id`

func (r *repoPG) Create(ctx context.Context, definitionID, visitID string) (Exam, error) {
	var created Exam
	err := db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		id := "exam-" + uuid.New().String()
		if _, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO exam (id, visit_id, definition_id, is_hidden, is_invalid, has_started, values)
			VALUES ($1, $2, $3, FALSE, FALSE, FALSE, '{}'::jsonb)`,
			id, visitID, definitionID,
		); err != nil {
			return fmt.Errorf("insert exam: %w", err)
		}

		e, err := scanExam(r.conn(ctx).QueryRow(ctx, `SELECT `+examCols+examFrom+` WHERE e.id = $1`, id))
		if err != nil {
			return err
		}

		column := "custom_exam_ids"
		if e.Definition.IsPreExam {
			column = "pre_custom_exam_ids"
		}
		tag, err := r.conn(ctx).Exec(ctx,
			`UPDATE visit SET `+column+` = array_append(`+column+`, $2) WHERE id = $1`, visitID, id)
		if err != nil {
			return fmt.Errorf("link exam to visit: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("link exam to visit %s: no such visit", visitID)
		}
		created = *e
		return nil
	})
	return created, err
}

func (r *repoPG) GetByID(ctx context.Context, id string) (*Exam, error) {
	return scanExam(r.conn(ctx).QueryRow(ctx, `SELECT `+examCols+examFrom+` WHERE e.id = $1`, id))
}

// GetMany returns the exams in the order of ids; unknown ids are skipped.
func (r *repoPG) GetMany(ctx context.Context, ids []string) ([]Exam, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+examCols+examFrom+` WHERE e.id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]Exam, len(ids))
	for rows.Next() {
		e, err := scanExam(rows)
		if err != nil {
			return nil, err
		}
		byID[e.ID] = *e
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	exams := make([]Exam, 0, len(byID))
	for _, id := range ids {
		if e, ok := byID[id]; ok {
			exams = append(exams, e)
		}
	}
	return exams, nil
}

func (r *repoPG) Update(ctx context.Context, e Exam) (Exam, error) {
	values, err := json.Marshal(e.Values)
	if err != nil {
		return Exam{}, fmt.Errorf("encode exam values: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE exam SET is_hidden=$2, is_invalid=$3, has_started=$4, values=$5, updated_at=NOW()
		WHERE id = $1`,
		e.ID, e.IsHidden, e.IsInvalid, e.HasStarted, values,
	)
	if err != nil {
		return Exam{}, err
	}
	if tag.RowsAffected() == 0 {
		return Exam{}, ErrNotFound
	}
	stored, err := r.GetByID(ctx, e.ID)
	if err != nil {
		return Exam{}, err
	}
	return *stored, nil
}

func scanExam(row pgx.Row) (*Exam, error) {
	var e Exam
	var values []byte
	dest := []any{&e.ID, &e.VisitID, &e.IsHidden, &e.IsInvalid, &e.HasStarted, &values, &e.UpdatedAt}
	var fields []byte
	dest = append(dest, definitionDest(&e.Definition, &fields)...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(values) > 0 {
		if err := json.Unmarshal(values, &e.Values); err != nil {
			return nil, fmt.Errorf("decode values of exam %s: %w", e.ID, err)
		}
	}
	if err := decodeFields(&e.Definition, fields); err != nil {
		return nil, err
	}
	return &e, nil
}

// ScanDefinition scans a row selected with DefinitionCols and normalizes it.
func ScanDefinition(row pgx.Row) (*Definition, error) {
	var d Definition
	var fields []byte
	if err := row.Scan(definitionDest(&d, &fields)...); err != nil {
		return nil, err
	}
	if err := decodeFields(&d, fields); err != nil {
		return nil, err
	}
	return &d, nil
}

func definitionDest(d *Definition, fields *[]byte) []any {
	return []any{&d.ID, &d.Name, &d.Label, &d.Section, &d.IsPreExam, &d.IsAssessment,
		&d.MultiValue, &d.AddablePostLock, &d.Order, fields, &d.Import}
}

func decodeFields(d *Definition, fields []byte) error {
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &d.Fields); err != nil {
			return fmt.Errorf("decode fields of definition %s: %w", d.Name, err)
		}
	}
	*d = d.Normalize()
	return nil
}
