package catalog

import (
	"context"
	"errors"

	"github.com/ehr/encounter/internal/domain/exam"
)

var ErrVisitTypeNotFound = errors.New("visit type not found")

// VisitType is a visit template: the exam types a visit of this type starts
// with, by definition name or label.
type VisitType struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	ExamNames []string `json:"exams"`
}

// Source lists every exam definition of the catalog.
type Source interface {
	ListDefinitions(ctx context.Context) ([]exam.Definition, error)
}

// Repository is the catalog store; Upsert matches definitions by name and
// UpsertVisitType matches visit types by id.
type Repository interface {
	Source
	Upsert(ctx context.Context, d *exam.Definition) error
	GetVisitType(ctx context.Context, id string) (*VisitType, error)
	UpsertVisitType(ctx context.Context, vt *VisitType) error
}
