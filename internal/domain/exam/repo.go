package exam

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("exam not found")

type Repository interface {
	// Create instantiates the definition for the visit and records the new id
	// on the visit's pretest or active list.
	Create(ctx context.Context, definitionID, visitID string) (Exam, error)
	GetByID(ctx context.Context, id string) (*Exam, error)
	GetMany(ctx context.Context, ids []string) ([]Exam, error)
	Update(ctx context.Context, e Exam) (Exam, error)
}
