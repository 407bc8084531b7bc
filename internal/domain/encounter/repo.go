package encounter

import (
	"context"

	"github.com/ehr/encounter/internal/domain/catalog"
	"github.com/ehr/encounter/internal/domain/exam"
	"github.com/ehr/encounter/internal/domain/visit"
)

// Catalog lists the exam types that may be instantiated in a visit.
type Catalog interface {
	ListDefinitions(ctx context.Context) ([]exam.Definition, error)
}

// VisitTypes resolves the exam template a visit type starts with.
type VisitTypes interface {
	GetVisitType(ctx context.Context, id string) (*catalog.VisitType, error)
}

type ExamStore interface {
	// Create instantiates definitionID in the visit and links the new exam
	// to the visit's pretest or active list.
	Create(ctx context.Context, definitionID, visitID string) (exam.Exam, error)
	Persist(ctx context.Context, e exam.Exam) (exam.Exam, error)
	// GetMany returns the exams in the order of ids.
	GetMany(ctx context.Context, ids []string) ([]exam.Exam, error)
}

type VisitStore interface {
	Create(ctx context.Context, v visit.Visit) (visit.Visit, error)
	Get(ctx context.Context, id string) (visit.Visit, error)
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]visit.Visit, int, error)
	Persist(ctx context.Context, v visit.Visit) (visit.Visit, error)
	Sign(ctx context.Context, v visit.Visit) (visit.Visit, error)
	CloseAppointment(ctx context.Context, appointmentID string) (visit.Appointment, error)
}

type examStore struct {
	repo exam.Repository
}

// NewExamStore adapts an exam repository to the ExamStore the service uses.
func NewExamStore(repo exam.Repository) ExamStore {
	return &examStore{repo: repo}
}

func (s *examStore) Create(ctx context.Context, definitionID, visitID string) (exam.Exam, error) {
	return s.repo.Create(ctx, definitionID, visitID)
}

func (s *examStore) Persist(ctx context.Context, e exam.Exam) (exam.Exam, error) {
	return s.repo.Update(ctx, e)
}

func (s *examStore) GetMany(ctx context.Context, ids []string) ([]exam.Exam, error) {
	return s.repo.GetMany(ctx, ids)
}

type visitStore struct {
	repo visit.Repository
}

// NewVisitStore adapts a visit repository to the VisitStore the service uses.
func NewVisitStore(repo visit.Repository) VisitStore {
	return &visitStore{repo: repo}
}

func (s *visitStore) Create(ctx context.Context, v visit.Visit) (visit.Visit, error) {
	if err := s.repo.Create(ctx, &v); err != nil {
		return visit.Visit{}, err
	}
	return v, nil
}

func (s *visitStore) Get(ctx context.Context, id string) (visit.Visit, error) {
	v, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return visit.Visit{}, err
	}
	return *v, nil
}

func (s *visitStore) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]visit.Visit, int, error) {
	visits, total, err := s.repo.ListByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	out := make([]visit.Visit, 0, len(visits))
	for _, v := range visits {
		out = append(out, *v)
	}
	return out, total, nil
}

func (s *visitStore) Persist(ctx context.Context, v visit.Visit) (visit.Visit, error) {
	return s.repo.Update(ctx, v)
}

func (s *visitStore) Sign(ctx context.Context, v visit.Visit) (visit.Visit, error) {
	return s.repo.Sign(ctx, v)
}

func (s *visitStore) CloseAppointment(ctx context.Context, appointmentID string) (visit.Appointment, error) {
	return s.repo.CloseAppointment(ctx, appointmentID)
}
