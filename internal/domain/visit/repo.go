package visit

import (
	"context"
	"errors"
)

var (
	ErrNotFound        = errors.New("visit not found")
	ErrVersionConflict = errors.New("visit was modified by another session")
	ErrAlreadySigned   = errors.New("visit is already signed")
	ErrLocked          = errors.New("visit is locked")
)

type Repository interface {
	Create(ctx context.Context, v *Visit) error
	GetByID(ctx context.Context, id string) (*Visit, error)
	// Update writes v if its VersionID still matches the stored row and
	// returns the stored result. Exam id lists are not written: exams are
	// linked by the exam store when they are created.
	Update(ctx context.Context, v Visit) (Visit, error)
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Visit, int, error)

	// Actions
	// Sign refuses a signed visit with ErrAlreadySigned and a locked one
	// with ErrLocked.
	Sign(ctx context.Context, v Visit) (Visit, error)
	CloseAppointment(ctx context.Context, appointmentID string) (Appointment, error)
}
