package encounter

import (
	"errors"
	"fmt"
)

var (
	ErrRemovalConflict    = errors.New("exam holds data other than its defaults")
	ErrTransitionInFlight = errors.New("transition already in flight")
	ErrUnknownExamType    = errors.New("unknown exam type")
	ErrUnknownVisitType   = errors.New("unknown visit type")
)

// RemovalConflict is returned when an exam cannot be hidden because it holds
// recorded data.
type RemovalConflict struct {
	ExamID string
	Label  string
}

func (e *RemovalConflict) Error() string {
	return fmt.Sprintf("exam %s (%s): %v", e.Label, e.ExamID, ErrRemovalConflict)
}

func (e *RemovalConflict) Unwrap() error { return ErrRemovalConflict }

// PersistenceError wraps a store failure during op. The store error is kept
// unchanged so callers can match on it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}
