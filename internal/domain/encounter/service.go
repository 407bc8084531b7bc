package encounter

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/encounter/internal/domain/catalog"
	"github.com/ehr/encounter/internal/domain/exam"
	"github.com/ehr/encounter/internal/domain/visit"
)

// Transition names, used as guard keys, metric labels and log fields.
const (
	TransitionLock     = "lock"
	TransitionUnlock   = "unlock"
	TransitionSign     = "sign"
	TransitionComplete = "complete"
	TransitionStart    = "start"
	TransitionAddExam  = "add_exam"
	TransitionHideExam = "hide_exam"
)

// Recorder receives transition outcomes for metrics.
type Recorder interface {
	RecordTransition(transition, outcome string)
	RecordHideConflict()
}

type nopRecorder struct{}

func (nopRecorder) RecordTransition(string, string) {}
func (nopRecorder) RecordHideConflict()             {}

type Service struct {
	catalog Catalog
	types   VisitTypes
	exams   ExamStore
	visits  VisitStore
	guard   TransitionGuard
	metrics Recorder
	logger  zerolog.Logger
	now     func() time.Time
}

func NewService(catalog Catalog, exams ExamStore, visits VisitStore) *Service {
	return &Service{
		catalog: catalog,
		exams:   exams,
		visits:  visits,
		guard:   NewMemoryGuard(),
		metrics: nopRecorder{},
		logger:  zerolog.Nop(),
		now:     time.Now,
	}
}

// SetVisitTypes enables visit-type templates. Without it StartVisit only
// records the type.
func (s *Service) SetVisitTypes(t VisitTypes) { s.types = t }

// SetGuard replaces the default in-process transition guard.
func (s *Service) SetGuard(g TransitionGuard) { s.guard = g }

func (s *Service) SetRecorder(r Recorder) { s.metrics = r }

func (s *Service) SetLogger(logger zerolog.Logger) {
	s.logger = logger.With().Str("component", "encounter").Logger()
}

// SetClock overrides the time source used for lock dates and [currentDate].
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Load returns the visit and all of its exams, pretest exams first.
func (s *Service) Load(ctx context.Context, visitID string) (visit.Visit, []exam.Exam, error) {
	v, err := s.visits.Get(ctx, visitID)
	if err != nil {
		return visit.Visit{}, nil, persistErr("load visit", err)
	}
	exams, err := s.exams.GetMany(ctx, visit.AllExamIDs(v))
	if err != nil {
		return visit.Visit{}, nil, persistErr("load exams", err)
	}
	return v, exams, nil
}

// ListVisits returns a page of the patient's visits, newest first.
func (s *Service) ListVisits(ctx context.Context, patientID string, limit, offset int) ([]visit.Visit, int, error) {
	visits, total, err := s.visits.ListByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, 0, persistErr("list visits", err)
	}
	return visits, total, nil
}

func (s *Service) definitions(ctx context.Context) ([]exam.Definition, error) {
	defs, err := s.catalog.ListDefinitions(ctx)
	if err != nil {
		return nil, persistErr("list exam types", err)
	}
	return defs, nil
}

// Compose loads the visit and lays it out for the session.
func (s *Service) Compose(ctx context.Context, sess SessionContext, visitID string) (Composition, error) {
	v, exams, err := s.Load(ctx, visitID)
	if err != nil {
		return Composition{}, err
	}
	defs, err := s.definitions(ctx)
	if err != nil {
		return Composition{}, err
	}
	return Compose(v, exams, defs, sess), nil
}

func (s *Service) acquire(ctx context.Context, visitID, transition string) (func(), error) {
	release, err := s.guard.Acquire(ctx, visitID, transition)
	if errors.Is(err, ErrTransitionInFlight) {
		s.metrics.RecordTransition(transition, "in_flight")
		s.logger.Warn().Str("visit_id", visitID).Str("transition", transition).Msg("transition already in flight")
	}
	return release, err
}

func (s *Service) record(visitID, transition string, outcome Outcome, err error) {
	label := string(outcome)
	evt := s.logger.Info()
	if err != nil {
		label = "error"
		if errors.Is(err, ErrRemovalConflict) {
			label = "conflict"
			evt = s.logger.Warn().Err(err)
		} else {
			evt = s.logger.Error().Err(err)
		}
	}
	s.metrics.RecordTransition(transition, label)
	evt.Str("visit_id", visitID).
		Str("transition", transition).
		Str("outcome", label).
		Msg("visit transition")
}

// Lock freezes the visit. Invalid exams refuse the lock unless override is
// set, in which case the lock goes through and the labels are still reported.
func (s *Service) Lock(ctx context.Context, sess SessionContext, v visit.Visit, exams []exam.Exam, override bool) (res TransitionResult, err error) {
	release, err := s.acquire(ctx, v.ID, TransitionLock)
	if err != nil {
		return TransitionResult{}, err
	}
	defer release()
	defer func() { s.record(v.ID, TransitionLock, res.Outcome, err) }()

	if !CanLock(sess, v) {
		return TransitionResult{Outcome: OutcomeDenied, Visit: v}, nil
	}
	invalid := ValidateVisit(v, exams)
	if len(invalid) > 0 && !override {
		return TransitionResult{Outcome: OutcomeRefused, Visit: v, InvalidLabels: invalid}, nil
	}

	locked := v.Clone()
	now := s.now()
	by := sess.DoctorID
	locked.Locked = true
	locked.ConsultationDetail.LockedOn = &now
	locked.ConsultationDetail.LastUpdateBy = &by
	stored, err := s.visits.Persist(ctx, locked)
	if err != nil {
		return TransitionResult{Visit: v}, persistErr("lock visit", err)
	}
	return TransitionResult{Outcome: OutcomeApplied, Visit: stored, InvalidLabels: invalid}, nil
}

// Unlock reopens a locked visit. Any session holding write access to
// medical data or pretests may do so, not only the visit's doctor.
func (s *Service) Unlock(ctx context.Context, sess SessionContext, v visit.Visit) (res TransitionResult, err error) {
	release, err := s.acquire(ctx, v.ID, TransitionUnlock)
	if err != nil {
		return TransitionResult{}, err
	}
	defer release()
	defer func() { s.record(v.ID, TransitionUnlock, res.Outcome, err) }()

	if !v.Locked {
		return TransitionResult{Outcome: OutcomeNoop, Visit: v}, nil
	}
	if !UnlockAllowed(sess, v) {
		return TransitionResult{Outcome: OutcomeDenied, Visit: v}, nil
	}

	unlocked := v.Clone()
	by := sess.DoctorID
	unlocked.Locked = false
	unlocked.ConsultationDetail.LockedOn = nil
	unlocked.ConsultationDetail.LastUpdateBy = &by
	stored, err := s.visits.Persist(ctx, unlocked)
	if err != nil {
		return TransitionResult{Visit: v}, persistErr("unlock visit", err)
	}
	return TransitionResult{Outcome: OutcomeApplied, Visit: stored}, nil
}

// Sign signs the visit's prescription through the visit store.
func (s *Service) Sign(ctx context.Context, sess SessionContext, v visit.Visit) (res TransitionResult, err error) {
	release, err := s.acquire(ctx, v.ID, TransitionSign)
	if err != nil {
		return TransitionResult{}, err
	}
	defer release()
	defer func() { s.record(v.ID, TransitionSign, res.Outcome, err) }()

	if !CanSign(sess, v) {
		return TransitionResult{Outcome: OutcomeDenied, Visit: v}, nil
	}
	stored, err := s.visits.Sign(ctx, v)
	if err != nil {
		return TransitionResult{Visit: v}, persistErr("sign visit", err)
	}
	return TransitionResult{Outcome: OutcomeApplied, Visit: stored}, nil
}

// Complete closes the visit's appointment, behind the same validation gate
// as Lock.
func (s *Service) Complete(ctx context.Context, sess SessionContext, v visit.Visit, exams []exam.Exam, override bool) (res TransitionResult, err error) {
	release, err := s.acquire(ctx, v.ID, TransitionComplete)
	if err != nil {
		return TransitionResult{}, err
	}
	defer release()
	defer func() { s.record(v.ID, TransitionComplete, res.Outcome, err) }()

	if !v.HasAppointment() {
		return TransitionResult{Outcome: OutcomeNoop, Visit: v}, nil
	}
	if !CanComplete(sess, v) {
		return TransitionResult{Outcome: OutcomeDenied, Visit: v}, nil
	}
	invalid := ValidateVisit(v, exams)
	if len(invalid) > 0 && !override {
		return TransitionResult{Outcome: OutcomeRefused, Visit: v, InvalidLabels: invalid}, nil
	}

	appt, err := s.visits.CloseAppointment(ctx, *v.AppointmentID)
	if err != nil {
		return TransitionResult{Visit: v}, persistErr("close appointment", err)
	}
	return TransitionResult{Outcome: OutcomeApplied, Visit: v, Appointment: &appt, InvalidLabels: invalid}, nil
}

func (s *Service) lookup(ctx context.Context) ([]exam.Definition, *catalog.Index, error) {
	defs, err := s.definitions(ctx)
	if err != nil {
		return nil, nil, err
	}
	return defs, catalog.NewIndex(defs), nil
}
