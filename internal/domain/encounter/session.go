package encounter

import (
	"context"
	"errors"
	"fmt"

	"github.com/ehr/encounter/internal/domain/catalog"
	"github.com/ehr/encounter/internal/domain/exam"
	"github.com/ehr/encounter/internal/domain/visit"
)

var ErrInvalidVisit = errors.New("invalid visit")

// CreateVisit opens a visit for a patient. A pretest visit has no doctor
// until one takes it over; otherwise the session's doctor owns it. The
// visit records the privileges the session was granted.
func (s *Service) CreateVisit(ctx context.Context, sess SessionContext, draft visit.Visit, pretest bool) (visit.Visit, error) {
	if sess.ReadOnly {
		return visit.Visit{}, fmt.Errorf("%w: read-only session", ErrInvalidVisit)
	}
	if draft.PatientID == "" {
		return visit.Visit{}, fmt.Errorf("%w: patient_id is required", ErrInvalidVisit)
	}
	v := draft.Clone()
	v.ID = ""
	v.Locked = false
	v.PreCustomExamIDs = nil
	v.CustomExamIDs = nil
	v.Prescription = visit.Prescription{}
	v.ConsultationDetail = visit.ConsultationDetail{}
	v.Privileges = sess.Privileges
	v.UserID = sess.DoctorID
	if pretest {
		v.UserID = ""
	}
	if v.Date.IsZero() {
		v.Date = s.now().UTC()
	}
	created, err := s.visits.Create(ctx, v)
	if err != nil {
		return visit.Visit{}, persistErr("create visit", err)
	}
	s.logger.Info().Str("visit_id", created.ID).Bool("pretest", pretest).Msg("visit created")
	return created, nil
}

// StartVisit assigns the visit type chosen by the doctor and instantiates
// the type's exam template. A doctor starting an unassigned visit takes it
// over.
func (s *Service) StartVisit(ctx context.Context, sess SessionContext, v visit.Visit, exams []exam.Exam, typeID, typeName string) (res TransitionResult, err error) {
	release, err := s.acquire(ctx, v.ID, TransitionStart)
	if err != nil {
		return TransitionResult{}, err
	}
	defer release()
	defer func() { s.record(v.ID, TransitionStart, res.Outcome, err) }()

	if sess.ReadOnly {
		return TransitionResult{Outcome: OutcomeNoop, Visit: v}, nil
	}
	p := sess.Privileges
	if !(p.PretestWrite() && !visit.PretestHasStarted(v)) && !p.MedicalDataWrite() {
		return TransitionResult{Outcome: OutcomeDenied, Visit: v}, nil
	}

	var template []string
	if s.types != nil {
		vt, err := s.types.GetVisitType(ctx, typeID)
		if errors.Is(err, catalog.ErrVisitTypeNotFound) {
			return TransitionResult{Visit: v}, fmt.Errorf("%w: %s", ErrUnknownVisitType, typeID)
		}
		if err != nil {
			return TransitionResult{Visit: v}, persistErr("load visit type", err)
		}
		template = vt.ExamNames
		if typeName == "" {
			typeName = vt.Name
		}
	}

	started := v.Clone()
	started.VisitTypeID = typeID
	started.TypeName = typeName
	if started.UserID == "" && sess.DoctorID != "" && p.MedicalDataWrite() {
		started.UserID = sess.DoctorID
	}
	stored, err := s.visits.Persist(ctx, started)
	if err != nil {
		return TransitionResult{Visit: v}, persistErr("start visit", err)
	}
	stored, err = s.instantiate(ctx, stored, exams, template)
	if err != nil {
		return TransitionResult{Visit: stored}, err
	}
	return TransitionResult{Outcome: OutcomeApplied, Visit: stored}, nil
}

// instantiate creates the named exam types in v. A single-value type that
// already has an instance is shown instead of duplicated.
func (s *Service) instantiate(ctx context.Context, v visit.Visit, exams []exam.Exam, names []string) (visit.Visit, error) {
	if len(names) == 0 {
		return v, nil
	}
	_, idx, err := s.lookup(ctx)
	if err != nil {
		return v, err
	}
	for _, name := range names {
		d, ok := idx.Find(name)
		if !ok {
			return v, fmt.Errorf("%w: %s", ErrUnknownExamType, name)
		}
		if e, ok := instanceOf(exams, d.Name); ok && !d.MultiValue {
			if e.IsHidden {
				e.IsHidden = false
				if _, err := s.exams.Persist(ctx, e); err != nil {
					return v, persistErr("unhide exam", err)
				}
			}
			continue
		}
		created, err := s.exams.Create(ctx, d.ID, v.ID)
		if err != nil {
			return v, persistErr("create exam", err)
		}
		v = v.WithExamID(created.ID, created.Definition.IsPreExam)
		exams = append(exams[:len(exams):len(exams)], created)
	}
	return v, nil
}

// AddExam adds the exam type with the given label or name to the visit.
// Only types the visit still offers may be added, and in pretest mode only
// pretest types. An existing single-value instance is shown again instead
// of duplicated, or left alone when already visible.
func (s *Service) AddExam(ctx context.Context, sess SessionContext, v visit.Visit, exams []exam.Exam, label string) (res ExamResult, err error) {
	release, err := s.acquire(ctx, v.ID, TransitionAddExam)
	if err != nil {
		return ExamResult{}, err
	}
	defer release()
	defer func() { s.record(v.ID, TransitionAddExam, res.Outcome, err) }()

	if sess.ReadOnly {
		return ExamResult{Outcome: OutcomeNoop, Visit: v}, nil
	}
	defs, idx, err := s.lookup(ctx)
	if err != nil {
		return ExamResult{Visit: v}, err
	}
	d, ok := idx.Find(label)
	if !ok {
		return ExamResult{Visit: v}, fmt.Errorf("%w: %s", ErrUnknownExamType, label)
	}
	if !canAddType(d, sess.Privileges) {
		return ExamResult{Outcome: OutcomeDenied, Visit: v}, nil
	}
	existing, found := instanceOf(exams, d.Name)
	if found && !d.MultiValue && !existing.IsHidden {
		return ExamResult{Outcome: OutcomeNoop, Visit: v, Exam: existing}, nil
	}
	if !offered(v, exams, defs, d) {
		return ExamResult{Outcome: OutcomeDenied, Visit: v}, nil
	}

	if found && !d.MultiValue {
		return s.unhide(ctx, sess, v, exams, defs, existing)
	}
	created, err := s.exams.Create(ctx, d.ID, v.ID)
	if err != nil {
		return ExamResult{Visit: v}, persistErr("create exam", err)
	}
	next := v.WithExamID(created.ID, created.Definition.IsPreExam)
	return applied(next, exams, defs, created), nil
}

// offered reports whether d is among the types the visit currently offers
// for addition.
func offered(v visit.Visit, exams []exam.Exam, defs []exam.Definition, d exam.Definition) bool {
	if visit.Classify(v) == visit.ModePretest && !d.IsPreExam {
		return false
	}
	for _, u := range ComputeUnstarted(v, exams, defs) {
		if u.Name == d.Name {
			return true
		}
	}
	return false
}

// HideExam removes an exam from view. Exams holding anything but their
// defaults are refused with a *RemovalConflict and left untouched.
func (s *Service) HideExam(ctx context.Context, sess SessionContext, v visit.Visit, exams []exam.Exam, e exam.Exam) (res ExamResult, err error) {
	release, err := s.acquire(ctx, v.ID, TransitionHideExam)
	if err != nil {
		return ExamResult{}, err
	}
	defer release()
	defer func() { s.record(v.ID, TransitionHideExam, res.Outcome, err) }()

	if sess.ReadOnly {
		return ExamResult{Outcome: OutcomeNoop, Visit: v, Exam: e}, nil
	}
	if !sess.CanHide(v) {
		return ExamResult{Outcome: OutcomeDenied, Visit: v, Exam: e}, nil
	}
	defs, idx, err := s.lookup(ctx)
	if err != nil {
		return ExamResult{Visit: v, Exam: e}, err
	}
	differ := exam.NewDiffer(sess.Resolver(s.now), idx)
	if !differ.HasOnlyDefaultValues(e) {
		s.metrics.RecordHideConflict()
		return ExamResult{Visit: v, Exam: e}, &RemovalConflict{ExamID: e.ID, Label: e.Label()}
	}

	hidden := e
	hidden.IsHidden = true
	stored, err := s.exams.Persist(ctx, hidden)
	if err != nil {
		return ExamResult{Visit: v, Exam: e}, persistErr("hide exam", err)
	}
	return applied(v, exams, defs, stored), nil
}

// UnhideExam shows a hidden exam again and selects it.
func (s *Service) UnhideExam(ctx context.Context, sess SessionContext, v visit.Visit, exams []exam.Exam, e exam.Exam) (ExamResult, error) {
	if sess.ReadOnly {
		return ExamResult{Outcome: OutcomeNoop, Visit: v, Exam: e}, nil
	}
	defs, err := s.definitions(ctx)
	if err != nil {
		return ExamResult{Visit: v, Exam: e}, err
	}
	return s.unhide(ctx, sess, v, exams, defs, e)
}

func (s *Service) unhide(ctx context.Context, sess SessionContext, v visit.Visit, exams []exam.Exam, defs []exam.Definition, e exam.Exam) (ExamResult, error) {
	shown := e
	shown.IsHidden = false
	stored, err := s.exams.Persist(ctx, shown)
	if err != nil {
		return ExamResult{Visit: v, Exam: e}, persistErr("unhide exam", err)
	}
	res, err := s.SelectExam(ctx, sess, v, stored)
	if err != nil {
		return res, err
	}
	return applied(v, exams, defs, res.Exam), nil
}

// applied builds the result of an exam change, with the unstarted types and
// addable sections recomputed over the changed exam list.
func applied(v visit.Visit, exams []exam.Exam, defs []exam.Definition, changed exam.Exam) ExamResult {
	unstarted := ComputeUnstarted(v, replaceExam(exams, changed), defs)
	return ExamResult{
		Outcome:         OutcomeApplied,
		Visit:           v,
		Exam:            changed,
		UnstartedTypes:  labels(unstarted),
		AddableSections: ComputeAddableSections(unstarted),
	}
}

func replaceExam(exams []exam.Exam, changed exam.Exam) []exam.Exam {
	out := make([]exam.Exam, 0, len(exams)+1)
	found := false
	for _, e := range exams {
		if e.ID == changed.ID {
			e = changed
			found = true
		}
		out = append(out, e)
	}
	if !found {
		out = append(out, changed)
	}
	return out
}

func instanceOf(exams []exam.Exam, name string) (exam.Exam, bool) {
	for _, e := range exams {
		if e.Definition.Name == name {
			return e, true
		}
	}
	return exam.Exam{}, false
}

// SelectExam opens an exam. An exam flagged invalid is reset to a started
// state first; otherwise nothing changes and the caller navigates to it.
func (s *Service) SelectExam(ctx context.Context, sess SessionContext, v visit.Visit, e exam.Exam) (ExamResult, error) {
	if !e.IsInvalid || sess.ReadOnly {
		return ExamResult{Outcome: OutcomeNoop, Visit: v, Exam: e}, nil
	}
	reset := e
	reset.IsInvalid = false
	reset.HasStarted = true
	stored, err := s.exams.Persist(ctx, reset)
	if err != nil {
		return ExamResult{Visit: v, Exam: e}, persistErr("select exam", err)
	}
	return ExamResult{Outcome: OutcomeApplied, Visit: v, Exam: stored}, nil
}

// StoreExam saves edited exam values. An exam counts as started as soon as
// its bucket holds anything.
func (s *Service) StoreExam(ctx context.Context, sess SessionContext, v visit.Visit, e exam.Exam) (ExamResult, error) {
	if sess.ReadOnly {
		return ExamResult{Outcome: OutcomeNoop, Visit: v, Exam: e}, nil
	}
	if !canAddType(e.Definition, sess.Privileges) || (v.Locked && !e.Definition.AddablePostLock) {
		return ExamResult{Outcome: OutcomeDenied, Visit: v, Exam: e}, nil
	}
	e.HasStarted = !exam.IsEmpty(e.Bucket())
	stored, err := s.exams.Persist(ctx, e)
	if err != nil {
		return ExamResult{Visit: v, Exam: e}, persistErr("store exam", err)
	}
	return ExamResult{Outcome: OutcomeApplied, Visit: v, Exam: stored}, nil
}

// FindExam returns the exam with the given id.
func FindExam(exams []exam.Exam, id string) (exam.Exam, bool) {
	for _, e := range exams {
		if e.ID == id {
			return e, true
		}
	}
	return exam.Exam{}, false
}
