package encounter

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/ehr/encounter/internal/domain/exam"
	"github.com/ehr/encounter/internal/domain/visit"
)

type busyGuard struct{}

func (busyGuard) Acquire(context.Context, string, string) (func(), error) {
	return nil, ErrTransitionInFlight
}

func notesExam(id, note string, invalid bool) exam.Exam {
	return exam.Exam{
		ID:         id,
		Definition: definition("Notes"),
		IsInvalid:  invalid,
		HasStarted: note != "",
		Values:     map[string]any{"Notes": map[string]any{"Note": note}},
	}
}

func TestService_Lock_RefusedByInvalidExam(t *testing.T) {
	env := newTestEnv(activeVisit())
	env.withExam("visit-1", notesExam("e-notes", "", true))
	v, exams := env.load(t, "visit-1")

	res, err := env.svc.Lock(context.Background(), grantedOn(doctorSession(), v), v, exams, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeRefused {
		t.Fatalf("expected refused, got %s", res.Outcome)
	}
	if len(res.InvalidLabels) != 1 || res.InvalidLabels[0] != "Notes" {
		t.Errorf("expected [Notes], got %v", res.InvalidLabels)
	}
	if res.Visit.Locked || env.visits.persisted != 0 {
		t.Error("refused lock must not touch the visit")
	}
	if env.recorder.transitions["lock/refused"] != 1 {
		t.Errorf("expected refused lock to be recorded, got %v", env.recorder.transitions)
	}
}

func TestService_Lock_Override(t *testing.T) {
	env := newTestEnv(activeVisit())
	env.withExam("visit-1", notesExam("e-notes", "", true))
	v, exams := env.load(t, "visit-1")

	res, err := env.svc.Lock(context.Background(), grantedOn(doctorSession(), v), v, exams, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeApplied || !res.Visit.Locked {
		t.Fatalf("expected applied lock, got %s locked=%v", res.Outcome, res.Visit.Locked)
	}
	if len(res.InvalidLabels) != 1 {
		t.Errorf("override should still report invalid labels, got %v", res.InvalidLabels)
	}
	cd := res.Visit.ConsultationDetail
	if cd.LockedOn == nil || !cd.LockedOn.Equal(testNow) {
		t.Errorf("expected LockedOn %v, got %v", testNow, cd.LockedOn)
	}
	if cd.LastUpdateBy == nil || *cd.LastUpdateBy != "doc-1" {
		t.Errorf("expected LastUpdateBy doc-1, got %v", cd.LastUpdateBy)
	}
	if res.Visit.VersionID != 2 {
		t.Errorf("expected stored version 2, got %d", res.Visit.VersionID)
	}
	if v.Locked {
		t.Error("input visit was modified")
	}
}

func TestService_Lock_Denied(t *testing.T) {
	tests := []struct {
		name string
		sess SessionContext
		v    func() visit.Visit
	}{
		{"other doctor", SessionContext{DoctorID: "doc-2"}, activeVisit},
		{"read only", SessionContext{DoctorID: "doc-1", ReadOnly: true}, activeVisit},
		{"no doctor on pretest visit", SessionContext{}, func() visit.Visit {
			v := activeVisit()
			v.UserID = ""
			return v
		}},
		{"already locked", doctorSession(), func() visit.Visit {
			v := activeVisit()
			v.Locked = true
			return v
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(tt.v())
			v, exams := env.load(t, "visit-1")
			res, err := env.svc.Lock(context.Background(), grantedOn(tt.sess, v), v, exams, false)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Outcome != OutcomeDenied {
				t.Errorf("expected denied, got %s", res.Outcome)
			}
			if env.visits.persisted != 0 {
				t.Error("denied lock must not persist")
			}
		})
	}
}

func TestService_Lock_InFlight(t *testing.T) {
	env := newTestEnv(activeVisit())
	env.svc.SetGuard(busyGuard{})
	v, exams := env.load(t, "visit-1")

	_, err := env.svc.Lock(context.Background(), grantedOn(doctorSession(), v), v, exams, false)
	if !errors.Is(err, ErrTransitionInFlight) {
		t.Fatalf("expected ErrTransitionInFlight, got %v", err)
	}
	if env.recorder.transitions["lock/in_flight"] != 1 {
		t.Errorf("expected in-flight to be recorded, got %v", env.recorder.transitions)
	}
}

func TestService_Lock_PersistenceError(t *testing.T) {
	env := newTestEnv(activeVisit())
	v, exams := env.load(t, "visit-1")
	dbErr := errors.New("connection reset")
	env.visits.err = dbErr

	res, err := env.svc.Lock(context.Background(), grantedOn(doctorSession(), v), v, exams, false)
	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *PersistenceError, got %T: %v", err, err)
	}
	if pe.Op != "lock visit" || !errors.Is(err, dbErr) {
		t.Errorf("unexpected persistence error %v", pe)
	}
	if res.Visit.Locked {
		t.Error("failed lock must leave the visit unlocked")
	}
	if env.recorder.transitions["lock/error"] != 1 {
		t.Errorf("expected error outcome, got %v", env.recorder.transitions)
	}
}

func TestService_Lock_VersionConflict(t *testing.T) {
	env := newTestEnv(activeVisit())
	v, exams := env.load(t, "visit-1")

	concurrent := env.visits.visits["visit-1"]
	concurrent.VersionID++
	env.visits.visits["visit-1"] = concurrent

	_, err := env.svc.Lock(context.Background(), grantedOn(doctorSession(), v), v, exams, false)
	if !errors.Is(err, visit.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
}

func lockedVisit() visit.Visit {
	v := activeVisit()
	v.Locked = true
	lockedOn := testNow
	v.ConsultationDetail.LockedOn = &lockedOn
	return v
}

func TestService_Unlock(t *testing.T) {
	env := newTestEnv(lockedVisit())
	v, _ := env.load(t, "visit-1")

	res, err := env.svc.Unlock(context.Background(), grantedOn(doctorSession(), v), v)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeApplied || res.Visit.Locked {
		t.Fatalf("expected applied unlock, got %s locked=%v", res.Outcome, res.Visit.Locked)
	}
	if res.Visit.ConsultationDetail.LockedOn != nil {
		t.Error("expected LockedOn to be cleared")
	}
	if env.visits.persisted != 1 {
		t.Errorf("expected one persist, got %d", env.visits.persisted)
	}
}

func TestService_Unlock_NotLockedIsNoop(t *testing.T) {
	env := newTestEnv(activeVisit())
	v, _ := env.load(t, "visit-1")

	res, err := env.svc.Unlock(context.Background(), grantedOn(doctorSession(), v), v)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeNoop {
		t.Errorf("expected noop, got %s", res.Outcome)
	}
	if env.visits.persisted != 0 {
		t.Error("noop unlock must not reach the store")
	}
}

func TestService_Unlock_Access(t *testing.T) {
	readOnly := visit.Privileges{MedicalData: visit.ReadOnly, Pretest: visit.ReadOnly}

	tests := []struct {
		name string
		sess SessionContext
		want Outcome
	}{
		{"other doctor with write access", SessionContext{DoctorID: "doc-2", Privileges: fullAccess()}, OutcomeApplied},
		{"pretest staff", pretestSession(), OutcomeApplied},
		{"owner without write access", SessionContext{DoctorID: "doc-1", Privileges: readOnly}, OutcomeDenied},
		{"no grants", SessionContext{DoctorID: "doc-1"}, OutcomeDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(lockedVisit())
			v, _ := env.load(t, "visit-1")
			res, err := env.svc.Unlock(context.Background(), tt.sess, v)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Outcome != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, res.Outcome)
			}
			if res.Visit.Locked != (tt.want == OutcomeDenied) {
				t.Errorf("unexpected locked=%v after %s", res.Visit.Locked, res.Outcome)
			}
		})
	}
}

func TestService_Sign(t *testing.T) {
	env := newTestEnv(activeVisit())
	v, _ := env.load(t, "visit-1")

	res, err := env.svc.Sign(context.Background(), grantedOn(doctorSession(), v), v)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeApplied || !res.Visit.IsSigned() {
		t.Fatalf("expected signed visit, got %s", res.Outcome)
	}
	if env.visits.signs != 1 {
		t.Errorf("expected one sign call, got %d", env.visits.signs)
	}

	res, err = env.svc.Sign(context.Background(), grantedOn(doctorSession(), res.Visit), res.Visit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeDenied || env.visits.signs != 1 {
		t.Errorf("signing twice should be denied, got %s", res.Outcome)
	}
}

func TestService_Sign_LockedDenied(t *testing.T) {
	env := newTestEnv(lockedVisit())
	v, _ := env.load(t, "visit-1")

	res, err := env.svc.Sign(context.Background(), grantedOn(doctorSession(), v), v)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeDenied || env.visits.signs != 0 {
		t.Errorf("expected denied without store call, got %s", res.Outcome)
	}
}

func TestService_Complete(t *testing.T) {
	env := newTestEnv(activeVisit())
	env.withExam("visit-1", notesExam("e-notes", "", true))
	v, exams := env.load(t, "visit-1")
	sess := grantedOn(doctorSession(), v)

	res, err := env.svc.Complete(context.Background(), sess, v, exams, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeRefused || len(env.visits.closed) != 0 {
		t.Fatalf("expected refusal without closing, got %s", res.Outcome)
	}

	res, err = env.svc.Complete(context.Background(), sess, v, exams, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %s", res.Outcome)
	}
	if res.Appointment == nil || res.Appointment.Status != visit.AppointmentStatusCompleted {
		t.Errorf("expected completed appointment, got %+v", res.Appointment)
	}
	if len(env.visits.closed) != 1 || env.visits.closed[0] != "appt-1" {
		t.Errorf("expected appt-1 to be closed, got %v", env.visits.closed)
	}
}

func TestService_Complete_Gates(t *testing.T) {
	noAppointment := activeVisit()
	noAppointment.AppointmentID = nil

	tests := []struct {
		name string
		v    visit.Visit
		sess SessionContext
		want Outcome
	}{
		{"no appointment", noAppointment, doctorSession(), OutcomeNoop},
		{"read only", activeVisit(), SessionContext{DoctorID: "doc-1", ReadOnly: true}, OutcomeDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(tt.v)
			v, exams := env.load(t, "visit-1")
			res, err := env.svc.Complete(context.Background(), grantedOn(tt.sess, v), v, exams, false)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Outcome != tt.want {
				t.Errorf("expected %s, got %s", tt.want, res.Outcome)
			}
			if len(env.visits.closed) != 0 {
				t.Error("appointment must stay open")
			}
		})
	}
}

func TestService_CreateVisit(t *testing.T) {
	env := newTestEnv()
	sess := doctorSession()

	draft := visit.Visit{ID: "ignored", PatientID: "patient-9", CustomExamIDs: []string{"x"}, Locked: true,
		Privileges: visit.Privileges{MedicalData: visit.NoAccess}}
	v, err := env.svc.CreateVisit(context.Background(), sess, draft, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.ID == "ignored" || v.UserID != "doc-1" || v.Locked || len(v.CustomExamIDs) != 0 {
		t.Errorf("unexpected created visit %+v", v)
	}
	if !v.Date.Equal(testNow) {
		t.Errorf("expected date to default to now, got %v", v.Date)
	}
	if v.Privileges != sess.Privileges {
		t.Errorf("visit should record the session grants, got %+v", v.Privileges)
	}

	pre, err := env.svc.CreateVisit(context.Background(), sess, visit.Visit{PatientID: "patient-9"}, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pre.UserID != "" {
		t.Errorf("pretest visit should have no doctor, got %q", pre.UserID)
	}
	if visit.Classify(pre) != visit.ModePretest {
		t.Error("new visit should start in pretest mode")
	}
}

func TestService_CreateVisit_Invalid(t *testing.T) {
	env := newTestEnv()

	_, err := env.svc.CreateVisit(context.Background(), doctorSession(), visit.Visit{}, false)
	if !errors.Is(err, ErrInvalidVisit) {
		t.Errorf("missing patient: expected ErrInvalidVisit, got %v", err)
	}
	_, err = env.svc.CreateVisit(context.Background(), SessionContext{ReadOnly: true}, visit.Visit{PatientID: "p"}, false)
	if !errors.Is(err, ErrInvalidVisit) {
		t.Errorf("read-only session: expected ErrInvalidVisit, got %v", err)
	}
}

func pretestSession() SessionContext {
	return SessionContext{DoctorID: "tech-1", Privileges: visit.Privileges{Pretest: visit.FullAccess}}
}

func pretestVisit() visit.Visit {
	v := activeVisit()
	v.UserID = ""
	v.Privileges = visit.Privileges{Pretest: visit.FullAccess}
	return v
}

func TestService_StartVisit(t *testing.T) {
	env := newTestEnv(pretestVisit())
	v, exams := env.load(t, "visit-1")
	v.VisitTypeID = ""

	res, err := env.svc.StartVisit(context.Background(), pretestSession(), v, exams, "type-2", "Lens follow-up")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %s", res.Outcome)
	}
	if res.Visit.VisitTypeID != "type-2" || res.Visit.TypeName != "Lens follow-up" {
		t.Errorf("visit type not set: %+v", res.Visit)
	}
	if len(res.Visit.CustomExamIDs) != 1 || env.exams.exams[res.Visit.CustomExamIDs[0]].Definition.Name != "fitting" {
		t.Fatalf("expected the fitting template exam, got %v", res.Visit.CustomExamIDs)
	}
	if visit.Classify(res.Visit) != visit.ModeActive {
		t.Error("template exams should start the visit")
	}
	if res.Visit.UserID != "" {
		t.Errorf("pretest staff must not take the visit over, got %q", res.Visit.UserID)
	}
}

func TestService_StartVisit_Template(t *testing.T) {
	env := newTestEnv(pretestVisit())
	env.withExam("visit-1", exam.Exam{ID: "e-va", Definition: definition("Visual acuity"), HasStarted: true})
	env.withExam("visit-1", exam.Exam{ID: "e-cc", Definition: definition("Chief complaint"), IsHidden: true})
	v, exams := env.load(t, "visit-1")

	res, err := env.svc.StartVisit(context.Background(), doctorSession(), v, exams, "type-1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeApplied || res.Visit.TypeName != "Comprehensive" {
		t.Fatalf("expected applied with the type's name, got %s %q", res.Outcome, res.Visit.TypeName)
	}
	if env.exams.created != 1 || env.exams.exams["e-cc"].IsHidden {
		t.Errorf("hidden chief complaint should be shown, not duplicated; created %d", env.exams.created)
	}
	if n := len(res.Visit.CustomExamIDs); n != 2 || res.Visit.CustomExamIDs[0] != "e-cc" {
		t.Errorf("expected e-cc and the new notes exam, got %v", res.Visit.CustomExamIDs)
	}
	if res.Visit.UserID != "doc-1" {
		t.Errorf("starting doctor should own the visit, got %q", res.Visit.UserID)
	}
	if stored := env.visits.visits["visit-1"]; stored.UserID != "doc-1" || stored.VisitTypeID != "type-1" {
		t.Errorf("start not persisted: %+v", stored)
	}
}

func TestService_StartVisit_UnknownType(t *testing.T) {
	env := newTestEnv(pretestVisit())
	v, exams := env.load(t, "visit-1")

	_, err := env.svc.StartVisit(context.Background(), doctorSession(), v, exams, "type-9", "")
	if !errors.Is(err, ErrUnknownVisitType) {
		t.Fatalf("expected ErrUnknownVisitType, got %v", err)
	}
	if env.visits.persisted != 0 || env.exams.created != 0 {
		t.Error("unknown type must not touch the visit")
	}
}

func TestService_StartVisit_WithoutTemplates(t *testing.T) {
	env := newTestEnv(pretestVisit())
	env.svc.SetVisitTypes(nil)
	v, exams := env.load(t, "visit-1")

	res, err := env.svc.StartVisit(context.Background(), doctorSession(), v, exams, "type-9", "Walk-in")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeApplied || res.Visit.VisitTypeID != "type-9" || env.exams.created != 0 {
		t.Errorf("expected only the type to be recorded, got %s %+v", res.Outcome, res.Visit)
	}
}

func TestService_StartVisit_Gates(t *testing.T) {
	env := newTestEnv(pretestVisit())
	env.withExam("visit-1", exam.Exam{ID: "e-va", Definition: definition("Visual acuity"), HasStarted: true})
	v, exams := env.load(t, "visit-1")

	res, err := env.svc.StartVisit(context.Background(), pretestSession(), v, exams, "type-2", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeDenied {
		t.Errorf("pretest staff cannot restart a started pretest, got %s", res.Outcome)
	}

	ro := pretestSession()
	ro.ReadOnly = true
	res, _ = env.svc.StartVisit(context.Background(), ro, v, exams, "type-2", "")
	if res.Outcome != OutcomeNoop {
		t.Errorf("read-only session: expected noop, got %s", res.Outcome)
	}
	if env.visits.persisted != 0 {
		t.Error("gated start must not persist")
	}
}

func TestService_AddExam_Creates(t *testing.T) {
	env := newTestEnv(activeVisit())
	env.activate("visit-1")
	v, exams := env.load(t, "visit-1")

	res, err := env.svc.AddExam(context.Background(), grantedOn(doctorSession(), v), v, exams, "CC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeApplied || res.Exam.Definition.Name != "Chief complaint" {
		t.Fatalf("expected chief complaint to be created, got %s %+v", res.Outcome, res.Exam)
	}
	ids := res.Visit.CustomExamIDs
	if len(ids) != 2 || ids[1] != res.Exam.ID {
		t.Errorf("new exam not linked to the active list: %v", ids)
	}
	if slices.Contains(res.UnstartedTypes, "CC") {
		t.Errorf("chief complaint is no longer offered, got %v", res.UnstartedTypes)
	}
	if !slices.Contains(res.UnstartedTypes, "Medication") {
		t.Errorf("multi-value types stay offered, got %v", res.UnstartedTypes)
	}
}

func TestService_AddExam_VisibleSingleValueIsNoop(t *testing.T) {
	env := newTestEnv(activeVisit())
	env.withExam("visit-1", notesExam("e-notes", "dry eye", false))
	v, exams := env.load(t, "visit-1")

	res, err := env.svc.AddExam(context.Background(), grantedOn(doctorSession(), v), v, exams, "Notes")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeNoop || res.Exam.ID != "e-notes" {
		t.Errorf("expected noop on the existing exam, got %s %+v", res.Outcome, res.Exam)
	}
	if env.exams.created != 0 || len(env.exams.persisted) != 0 {
		t.Error("visible single-value exam must be left alone")
	}
	if env.recorder.transitions["add_exam/noop"] != 1 {
		t.Errorf("expected noop to be recorded, got %v", env.recorder.transitions)
	}
}

func TestService_AddExam_UnhidesSingleValue(t *testing.T) {
	env := newTestEnv(activeVisit())
	hidden := notesExam("e-notes", "", false)
	hidden.IsHidden = true
	env.withExam("visit-1", hidden)
	v, exams := env.load(t, "visit-1")

	res, err := env.svc.AddExam(context.Background(), grantedOn(doctorSession(), v), v, exams, "Notes")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeApplied || res.Exam.ID != "e-notes" || res.Exam.IsHidden {
		t.Fatalf("expected e-notes to be shown again, got %s %+v", res.Outcome, res.Exam)
	}
	if env.exams.created != 0 {
		t.Error("single-value type must not be duplicated")
	}
	if slices.Contains(res.UnstartedTypes, "Notes") || !slices.Contains(res.AddableSections, "History") {
		t.Errorf("unexpected offer after unhide: %v %v", res.UnstartedTypes, res.AddableSections)
	}
}

func TestService_AddExam_MultiValueCreatesAnother(t *testing.T) {
	env := newTestEnv(activeVisit())
	env.withExam("visit-1", exam.Exam{ID: "e-med", Definition: definition("Medication")})
	v, exams := env.load(t, "visit-1")

	res, err := env.svc.AddExam(context.Background(), grantedOn(doctorSession(), v), v, exams, "Medication")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Exam.ID == "e-med" || env.exams.created != 1 {
		t.Errorf("expected a second medication exam, got %+v", res.Exam)
	}
	if len(res.Visit.CustomExamIDs) != 2 {
		t.Errorf("expected two linked exams, got %v", res.Visit.CustomExamIDs)
	}
}

func TestService_AddExam_Gates(t *testing.T) {
	fittingOnly := activeVisit()
	fittingOnly.Privileges = visit.Privileges{MedicalData: visit.ReadOnly, Fitting: visit.FullAccess}

	untyped := activeVisit()
	untyped.VisitTypeID = ""

	tests := []struct {
		name   string
		v      visit.Visit
		active bool
		sess   SessionContext
		label  string
		want   Outcome
	}{
		{"locked rejects regular type", lockedVisit(), true, doctorSession(), "Notes", OutcomeDenied},
		{"locked accepts amendment", lockedVisit(), true, doctorSession(), "Amendment", OutcomeApplied},
		{"pretest staff cannot add medical exam", pretestVisit(), false, pretestSession(), "Notes", OutcomeDenied},
		{"pretest staff adds pretest exam", pretestVisit(), false, pretestSession(), "Visual acuity", OutcomeApplied},
		{"pretest mode rejects medical exam", activeVisit(), false, doctorSession(), "Notes", OutcomeDenied},
		{"pretest mode accepts pretest exam", activeVisit(), false, doctorSession(), "Visual acuity", OutcomeApplied},
		{"visit without type offers nothing", untyped, true, doctorSession(), "Notes", OutcomeDenied},
		{"active visit accepts medical exam", activeVisit(), true, doctorSession(), "Notes", OutcomeApplied},
		{"fitting access adds fitting", fittingOnly, true, doctorSession(), "fitting", OutcomeApplied},
		{"fitting access cannot add notes", fittingOnly, true, doctorSession(), "Notes", OutcomeDenied},
		{"read only", activeVisit(), true, SessionContext{DoctorID: "doc-1", ReadOnly: true}, "Notes", OutcomeNoop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(tt.v)
			if tt.active {
				env.activate("visit-1")
			}
			v, exams := env.load(t, "visit-1")
			res, err := env.svc.AddExam(context.Background(), grantedOn(tt.sess, v), v, exams, tt.label)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Outcome != tt.want {
				t.Errorf("expected %s, got %s", tt.want, res.Outcome)
			}
			if tt.want != OutcomeApplied && env.exams.created != 0 {
				t.Error("gated add must not create an exam")
			}
		})
	}
}

func TestService_AddExam_PretestLinksPreList(t *testing.T) {
	env := newTestEnv(pretestVisit())
	v, exams := env.load(t, "visit-1")

	res, err := env.svc.AddExam(context.Background(), grantedOn(pretestSession(), v), v, exams, "Visual acuity")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Visit.PreCustomExamIDs) != 1 || len(res.Visit.CustomExamIDs) != 0 {
		t.Errorf("pretest exam should be linked to the pretest list: %+v", res.Visit)
	}
	if visit.Classify(res.Visit) != visit.ModePretest {
		t.Error("pretest exams must not start the visit")
	}
}

func TestService_AddExam_UnknownType(t *testing.T) {
	env := newTestEnv(activeVisit())
	v, exams := env.load(t, "visit-1")

	_, err := env.svc.AddExam(context.Background(), grantedOn(doctorSession(), v), v, exams, "Tonometry")
	if !errors.Is(err, ErrUnknownExamType) {
		t.Errorf("expected ErrUnknownExamType, got %v", err)
	}
}

func TestService_AddExam_CatalogFailure(t *testing.T) {
	env := newTestEnv(activeVisit())
	v, exams := env.load(t, "visit-1")
	env.catalog.err = errors.New("catalog offline")

	_, err := env.svc.AddExam(context.Background(), grantedOn(doctorSession(), v), v, exams, "Notes")
	var pe *PersistenceError
	if !errors.As(err, &pe) || pe.Op != "list exam types" {
		t.Errorf("expected list exam types persistence error, got %v", err)
	}
}

func TestService_HideExam_RemovalConflict(t *testing.T) {
	env := newTestEnv(activeVisit())
	dirty := env.withExam("visit-1", notesExam("e-notes", "follow up in 6 weeks", false))
	v, exams := env.load(t, "visit-1")

	res, err := env.svc.HideExam(context.Background(), grantedOn(doctorSession(), v), v, exams, dirty)
	if !errors.Is(err, ErrRemovalConflict) {
		t.Fatalf("expected ErrRemovalConflict, got %v", err)
	}
	var conflict *RemovalConflict
	if !errors.As(err, &conflict) || conflict.ExamID != "e-notes" || conflict.Label != "Notes" {
		t.Errorf("unexpected conflict %+v", conflict)
	}
	if res.Exam.IsHidden || env.exams.exams["e-notes"].IsHidden {
		t.Error("conflicting exam must stay visible")
	}
	if len(env.exams.persisted) != 0 {
		t.Error("conflicting hide must not persist")
	}
	if env.recorder.conflicts != 1 || env.recorder.transitions["hide_exam/conflict"] != 1 {
		t.Errorf("expected conflict to be recorded: %d %v", env.recorder.conflicts, env.recorder.transitions)
	}
}

func TestService_HideExam_DefaultsOnly(t *testing.T) {
	env := newTestEnv(activeVisit())
	clean := env.withExam("visit-1", notesExam("e-notes", "", false))
	env.withExam("visit-1", exam.Exam{ID: "e-cc", Definition: definition("Chief complaint"), HasStarted: true})
	v, exams := env.load(t, "visit-1")

	before := labels(ComputeUnstarted(v, exams, testDefinitions()))
	if slices.Contains(before, "Notes") {
		t.Fatalf("visible Notes should not be offered, got %v", before)
	}

	res, err := env.svc.HideExam(context.Background(), grantedOn(doctorSession(), v), v, exams, clean)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeApplied || !res.Exam.IsHidden {
		t.Fatalf("expected hidden exam, got %s %+v", res.Outcome, res.Exam)
	}
	if !env.exams.exams["e-notes"].IsHidden {
		t.Error("hidden flag not persisted")
	}
	if !slices.Contains(res.UnstartedTypes, "Notes") {
		t.Errorf("hidden Notes should be offered again, got %v", res.UnstartedTypes)
	}
	if slices.Contains(res.UnstartedTypes, "CC") {
		t.Errorf("visible chief complaint must stay unoffered, got %v", res.UnstartedTypes)
	}
	if !slices.Contains(res.AddableSections, "History") {
		t.Errorf("History should be addable, got %v", res.AddableSections)
	}
}

func TestService_HideExam_Gates(t *testing.T) {
	assigned := pretestVisit()
	assigned.UserID = "doc-1"

	tests := []struct {
		name string
		v    visit.Visit
		sess SessionContext
		want Outcome
	}{
		{"pretest staff before doctor", pretestVisit(), pretestSession(), OutcomeApplied},
		{"pretest staff after doctor", assigned, pretestSession(), OutcomeDenied},
		{"read only", activeVisit(), SessionContext{DoctorID: "doc-1", ReadOnly: true}, OutcomeNoop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(tt.v)
			e := env.withExam("visit-1", exam.Exam{ID: "e-va", Definition: definition("Visual acuity")})
			v, exams := env.load(t, "visit-1")
			res, err := env.svc.HideExam(context.Background(), grantedOn(tt.sess, v), v, exams, e)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Outcome != tt.want {
				t.Errorf("expected %s, got %s", tt.want, res.Outcome)
			}
		})
	}
}

func TestService_UnhideExam(t *testing.T) {
	env := newTestEnv(activeVisit())
	e := notesExam("e-notes", "", true)
	e.IsHidden = true
	e = env.withExam("visit-1", e)
	v, exams := env.load(t, "visit-1")

	if before := labels(ComputeUnstarted(v, exams, testDefinitions())); !slices.Contains(before, "Notes") {
		t.Fatalf("hidden Notes should be offered, got %v", before)
	}

	res, err := env.svc.UnhideExam(context.Background(), grantedOn(doctorSession(), v), v, exams, e)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeApplied || res.Exam.IsHidden {
		t.Fatalf("expected visible exam, got %s %+v", res.Outcome, res.Exam)
	}
	if res.Exam.IsInvalid || !res.Exam.HasStarted {
		t.Error("unhide should reselect and reset an invalid exam")
	}
	if slices.Contains(res.UnstartedTypes, "Notes") {
		t.Errorf("shown Notes must not be offered, got %v", res.UnstartedTypes)
	}
	if !slices.Contains(res.AddableSections, "History") {
		t.Errorf("medication keeps History addable, got %v", res.AddableSections)
	}
}

func TestService_SelectExam(t *testing.T) {
	env := newTestEnv(activeVisit())
	invalid := env.withExam("visit-1", notesExam("e-bad", "", true))
	valid := env.withExam("visit-1", notesExam("e-ok", "x", false))
	v, _ := env.load(t, "visit-1")
	sess := grantedOn(doctorSession(), v)

	res, err := env.svc.SelectExam(context.Background(), sess, v, valid)
	if err != nil || res.Outcome != OutcomeNoop {
		t.Errorf("valid exam: expected noop, got %s %v", res.Outcome, err)
	}

	ro := sess
	ro.ReadOnly = true
	res, _ = env.svc.SelectExam(context.Background(), ro, v, invalid)
	if res.Outcome != OutcomeNoop || len(env.exams.persisted) != 0 {
		t.Errorf("read-only session must not reset, got %s", res.Outcome)
	}

	res, err = env.svc.SelectExam(context.Background(), sess, v, invalid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeApplied || res.Exam.IsInvalid || !res.Exam.HasStarted {
		t.Errorf("expected reset exam, got %s %+v", res.Outcome, res.Exam)
	}
}

func TestService_StoreExam(t *testing.T) {
	env := newTestEnv(activeVisit())
	e := env.withExam("visit-1", notesExam("e-notes", "", false))
	v, _ := env.load(t, "visit-1")
	sess := grantedOn(doctorSession(), v)

	e.Values = map[string]any{"Notes": map[string]any{"Note": "dry eye"}}
	res, err := env.svc.StoreExam(context.Background(), sess, v, e)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeApplied || !res.Exam.HasStarted {
		t.Errorf("expected started exam, got %s %+v", res.Outcome, res.Exam)
	}

	e.Values = map[string]any{"Notes": map[string]any{"Note": " "}}
	res, _ = env.svc.StoreExam(context.Background(), sess, v, e)
	if res.Exam.HasStarted {
		t.Error("blank values should not count as started")
	}
}

func TestService_StoreExam_LockedDenied(t *testing.T) {
	env := newTestEnv(lockedVisit())
	e := env.withExam("visit-1", notesExam("e-notes", "", false))
	v, _ := env.load(t, "visit-1")

	res, err := env.svc.StoreExam(context.Background(), grantedOn(doctorSession(), v), v, e)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeDenied || len(env.exams.persisted) != 0 {
		t.Errorf("expected denied edit on locked visit, got %s", res.Outcome)
	}
}

func TestService_Compose(t *testing.T) {
	env := newTestEnv(activeVisit())
	env.withExam("visit-1", notesExam("e-notes", "x", false))

	comp, err := env.svc.Compose(context.Background(), doctorSession(), "visit-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !comp.Readable || comp.Mode != visit.ModeActive {
		t.Fatalf("unexpected composition %+v", comp)
	}
	if !comp.CanLock {
		t.Error("owner should be able to lock")
	}

	// Grants recorded on the visit do not stand in for the session's.
	comp, err = env.svc.Compose(context.Background(), SessionContext{DoctorID: "doc-1"}, "visit-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if comp.Readable || comp.Sections != nil {
		t.Errorf("session without grants should not read the visit, got %+v", comp)
	}

	_, err = env.svc.Compose(context.Background(), doctorSession(), "missing")
	if !errors.Is(err, visit.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_ListVisits(t *testing.T) {
	a, b, c := activeVisit(), activeVisit(), activeVisit()
	b.ID, c.ID = "visit-2", "visit-3"
	c.PatientID = "patient-2"
	env := newTestEnv(a, b, c)

	visits, total, err := env.svc.ListVisits(context.Background(), "patient-1", 1, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 2 || len(visits) != 1 || visits[0].ID != "visit-2" {
		t.Errorf("unexpected page %v total %d", visits, total)
	}
}
