package encounter

import (
	"context"
	"fmt"
	"time"

	"github.com/ehr/encounter/internal/domain/catalog"
	"github.com/ehr/encounter/internal/domain/exam"
	"github.com/ehr/encounter/internal/domain/visit"
)

// -- Mock stores --

type mockCatalog struct {
	defs  []exam.Definition
	err   error
	calls int
}

func (m *mockCatalog) ListDefinitions(context.Context) ([]exam.Definition, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.defs, nil
}

type mockVisitTypes struct {
	types map[string]catalog.VisitType
	err   error
}

func (m *mockVisitTypes) GetVisitType(_ context.Context, id string) (*catalog.VisitType, error) {
	if m.err != nil {
		return nil, m.err
	}
	vt, ok := m.types[id]
	if !ok {
		return nil, fmt.Errorf("visit type %s: %w", id, catalog.ErrVisitTypeNotFound)
	}
	return &vt, nil
}

type mockExamStore struct {
	defs      map[string]exam.Definition
	exams     map[string]exam.Exam
	nextID    int
	created   int
	persisted []exam.Exam
	err       error
}

func newMockExamStore(defs []exam.Definition) *mockExamStore {
	m := &mockExamStore{defs: make(map[string]exam.Definition), exams: make(map[string]exam.Exam)}
	for _, d := range defs {
		m.defs[d.ID] = d
	}
	return m
}

func (m *mockExamStore) add(e exam.Exam) exam.Exam {
	e.Definition = e.Definition.Normalize()
	m.exams[e.ID] = e
	return e
}

func (m *mockExamStore) Create(_ context.Context, definitionID, visitID string) (exam.Exam, error) {
	if m.err != nil {
		return exam.Exam{}, m.err
	}
	d, ok := m.defs[definitionID]
	if !ok {
		return exam.Exam{}, fmt.Errorf("definition %s: %w", definitionID, exam.ErrNotFound)
	}
	m.nextID++
	m.created++
	e := exam.Exam{ID: fmt.Sprintf("new-exam-%d", m.nextID), VisitID: visitID, Definition: d}
	m.exams[e.ID] = e
	return e, nil
}

func (m *mockExamStore) Persist(_ context.Context, e exam.Exam) (exam.Exam, error) {
	if m.err != nil {
		return exam.Exam{}, m.err
	}
	if _, ok := m.exams[e.ID]; !ok {
		return exam.Exam{}, exam.ErrNotFound
	}
	m.exams[e.ID] = e
	m.persisted = append(m.persisted, e)
	return e, nil
}

func (m *mockExamStore) GetMany(_ context.Context, ids []string) ([]exam.Exam, error) {
	var out []exam.Exam
	for _, id := range ids {
		if e, ok := m.exams[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

type mockVisitStore struct {
	visits    map[string]visit.Visit
	order     []string
	persisted int
	signs     int
	closed    []string
	err       error
}

func newMockVisitStore(visits ...visit.Visit) *mockVisitStore {
	m := &mockVisitStore{visits: make(map[string]visit.Visit)}
	for _, v := range visits {
		m.visits[v.ID] = v
		m.order = append(m.order, v.ID)
	}
	return m
}

func (m *mockVisitStore) Create(_ context.Context, v visit.Visit) (visit.Visit, error) {
	if m.err != nil {
		return visit.Visit{}, m.err
	}
	v.ID = fmt.Sprintf("visit-%d", len(m.visits)+1)
	v.VersionID = 1
	m.visits[v.ID] = v
	m.order = append(m.order, v.ID)
	return v, nil
}

func (m *mockVisitStore) Get(_ context.Context, id string) (visit.Visit, error) {
	v, ok := m.visits[id]
	if !ok {
		return visit.Visit{}, visit.ErrNotFound
	}
	return v.Clone(), nil
}

func (m *mockVisitStore) ListByPatient(_ context.Context, patientID string, limit, offset int) ([]visit.Visit, int, error) {
	if m.err != nil {
		return nil, 0, m.err
	}
	var all []visit.Visit
	for _, id := range m.order {
		if v := m.visits[id]; v.PatientID == patientID {
			all = append(all, v)
		}
	}
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockVisitStore) Persist(_ context.Context, v visit.Visit) (visit.Visit, error) {
	if m.err != nil {
		return visit.Visit{}, m.err
	}
	stored, ok := m.visits[v.ID]
	if !ok {
		return visit.Visit{}, visit.ErrNotFound
	}
	if stored.VersionID != v.VersionID {
		return visit.Visit{}, visit.ErrVersionConflict
	}
	v.VersionID++
	m.visits[v.ID] = v
	m.persisted++
	return v, nil
}

func (m *mockVisitStore) Sign(_ context.Context, v visit.Visit) (visit.Visit, error) {
	if m.err != nil {
		return visit.Visit{}, m.err
	}
	stored := m.visits[v.ID]
	if stored.IsSigned() {
		return visit.Visit{}, visit.ErrAlreadySigned
	}
	now := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)
	stored.Prescription.SignedDate = &now
	stored.VersionID++
	m.visits[v.ID] = stored
	m.signs++
	return stored, nil
}

func (m *mockVisitStore) CloseAppointment(_ context.Context, appointmentID string) (visit.Appointment, error) {
	if m.err != nil {
		return visit.Appointment{}, m.err
	}
	m.closed = append(m.closed, appointmentID)
	return visit.Appointment{ID: appointmentID, Status: visit.AppointmentStatusCompleted}, nil
}

type mockRecorder struct {
	transitions map[string]int
	conflicts   int
}

func newMockRecorder() *mockRecorder {
	return &mockRecorder{transitions: make(map[string]int)}
}

func (m *mockRecorder) RecordTransition(transition, outcome string) {
	m.transitions[transition+"/"+outcome]++
}

func (m *mockRecorder) RecordHideConflict() { m.conflicts++ }

// -- Fixtures --

var testNow = time.Date(2024, 3, 9, 14, 5, 0, 0, time.UTC)

func testDefinitions() []exam.Definition {
	defs := []exam.Definition{
		{ID: "def-va", Name: "Visual acuity", Section: "Pre tests.VA", IsPreExam: true,
			Fields: []exam.FieldDefinition{{Name: "OD"}, {Name: "OS"}}},
		{ID: "def-notes", Name: "Notes", Section: "History.Notes",
			Fields: []exam.FieldDefinition{{Name: "Note", Type: "text"}}},
		{ID: "def-cc", Name: "Chief complaint", Label: "CC", Section: "Chief complaint.Main",
			Fields: []exam.FieldDefinition{{Name: "Complaint"}}},
		{ID: "def-med", Name: "Medication", Section: "History.Medication", MultiValue: true,
			Fields: []exam.FieldDefinition{{Name: "Drug"}}},
		{ID: "def-amend", Name: "Amendment", Section: "Amendments.1", AddablePostLock: true,
			Fields: []exam.FieldDefinition{{Name: "Text"}}},
		{ID: "def-fitting", Name: "fitting", Section: "CL.Fitting",
			Fields: []exam.FieldDefinition{{Name: "Lens"}}},
		{ID: "def-diag", Name: "Diagnosis", IsAssessment: true,
			Fields: []exam.FieldDefinition{{Name: "Code"}}},
	}
	for i := range defs {
		defs[i] = defs[i].Normalize()
	}
	return defs
}

func definition(name string) exam.Definition {
	for _, d := range testDefinitions() {
		if d.Name == name {
			return d
		}
	}
	panic("no test definition " + name)
}

func fullAccess() visit.Privileges {
	return visit.Privileges{
		MedicalData: visit.FullAccess,
		Pretest:     visit.FullAccess,
		FinalRx:     visit.FullAccess,
		Fitting:     visit.FullAccess,
	}
}

func doctorSession() SessionContext {
	return SessionContext{DoctorID: "doc-1", DoctorName: "Ada Lovelace", Privileges: fullAccess()}
}

// grantedOn gives the session the privileges recorded on v.
func grantedOn(sess SessionContext, v visit.Visit) SessionContext {
	sess.Privileges = v.Privileges
	return sess
}

func activeVisit() visit.Visit {
	appt := "appt-1"
	return visit.Visit{
		ID:            "visit-1",
		PatientID:     "patient-1",
		UserID:        "doc-1",
		AppointmentID: &appt,
		VisitTypeID:   "type-1",
		TypeName:      "Comprehensive",
		Date:          testNow,
		Privileges:    fullAccess(),
		VersionID:     1,
	}
}

type testEnv struct {
	svc      *Service
	catalog  *mockCatalog
	types    *mockVisitTypes
	exams    *mockExamStore
	visits   *mockVisitStore
	recorder *mockRecorder
}

func newTestEnv(visits ...visit.Visit) *testEnv {
	defs := testDefinitions()
	types := map[string]catalog.VisitType{
		"type-1": {ID: "type-1", Name: "Comprehensive", ExamNames: []string{"CC", "Notes"}},
		"type-2": {ID: "type-2", Name: "Contact lens", ExamNames: []string{"fitting"}},
	}
	env := &testEnv{
		catalog:  &mockCatalog{defs: defs},
		types:    &mockVisitTypes{types: types},
		exams:    newMockExamStore(defs),
		visits:   newMockVisitStore(visits...),
		recorder: newMockRecorder(),
	}
	env.svc = NewService(env.catalog, env.exams, env.visits)
	env.svc.SetVisitTypes(env.types)
	env.svc.SetRecorder(env.recorder)
	env.svc.SetClock(func() time.Time { return testNow })
	return env
}

// withExam stores an exam and links it to the visit held by the store.
func (env *testEnv) withExam(visitID string, e exam.Exam) exam.Exam {
	e.VisitID = visitID
	e = env.exams.add(e)
	v := env.visits.visits[visitID]
	env.visits.visits[visitID] = v.WithExamID(e.ID, e.Definition.IsPreExam)
	return e
}

// activate links a medication exam to the visit, which puts it in active mode
// without using up a single-value type.
func (env *testEnv) activate(visitID string) exam.Exam {
	return env.withExam(visitID, exam.Exam{ID: "e-med-0", Definition: definition("Medication"), HasStarted: true})
}

func (env *testEnv) load(t interface{ Fatalf(string, ...any) }, visitID string) (visit.Visit, []exam.Exam) {
	v, exams, err := env.svc.Load(context.Background(), visitID)
	if err != nil {
		t.Fatalf("load visit: %v", err)
	}
	return v, exams
}
