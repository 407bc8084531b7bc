package encounter

import (
	"time"

	"github.com/ehr/encounter/internal/domain/exam"
	"github.com/ehr/encounter/internal/domain/visit"
)

// SessionContext identifies the doctor working on an encounter and the
// rights granted on the visit at hand.
type SessionContext struct {
	DoctorID   string
	DoctorName string
	ReadOnly   bool
	Privileges visit.Privileges
}

// Owns reports whether the visit is assigned to the session's doctor.
func (s SessionContext) Owns(v visit.Visit) bool {
	return s.DoctorID != "" && v.UserID == s.DoctorID
}

// CanHide reports whether exams of v may be removed. Pretest staff may only
// remove exams before a doctor is assigned.
func (s SessionContext) CanHide(v visit.Visit) bool {
	return (s.Privileges.PretestWrite() && v.UserID == "") || s.Privileges.MedicalDataWrite()
}

// Resolver returns the default-value resolver for this session.
func (s SessionContext) Resolver(now func() time.Time) exam.SessionResolver {
	return exam.SessionResolver{DoctorID: s.DoctorID, DoctorName: s.DoctorName, Now: now}
}

// Outcome is how a requested transition ended.
type Outcome string

const (
	// OutcomeApplied means the transition was performed and persisted.
	OutcomeApplied Outcome = "applied"
	// OutcomeRefused means validation failed; an override may retry it.
	OutcomeRefused Outcome = "refused"
	// OutcomeDenied means the session lacks the rights for the transition.
	OutcomeDenied Outcome = "denied"
	// OutcomeNoop means there was nothing to do.
	OutcomeNoop Outcome = "noop"
)

// TransitionResult is returned by every visit-level transition.
type TransitionResult struct {
	Outcome       Outcome            `json:"outcome"`
	Visit         visit.Visit        `json:"visit"`
	InvalidLabels []string           `json:"invalid_labels,omitempty"`
	Appointment   *visit.Appointment `json:"appointment,omitempty"`
}

// ExamResult is returned by exam-level operations. Adding, hiding and
// showing an exam also report what can be added afterwards.
type ExamResult struct {
	Outcome         Outcome     `json:"outcome"`
	Visit           visit.Visit `json:"visit"`
	Exam            exam.Exam   `json:"exam"`
	UnstartedTypes  []string    `json:"unstarted_types"`
	AddableSections []string    `json:"addable_sections"`
}

// View holds what row visibility depends on.
type View struct {
	Locked   bool
	ReadOnly bool
}

func ViewOf(v visit.Visit, s SessionContext) View {
	return View{Locked: v.Locked, ReadOnly: s.ReadOnly}
}

// SectionRow is one rendered section of an encounter.
type SectionRow struct {
	Name         string      `json:"name"`
	Exams        []exam.Exam `json:"exams"`
	AddableTypes []string    `json:"addable_types,omitempty"`
	AddButton    bool        `json:"add_button"`
}

// Composition is everything a presentation layer needs to draw an encounter.
type Composition struct {
	Mode            visit.Mode   `json:"mode"`
	Visit           visit.Visit  `json:"visit"`
	Readable        bool         `json:"readable"`
	Sections        []SectionRow `json:"sections"`
	Assessments     []exam.Exam  `json:"assessments"`
	UnstartedTypes  []string     `json:"unstarted_types"`
	AddableSections []string     `json:"addable_sections"`
	CanLock         bool         `json:"can_lock"`
	CanUnlock       bool         `json:"can_unlock"`
	CanSign         bool         `json:"can_sign"`
	CanComplete     bool         `json:"can_complete"`
	CanHide         bool         `json:"can_hide"`
	CanStartVisit   bool         `json:"can_start_visit"`
}
