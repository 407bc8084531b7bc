package encounter

import (
	"github.com/ehr/encounter/internal/domain/exam"
	"github.com/ehr/encounter/internal/domain/visit"
)

// ValidateVisit returns the labels of the visit's invalid exams, pretest
// exams first, in list order.
func ValidateVisit(v visit.Visit, exams []exam.Exam) []string {
	byID := make(map[string]exam.Exam, len(exams))
	for _, e := range exams {
		byID[e.ID] = e
	}
	var invalid []string
	for _, id := range visit.AllExamIDs(v) {
		if e, ok := byID[id]; ok && e.IsInvalid {
			invalid = append(invalid, e.Label())
		}
	}
	return invalid
}

// CanLock reports whether the session may lock the visit.
func CanLock(s SessionContext, v visit.Visit) bool {
	return !v.Locked && !s.ReadOnly && s.Owns(v)
}

// UnlockAllowed reports whether the session may reopen a locked visit.
func UnlockAllowed(s SessionContext, v visit.Visit) bool {
	return v.Locked && s.Privileges.CanUnlock()
}

// CanSign reports whether the session may sign the visit.
func CanSign(s SessionContext, v visit.Visit) bool {
	return !v.Locked && !v.IsSigned() && !s.ReadOnly && s.Owns(v)
}

// CanComplete reports whether the session may close the visit's appointment.
func CanComplete(s SessionContext, v visit.Visit) bool {
	return v.HasAppointment() && !s.ReadOnly && s.Privileges.MedicalDataWrite()
}
