package visit

// Mode is the phase an encounter is presented in.
type Mode string

const (
	ModePretest Mode = "PRETEST"
	ModeActive  Mode = "ACTIVE"
)

// HasStarted reports whether the doctor's part of the visit has any exam.
func HasStarted(v Visit) bool {
	return len(v.CustomExamIDs) > 0
}

// PretestHasStarted reports whether any pretest exam exists.
func PretestHasStarted(v Visit) bool {
	return len(v.PreCustomExamIDs) > 0
}

// HasEnded reports whether the visit is locked.
func HasEnded(v Visit) bool {
	return v.Locked
}

// Classify returns the presentation mode of the visit. A visit stays in
// pretest mode until its first active exam exists, whether or not a doctor
// is assigned and whether or not pretest exams were recorded.
func Classify(v Visit) Mode {
	if HasStarted(v) {
		return ModeActive
	}
	return ModePretest
}

// AllExamIDs returns the pretest ids followed by the active ids.
func AllExamIDs(v Visit) []string {
	ids := make([]string, 0, len(v.PreCustomExamIDs)+len(v.CustomExamIDs))
	ids = append(ids, v.PreCustomExamIDs...)
	return append(ids, v.CustomExamIDs...)
}
