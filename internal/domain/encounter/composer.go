package encounter

import (
	"strings"

	"github.com/ehr/encounter/internal/domain/exam"
	"github.com/ehr/encounter/internal/domain/visit"
)

// Sections of an active encounter, in display order.
var Sections = []string{
	SectionAmendments,
	"Chief complaint",
	"History",
	"Entrance testing",
	"Vision testing",
	"Anterior exam",
	"Posterior exam",
	visit.SectionCL,
	"Form",
	SectionDocument,
}

const (
	SectionAmendments = "Amendments"
	SectionDocument   = "Document"
	// SectionPretest is the single section shown while the visit is in pretest mode.
	SectionPretest = "Pre tests"
	// FittingExam is the exam type opened to fitting access.
	FittingExam = "fitting"
)

// ComputeUnstarted returns the catalog types that can still be added to the
// visit: types without a visible instance, plus multi-value types. A locked
// visit only offers types addable after lock. A visit without a type offers
// nothing.
func ComputeUnstarted(v visit.Visit, exams []exam.Exam, catalog []exam.Definition) []exam.Definition {
	if v.VisitTypeID == "" {
		return nil
	}
	present := make(map[string]bool, len(exams))
	for _, e := range exams {
		if !e.IsHidden {
			present[e.Definition.Name] = true
		}
	}
	var out []exam.Definition
	for _, d := range catalog {
		if present[d.Name] && !d.MultiValue {
			continue
		}
		if v.Locked && !d.AddablePostLock {
			continue
		}
		out = append(out, d)
	}
	return out
}

// ComputeAddableSections returns, in section order, the sections that some
// unstarted type belongs to.
func ComputeAddableSections(unstarted []exam.Definition) []string {
	prefixes := make(map[string]bool, len(unstarted))
	for _, d := range unstarted {
		prefixes[d.SectionPrefix()] = true
	}
	var out []string
	for _, s := range Sections {
		if prefixes[s] {
			out = append(out, s)
		}
	}
	return out
}

// FilterExamsBySection returns the visible exams of a section, sorted. For a
// pretest listing the exams are not matched against the section, and with
// includeAssessments only assessments are returned, whatever their section. Hidden
// exams are never shown; an exam nobody started is only shown while it can
// still be filled in.
func FilterExamsBySection(section string, exams []exam.Exam, isPreExam, includeAssessments bool, view View) []exam.Exam {
	var out []exam.Exam
	for _, e := range exams {
		if !isPreExam && !includeAssessments && !strings.HasPrefix(e.Definition.Section, section) {
			continue
		}
		if e.Definition.IsAssessment != includeAssessments {
			continue
		}
		if e.IsHidden || !rowVisible(e, view) {
			continue
		}
		out = append(out, e)
	}
	return exam.SortExams(out)
}

func rowVisible(e exam.Exam, view View) bool {
	return e.HasStarted ||
		(!view.Locked && !view.ReadOnly) ||
		(view.Locked && e.Definition.AddablePostLock)
}

// AddableExamTypes returns the unstarted types the session may add from a
// section. In pretest mode only pretest types qualify, otherwise the types
// of the section.
func AddableExamTypes(section string, mode visit.Mode, unstarted []exam.Definition, p visit.Privileges) []exam.Definition {
	var out []exam.Definition
	for _, d := range unstarted {
		if mode == visit.ModePretest {
			if !d.IsPreExam {
				continue
			}
		} else if d.SectionPrefix() != section {
			continue
		}
		if !canAddType(d, p) {
			continue
		}
		out = append(out, d)
	}
	return out
}

func canAddType(d exam.Definition, p visit.Privileges) bool {
	if d.IsPreExam {
		return p.PretestWrite()
	}
	if strings.EqualFold(d.Name, FittingExam) && p.FittingWrite() {
		return true
	}
	return p.MedicalDataWrite()
}

// IsLockedAmendable reports whether section stays open for additions on a
// locked visit.
func IsLockedAmendable(section string, locked bool, p visit.Privileges) bool {
	return locked && section == SectionAmendments && p.MedicalDataWrite()
}

// AddButtonVisible reports whether a section shows its add control.
func AddButtonVisible(section string, view View, p visit.Privileges) bool {
	if IsLockedAmendable(section, view.Locked, p) {
		return true
	}
	if view.ReadOnly || section == SectionDocument {
		return false
	}
	return true
}

// Compose lays out the encounter for the session: the sections with their
// linked exams, the assessments, and what can still be added.
func Compose(v visit.Visit, exams []exam.Exam, catalog []exam.Definition, s SessionContext) Composition {
	mode := visit.Classify(v)
	view := ViewOf(v, s)
	p := s.Privileges

	c := Composition{
		Mode:     mode,
		Visit:    v,
		Readable: p.HasAnyReadAccess(),
	}
	if !c.Readable {
		return c
	}

	var unstarted []exam.Definition
	if !s.ReadOnly {
		unstarted = ComputeUnstarted(v, exams, catalog)
	}
	c.UnstartedTypes = labels(unstarted)
	c.AddableSections = ComputeAddableSections(unstarted)

	var groups [][]exam.Exam
	var names []string
	if mode == visit.ModePretest {
		pre := examsByID(exams, v.PreCustomExamIDs)
		groups = append(groups, FilterExamsBySection(SectionPretest, pre, true, false, view))
		names = append(names, SectionPretest)
	} else {
		for _, section := range Sections {
			if !p.SectionHasReadAccess(section) {
				continue
			}
			groups = append(groups, FilterExamsBySection(section, exams, false, false, view))
			names = append(names, section)
		}
	}

	var assessments []exam.Exam
	if mode == visit.ModeActive {
		assessments = FilterExamsBySection("", exams, false, true, view)
	}
	linked, linkedAssessments := exam.LinkChain(groups, assessments)
	c.Assessments = linkedAssessments

	for i, g := range linked {
		section := names[i]
		if len(g) == 0 && !IsLockedAmendable(section, v.Locked, p) {
			continue
		}
		row := SectionRow{Name: section, Exams: g}
		if AddButtonVisible(section, view, p) {
			row.AddableTypes = labels(AddableExamTypes(section, mode, unstarted, p))
			row.AddButton = len(row.AddableTypes) > 0
		}
		c.Sections = append(c.Sections, row)
	}

	c.CanLock = CanLock(s, v)
	c.CanUnlock = UnlockAllowed(s, v)
	c.CanSign = CanSign(s, v)
	c.CanComplete = CanComplete(s, v)
	c.CanHide = !s.ReadOnly && s.CanHide(v)
	c.CanStartVisit = mode == visit.ModePretest && !s.ReadOnly &&
		((p.PretestWrite() && !visit.PretestHasStarted(v)) || p.MedicalDataWrite())
	return c
}

func labels(defs []exam.Definition) []string {
	out := make([]string, 0, len(defs))
	for _, d := range defs {
		out = append(out, d.DisplayLabel())
	}
	return out
}

func examsByID(exams []exam.Exam, ids []string) []exam.Exam {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []exam.Exam
	for _, e := range exams {
		if want[e.ID] {
			out = append(out, e)
		}
	}
	return out
}
