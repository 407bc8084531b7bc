package exam

import (
	"sort"
	"strings"
)

// CompareExams orders exams for display. Exams that both carry an explicit
// order and differ on it are ordered numerically. Otherwise assessments
// compare equal to everything, as they are sequenced on their own, and the
// remaining exams are ordered by section with a missing section first.
func CompareExams(a, b Exam) int {
	ao, bo := a.Definition.Order, b.Definition.Order
	if ao != nil && bo != nil {
		if *ao < *bo {
			return -1
		}
		if *ao > *bo {
			return 1
		}
	}
	if a.Definition.IsAssessment || b.Definition.IsAssessment {
		return 0
	}
	as, bs := a.Definition.Section, b.Definition.Section
	switch {
	case as == "" && bs == "":
		return 0
	case as == "":
		return -1
	case bs == "":
		return 1
	}
	return strings.Compare(as, bs)
}

// SortExams returns a stably sorted copy of exams.
func SortExams(exams []Exam) []Exam {
	out := append([]Exam(nil), exams...)
	sort.SliceStable(out, func(i, j int) bool {
		return CompareExams(out[i], out[j]) < 0
	})
	return out
}

// LinkChain sets Next and Previous on every exam so that a reader can walk
// the sections in order and then the assessments. groups are the already
// sorted exams of each section in section order; empty groups are skipped.
// The result mirrors the input shape. An id seen twice is only linked at its
// first position, so the chain stays acyclic.
func LinkChain(groups [][]Exam, assessments []Exam) ([][]Exam, []Exam) {
	seen := make(map[string]bool)
	var order []string
	collect := func(exams []Exam) {
		for _, e := range exams {
			if seen[e.ID] {
				continue
			}
			seen[e.ID] = true
			order = append(order, e.ID)
		}
	}
	for _, g := range groups {
		collect(g)
	}
	collect(assessments)

	type link struct{ next, previous string }
	links := make(map[string]link, len(order))
	for i, id := range order {
		var l link
		if i+1 < len(order) {
			l.next = order[i+1]
		}
		if i > 0 {
			l.previous = order[i-1]
		}
		links[id] = l
	}

	placed := make(map[string]bool, len(order))
	apply := func(exams []Exam) []Exam {
		if exams == nil {
			return nil
		}
		out := make([]Exam, len(exams))
		for i, e := range exams {
			e.Next, e.Previous = "", ""
			if !placed[e.ID] {
				placed[e.ID] = true
				l := links[e.ID]
				e.Next, e.Previous = l.next, l.previous
			}
			out[i] = e
		}
		return out
	}

	linked := make([][]Exam, len(groups))
	for i, g := range groups {
		linked[i] = apply(g)
	}
	return linked, apply(assessments)
}
