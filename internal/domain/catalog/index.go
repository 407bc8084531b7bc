package catalog

import (
	"strings"

	"github.com/ehr/encounter/internal/domain/exam"
)

// Index is an in-memory view over a catalog listing.
type Index struct {
	defs   []exam.Definition
	byName map[string]int
}

func NewIndex(defs []exam.Definition) *Index {
	idx := &Index{defs: defs, byName: make(map[string]int, len(defs))}
	for i, d := range defs {
		if _, ok := idx.byName[d.Name]; !ok {
			idx.byName[d.Name] = i
		}
	}
	return idx
}

func (idx *Index) Definitions() []exam.Definition {
	return idx.defs
}

// Find returns the definition whose label, or failing that name, equals key.
func (idx *Index) Find(key string) (exam.Definition, bool) {
	for _, d := range idx.defs {
		if d.Label == key {
			return d, true
		}
	}
	if i, ok := idx.byName[key]; ok {
		return idx.defs[i], true
	}
	return exam.Definition{}, false
}

// ImportFields resolves an import reference. "Name" yields the fields of the
// definition called Name; "Name.Group.Sub" descends into nested groups.
func (idx *Index) ImportFields(ref string) ([]exam.FieldDefinition, bool) {
	parts := strings.Split(ref, ".")
	i, ok := idx.byName[parts[0]]
	if !ok {
		return nil, false
	}
	fields := idx.defs[i].Fields
	for _, p := range parts[1:] {
		var next []exam.FieldDefinition
		found := false
		for _, f := range fields {
			if f.Matches(p) && f.IsGroup() {
				next, found = f.Fields, true
				break
			}
		}
		if !found {
			return nil, false
		}
		fields = next
	}
	return fields, true
}
