package exam

import (
	"strings"
	"time"
)

// FieldKind tells a value-carrying field apart from a group of nested fields.
type FieldKind int

const (
	LeafField FieldKind = iota
	GroupField
)

// Field types with special handling.
const (
	FieldTypeFutureDate = "futureDate"
)

// FieldDefinition is one node of an exam definition's field tree. Kind and
// Aliases are derived by Normalize and never read from storage.
type FieldDefinition struct {
	Kind          FieldKind         `json:"-"`
	Name          string            `json:"name"`
	Aliases       []string          `json:"-"`
	Label         string            `json:"label,omitempty"`
	Type          string            `json:"type,omitempty"`
	DefaultValue  string            `json:"defaultValue,omitempty"`
	DateFormat    string            `json:"dateFormat,omitempty"`
	AutoSelect    bool              `json:"autoSelect,omitempty"`
	SelectedIndex *int              `json:"selectedIndex,omitempty"`
	SectionIndex  *int              `json:"sectionIndex,omitempty"`
	Options       []any             `json:"options,omitempty"`
	ReadOnly      bool              `json:"readonly,omitempty"`
	Fields        []FieldDefinition `json:"fields,omitempty"`
}

// HasRuntimeDefault reports whether the default is a bracketed expression
// resolved at runtime, e.g. "[currentDate]".
func (f FieldDefinition) HasRuntimeDefault() bool {
	return len(f.DefaultValue) >= 2 && strings.HasPrefix(f.DefaultValue, "[") && strings.HasSuffix(f.DefaultValue, "]")
}

// IsGroup reports whether the field nests other fields. Definitions that
// skipped Normalize are recognised by their nested field list.
func (f FieldDefinition) IsGroup() bool {
	return f.Kind == GroupField || f.Fields != nil
}

// Matches reports whether key addresses this field by name or alias.
func (f FieldDefinition) Matches(key string) bool {
	if key == f.Name {
		return true
	}
	for _, a := range f.Aliases {
		if a == key {
			return true
		}
	}
	return false
}

// Definition is an exam type from the catalog.
type Definition struct {
	ID              string            `db:"id" json:"id"`
	Name            string            `db:"name" json:"name"`
	Label           string            `db:"label" json:"label,omitempty"`
	Section         string            `db:"section" json:"section,omitempty"`
	IsPreExam       bool              `db:"is_pre_exam" json:"isPreExam"`
	IsAssessment    bool              `db:"is_assessment" json:"isAssessment"`
	MultiValue      bool              `db:"multi_value" json:"multiValue"`
	AddablePostLock bool              `db:"addable_post_lock" json:"addablePostLock"`
	Order           *int              `db:"display_order" json:"order,omitempty"`
	Fields          []FieldDefinition `db:"fields" json:"fields,omitempty"`
	Import          []string          `db:"import" json:"import,omitempty"`
}

// DisplayLabel returns the label shown to users, falling back to the name.
func (d Definition) DisplayLabel() string {
	if d.Label != "" {
		return d.Label
	}
	return d.Name
}

// SectionPrefix returns the category part of Section, the text before the
// first dot. A section without a dot has no category.
func (d Definition) SectionPrefix() string {
	i := strings.Index(d.Section, ".")
	if i < 0 {
		return ""
	}
	return d.Section[:i]
}

// Normalize classifies every field as leaf or group and precomputes its
// camel-cased alias. It returns a copy; d is left untouched.
func (d Definition) Normalize() Definition {
	d.Fields = normalizeFields(d.Fields)
	return d
}

func normalizeFields(fields []FieldDefinition) []FieldDefinition {
	if fields == nil {
		return nil
	}
	out := make([]FieldDefinition, len(fields))
	for i, f := range fields {
		f.Aliases = nil
		if alias := TitleToCamelCase(f.Name); alias != "" && alias != f.Name {
			f.Aliases = []string{alias}
		}
		if f.Fields != nil {
			f.Kind = GroupField
			f.Fields = normalizeFields(f.Fields)
		} else {
			f.Kind = LeafField
		}
		out[i] = f
	}
	return out
}

// Exam is one instance of a Definition within a visit. Values holds the value
// bucket under the definition name. Next and Previous are navigation links
// computed for display and never stored.
type Exam struct {
	ID         string         `db:"id" json:"id"`
	VisitID    string         `db:"visit_id" json:"visit_id"`
	Definition Definition     `json:"definition"`
	IsHidden   bool           `db:"is_hidden" json:"is_hidden"`
	IsInvalid  bool           `db:"is_invalid" json:"is_invalid"`
	HasStarted bool           `db:"has_started" json:"has_started"`
	Next       string         `json:"next,omitempty"`
	Previous   string         `json:"previous,omitempty"`
	Values     map[string]any `db:"values" json:"values,omitempty"`
	UpdatedAt  time.Time      `db:"updated_at" json:"updated_at"`
}

// Bucket returns the exam's own value bucket, or nil.
func (e Exam) Bucket() any {
	if e.Values == nil {
		return nil
	}
	return e.Values[e.Definition.Name]
}

// Label returns the display label of the exam's definition.
func (e Exam) Label() string {
	return e.Definition.DisplayLabel()
}
