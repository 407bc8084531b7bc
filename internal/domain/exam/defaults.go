package exam

import (
	"strings"
	"time"
)

// DefaultDateFormat is used for [currentDate] when a field declares none.
const DefaultDateFormat = "yyyy-MM-dd"

// SessionResolver resolves field defaults for the doctor working on the
// exam. Bracketed defaults are expressions:
//
//	[user.name]     the doctor's display name
//	[user.id]       the doctor's id
//	[currentDate]   today, formatted with the field's date format
//	[A.B.C]         the value at path B.C in the bucket of exam definition A
//
// Any other default is returned as declared.
type SessionResolver struct {
	DoctorID   string
	DoctorName string
	Now        func() time.Time
}

func (r SessionResolver) Resolve(f FieldDefinition, e Exam) any {
	if !f.HasRuntimeDefault() {
		if f.DefaultValue == "" {
			return nil
		}
		return f.DefaultValue
	}
	key := f.DefaultValue[1 : len(f.DefaultValue)-1]
	parts := strings.Split(key, ".")

	switch {
	case parts[0] == "user" && len(parts) == 2 && parts[1] == "name":
		return r.DoctorName
	case parts[0] == "user" && len(parts) == 2 && parts[1] == "id":
		return r.DoctorID
	case key == "currentDate":
		now := time.Now
		if r.Now != nil {
			now = r.Now
		}
		format := f.DateFormat
		if format == "" {
			format = DefaultDateFormat
		}
		return now().Format(goLayout(format))
	}
	return FieldValue(e, parts)
}

// FieldValue walks path through the exam's values, starting at the bucket
// named by path[0]. Array members are addressed by index-free descent into
// their first element.
func FieldValue(e Exam, path []string) any {
	if len(path) == 0 || e.Values == nil {
		return nil
	}
	var cur any = e.Values[path[0]]
	for _, p := range path[1:] {
		if items, ok := cur.([]any); ok {
			if len(items) == 0 {
				return nil
			}
			cur = items[0]
		}
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[p]
	}
	return cur
}

var layoutTokens = strings.NewReplacer(
	"yyyy", "2006",
	"YYYY", "2006",
	"yy", "06",
	"MMMM", "January",
	"MMM", "Jan",
	"MM", "01",
	"dd", "02",
	"DD", "02",
	"HH", "15",
	"mm", "04",
	"ss", "05",
)

// goLayout converts a yyyy-MM-dd style date pattern to a time layout.
func goLayout(format string) string {
	return layoutTokens.Replace(format)
}
