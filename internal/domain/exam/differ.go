package exam

import (
	"math"
	"reflect"
	"strconv"
	"strings"
	"unicode"
)

// ignoredValueKeys are bookkeeping keys that may sit in a value bucket
// without being declared as fields.
var ignoredValueKeys = map[string]bool{
	"entityId": true,
}

// FieldLookup resolves an imported field-definition name to its field list.
type FieldLookup interface {
	ImportFields(name string) ([]FieldDefinition, bool)
}

// DefaultResolver returns the concrete default of a field for an exam.
type DefaultResolver interface {
	Resolve(field FieldDefinition, e Exam) any
}

// Differ decides whether an exam still holds nothing but template defaults.
type Differ struct {
	resolver DefaultResolver
	lookup   FieldLookup
}

func NewDiffer(resolver DefaultResolver, lookup FieldLookup) *Differ {
	return &Differ{resolver: resolver, lookup: lookup}
}

// HasOnlyDefaultValues reports whether the exam's value bucket deviates in
// no way from its definition's defaults. An exam with no fields or no bucket
// is untouched. The walk stops at the first deviation.
func (d *Differ) HasOnlyDefaultValues(e Exam) bool {
	def := e.Definition
	bucket := e.Bucket()
	if len(def.Fields) == 0 || bucket == nil {
		return true
	}

	// Imported field lists share the bucket, so their names count as declared.
	var imported [][]FieldDefinition
	declaredTop := def.Fields
	for _, name := range def.Import {
		if d.lookup == nil {
			break
		}
		if fields, ok := d.lookup.ImportFields(name); ok {
			imported = append(imported, fields)
			declaredTop = append(declaredTop[:len(declaredTop):len(declaredTop)], fields...)
		}
	}

	for _, item := range bucketItems(bucket) {
		obj, _ := item.(map[string]any)
		if !surfaceClean(declaredTop, obj) {
			return false
		}
	}
	if !d.checkBucket(e, def.Fields, bucket) {
		return false
	}
	for _, fields := range imported {
		if !d.checkBucket(e, fields, bucket) {
			return false
		}
	}
	return true
}

func bucketItems(bucket any) []any {
	if items, ok := bucket.([]any); ok {
		return items
	}
	return []any{bucket}
}

func (d *Differ) checkBucket(e Exam, fields []FieldDefinition, bucket any) bool {
	for _, item := range bucketItems(bucket) {
		if !d.checkFields(e, fields, item, false) {
			return false
		}
	}
	return true
}

// surfaceClean reports whether obj holds no non-empty value under a key that
// none of fields declares.
func surfaceClean(fields []FieldDefinition, obj map[string]any) bool {
	for key, v := range obj {
		if ignoredValueKeys[key] || IsEmpty(v) {
			continue
		}
		if !declared(fields, key) {
			return false
		}
	}
	return true
}

func (d *Differ) checkFields(e Exam, fields []FieldDefinition, values any, surface bool) bool {
	obj, _ := values.(map[string]any)

	if surface && !surfaceClean(fields, obj) {
		return false
	}

	for _, f := range fields {
		actual := lookupValue(obj, f)

		if f.IsGroup() {
			switch nested := actual.(type) {
			case []any:
				for _, item := range nested {
					if !d.checkFields(e, f.Fields, item, true) {
						return false
					}
				}
			case map[string]any:
				if !d.checkFields(e, f.Fields, nested, true) {
					return false
				}
			}
			continue
		}

		if IsEmpty(actual) {
			continue
		}
		if f.Type == FieldTypeFutureDate || f.HasRuntimeDefault() {
			continue
		}
		if autoSelected(f, actual) {
			continue
		}
		if f.ReadOnly {
			continue
		}

		var def any
		if d.resolver != nil {
			def = d.resolver.Resolve(f, e)
		} else if f.DefaultValue != "" {
			def = f.DefaultValue
		}
		if !EqualCoerced(actual, def) {
			return false
		}
	}
	return true
}

func declared(fields []FieldDefinition, key string) bool {
	for _, f := range fields {
		if f.Matches(key) {
			return true
		}
	}
	return false
}

func lookupValue(obj map[string]any, f FieldDefinition) any {
	if obj == nil {
		return nil
	}
	if v, ok := obj[f.Name]; ok {
		return v
	}
	for _, alias := range f.Aliases {
		if v, ok := obj[alias]; ok {
			return v
		}
	}
	return nil
}

// autoSelected reports whether an auto-select field still shows the option
// it selects by itself.
func autoSelected(f FieldDefinition, actual any) bool {
	if !f.AutoSelect || f.SelectedIndex == nil {
		return false
	}
	idx := *f.SelectedIndex
	if n, ok := toNumber(actual); ok && !isString(actual) && n == float64(idx) {
		return true
	}
	if idx == 0 {
		return false
	}
	if f.Options != nil {
		return idx-1 < len(f.Options) && idx-1 >= 0 && LooseEqual(f.Options[idx-1], actual)
	}
	if f.SectionIndex != nil {
		n, ok := toNumber(actual)
		return ok && !isString(actual) && n == float64(*f.SectionIndex)
	}
	return false
}

// IsEmpty reports whether v carries no data: nil, a blank string, an empty
// slice or map, or a slice or map whose members are all empty. Numbers and
// booleans are never empty.
func IsEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		for _, item := range t {
			if !IsEmpty(item) {
				return false
			}
		}
		return true
	case map[string]any:
		for _, item := range t {
			if !IsEmpty(item) {
				return false
			}
		}
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		if rv.Len() == 0 {
			return true
		}
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return true
		}
		return IsEmpty(rv.Elem().Interface())
	}
	return false
}

// EqualCoerced is loose equality extended so that nil, 0 and "" are
// interchangeable. A stored zero therefore compares equal to an absent
// default.
func EqualCoerced(a, b any) bool {
	if LooseEqual(a, b) {
		return true
	}
	return (a == nil && isBlankScalar(b)) || (b == nil && isBlankScalar(a))
}

func isBlankScalar(v any) bool {
	switch v.(type) {
	case string:
		return v == ""
	case bool:
		return false
	}
	n, ok := toNumber(v)
	return ok && n == 0
}

// LooseEqual compares scalars the way a form value and a configured default
// are compared: numbers and numeric strings are equal when their values are,
// booleans count as 1 and 0. Composite values are compared structurally.
func LooseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		return as == bs
	}
	if isComposite(a) || isComposite(b) {
		return isComposite(a) && isComposite(b) && reflect.DeepEqual(a, b)
	}
	an, aok := toNumber(a)
	bn, bok := toNumber(b)
	if aok && bok {
		return an == bn
	}
	return false
}

func isString(v any) bool {
	_, ok := v.(string)
	return ok
}

func isComposite(v any) bool {
	switch reflect.ValueOf(v).Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.Struct:
		return true
	}
	return false
}

func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, true
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(n) {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// TitleToCamelCase turns a field title such as "Contact Lens Trial" into the
// key "contactLensTrial". Characters other than letters and digits separate
// words and are dropped.
func TitleToCamelCase(title string) string {
	words := strings.FieldsFunc(title, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var b strings.Builder
	for i, w := range words {
		runes := []rune(w)
		if i == 0 {
			runes[0] = unicode.ToLower(runes[0])
		} else {
			runes[0] = unicode.ToUpper(runes[0])
		}
		b.WriteString(string(runes))
	}
	return b.String()
}
