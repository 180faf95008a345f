package catalog

import (
	"regexp"
	"time"
)

// Mutation is a single scalar operation applied by the field-mutation tree.
// Today the only operation is ParseDate; the type exists so new leaf
// operations can be added without reshaping the tree.
type Mutation int

const (
	// ParseDate revives a date-typed, non-stringDate scalar from its wire
	// representation (an ISO-8601 string, matching isoDateRE) into a
	// time.Time.
	ParseDate Mutation = iota
)

// FieldMutations is one node of the field-mutation tree, derived once per
// stream from its columns. A leaf node carries Ops to apply to
// a scalar; a node with Children is auto-applied to each element of an
// array or to each field of a nested object, recursively.
type FieldMutations struct {
	Field    string
	Ops      []Mutation
	Children []FieldMutations
	// Repeated marks that Children must be applied once per element of an
	// array value rather than once to a single nested object.
	Repeated bool
}

// isoDateRE matches the ISO-8601 shapes producers already emit on the
// wire. Kept intentionally loose (date-only, date+time, optional
// fractional seconds, optional zone): tightening it would silently break
// round-trips with existing producers.
var isoDateRE = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}(T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?)?$`)

// BuildMutationTree derives the field-mutation tree for a stream once
// from its column descriptors. The tree is typically cached by the caller
// (Registry) and reused across every message of that stream.
func BuildMutationTree(columns []ColumnDescriptor) []FieldMutations {
	tree := make([]FieldMutations, 0, len(columns))
	for _, col := range columns {
		if fm, ok := buildFieldMutation(col.Name, col.DataType, col.IsStringDate()); ok {
			tree = append(tree, fm)
		}
	}
	return tree
}

func buildFieldMutation(name string, dt DataType, stringDate bool) (FieldMutations, bool) {
	switch t := dt.(type) {
	case Nullable:
		return buildFieldMutation(name, t.Inner, stringDate)
	case Date, Date16, DateTime:
		if stringDate {
			return FieldMutations{}, false
		}
		return FieldMutations{Field: name, Ops: []Mutation{ParseDate}}, true
	case Array:
		fm, ok := buildFieldMutation(name, t.Elem, stringDate)
		if !ok {
			return FieldMutations{}, false
		}
		fm.Field = name
		fm.Repeated = true
		return fm, true
	case Nested:
		children := BuildMutationTree(fieldsToColumns(t.Fields))
		if len(children) == 0 {
			return FieldMutations{}, false
		}
		return FieldMutations{Field: name, Children: children}, true
	case NamedTuple:
		children := BuildMutationTree(fieldsToColumns(t.Fields))
		if len(children) == 0 {
			return FieldMutations{}, false
		}
		return FieldMutations{Field: name, Children: children}, true
	default:
		return FieldMutations{}, false
	}
}

func fieldsToColumns(fields []NamedField) []ColumnDescriptor {
	cols := make([]ColumnDescriptor, len(fields))
	for i, f := range fields {
		cols[i] = ColumnDescriptor{Name: f.Name, DataType: f.Type}
	}
	return cols
}

// Apply applies the mutation tree to a parsed JSON object in place. Applying
// the tree twice to the same object is a no-op on the second pass: ParseDate
// only rewrites string values, and a time.Time left in place by a prior pass
// does not match that guard.
func Apply(tree []FieldMutations, obj map[string]any) {
	for _, fm := range tree {
		applyNode(fm, obj)
	}
}

func applyNode(fm FieldMutations, obj map[string]any) {
	val, ok := obj[fm.Field]
	if !ok || val == nil {
		return
	}
	switch {
	case fm.Repeated && len(fm.Children) > 0:
		arr, ok := val.([]any)
		if !ok {
			return
		}
		for _, elem := range arr {
			if nested, ok := elem.(map[string]any); ok {
				Apply(fm.Children, nested)
			}
		}
	case fm.Repeated:
		arr, ok := val.([]any)
		if !ok {
			return
		}
		obj[fm.Field] = ApplyScalarArray(fm.Ops, arr)
	case len(fm.Children) > 0:
		if nested, ok := val.(map[string]any); ok {
			Apply(fm.Children, nested)
		}
	default:
		obj[fm.Field] = applyOps(fm.Ops, val)
	}
}

// ApplyScalarArray mutates a []any of scalars in place (e.g. an array of
// date strings) and returns the possibly-new slice, since scalar elements
// are not addressable through a map value the way nested objects are.
func ApplyScalarArray(ops []Mutation, arr []any) []any {
	for i, v := range arr {
		arr[i] = applyOps(ops, v)
	}
	return arr
}

func applyOps(ops []Mutation, val any) any {
	for _, op := range ops {
		switch op {
		case ParseDate:
			s, ok := val.(string)
			if !ok {
				continue // already revived (idempotence) or not a string
			}
			if !isoDateRE.MatchString(s) {
				continue
			}
			if t, err := parseISODate(s); err == nil {
				val = t
			}
		}
	}
	return val
}

// ReviveDatesDeep recursively revives ISO-8601 strings found anywhere in an
// untyped JSON value (map, slice, or scalar) into time.Time, using the same
// isoDateRE the column-described mutation tree uses. Unlike Apply, it has no
// schema to consult, so every string is tested against the regex; this is
// the workflow activity runner's date-revival path, where
// task input arrives with no column descriptors at all.
func ReviveDatesDeep(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = ReviveDatesDeep(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = ReviveDatesDeep(val)
		}
		return t
	case string:
		if isoDateRE.MatchString(t) {
			if parsed, err := parseISODate(t); err == nil {
				return parsed
			}
		}
		return t
	default:
		return v
	}
}

func parseISODate(s string) (time.Time, error) {
	layouts := []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}
	var lastErr error
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, lastErr
}
