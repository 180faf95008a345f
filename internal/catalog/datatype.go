package catalog

// DataType is the closed sum of column value types.
// It is represented as a small interface with an unexported marker method,
// Go's idiomatic stand-in for a tagged union — every concrete type below is
// declared in this package, so a type switch on DataType is exhaustive by
// construction.
type DataType interface {
	isDataType()
}

type (
	// Primitive is a scalar type tag: String, Int32, Float64, Boolean, …
	Primitive string

	// DateTime is a date-time column with second/millisecond/etc. precision.
	DateTime struct{ Precision int }

	// Decimal is a fixed-point number with precision p and scale s.
	Decimal struct{ P, S int }

	// FixedString is a fixed-width string of n bytes.
	FixedString struct{ N int }

	// Date is a calendar date (32-bit range).
	Date struct{}

	// Date16 is a calendar date with a narrower (16-bit) range.
	Date16 struct{}

	// UUID is a 128-bit universally unique identifier.
	UUID struct{}

	// IPv4 is a 32-bit IP address.
	IPv4 struct{}

	// IPv6 is a 128-bit IP address.
	IPv6 struct{}

	// Geometry is a geometry shape column (point, ring, polygon, …).
	Geometry struct{ Shape string }

	// Enum is a closed set of named integer values.
	Enum struct{ Values map[string]int }

	// Nullable wraps another type, allowing it to hold a null value.
	Nullable struct{ Inner DataType }

	// Array wraps another type, repeated zero or more times.
	Array struct{ Elem DataType }

	// Map is a homogeneous key/value map.
	Map struct{ Key, Value DataType }

	// NamedTuple is an ordered set of named, typed fields without nesting
	// semantics (contrast with Nested, whose field-mutation tree recurses
	// per element).
	NamedTuple struct{ Fields []NamedField }

	// Nested is a record type whose fields recurse through the
	// field-mutation tree once per element when the column is itself
	// wrapped in Array.
	Nested struct{ Fields []NamedField }

	// JSONType is a JSON column, optionally constrained by typed paths and
	// a limit on the number of additional dynamic paths.
	JSONType struct {
		TypedPaths      map[string]DataType
		MaxDynamicPaths int
	}
)

// NamedField is one field of a NamedTuple or Nested type.
type NamedField struct {
	Name string
	Type DataType
}

// Primitive tags recognized by the runtime.
const (
	String  Primitive = "String"
	Int8    Primitive = "Int8"
	Int16   Primitive = "Int16"
	Int32   Primitive = "Int32"
	Int64   Primitive = "Int64"
	Float32 Primitive = "Float32"
	Float64 Primitive = "Float64"
	Boolean Primitive = "Boolean"
)

func (Primitive) isDataType()   {}
func (DateTime) isDataType()    {}
func (Decimal) isDataType()     {}
func (FixedString) isDataType() {}
func (Date) isDataType()        {}
func (Date16) isDataType()      {}
func (UUID) isDataType()        {}
func (IPv4) isDataType()        {}
func (IPv6) isDataType()        {}
func (Geometry) isDataType()    {}
func (Enum) isDataType()        {}
func (Nullable) isDataType()    {}
func (Array) isDataType()       {}
func (Map) isDataType()         {}
func (NamedTuple) isDataType()  {}
func (Nested) isDataType()      {}
func (JSONType) isDataType()    {}

// IsDateType reports whether dt is Date, Date16, or DateTime (optionally
// wrapped in Nullable), i.e. whether it is subject to the date-revival
// mutation.
func IsDateType(dt DataType) bool {
	if n, ok := dt.(Nullable); ok {
		dt = n.Inner
	}
	switch dt.(type) {
	case Date, Date16, DateTime:
		return true
	default:
		return false
	}
}
