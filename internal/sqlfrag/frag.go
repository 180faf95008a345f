// Package sqlfrag implements a literal-composition SQL fragment builder:
// literal segments and interpolated values are recorded separately, and
// nested fragments compose by segment splice rather than by string
// concatenation, which is what lets the lineage analyzer mine table and
// topic identifiers out of query text.
package sqlfrag

import "strings"

// Frag is an immutable SQL fragment: literal text segments interleaved
// with parameters. len(Segments) == len(Args)+1 always holds for a
// directly-constructed Frag; nested fragments (an Arg that is itself a
// Frag) are spliced rather than parameterized, so Build inlines their
// segments and args into the parent's.
type Frag struct {
	Segments []string
	Args     []any
}

// New builds a Frag from literal segments and interpolated args, mirroring
// the shape of a tagged-template call: New([]string{"SELECT * FROM ", " WHERE id = ", ""}, tableFrag, id).
func New(segments []string, args ...any) Frag {
	return Frag{Segments: segments, Args: args}
}

// Lit returns a Frag that is pure literal text with no parameters, useful
// for composing table/column name fragments the lineage analyzer can mine.
func Lit(text string) Frag {
	return Frag{Segments: []string{text}}
}

// Build flattens the fragment tree into parameterized SQL text using "?"
// placeholders and a matching ordered parameter list. Nested Frag args are
// spliced in place: their segments and params replace the placeholder the
// naive tagged-template model would have produced, which is exactly the
// property the lineage analyzer's literal-identifier mining depends on.
func (f Frag) Build() (string, []any) {
	var sb strings.Builder
	var params []any
	f.write(&sb, &params)
	return sb.String(), params
}

func (f Frag) write(sb *strings.Builder, params *[]any) {
	for i, seg := range f.Segments {
		sb.WriteString(seg)
		if i < len(f.Args) {
			switch v := f.Args[i].(type) {
			case Frag:
				v.write(sb, params)
			case *Frag:
				v.write(sb, params)
			default:
				sb.WriteString("?")
				*params = append(*params, v)
			}
		}
	}
}

// LiteralText returns the concatenation of every literal segment across the
// whole fragment tree (ignoring parameter placeholders), the text the
// lineage analyzer scans for table/topic/view identifiers.
func (f Frag) LiteralText() string {
	var sb strings.Builder
	f.collectLiteral(&sb)
	return sb.String()
}

func (f Frag) collectLiteral(sb *strings.Builder) {
	for i, seg := range f.Segments {
		sb.WriteString(seg)
		if i < len(f.Args) {
			if nested, ok := f.Args[i].(Frag); ok {
				nested.collectLiteral(sb)
			} else if nested, ok := f.Args[i].(*Frag); ok {
				nested.collectLiteral(sb)
			}
		}
	}
}
