package catalog

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Dump is the JSON-serializable snapshot of a Registry, the payload the
// dmv2-serializer subcommand writes to stdout. Handler and
// task function values never appear in a dump; only declarative shape
// does.
type Dump struct {
	Resources  []ResourceDump  `json:"resources"`
	APIs       []APIDump       `json:"apis"`
	Transforms []TransformDump `json:"transforms"`
	Workflows  []WorkflowDump  `json:"workflows"`
	WebApps    []WebAppDump    `json:"webApps"`
}

// ResourceDump is one catalog resource entry in dump form.
type ResourceDump struct {
	Name    string       `json:"name"`
	Version string       `json:"version,omitempty"`
	Kind    Kind         `json:"kind"`
	Source  string       `json:"source,omitempty"`
	Columns []ColumnDump `json:"columns,omitempty"`
}

// ColumnDump is one column descriptor in dump form.
type ColumnDump struct {
	Name        string           `json:"name"`
	DataType    string           `json:"data_type"`
	PrimaryKey  bool             `json:"primary_key"`
	Required    bool             `json:"required"`
	Unique      bool             `json:"unique"`
	Default     *string          `json:"default,omitempty"`
	TTL         *string          `json:"ttl,omitempty"`
	Codec       *string          `json:"codec,omitempty"`
	Annotations []AnnotationDump `json:"annotations,omitempty"`
}

// AnnotationDump preserves annotation order in dump form.
type AnnotationDump struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// APIDump is one API entry in dump form, carrying the input/response schema
// pair the consumption-type-serializer subcommand prints.
type APIDump struct {
	Name           string          `json:"name"`
	Version        string          `json:"version,omitempty"`
	Path           string          `json:"path,omitempty"`
	InputSchema    json.RawMessage `json:"input_schema,omitempty"`
	ResponseSchema json.RawMessage `json:"response_schema,omitempty"`
	InputColumns   []ColumnDump    `json:"input_columns,omitempty"`
}

// TransformDump is one transform binding in dump form.
type TransformDump struct {
	Source   string        `json:"source,omitempty"`
	Target   string        `json:"target,omitempty"`
	Handlers []HandlerDump `json:"handlers"`
}

// HandlerDump is one bound transform handler in dump form.
type HandlerDump struct {
	Name            string `json:"name"`
	DeadLetterQueue string `json:"deadLetterQueue,omitempty"`
}

// WorkflowDump is one workflow definition in dump form.
type WorkflowDump struct {
	Name  string     `json:"name"`
	Tasks []TaskDump `json:"tasks"`
}

// TaskDump is one workflow task in dump form.
type TaskDump struct {
	Name        string `json:"name"`
	HasOnCancel bool   `json:"hasOnCancel"`
}

// WebAppDump is one BYOF mount in dump form.
type WebAppDump struct {
	MountPath string `json:"mountPath"`
}

// Dump snapshots the registry in deterministic order.
func (r *Registry) Dump() Dump {
	var d Dump

	for _, e := range r.allResources() {
		d.Resources = append(d.Resources, ResourceDump{
			Name:    e.Name,
			Version: e.Version,
			Kind:    e.Kind,
			Source:  e.Source,
			Columns: dumpColumns(e.Schema),
		})
	}

	for _, a := range r.APIs() {
		d.APIs = append(d.APIs, APIDump{
			Name:           a.Name,
			Version:        a.Version,
			Path:           a.Path,
			InputSchema:    json.RawMessage(a.InputSchema),
			ResponseSchema: json.RawMessage(a.ResponseSchema),
			InputColumns:   dumpColumns(a.InputColumns),
		})
	}

	r.mu.RLock()
	for _, b := range r.bindings {
		td := TransformDump{Source: b.BaseSource, Target: b.BaseTarget}
		for _, h := range b.Handlers {
			td.Handlers = append(td.Handlers, HandlerDump{Name: h.Name, DeadLetterQueue: h.DeadLetterQueue})
		}
		d.Transforms = append(d.Transforms, td)
	}
	for _, wf := range r.workflows {
		wd := WorkflowDump{Name: wf.Name}
		for _, t := range wf.Tasks {
			wd.Tasks = append(wd.Tasks, TaskDump{Name: t.Name, HasOnCancel: t.OnCancel != nil})
		}
		d.Workflows = append(d.Workflows, wd)
	}
	for _, m := range r.webapps {
		d.WebApps = append(d.WebApps, WebAppDump{MountPath: m.MountPath})
	}
	r.mu.RUnlock()

	sort.Slice(d.Transforms, func(i, j int) bool {
		if d.Transforms[i].Source != d.Transforms[j].Source {
			return d.Transforms[i].Source < d.Transforms[j].Source
		}
		return d.Transforms[i].Target < d.Transforms[j].Target
	})
	sort.Slice(d.Workflows, func(i, j int) bool { return d.Workflows[i].Name < d.Workflows[j].Name })
	return d
}

// WriteJSON writes the dump to w as indented JSON.
func (d Dump) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(d); err != nil {
		return fmt.Errorf("catalog: encode dump: %w", err)
	}
	return nil
}

func (r *Registry) allResources() []ResourceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ResourceEntry, 0, len(r.resources))
	for _, e := range r.resources {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out
}

func dumpColumns(cols []ColumnDescriptor) []ColumnDump {
	out := make([]ColumnDump, 0, len(cols))
	for _, c := range cols {
		cd := ColumnDump{
			Name:       c.Name,
			DataType:   TypeName(c.DataType),
			PrimaryKey: c.PrimaryKey,
			Required:   c.Required,
			Unique:     c.Unique,
			Default:    c.Default,
			TTL:        c.TTL,
			Codec:      c.Codec,
		}
		for _, a := range c.Annotations {
			cd.Annotations = append(cd.Annotations, AnnotationDump{Key: a.Key, Value: a.Value})
		}
		out = append(out, cd)
	}
	return out
}

// TypeName renders a DataType as its canonical textual form, e.g.
// "Nullable(DateTime(3))" or "Map(String, Array(Int64))".
func TypeName(dt DataType) string {
	switch t := dt.(type) {
	case Primitive:
		return string(t)
	case DateTime:
		return fmt.Sprintf("DateTime(%d)", t.Precision)
	case Decimal:
		return fmt.Sprintf("Decimal(%d, %d)", t.P, t.S)
	case FixedString:
		return fmt.Sprintf("FixedString(%d)", t.N)
	case Date:
		return "Date"
	case Date16:
		return "Date16"
	case UUID:
		return "UUID"
	case IPv4:
		return "IPv4"
	case IPv6:
		return "IPv6"
	case Geometry:
		return t.Shape
	case Enum:
		names := make([]string, 0, len(t.Values))
		for n := range t.Values {
			names = append(names, n)
		}
		sort.Strings(names)
		parts := make([]string, len(names))
		for i, n := range names {
			parts[i] = fmt.Sprintf("'%s' = %d", n, t.Values[n])
		}
		return "Enum(" + strings.Join(parts, ", ") + ")"
	case Nullable:
		return fmt.Sprintf("Nullable(%s)", TypeName(t.Inner))
	case Array:
		return fmt.Sprintf("Array(%s)", TypeName(t.Elem))
	case Map:
		return fmt.Sprintf("Map(%s, %s)", TypeName(t.Key), TypeName(t.Value))
	case NamedTuple:
		return "Tuple(" + joinFields(t.Fields) + ")"
	case Nested:
		return "Nested(" + joinFields(t.Fields) + ")"
	case JSONType:
		return "JSON"
	default:
		return fmt.Sprintf("%T", dt)
	}
}

func joinFields(fields []NamedField) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = f.Name + " " + TypeName(f.Type)
	}
	return strings.Join(parts, ", ")
}
