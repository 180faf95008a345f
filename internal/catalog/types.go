// Package catalog implements the Resource Registry: the in-process catalog
// of declared tables, streams, APIs, workflows, materialized views, web-apps,
// and transform bindings. A Registry is built once at process start and is
// read-only for the remainder of the process lifetime: the catalog
// exclusively owns its entries, and workers only ever see a read-only
// view.
package catalog

import (
	"context"
	"fmt"

	"github.com/moosestack/moose-core/internal/sqlfrag"
)

// Kind identifies the variety of a ResourceEntry.
type Kind string

// The resource kinds a Registry can hold.
const (
	KindTable             Kind = "Table"
	KindTopic             Kind = "Topic"
	KindStream            Kind = "Stream"
	KindIngestAPI         Kind = "IngestApi"
	KindAPI               Kind = "Api"
	KindMaterializedView  Kind = "MaterializedView"
	KindView              Kind = "View"
	KindSQLResource       Kind = "SqlResource"
	KindIngestPipeline    Kind = "IngestPipeline"
	KindWorkflow          Kind = "Workflow"
	KindTask              Kind = "Task"
	KindWebApp            Kind = "WebApp"
	KindDeadLetterQueue   Kind = "DeadLetterQueue"
)

// ResourceEntry is a catalog entry keyed by name (and optionally version).
type ResourceEntry struct {
	Name     string
	Version  string // optional
	Kind     Kind
	Source   string // declared source location, e.g. a file path
	Schema   []ColumnDescriptor
	Config   any // kind-specific configuration
}

// MaterializedViewConfig is the kind-specific configuration of a
// MaterializedView resource entry. Lineage treats a materialized view
// reference as a reference to TargetTable when it is set.
type MaterializedViewConfig struct {
	SelectSQL   string
	TargetTable string
}

// TopicDescriptor describes a broker topic.
//
// Invariant: if Namespace is set, Name begins with Namespace + ".". If
// Version is set, Name ends with "_" + Version with dots replaced by
// underscores. See StreamName for the inverse operation.
type TopicDescriptor struct {
	Name            string
	Partitions      int
	RetentionMS     int64
	MaxMessageBytes int
	Namespace       string // optional
	Version         string // optional
}

// StreamName derives the base stream name by stripping the namespace prefix
// and version suffix that the declaring code applied.
// It validates that the affixes actually match, returning an error on
// mismatch rather than panicking.
func (t TopicDescriptor) StreamName() (string, error) {
	name := t.Name
	if t.Namespace != "" {
		prefix := t.Namespace + "."
		if len(name) < len(prefix) || name[:len(prefix)] != prefix {
			return "", fmt.Errorf("topic name %q does not begin with namespace prefix %q", t.Name, prefix)
		}
		name = name[len(prefix):]
	}
	if t.Version != "" {
		suffix := "_" + versionWithUnderscores(t.Version)
		if len(name) < len(suffix) || name[len(name)-len(suffix):] != suffix {
			return "", fmt.Errorf("topic name %q does not end with version suffix %q", t.Name, suffix)
		}
		name = name[:len(name)-len(suffix)]
	}
	return name, nil
}

func versionWithUnderscores(v string) string {
	out := make([]byte, len(v))
	for i := 0; i < len(v); i++ {
		if v[i] == '.' {
			out[i] = '_'
		} else {
			out[i] = v[i]
		}
	}
	return string(out)
}

// Annotation is an ordered (key, value) pair attached to a column. Ordering
// matters: annotations are an ordered set, not a map.
type Annotation struct {
	Key   string
	Value string
}

// Well-known annotation keys.
const (
	AnnotationStringDate     = "stringDate"
	AnnotationLowCardinality = "LowCardinality"
)

// ColumnDescriptor describes one column of a stream or table.
type ColumnDescriptor struct {
	Name        string
	DataType    DataType
	PrimaryKey  bool
	Required    bool
	Unique      bool
	Default     *string
	TTL         *string
	Codec       *string
	Annotations []Annotation
}

// HasAnnotation reports whether the column carries the named annotation.
func (c ColumnDescriptor) HasAnnotation(key string) (string, bool) {
	for _, a := range c.Annotations {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// IsStringDate reports whether this is a date-typed column whose runtime
// value is kept as a string rather than parsed into a timestamp.
func (c ColumnDescriptor) IsStringDate() bool {
	if !IsDateType(c.DataType) {
		return false
	}
	_, ok := c.HasAnnotation(AnnotationStringDate)
	return ok
}

// APIEntry is a registered consumption API handler.
type APIEntry struct {
	Name           string
	Version        string // optional
	Path           string // optional custom path
	Handler        Handler
	InputSchema    []byte // JSON Schema, compiled lazily by the gateway
	InputColumns   []ColumnDescriptor
	ResponseSchema []byte
}

// Handler is the function signature user query handlers implement.
type Handler func(ctx HandlerContext, params map[string][]string) (any, error)

// HandlerContext carries the per-request collaborators passed to a Handler:
// the OLAP client, a SQL fragment builder, and (if present) verified JWT
// claims.
type HandlerContext interface {
	Context() context.Context
	// Client returns the shared OLAP connection, typed as `any` so this
	// package does not depend on internal/olap; handlers type-assert it to
	// the concrete client type the gateway wires in.
	Client() any
	// SQL returns a fragment builder seeded for this request, used to
	// compose queries from literal segments and parameters.
	SQL() sqlfrag.Frag
	// JWT returns the verified token claims, or nil if none were presented
	// or enforcement is disabled.
	JWT() map[string]any
}

// TransformBinding is an ordered list of handlers bound to one
// (base source topic → base target topic) pair. Either side may be empty
// for consumer-only / producer-only bindings.
type TransformBinding struct {
	BaseSource string
	BaseTarget string // optional
	Handlers   []BoundHandler
}

// BoundHandler is one transform function bound to a TransformBinding, with
// its own optional dead-letter queue target.
type BoundHandler struct {
	Name              string
	Fn                TransformFunc
	DeadLetterQueue   string // optional topic name
}

// TransformFunc is a user transform function: it receives one revived input
// record and produces zero or more output records (nil/empty slice drops
// the record; flattening happens at the call site).
type TransformFunc func(ctx TransformContext, input map[string]any) ([]map[string]any, error)

// TransformContext is the per-message execution context handed to a
// TransformFunc.
type TransformContext interface {
	Context() context.Context
	SourcePartition() int32
	SourceOffset() int64
	SourceTimestampMS() int64
}

// TaskFunc is a workflow task's executable body: it receives the workflow's
// accumulated state and the current task's input, and returns the state
// update produced by this task.
type TaskFunc func(ctx context.Context, state, input map[string]any) (map[string]any, error)

// TaskDefinition is one registered workflow task.
type TaskDefinition struct {
	Name string
	Fn   TaskFunc
	// OnCancel, if set, is invoked with the current (state, input) when the
	// orchestrator cancels a running execution of this task.
	OnCancel func(state, input map[string]any)
}

// WorkflowDefinition is a named, ordered sequence of tasks.
type WorkflowDefinition struct {
	Name  string
	Tasks []TaskDefinition
}

// CachedHandlerEntry is a lazily populated mapping from a gateway lookup
// key to a resolved handler module and API name, never evicted within a
// worker's lifetime.
type CachedHandlerEntry struct {
	Handler Handler
	APIName string
}

// DLQRecord is the payload published to a dead-letter queue, serialized as
// UTF-8 JSON on the wire.
type DLQRecord struct {
	OriginalRecord map[string]any `json:"originalRecord"`
	ErrorMessage   string         `json:"errorMessage"`
	ErrorType      string         `json:"errorType"`
	FailedAt       int64          `json:"failedAt"` // unix millis
	Source         string         `json:"source"`
}

// Well-known DLQ original-record metadata keys.
const (
	MetaSourcePartition = "__sourcePartition"
	MetaSourceOffset    = "__sourceOffset"
	MetaSourceTimestamp = "__sourceTimestamp"
)
