package catalog

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDumpIncludesAllSections(t *testing.T) {
	reg := New()
	require.NoError(t, reg.RegisterResource(ResourceEntry{
		Name: "orders",
		Kind: KindTable,
		Schema: []ColumnDescriptor{
			{Name: "id", DataType: UUID{}, PrimaryKey: true, Required: true},
			{Name: "created_at", DataType: DateTime{Precision: 3}, Annotations: []Annotation{{Key: AnnotationLowCardinality, Value: "true"}}},
		},
	}))
	require.NoError(t, reg.RegisterAPI(APIEntry{
		Name:        "orders",
		Version:     "2",
		InputSchema: []byte(`{"type":"object"}`),
	}))
	reg.RegisterTransformBinding("orders.raw", "orders.clean", BoundHandler{Name: "clean", DeadLetterQueue: "orders_dlq"}, nil)
	require.NoError(t, reg.RegisterWorkflow(WorkflowDefinition{
		Name:  "nightly",
		Tasks: []TaskDefinition{{Name: "rollup", OnCancel: func(map[string]any, map[string]any) {}}},
	}))
	reg.RegisterWebApp(WebAppMount{MountPath: "/admin"})

	d := reg.Dump()
	require.Len(t, d.Resources, 1)
	require.Equal(t, "UUID", d.Resources[0].Columns[0].DataType)
	require.Equal(t, "DateTime(3)", d.Resources[0].Columns[1].DataType)
	require.Equal(t, AnnotationLowCardinality, d.Resources[0].Columns[1].Annotations[0].Key)

	require.Len(t, d.APIs, 1)
	require.Equal(t, "2", d.APIs[0].Version)

	require.Len(t, d.Transforms, 1)
	require.Equal(t, "orders_dlq", d.Transforms[0].Handlers[0].DeadLetterQueue)

	require.Len(t, d.Workflows, 1)
	require.True(t, d.Workflows[0].Tasks[0].HasOnCancel)

	require.Len(t, d.WebApps, 1)
}

func TestDumpWriteJSONRoundTrips(t *testing.T) {
	reg := New()
	require.NoError(t, reg.RegisterAPI(APIEntry{Name: "metrics", InputSchema: []byte(`{"type":"object"}`)}))

	var buf bytes.Buffer
	require.NoError(t, reg.Dump().WriteJSON(&buf))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	apis, ok := decoded["apis"].([]any)
	require.True(t, ok)
	require.Len(t, apis, 1)
}

func TestTypeNameComposite(t *testing.T) {
	cases := []struct {
		dt   DataType
		want string
	}{
		{Nullable{Inner: String}, "Nullable(String)"},
		{Array{Elem: Nullable{Inner: Int64}}, "Array(Nullable(Int64))"},
		{Map{Key: String, Value: Float64}, "Map(String, Float64)"},
		{Decimal{P: 10, S: 2}, "Decimal(10, 2)"},
		{FixedString{N: 16}, "FixedString(16)"},
		{Nested{Fields: []NamedField{{Name: "a", Type: String}}}, "Nested(a String)"},
		{Enum{Values: map[string]int{"b": 2, "a": 1}}, "Enum('a' = 1, 'b' = 2)"},
	}
	for _, c := range cases {
		require.Equal(t, c.want, TypeName(c.dt))
	}
}
