package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTopicDescriptorStreamName(t *testing.T) {
	td := TopicDescriptor{Name: "prod.Orders_1_2", Namespace: "prod", Version: "1.2"}
	name, err := td.StreamName()
	require.NoError(t, err)
	require.Equal(t, "Orders", name)
}

func TestTopicDescriptorStreamNameMismatch(t *testing.T) {
	td := TopicDescriptor{Name: "staging.Orders_1_2", Namespace: "prod", Version: "1.2"}
	_, err := td.StreamName()
	require.Error(t, err)
}

func TestResolveAPIOrder(t *testing.T) {
	reg := New()
	require.NoError(t, reg.RegisterAPI(APIEntry{Name: "orders", Version: "1"}))
	require.NoError(t, reg.RegisterAPI(APIEntry{Name: "orders", Version: "2"}))
	require.NoError(t, reg.RegisterAPI(APIEntry{Name: "custom", Path: "/weird/path"}))

	t.Run("custom path wins first", func(t *testing.T) {
		e, key, ok := reg.ResolveAPI("/weird/path", "")
		require.True(t, ok)
		require.Equal(t, "custom", e.Name)
		require.Equal(t, "custom", key)
	})

	t.Run("path-embedded version", func(t *testing.T) {
		e, key, ok := reg.ResolveAPI("orders/2", "")
		require.True(t, ok)
		require.Equal(t, "2", e.Version)
		require.Equal(t, "orders:2", key)
	})

	t.Run("query version", func(t *testing.T) {
		e, key, ok := reg.ResolveAPI("orders", "1")
		require.True(t, ok)
		require.Equal(t, "1", e.Version)
		require.Equal(t, "orders:1", key)
	})

	t.Run("bare name falls back when no version registered", func(t *testing.T) {
		require.NoError(t, reg.RegisterAPI(APIEntry{Name: "health"}))
		e, key, ok := reg.ResolveAPI("health", "")
		require.True(t, ok)
		require.Equal(t, "health", e.Name)
		require.Equal(t, "health", key)
	})

	t.Run("unresolved", func(t *testing.T) {
		_, _, ok := reg.ResolveAPI("missing", "")
		require.False(t, ok)
	})
}

func TestResolveAPIDuplicateRejected(t *testing.T) {
	reg := New()
	require.NoError(t, reg.RegisterAPI(APIEntry{Name: "orders"}))
	err := reg.RegisterAPI(APIEntry{Name: "orders"})
	require.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestResolveWebAppLongestMountWins(t *testing.T) {
	reg := New()
	reg.RegisterWebApp(WebAppMount{MountPath: "/admin"})
	reg.RegisterWebApp(WebAppMount{MountPath: "/admin/users"})

	m, rewritten, ok := reg.ResolveWebApp("/admin/users/42")
	require.True(t, ok)
	require.Equal(t, "/admin/users", m.MountPath)
	require.Equal(t, "/42", rewritten)
}

func TestResolveWebAppExactMatch(t *testing.T) {
	reg := New()
	reg.RegisterWebApp(WebAppMount{MountPath: "/admin"})
	m, rewritten, ok := reg.ResolveWebApp("/admin")
	require.True(t, ok)
	require.Equal(t, "/admin", m.MountPath)
	require.Equal(t, "/", rewritten)
}

func TestResolveWebAppNoMatch(t *testing.T) {
	reg := New()
	reg.RegisterWebApp(WebAppMount{MountPath: "/admin"})
	_, _, ok := reg.ResolveWebApp("/other")
	require.False(t, ok)
}

func TestFieldMutationIdempotence(t *testing.T) {
	cols := []ColumnDescriptor{
		{Name: "created_at", DataType: DateTime{Precision: 3}},
		{Name: "tags", DataType: Array{Elem: String}},
		{Name: "events", DataType: Array{Elem: Nested{Fields: []NamedField{
			{Name: "at", Type: DateTime{}},
		}}}},
	}
	tree := BuildMutationTree(cols)

	obj := map[string]any{
		"created_at": "2024-01-02T03:04:05Z",
		"tags":       []any{"a", "b"},
		"events": []any{
			map[string]any{"at": "2024-06-01T00:00:00Z"},
		},
	}

	Apply(tree, obj)
	once := obj["created_at"]
	Apply(tree, obj) // second pass must be a no-op
	require.Equal(t, once, obj["created_at"])

	nested := obj["events"].([]any)[0].(map[string]any)
	require.NotEqual(t, "2024-06-01T00:00:00Z", nested["at"])
}
