package lineage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moosestack/moose-core/internal/catalog"
)

func writeSource(t *testing.T, dir, name, src string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func registryWith(t *testing.T, entries ...catalog.ResourceEntry) *catalog.Registry {
	t.Helper()
	reg := catalog.New()
	for _, e := range entries {
		require.NoError(t, reg.RegisterResource(e))
	}
	return reg
}

func TestAnalyzeDirReadAndWriteEdges(t *testing.T) {
	dir := t.TempDir()
	apiSrc := writeSource(t, dir, "orders_api.go", `package app

func ordersHandler() {
	q := query("SELECT count() FROM orders WHERE status = 'open'")
	client.Insert("orders_audit", q)
}

func query(s string) string { return s }
`)

	reg := registryWith(t,
		catalog.ResourceEntry{Name: "orders", Kind: catalog.KindTable},
		catalog.ResourceEntry{Name: "orders_audit", Kind: catalog.KindTable},
		catalog.ResourceEntry{Name: "orders_api", Kind: catalog.KindAPI, Source: apiSrc},
	)

	a, err := New(reg)
	require.NoError(t, err)
	report, err := a.AnalyzeDir(dir)
	require.NoError(t, err)

	require.Len(t, report.Nodes, 1)
	node := report.Nodes[0]
	require.Equal(t, "orders_api", node.Name)
	require.Equal(t, []string{"orders"}, node.PullsDataFrom)
	require.Equal(t, []string{"orders_audit"}, node.PushesDataTo)
}

func TestAnalyzeDirClassifiesWriteMethods(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "flow.go", `package app

func flow() {
	producer.Send("events_topic")
	bus.Publish("alerts_topic")
	stream.Emit("audit_topic")
	sink.Write("log_topic")
	reader.Rows("events_topic")
}
`)
	reg := registryWith(t,
		catalog.ResourceEntry{Name: "events_topic", Kind: catalog.KindTopic},
		catalog.ResourceEntry{Name: "alerts_topic", Kind: catalog.KindTopic},
		catalog.ResourceEntry{Name: "audit_topic", Kind: catalog.KindTopic},
		catalog.ResourceEntry{Name: "log_topic", Kind: catalog.KindTopic},
		catalog.ResourceEntry{Name: "wf", Kind: catalog.KindWorkflow, Source: src},
	)

	a, err := New(reg)
	require.NoError(t, err)
	report, err := a.AnalyzeDir(dir)
	require.NoError(t, err)

	require.Len(t, report.Nodes, 1)
	node := report.Nodes[0]
	require.Equal(t, []string{"alerts_topic", "audit_topic", "events_topic", "log_topic"}, node.PushesDataTo)
	// events_topic is both written (Send) and read (Rows): the read heuristic
	// is conservative, so the name appears on both sides.
	require.Equal(t, []string{"events_topic"}, node.PullsDataFrom)
}

func TestAnalyzeDirFollowsProjectLocalCalls(t *testing.T) {
	dir := t.TempDir()
	apiSrc := writeSource(t, dir, "api.go", `package app

func handler() {
	shared()
}
`)
	writeSource(t, dir, "helpers.go", `package app

func shared() {
	db.Query("SELECT * FROM metrics_view")
}
`)
	reg := registryWith(t,
		catalog.ResourceEntry{Name: "metrics_view", Kind: catalog.KindView},
		catalog.ResourceEntry{Name: "metrics_api", Kind: catalog.KindAPI, Source: apiSrc},
	)

	a, err := New(reg)
	require.NoError(t, err)
	report, err := a.AnalyzeDir(dir)
	require.NoError(t, err)

	require.Len(t, report.Nodes, 1)
	require.Equal(t, []string{"metrics_view"}, report.Nodes[0].PullsDataFrom)
}

func TestAnalyzeDirResolvesMaterializedViewToTargetTable(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "mv.go", `package app

func mvHandler() {
	db.Query("SELECT * FROM daily_rollup")
}
`)
	reg := registryWith(t,
		catalog.ResourceEntry{
			Name:   "daily_rollup",
			Kind:   catalog.KindMaterializedView,
			Config: catalog.MaterializedViewConfig{TargetTable: "daily_rollup_table"},
		},
		catalog.ResourceEntry{Name: "daily_rollup_table", Kind: catalog.KindTable},
		catalog.ResourceEntry{Name: "rollup_api", Kind: catalog.KindAPI, Source: src},
	)

	a, err := New(reg)
	require.NoError(t, err)
	report, err := a.AnalyzeDir(dir)
	require.NoError(t, err)

	require.Len(t, report.Nodes, 1)
	require.Equal(t, []string{"daily_rollup_table"}, report.Nodes[0].PullsDataFrom)
}

func TestAnalyzeDirWarnsOnAmbiguousVersionedName(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "versions.go", `package app

func versioned() {
	db.Query("SELECT * FROM orders")
}
`)
	reg := registryWith(t,
		catalog.ResourceEntry{Name: "orders", Kind: catalog.KindTable, Version: "1.0"},
		catalog.ResourceEntry{Name: "orders", Kind: catalog.KindTable, Version: "2.0"},
		catalog.ResourceEntry{Name: "orders_api", Kind: catalog.KindAPI, Source: src},
	)

	a, err := New(reg)
	require.NoError(t, err)
	report, err := a.AnalyzeDir(dir)
	require.NoError(t, err)

	require.Len(t, report.Warnings, 1)
	require.Contains(t, report.Warnings[0], "multiple versioned ids")
}

func TestAnalyzeDirSkipsOwnerWithoutSource(t *testing.T) {
	reg := registryWith(t,
		catalog.ResourceEntry{Name: "nameless", Kind: catalog.KindAPI},
	)
	a, err := New(reg)
	require.NoError(t, err)
	report, err := a.AnalyzeDir(t.TempDir())
	require.NoError(t, err)

	require.Len(t, report.Nodes, 1)
	require.Empty(t, report.Nodes[0].PullsDataFrom)
	require.Len(t, report.Warnings, 1)
	require.Contains(t, report.Warnings[0], "no declared source location")
}
