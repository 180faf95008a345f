package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moosestack/moose-core/internal/catalog"
)

func TestLoadManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "moose.modules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`modules:
  - name: orders
    version: "1.2"
    path: build/orders.so
  - name: metrics
    symbol: RegisterMetrics
`), 0o644))

	m, err := LoadManifest(path)
	require.NoError(t, err)
	require.Len(t, m.Modules, 2)
	require.Equal(t, "orders", m.Modules[0].Name)
	require.Equal(t, "1.2", m.Modules[0].Version)
	require.Equal(t, "build/orders.so", m.Modules[0].Path)
	require.Equal(t, "RegisterMetrics", m.Modules[1].Symbol)
}

func TestLoadManifestRejectsNamelessModule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("modules:\n  - path: x.so\n"), 0o644))

	_, err := LoadManifest(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "has no name")
}

func TestRegisterStaticRejectsDuplicate(t *testing.T) {
	ResetStaticForTest()
	t.Cleanup(ResetStaticForTest)

	fn := func(*catalog.Registry) error { return nil }
	require.NoError(t, RegisterStatic("orders", "1", fn))
	require.Error(t, RegisterStatic("orders", "1", fn))
	require.NoError(t, RegisterStatic("orders", "2", fn))
}

func TestBuildRegistryAppliesStaticModules(t *testing.T) {
	ResetStaticForTest()
	t.Cleanup(ResetStaticForTest)

	require.NoError(t, RegisterStatic("orders", "", func(reg *catalog.Registry) error {
		return reg.RegisterAPI(catalog.APIEntry{Name: "orders"})
	}))

	m := &Manifest{Modules: []Module{{Name: "orders"}}}
	reg, err := m.BuildRegistry()
	require.NoError(t, err)
	require.Len(t, reg.APIs(), 1)
}

func TestResolveUnknownModule(t *testing.T) {
	ResetStaticForTest()
	t.Cleanup(ResetStaticForTest)

	_, err := Resolve(Module{Name: "ghost"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "neither statically linked")
}
