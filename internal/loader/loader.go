// Package loader implements the AOT handler-loading contract: user code is
// compiled ahead of time and described by a declarative manifest (module
// name, version, artifact path, entry symbol); the runtime resolves each
// manifest entry to a register function and applies it to the process
// catalog. There is no runtime source transformation — a module is either
// statically linked into the binary (registered via RegisterStatic from an
// init function) or built as a Go plugin whose exported symbol has the
// RegisterFunc signature.
package loader

import (
	"fmt"
	"os"
	"plugin"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/moosestack/moose-core/internal/catalog"
)

// DefaultSymbol is the exported plugin symbol looked up when a manifest
// entry does not name one.
const DefaultSymbol = "Register"

// RegisterFunc is the entry point every loadable module exposes: it
// declares the module's resources, APIs, transforms, and workflows into
// the process catalog.
type RegisterFunc func(*catalog.Registry) error

// Module is one manifest entry.
type Module struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version,omitempty"`
	// Path is the compiled plugin artifact. Empty for statically linked
	// modules, which resolve through the static table instead.
	Path   string `yaml:"path,omitempty"`
	Symbol string `yaml:"symbol,omitempty"`
}

// Manifest is the declarative module list a deployment ships next to its
// binary.
type Manifest struct {
	Modules []Module `yaml:"modules"`
}

// LoadManifest reads and parses a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loader: read manifest %q: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("loader: parse manifest %q: %w", path, err)
	}
	for i, mod := range m.Modules {
		if mod.Name == "" {
			return nil, fmt.Errorf("loader: manifest %q: module %d has no name", path, i)
		}
	}
	return &m, nil
}

var (
	staticMu    sync.Mutex
	staticTable = make(map[string]RegisterFunc)
)

func staticKey(name, version string) string {
	if version == "" {
		return name
	}
	return name + "@" + version
}

// RegisterStatic installs a statically linked module under (name, version).
// Applications call this from an init function in the package that defines
// their resources; registering the same key twice is an error, mirroring
// the catalog's single-registration invariants.
func RegisterStatic(name, version string, fn RegisterFunc) error {
	if fn == nil {
		return fmt.Errorf("loader: nil register function for %q", name)
	}
	staticMu.Lock()
	defer staticMu.Unlock()
	key := staticKey(name, version)
	if _, exists := staticTable[key]; exists {
		return fmt.Errorf("loader: module %q already registered", key)
	}
	staticTable[key] = fn
	return nil
}

// ResetStaticForTest clears the static table so package tests can exercise
// RegisterStatic repeatedly.
func ResetStaticForTest() {
	staticMu.Lock()
	defer staticMu.Unlock()
	staticTable = make(map[string]RegisterFunc)
}

// Resolve maps one manifest entry to its RegisterFunc: the static table
// first, then the plugin artifact at m.Path.
func Resolve(m Module) (RegisterFunc, error) {
	staticMu.Lock()
	fn, ok := staticTable[staticKey(m.Name, m.Version)]
	staticMu.Unlock()
	if ok {
		return fn, nil
	}
	if m.Path == "" {
		return nil, fmt.Errorf("loader: module %q is neither statically linked nor has an artifact path", staticKey(m.Name, m.Version))
	}
	return openPlugin(m)
}

func openPlugin(m Module) (RegisterFunc, error) {
	p, err := plugin.Open(m.Path)
	if err != nil {
		return nil, fmt.Errorf("loader: open module %q at %q: %w", m.Name, m.Path, err)
	}
	symbol := m.Symbol
	if symbol == "" {
		symbol = DefaultSymbol
	}
	sym, err := p.Lookup(symbol)
	if err != nil {
		return nil, fmt.Errorf("loader: module %q: lookup symbol %q: %w", m.Name, symbol, err)
	}
	fn, ok := sym.(func(*catalog.Registry) error)
	if !ok {
		return nil, fmt.Errorf("loader: module %q symbol %q has type %T, want func(*catalog.Registry) error", m.Name, symbol, sym)
	}
	return RegisterFunc(fn), nil
}

// BuildRegistry resolves and applies every manifest module into a fresh
// catalog.
func (m *Manifest) BuildRegistry() (*catalog.Registry, error) {
	reg := catalog.New()
	for _, mod := range m.Modules {
		fn, err := Resolve(mod)
		if err != nil {
			return nil, err
		}
		if err := fn(reg); err != nil {
			return nil, fmt.Errorf("loader: apply module %q: %w", staticKey(mod.Name, mod.Version), err)
		}
	}
	return reg, nil
}
