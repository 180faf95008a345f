package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned when a lookup finds no matching entry.
var ErrNotFound = errors.New("catalog: not found")

// ErrAlreadyRegistered is returned by registration methods that enforce a
// single-registration invariant (the (name, version) uniqueness of
// APIEntry). WebApp mounts are not checked here; see RegisterWebApp.
var ErrAlreadyRegistered = errors.New("catalog: already registered")

// Registry is the process-wide, read-only-after-init catalog of declared
// resources. A Registry is built once via New + Register* calls during
// process startup; after the worker supervisor forks, each worker receives
// a read-only view and never mutates it. The
// internal mutex exists only to make concurrent *reads* safe across the
// goroutines handling gateway requests within one worker, not to support
// cross-worker mutation.
type Registry struct {
	mu sync.RWMutex

	resources map[resourceKey]*ResourceEntry
	apis      map[apiKey]*APIEntry
	bindings  map[bindingKey]*TransformBinding
	webapps   []WebAppMount
	workflows map[string]*WorkflowDefinition

	mutationTrees map[string][]FieldMutations // keyed by base stream name

	cacheMu     sync.Mutex
	handlerCache map[string]CachedHandlerEntry
}

type resourceKey struct {
	kind    Kind
	name    string
	version string
}

type apiKey struct {
	name    string
	version string
}

type bindingKey struct {
	source string
	target string
}

// WebAppMount is a registered BYOF (bring-your-own-framework) mount point.
type WebAppMount struct {
	MountPath string
	Handler   any // opaque external framework handler, type-asserted by the gateway adapter
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		resources:     make(map[resourceKey]*ResourceEntry),
		apis:          make(map[apiKey]*APIEntry),
		bindings:      make(map[bindingKey]*TransformBinding),
		mutationTrees: make(map[string][]FieldMutations),
		handlerCache:  make(map[string]CachedHandlerEntry),
		workflows:     make(map[string]*WorkflowDefinition),
	}
}

// RegisterWorkflow adds a workflow definition to the catalog. The name must
// be unique, per the same single-registration invariant APIs use.
func (r *Registry) RegisterWorkflow(wf WorkflowDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workflows[wf.Name]; exists {
		return fmt.Errorf("%w: workflow %q", ErrAlreadyRegistered, wf.Name)
	}
	cp := wf
	r.workflows[wf.Name] = &cp
	return nil
}

// HasWorkflow reports whether a workflow named name is registered.
func (r *Registry) HasWorkflow(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.workflows[name]
	return ok
}

// Workflow returns the workflow definition registered under name.
func (r *Registry) Workflow(name string) (*WorkflowDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[name]
	return wf, ok
}

// Task returns the task definition named taskName within workflow
// workflowName.
func (r *Registry) Task(workflowName, taskName string) (*TaskDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[workflowName]
	if !ok {
		return nil, false
	}
	for i := range wf.Tasks {
		if wf.Tasks[i].Name == taskName {
			return &wf.Tasks[i], true
		}
	}
	return nil, false
}

// RegisterResource adds a resource entry to the catalog.
func (r *Registry) RegisterResource(e ResourceEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := resourceKey{kind: e.Kind, name: e.Name, version: e.Version}
	if _, exists := r.resources[key]; exists {
		return fmt.Errorf("%w: resource %s/%s@%s", ErrAlreadyRegistered, e.Kind, e.Name, e.Version)
	}
	cp := e
	r.resources[key] = &cp
	return nil
}

// Resource looks up a resource entry by kind, name, and optional version.
func (r *Registry) Resource(kind Kind, name, version string) (*ResourceEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.resources[resourceKey{kind: kind, name: name, version: version}]
	return e, ok
}

// ResourcesByName returns every registered version of a resource named
// name, across all kinds, sorted by kind then version. The lineage
// analyzer uses this to detect a bare name resolving ambiguously across
// multiple versioned ids, which it reports as a warning.
func (r *Registry) ResourcesByName(name string) []ResourceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ResourceEntry
	for _, e := range r.resources {
		if e.Name == name {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// ResourcesByKind returns every registered resource of one kind, sorted by
// name then version.
func (r *Registry) ResourcesByKind(kind Kind) []ResourceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ResourceEntry
	for _, e := range r.resources {
		if e.Kind == kind {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// RegisterAPI adds an API entry. The (name, version) pair must be unique.
func (r *Registry) RegisterAPI(e APIEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := apiKey{name: e.Name, version: e.Version}
	if _, exists := r.apis[key]; exists {
		return fmt.Errorf("%w: api %q version %q", ErrAlreadyRegistered, e.Name, e.Version)
	}
	cp := e
	r.apis[key] = &cp
	return nil
}

// APIs returns every registered API entry, sorted by name then version, for
// diagnostics (e.g. an "available APIs" listing).
func (r *Registry) APIs() []APIEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]APIEntry, 0, len(r.apis))
	for _, e := range r.apis {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// ResolveAPI implements the gateway's API lookup order:
//
//  1. full path as a registered custom path
//  2. if path contains "/", treat it as "name/version"
//  3. "?version=" query parameter combined with the bare name
//  4. bare name
//
// cacheKey is the key the gateway should use to populate its cached-handler
// map ("pathName" or "pathName:version").
func (r *Registry) ResolveAPI(path, queryVersion string) (entry *APIEntry, cacheKey string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// (a) full path as registered custom path.
	for _, e := range r.apis {
		if e.Path != "" && e.Path == path {
			return e, cacheKeyFor(e.Name, e.Version), true
		}
	}

	// (b) path-embedded version: "name/version".
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		name, version := path[:idx], path[idx+1:]
		if e, ok := r.apis[apiKey{name: name, version: version}]; ok {
			return e, cacheKeyFor(name, version), true
		}
	}

	// (c) query-parameter version combined with the bare name.
	if queryVersion != "" {
		if e, ok := r.apis[apiKey{name: path, version: queryVersion}]; ok {
			return e, cacheKeyFor(path, queryVersion), true
		}
	}

	// (d) bare name (no version).
	if e, ok := r.apis[apiKey{name: path, version: ""}]; ok {
		return e, cacheKeyFor(path, ""), true
	}

	return nil, "", false
}

func cacheKeyFor(name, version string) string {
	if version == "" {
		return name
	}
	return name + ":" + version
}

// CachedHandler returns a previously cached handler resolution for key, if
// any. The cache is populated on first request for a key and never evicted
// within a worker's lifetime.
func (r *Registry) CachedHandler(key string) (CachedHandlerEntry, bool) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	e, ok := r.handlerCache[key]
	return e, ok
}

// CacheHandler populates the handler cache for key.
func (r *Registry) CacheHandler(key string, entry CachedHandlerEntry) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	r.handlerCache[key] = entry
}

// RegisterTransformBinding adds one handler to the binding keyed by
// (baseSource, baseTarget). All bindings under one key must share the same
// source column descriptors so the field-mutation tree is built exactly
// once per source; sourceColumns is ignored on the second and later call
// for the same key (the first registration wins).
func (r *Registry) RegisterTransformBinding(baseSource, baseTarget string, h BoundHandler, sourceColumns []ColumnDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := bindingKey{source: baseSource, target: baseTarget}
	b, ok := r.bindings[key]
	if !ok {
		b = &TransformBinding{BaseSource: baseSource, BaseTarget: baseTarget}
		r.bindings[key] = b
		if baseSource != "" {
			if _, exists := r.mutationTrees[baseSource]; !exists {
				r.mutationTrees[baseSource] = BuildMutationTree(sourceColumns)
			}
		}
	}
	b.Handlers = append(b.Handlers, h)
}

// Binding returns the transform binding for (baseSource, baseTarget).
func (r *Registry) Binding(baseSource, baseTarget string) (*TransformBinding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[bindingKey{source: baseSource, target: baseTarget}]
	return b, ok
}

// BindingsForSource returns every binding whose source is baseSource,
// regardless of target — a single source topic may fan out to multiple
// targets, each with its own handler list.
func (r *Registry) BindingsForSource(baseSource string) []*TransformBinding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*TransformBinding
	for k, b := range r.bindings {
		if k.source == baseSource {
			out = append(out, b)
		}
	}
	return out
}

// MutationTree returns the pre-built field-mutation tree for a source
// stream, if one has been derived.
func (r *Registry) MutationTree(baseSource string) ([]FieldMutations, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.mutationTrees[baseSource]
	return t, ok
}

// RegisterWebApp mounts one externally-supplied (BYOF) web application at a
// path prefix. Unlike APIs, WebApp mounts have no single-registration
// invariant at this layer — the process-wide "at most one BYOF app" rule is
// enforced by the gateway's byof package, which is the sole expected caller
// of this method in production wiring.
func (r *Registry) RegisterWebApp(m WebAppMount) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.webapps = append(r.webapps, m)
}

// WebApps returns every registered WebApp mount, used for startup-time
// BYOF route-collision diagnostics.
func (r *Registry) WebApps() []WebAppMount {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]WebAppMount(nil), r.webapps...)
}

// ResolveWebApp implements:
// WebApps are sorted by mount path length descending, and the first whose
// mount path equals the request path or is a "/"-terminated prefix of it
// wins. Returns the mount and the path with the mount prefix stripped.
func (r *Registry) ResolveWebApp(requestPath string) (mount WebAppMount, rewritten string, ok bool) {
	r.mu.RLock()
	mounts := append([]WebAppMount(nil), r.webapps...)
	r.mu.RUnlock()

	sort.SliceStable(mounts, func(i, j int) bool {
		return len(mounts[i].MountPath) > len(mounts[j].MountPath)
	})
	for _, m := range mounts {
		if requestPath == m.MountPath {
			return m, "/", true
		}
		prefix := m.MountPath
		if !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		if strings.HasPrefix(requestPath, prefix) {
			rest := requestPath[len(prefix)-1:] // keep the leading slash
			return m, rest, true
		}
	}
	return WebAppMount{}, "", false
}
