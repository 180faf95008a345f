// Package lineage implements the dependency/lineage analyzer: a static
// pass over the user project's source files that derives per-API,
// per-workflow, and per-webapp pullsDataFrom / pushesDataTo edges against
// tables, topics, views, materialized views, and SQL resources. It runs
// once at registry dump time, never on the request-serving path.
//
// The analyzer mines literal identifiers out of sqlfrag composition and
// out of
// string arguments to resource method calls, classifying method names
// into writes (insert, send, publish, emit, write) and reads (everything
// else). The everything-else-is-a-read heuristic knowingly produces false
// positives for incidental calls; it is kept conservative so lineage is
// never missed.
package lineage

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/moosestack/moose-core/internal/catalog"
	"github.com/moosestack/moose-core/internal/telemetry"
)

// writeMethods classifies a method call as a data write. Any other method
// invoked with a resource identifier in reach is treated as a read.
var writeMethods = map[string]bool{
	"insert":  true,
	"send":    true,
	"publish": true,
	"emit":    true,
	"write":   true,
}

// identPattern matches candidate resource identifiers inside literal SQL
// text: bare names and dotted names like "prod.Orders_1_2".
var identPattern = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_.]*`)

// Node is the lineage result for one API, workflow, or web-app.
type Node struct {
	Name          string       `json:"name"`
	Kind          catalog.Kind `json:"kind"`
	PullsDataFrom []string     `json:"pullsDataFrom"`
	PushesDataTo  []string     `json:"pushesDataTo"`
}

// Report is the full analyzer output: one node per owning resource plus
// the ambiguity warnings accumulated while resolving identifiers.
type Report struct {
	Nodes    []Node   `json:"nodes"`
	Warnings []string `json:"warnings"`
}

// Analyzer resolves source-mined identifiers against a catalog.
type Analyzer struct {
	registry *catalog.Registry
	logger   telemetry.Logger
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithLogger overrides the analyzer's structured logger.
func WithLogger(l telemetry.Logger) Option { return func(a *Analyzer) { a.logger = l } }

// New builds an Analyzer over reg.
func New(reg *catalog.Registry, opts ...Option) (*Analyzer, error) {
	if reg == nil {
		return nil, fmt.Errorf("lineage: registry is required")
	}
	a := &Analyzer{registry: reg, logger: telemetry.NewNoopLogger()}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// edge is one raw mined reference before catalog resolution.
type edge struct {
	name    string
	isWrite bool
}

// funcEdges is the per-function analysis result: the edges mined directly
// from the function body plus the names of project-local functions it
// calls, so owner attribution can follow parameters across calls within
// the user project (never into dependencies — only functions declared in
// the analyzed directory are in the index).
type funcEdges struct {
	file  string
	edges []edge
	calls []string
}

// AnalyzeDir parses every .go file under dir (skipping vendor and testdata
// directories) and attributes mined edges to the registered APIs,
// workflows, and web-apps whose declared Source file contains — directly
// or via project-local calls — the code that references each resource.
func (a *Analyzer) AnalyzeDir(dir string) (*Report, error) {
	files, err := collectGoFiles(dir)
	if err != nil {
		return nil, err
	}

	fset := token.NewFileSet()
	index := make(map[string]*funcEdges) // function name -> analysis
	fileFuncs := make(map[string][]string)

	for _, path := range files {
		f, err := parser.ParseFile(fset, path, nil, parser.SkipObjectResolution)
		if err != nil {
			return nil, fmt.Errorf("lineage: parse %s: %w", path, err)
		}
		for _, decl := range f.Decls {
			fn, ok := decl.(*ast.FuncDecl)
			if !ok || fn.Body == nil {
				continue
			}
			fe := analyzeFunc(fn)
			fe.file = path
			index[fn.Name.Name] = fe
			fileFuncs[path] = append(fileFuncs[path], fn.Name.Name)
		}
	}

	report := &Report{}
	for _, owner := range a.owners() {
		node := Node{Name: owner.Name, Kind: owner.Kind}
		if owner.Source == "" {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("%s %q has no declared source location; lineage skipped", owner.Kind, owner.Name))
			report.Nodes = append(report.Nodes, node)
			continue
		}

		pulls := make(map[string]bool)
		pushes := make(map[string]bool)
		for _, e := range closureEdges(fileFuncs[a.matchSource(owner.Source, files)], index) {
			resolved, warn := a.resolve(e.name)
			if warn != "" {
				report.Warnings = append(report.Warnings, warn)
			}
			if resolved == "" {
				continue
			}
			if e.isWrite {
				pushes[resolved] = true
			} else {
				pulls[resolved] = true
			}
		}
		node.PullsDataFrom = sortedKeys(pulls)
		node.PushesDataTo = sortedKeys(pushes)
		report.Nodes = append(report.Nodes, node)
	}

	sort.Slice(report.Nodes, func(i, j int) bool { return report.Nodes[i].Name < report.Nodes[j].Name })
	report.Warnings = dedupe(report.Warnings)
	return report, nil
}

// owners lists the registered resources that own lineage nodes.
func (a *Analyzer) owners() []catalog.ResourceEntry {
	var out []catalog.ResourceEntry
	for _, kind := range []catalog.Kind{catalog.KindAPI, catalog.KindWorkflow, catalog.KindWebApp} {
		out = append(out, a.registry.ResourcesByKind(kind)...)
	}
	return out
}

// matchSource maps a declared source location onto one of the parsed file
// paths, tolerating the registry storing a relative path while the walker
// produced an absolute one.
func (a *Analyzer) matchSource(source string, files []string) string {
	for _, f := range files {
		if f == source || strings.HasSuffix(f, string(filepath.Separator)+source) {
			return f
		}
	}
	return source
}

// resolve maps a mined identifier to a catalog resource id. A materialized
// view reference resolves to its target table when the target is known
// (glossary rule); a bare name matching multiple versioned entries yields
// an ambiguity warning and resolves to the bare name.
func (a *Analyzer) resolve(name string) (resolved, warning string) {
	entries := a.registry.ResourcesByName(name)
	if len(entries) == 0 {
		return "", ""
	}

	versions := make(map[string]bool)
	for _, e := range entries {
		if e.Version != "" {
			versions[e.Version] = true
		}
	}
	if len(versions) > 1 {
		warning = fmt.Sprintf("lineage: name %q resolves to multiple versioned ids", name)
	}

	first := entries[0]
	if first.Kind == catalog.KindMaterializedView {
		if mv, ok := first.Config.(catalog.MaterializedViewConfig); ok && mv.TargetTable != "" {
			return mv.TargetTable, warning
		}
	}
	return name, warning
}

// analyzeFunc mines one function body for resource references and
// project-local call targets.
func analyzeFunc(fn *ast.FuncDecl) *funcEdges {
	fe := &funcEdges{}
	ast.Inspect(fn.Body, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		switch callee := call.Fun.(type) {
		case *ast.SelectorExpr:
			isWrite := writeMethods[strings.ToLower(callee.Sel.Name)]
			for _, name := range literalIdents(call.Args) {
				fe.edges = append(fe.edges, edge{name: name, isWrite: isWrite})
			}
		case *ast.Ident:
			fe.calls = append(fe.calls, callee.Name)
			// Literals handed to a local helper are attributed at the
			// call site too, so a resource name passed as a parameter is
			// not lost when the helper body only sees the parameter.
			for _, name := range literalIdents(call.Args) {
				fe.edges = append(fe.edges, edge{name: name, isWrite: false})
			}
		}
		return true
	})
	return fe
}

// literalIdents extracts candidate resource identifiers from the string
// literals among a call's arguments, including literal segments reachable
// through composite expressions (slice literals feeding sqlfrag.New, for
// example).
func literalIdents(args []ast.Expr) []string {
	var out []string
	for _, arg := range args {
		ast.Inspect(arg, func(n ast.Node) bool {
			lit, ok := n.(*ast.BasicLit)
			if !ok || lit.Kind != token.STRING {
				return true
			}
			text, err := strconv.Unquote(lit.Value)
			if err != nil {
				return true
			}
			out = append(out, identPattern.FindAllString(text, -1)...)
			return true
		})
	}
	return out
}

// closureEdges unions the edges of the named functions and of every
// project-local function transitively reachable from them.
func closureEdges(roots []string, index map[string]*funcEdges) []edge {
	var out []edge
	seen := make(map[string]bool)
	var visit func(name string)
	visit = func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		fe, ok := index[name]
		if !ok {
			return
		}
		out = append(out, fe.edges...)
		for _, c := range fe.calls {
			visit(c)
		}
	}
	for _, r := range roots {
		visit(r)
	}
	return out
}

func collectGoFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if name == "vendor" || name == "testdata" || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
				if path != dir {
					return filepath.SkipDir
				}
			}
			return nil
		}
		if strings.HasSuffix(path, ".go") && !strings.HasSuffix(path, "_test.go") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("lineage: walk %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
