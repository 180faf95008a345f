package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/moosestack/moose-core/internal/catalog"
	"github.com/moosestack/moose-core/internal/lineage"
)

// registryDump is the dmv2-serializer's stdout shape: the full catalog
// snapshot plus the lineage report derived from the user source tree (the
// analyzer runs once here, at dump time, never on the serving path).
type registryDump struct {
	Registry catalog.Dump    `json:"registry"`
	Lineage  *lineage.Report `json:"lineage,omitempty"`
}

func runRegistrySerializer(args []string) error {
	fs := flag.NewFlagSet("dmv2-serializer", flag.ContinueOnError)
	manifest := fs.String("manifest", "", "module manifest path (default: <source-dir>/"+DefaultManifestName+")")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := processConfig()
	if err != nil {
		return err
	}
	reg, err := buildRegistry(manifestPath(*manifest, cfg.SourceDir))
	if err != nil {
		return err
	}

	dump := registryDump{Registry: reg.Dump()}
	if info, err := os.Stat(cfg.SourceDir); err == nil && info.IsDir() {
		analyzer, err := lineage.New(reg)
		if err != nil {
			return err
		}
		report, err := analyzer.AnalyzeDir(cfg.SourceDir)
		if err != nil {
			return fmt.Errorf("analyze %q: %w", cfg.SourceDir, err)
		}
		dump.Lineage = report
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(dump)
}

func runExportSerializer(args []string) error {
	fs := flag.NewFlagSet("export-serializer", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("export-serializer: exactly one target module expected")
	}

	reg, err := buildRegistryFromModule(fs.Arg(0))
	if err != nil {
		return err
	}
	return reg.Dump().WriteJSON(os.Stdout)
}

// apiSchemaPair is the consumption-type-serializer's stdout shape.
type apiSchemaPair struct {
	Name           string          `json:"name"`
	Version        string          `json:"version,omitempty"`
	InputSchema    json.RawMessage `json:"input_schema,omitempty"`
	ResponseSchema json.RawMessage `json:"response_schema,omitempty"`
}

func runTypeSerializer(args []string) error {
	fs := flag.NewFlagSet("consumption-type-serializer", flag.ContinueOnError)
	manifest := fs.String("manifest", "", "module manifest path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("consumption-type-serializer: exactly one target API expected")
	}
	target := fs.Arg(0)

	cfg, err := processConfig()
	if err != nil {
		return err
	}
	reg, err := buildRegistry(manifestPath(*manifest, cfg.SourceDir))
	if err != nil {
		return err
	}

	name, version := target, ""
	if idx := strings.LastIndex(target, ":"); idx >= 0 {
		name, version = target[:idx], target[idx+1:]
	}
	entry, _, ok := reg.ResolveAPI(name, version)
	if !ok {
		return fmt.Errorf("consumption-type-serializer: API %q not found", target)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(apiSchemaPair{
		Name:           entry.Name,
		Version:        entry.Version,
		InputSchema:    json.RawMessage(entry.InputSchema),
		ResponseSchema: json.RawMessage(entry.ResponseSchema),
	})
}
