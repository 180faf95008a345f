// Command moose-runtime is the sub-process entry point the outer
// orchestrator invokes. It bundles every runtime role behind
// one binary:
//
//	dmv2-serializer              dump the resource registry (and lineage) as JSON to stdout
//	export-serializer            print the exports of one user module
//	consumption-type-serializer  print one API's input/response schema pair
//	consumption-apis             start the consumption API gateway worker pool
//	streaming-functions          start one streaming transform worker group
//	scripts                      start workflow activity workers
//
// The gateway and streaming subcommands run in two modes: invoked plainly
// they act as the worker cluster supervisor, forking copies of themselves
// with a trailing --worker flag; invoked with --worker they run one
// worker's serving loop. User modules are loaded ahead of time through the
// declarative module manifest (see internal/loader); there is no runtime
// source evaluation.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	cluelog "goa.design/clue/log"

	"github.com/moosestack/moose-core/internal/catalog"
	"github.com/moosestack/moose-core/internal/config"
	"github.com/moosestack/moose-core/internal/loader"
	"github.com/moosestack/moose-core/internal/telemetry"
)

// DefaultManifestName is the module manifest looked for inside the source
// directory when no --manifest flag is given.
const DefaultManifestName = "moose.modules.yaml"

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return usageError()
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "dmv2-serializer":
		return runRegistrySerializer(rest)
	case "export-serializer":
		return runExportSerializer(rest)
	case "consumption-type-serializer":
		return runTypeSerializer(rest)
	case "consumption-apis":
		return runConsumptionAPIs(rest)
	case "streaming-functions":
		return runStreamingFunctions(rest)
	case "scripts":
		return runScripts(rest)
	default:
		return fmt.Errorf("moose-runtime: unknown subcommand %q\n%s", cmd, usage)
	}
}

const usage = `usage: moose-runtime <subcommand> [args]

subcommands:
  dmv2-serializer [--manifest <path>]
  export-serializer <target>
  consumption-type-serializer <target> [--manifest <path>]
  consumption-apis <db> <host> <port> <user> <pass> [flags]
  streaming-functions <source-topic-json> <function-file> <broker-csv> <max-subscribers> [flags]
  scripts [--temporal-url <u>] [--temporal-namespace <n>]`

func usageError() error {
	return fmt.Errorf("moose-runtime: no subcommand given\n%s", usage)
}

// rootContext returns a clue-logging, signal-canceled context plus the
// shared logger every subcommand uses.
func rootContext() (context.Context, context.CancelFunc, telemetry.Logger) {
	ctx := cluelog.Context(context.Background(), cluelog.WithFormat(cluelog.FormatJSON))
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	return ctx, stop, telemetry.NewClueLogger()
}

// manifestPath resolves the module manifest location: an explicit flag
// wins, otherwise the conventional file inside the configured source
// directory.
func manifestPath(flagValue, sourceDir string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Join(sourceDir, DefaultManifestName)
}

// buildRegistry loads the manifest and applies every module to a fresh
// catalog.
func buildRegistry(manifest string) (*catalog.Registry, error) {
	m, err := loader.LoadManifest(manifest)
	if err != nil {
		return nil, err
	}
	return m.BuildRegistry()
}

// buildRegistryFromModule applies one compiled module artifact, used by
// subcommands that target a single user file.
func buildRegistryFromModule(path string) (*catalog.Registry, error) {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	fn, err := loader.Resolve(loader.Module{Name: name, Path: path})
	if err != nil {
		return nil, err
	}
	reg := catalog.New()
	if err := fn(reg); err != nil {
		return nil, fmt.Errorf("apply module %q: %w", name, err)
	}
	return reg, nil
}

// processConfig builds the process-wide config registry from environment
// and defaults, attaching the Redis live-override layer when
// MOOSE_RUNTIME_REDIS_URL is set.
func processConfig() (config.Config, error) {
	var overrides config.OverrideSource
	if url := os.Getenv("MOOSE_RUNTIME_REDIS_URL"); url != "" {
		rdb := redis.NewClient(&redis.Options{Addr: url})
		src, err := config.NewRedisOverrideSource(context.Background(), rdb, "")
		if err != nil {
			return config.Config{}, err
		}
		overrides = src
	}
	reg, err := config.New("", overrides)
	if err != nil {
		return config.Config{}, err
	}
	return reg.Config(), nil
}
