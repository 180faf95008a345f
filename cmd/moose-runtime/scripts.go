package main

import (
	"flag"
	"fmt"

	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/worker"

	"github.com/moosestack/moose-core/internal/telemetry"
	"github.com/moosestack/moose-core/internal/workflow"
)

// scriptsTaskQueue is the task queue workflow activity workers poll.
const scriptsTaskQueue = "moose-scripts"

func runScripts(args []string) error {
	fs := flag.NewFlagSet("scripts", flag.ContinueOnError)
	temporalURL := fs.String("temporal-url", "localhost:7233", "workflow orchestrator address")
	temporalNamespace := fs.String("temporal-namespace", "default", "workflow orchestrator namespace")
	clientCert := fs.String("client-cert", "", "mTLS client certificate for the orchestrator")
	clientKey := fs.String("client-key", "", "mTLS client key for the orchestrator")
	manifest := fs.String("manifest", "", "module manifest path")
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

	ctx, stop, logger := rootContext()
	defer stop()

	tracing, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{})
	if err != nil {
		return fmt.Errorf("scripts: configure tracing interceptor: %w", err)
	}

	tc, err := dialTemporal(*temporalURL, *temporalNamespace, *clientCert, *clientKey, tracing)
	if err != nil {
		return fmt.Errorf("scripts: %w", err)
	}
	defer tc.Close()

	runner, err := workflow.NewRunner(reg,
		workflow.WithLogger(logger),
		workflow.WithTracer(telemetry.NewOtelTracer("moose.workflow")),
	)
	if err != nil {
		return err
	}

	w := worker.New(tc, scriptsTaskQueue, worker.Options{})
	runner.RegisterActivities(w)

	logger.Info(ctx, "workflow activity worker starting", "queue", scriptsTaskQueue, "namespace", *temporalNamespace)
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(worker.InterruptCh()) }()

	select {
	case <-ctx.Done():
		w.Stop()
		return nil
	case err := <-errCh:
		return err
	}
}
