package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"os"
	"path"
	"strconv"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/interceptor"

	"github.com/moosestack/moose-core/internal/catalog"
	"github.com/moosestack/moose-core/internal/config"
	"github.com/moosestack/moose-core/internal/gateway"
	"github.com/moosestack/moose-core/internal/gateway/byof"
	"github.com/moosestack/moose-core/internal/mgmt"
	"github.com/moosestack/moose-core/internal/olap"
	"github.com/moosestack/moose-core/internal/supervisor"
	"github.com/moosestack/moose-core/internal/telemetry"
)

// gatewayListenerFD is the descriptor forked gateway workers inherit the
// shared loopback socket on (the first ExtraFiles slot after
// stdin/stdout/stderr).
const gatewayListenerFD = 3

func runConsumptionAPIs(args []string) error {
	if len(args) < 5 {
		return fmt.Errorf("consumption-apis: expected <db> <host> <port> <user> <pass>")
	}
	db, host, portStr, user, pass := args[0], args[1], args[2], args[3], args[4]
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("consumption-apis: port %q: %w", portStr, err)
	}

	fs := flag.NewFlagSet("consumption-apis", flag.ContinueOnError)
	useSSL := fs.Bool("clickhouse-use-ssl", false, "connect to ClickHouse over TLS")
	jwtSecret := fs.String("jwt-secret", "", "JWT public key PEM (inline or a file path)")
	jwtIssuer := fs.String("jwt-issuer", "", "required JWT issuer")
	jwtAudience := fs.String("jwt-audience", "", "required JWT audience")
	enforceAuth := fs.Bool("enforce-auth", false, "reject requests that fail authentication")
	temporalURL := fs.String("temporal-url", "", "workflow orchestrator address")
	temporalNamespace := fs.String("temporal-namespace", "default", "workflow orchestrator namespace")
	clientCert := fs.String("client-cert", "", "mTLS client certificate for the orchestrator")
	clientKey := fs.String("client-key", "", "mTLS client key for the orchestrator")
	apiKey := fs.String("api-key", "", "static bearer API key")
	proxyPort := fs.Int("proxy-port", 0, "gateway listen port (default from config)")
	workerCount := fs.Int("worker-count", 0, "cap on the gateway worker pool size")
	manifest := fs.String("manifest", "", "module manifest path")
	isWorker, _ := addWorkerFlags(fs)
	if err := fs.Parse(args[5:]); err != nil {
		return err
	}

	cfg, err := processConfig()
	if err != nil {
		return err
	}
	cfg.ClickHouse = config.ClickHouseConfig{
		Host:     host,
		HostPort: port,
		User:     user,
		Password: pass,
		DBName:   db,
		UseSSL:   *useSSL,
	}
	pem, err := resolvePEM(*jwtSecret)
	if err != nil {
		return err
	}
	cfg.Auth = config.AuthConfig{
		JWTPublicKeyPEM: pem,
		JWTIssuer:       *jwtIssuer,
		JWTAudience:     *jwtAudience,
		EnforceAuth:     *enforceAuth,
		APIKey:          *apiKey,
	}
	if *proxyPort != 0 {
		cfg.ProxyPort = *proxyPort
	}

	ctx, stop, logger := rootContext()
	defer stop()

	if !*isWorker {
		return superviseGateway(ctx, cfg, *workerCount, append([]string{"consumption-apis"}, args...), logger)
	}
	return runGatewayWorker(ctx, cfg, *manifest, *temporalURL, *temporalNamespace, *clientCert, *clientKey, logger)
}

// superviseGateway opens the shared loopback listener once and forks the
// worker pool, handing every worker the socket at gatewayListenerFD.
func superviseGateway(ctx context.Context, cfg config.Config, workerCount int, replayArgs []string, logger telemetry.Logger) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.ProxyPort))
	if err != nil {
		return fmt.Errorf("consumption-apis: listen on %d: %w", cfg.ProxyPort, err)
	}
	f, err := ln.(*net.TCPListener).File()
	if err != nil {
		return fmt.Errorf("consumption-apis: share listener: %w", err)
	}
	defer f.Close()
	// The supervisor itself never accepts; workers own the duplicated
	// descriptor.
	_ = ln.Close()

	sup, err := supervisor.New(supervisor.Options{
		Spawner: supervisor.ExecSpawner{
			Args:       replayArgs,
			ExtraFiles: []*os.File{f},
		},
		MaxWorkerCount: workerCount,
		CPURatio:       supervisor.GatewayCPURatio,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	postStartupLog(ctx, cfg, "consumption-apis", fmt.Sprintf("gateway listening on 127.0.0.1:%d", cfg.ProxyPort))
	return sup.Run(ctx)
}

func runGatewayWorker(ctx context.Context, cfg config.Config, manifest, temporalURL, temporalNamespace, clientCert, clientKey string, logger telemetry.Logger) error {
	f := os.NewFile(gatewayListenerFD, "gateway-listener")
	ln, err := net.FileListener(f)
	if err != nil {
		return fmt.Errorf("consumption-apis: inherit listener: %w", err)
	}

	reg, err := buildRegistry(manifestPath(manifest, cfg.SourceDir))
	if err != nil {
		return err
	}

	olapFactory, err := olap.NewFactory(ctx, olap.FactoryOptions{ClickHouse: cfg.ClickHouse, Logger: logger})
	if err != nil {
		return err
	}
	defer olapFactory.Close()

	if temporalURL != "" {
		tc, err := dialTemporal(temporalURL, temporalNamespace, clientCert, clientKey)
		if err != nil {
			return err
		}
		defer tc.Close()
	}

	auth, err := gateway.NewAuthenticator(cfg.Auth)
	if err != nil {
		return err
	}
	srv, err := gateway.NewServer(gateway.Options{
		Registry: reg,
		Auth:     auth,
		Client:   olapFactory,
		Logger:   logger,
		Tracer:   telemetry.NewOtelTracer("moose.gateway"),
		Metrics:  telemetry.NewOtelMetrics("moose.gateway"),
	})
	if err != nil {
		return err
	}

	reportBYOFCollisions(ctx, reg, logger)
	return srv.Serve(ctx, ln)
}

// reportBYOFCollisions logs, at worker start, every BYOF route that an API
// route shadows (API takes precedence by dispatch order).
func reportBYOFCollisions(ctx context.Context, reg *catalog.Registry, logger telemetry.Logger) {
	var apiRoutes []string
	for _, a := range reg.APIs() {
		if a.Path != "" {
			apiRoutes = append(apiRoutes, a.Path)
			continue
		}
		apiRoutes = append(apiRoutes, a.Name)
	}
	for _, m := range reg.WebApps() {
		app, ok := m.Handler.(byof.App)
		if !ok {
			continue
		}
		var appRoutes []string
		for _, r := range app.Routes() {
			appRoutes = append(appRoutes, path.Join(m.MountPath, r))
		}
		report := byof.DetectCollisions(appRoutes, apiRoutes)
		for _, c := range report.Collisions {
			logger.Warn(ctx, "byof route shadowed by API route", "route", c, "mount", m.MountPath)
		}
	}
}

// dialTemporal connects to the workflow orchestrator, with optional mTLS
// and client interceptors.
func dialTemporal(url, namespace, certPath, keyPath string, interceptors ...interceptor.ClientInterceptor) (client.Client, error) {
	opts := client.Options{HostPort: url, Namespace: namespace, Interceptors: interceptors}
	if certPath != "" && keyPath != "" {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load orchestrator client cert: %w", err)
		}
		opts.ConnectionOptions = client.ConnectionOptions{
			TLS: &tls.Config{Certificates: []tls.Certificate{cert}},
		}
	}
	c, err := client.Dial(opts)
	if err != nil {
		return nil, fmt.Errorf("dial orchestrator at %q: %w", url, err)
	}
	return c, nil
}

// resolvePEM accepts either inline PEM text or a path to a PEM file.
func resolvePEM(v string) (string, error) {
	if v == "" {
		return "", nil
	}
	if _, err := os.Stat(v); err == nil {
		data, err := os.ReadFile(v)
		if err != nil {
			return "", fmt.Errorf("read pem %q: %w", v, err)
		}
		return string(data), nil
	}
	return v, nil
}

// postStartupLog best-effort reports a lifecycle event on the management
// channel; the channel being down never blocks startup.
func postStartupLog(ctx context.Context, cfg config.Config, action, message string) {
	c := mgmt.NewClient(cfg.ManagementPort)
	_ = c.PostLog(ctx, mgmt.LogEntry{MessageType: "Info", Action: action, Message: message})
}

// addWorkerFlags declares the flag pair the supervisor appends when
// forking, shared by every supervising subcommand.
func addWorkerFlags(fs *flag.FlagSet) (isWorker *bool, index *int) {
	isWorker = fs.Bool("worker", false, "run as a forked worker (set by the supervisor)")
	index = fs.Int("worker-index", 0, "worker slot index (set by the supervisor)")
	return isWorker, index
}
