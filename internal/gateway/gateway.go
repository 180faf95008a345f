// Package gateway implements the Consumption API Gateway: the HTTP front
// door that health-checks, authenticates, routes (WebApp prefix match or
// API path rewrite), dispatches to user query handlers or a BYOF
// application, and shapes the response.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/moosestack/moose-core/internal/catalog"
	"github.com/moosestack/moose-core/internal/config"
	"github.com/moosestack/moose-core/internal/gateway/byof"
	"github.com/moosestack/moose-core/internal/telemetry"
)

func noAuthConfig() config.AuthConfig { return config.AuthConfig{} }

// HealthPath is the unconditional liveness probe path, answered before
// auth and routing.
const HealthPath = "/_moose_internal/health"

// Server is the Consumption API Gateway's HTTP front door.
type Server struct {
	registry *catalog.Registry
	auth     *Authenticator
	client   any // the shared OLAP client, opaque to this package

	logger  telemetry.Logger
	tracer  telemetry.Tracer
	metrics telemetry.Metrics

	schemas   *schemaCache
	authLimit *authFailureLimiter

	router *chi.Mux
}

// Options configures a Server.
type Options struct {
	Registry *catalog.Registry
	Auth     *Authenticator
	Client   any

	Logger  telemetry.Logger
	Tracer  telemetry.Tracer
	Metrics telemetry.Metrics
}

// NewServer constructs a Server and wires its chi.Mux router. The health
// probe and API/WebApp dispatch both flow through ServeHTTP; chi itself is
// used only for the health route and as the underlying net/http.Handler,
// since the WebApp mount-length-descending scan is
// a precise algorithm this package implements directly rather than through
// chi's pattern matcher.
func NewServer(opts Options) (*Server, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("gateway: registry is required")
	}
	s := &Server{
		registry:  opts.Registry,
		auth:      opts.Auth,
		client:    opts.Client,
		logger:    orNoopLogger(opts.Logger),
		tracer:    orNoopTracer(opts.Tracer),
		metrics:   orNoopMetrics(opts.Metrics),
		schemas:   newSchemaCache(),
		authLimit: newAuthFailureLimiter(rate.Limit(5), 10),
		router:    chi.NewRouter(),
	}
	if s.auth == nil {
		a, err := NewAuthenticator(noAuthConfig())
		if err != nil {
			return nil, err
		}
		s.auth = a
	}
	s.router.Get(HealthPath, s.handleHealth)
	s.router.NotFound(s.handleDispatch)
	s.router.MethodNotAllowed(s.handleDispatch)
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the HTTP/1.1 listener on the proxy port, bound to
// loopback only.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("gateway: listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on an already-open listener. Forked gateway workers use
// this with the socket they inherit from the supervisor, so every worker
// in the pool accepts from one shared loopback listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// handleDispatch runs the request pipeline: authenticate, try WebApp
// mounts, strip the API prefix, resolve the handler, execute, shape.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	claims, reject := s.auth.Authenticate(r)
	if reject {
		if s.authLimit.allow(r) {
			s.logger.Warn(r.Context(), "unauthorized request", "path", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "Unauthorized"})
		return
	}

	if mount, rewritten, ok := s.registry.ResolveWebApp(r.URL.Path); ok {
		s.dispatchWebApp(w, r, mount, rewritten)
		return
	}

	path, isAPIRequest := stripAPIPrefix(r.URL.Path)
	if !isAPIRequest {
		http.NotFound(w, r)
		return
	}

	entry, cacheKey, ok := s.registry.ResolveAPI(path, r.URL.Query().Get("version"))
	if !ok {
		s.writeUnresolved(w, r)
		return
	}
	if _, cached := s.registry.CachedHandler(cacheKey); !cached {
		s.registry.CacheHandler(cacheKey, catalog.CachedHandlerEntry{Handler: entry.Handler, APIName: entry.Name})
	}

	s.dispatchAPI(w, r, entry, cacheKey, claims)
}

func (s *Server) dispatchWebApp(w http.ResponseWriter, r *http.Request, mount catalog.WebAppMount, rewritten string) {
	app, ok := mount.Handler.(byof.App)
	if !ok {
		http.Error(w, "byof: mounted handler does not implement byof.App", http.StatusInternalServerError)
		return
	}
	r2 := r.Clone(r.Context())
	u := *r.URL
	u.Path = rewritten
	r2.URL = &u
	if !app.Handle(w, r2) {
		http.NotFound(w, r)
	}
}

// stripAPIPrefix removes exactly one "/api/" or "/consumption/" prefix.
func stripAPIPrefix(path string) (string, bool) {
	for _, prefix := range []string{"/api/", "/consumption/"} {
		if strings.HasPrefix(path, prefix) {
			return strings.TrimPrefix(path, prefix), true
		}
	}
	return path, false
}

func (s *Server) writeUnresolved(w http.ResponseWriter, r *http.Request) {
	apis := s.registry.APIs()
	names := make([]string, 0, len(apis))
	for _, a := range apis {
		names = append(names, a.Name)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":     fmt.Sprintf("no API resolved for path %q", r.URL.Path),
		"available": names,
	})
}

func (s *Server) dispatchAPI(w http.ResponseWriter, r *http.Request, entry *catalog.APIEntry, cacheKey string, claims map[string]any) {
	ctx := WithAPIScope(r.Context(), entry.Name)
	start := time.Now()

	ctx, span := s.tracer.Start(ctx, "gateway.dispatch")
	defer span.End()

	params := parseQueryParams(r.URL.Query())

	if err := s.schemas.validateParams(cacheKey, entry.InputSchema, params); err != nil {
		span.SetStatusError(err)
		writeError(w, err)
		return
	}

	hctx := &requestContext{ctx: ctx, client: s.client, jwt: claims}
	result, err := entry.Handler(hctx, params)
	s.metrics.RecordTimer("gateway.request.duration", time.Since(start), "api", entry.Name)
	if err != nil {
		span.SetStatusError(err)
		s.logger.Error(ctx, "handler error", "api", entry.Name, "error", err)
		writeError(w, err)
		return
	}

	if err := writeResult(w, result); err != nil {
		s.logger.Error(ctx, "write response failed", "api", entry.Name, "error", err)
	}
}

// parseQueryParams copies the parsed query into the handler's params map:
// repeated keys become arrays, order of appearance preserved (net/http's
// url.Values already parses query strings this way, each key's slice in
// source order). Note the handler signature is uniformly
// map[string][]string, so a single-valued key arrives as a one-element
// slice rather than a bare scalar; flattenParams collapses singletons back
// to scalars where the schema-validation layer needs them.
func parseQueryParams(values map[string][]string) map[string][]string {
	out := make(map[string][]string, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

func orNoopLogger(l telemetry.Logger) telemetry.Logger {
	if l == nil {
		return telemetry.NewNoopLogger()
	}
	return l
}

func orNoopTracer(t telemetry.Tracer) telemetry.Tracer {
	if t == nil {
		return telemetry.NewNoopTracer()
	}
	return t
}

func orNoopMetrics(m telemetry.Metrics) telemetry.Metrics {
	if m == nil {
		return telemetry.NewNoopMetrics()
	}
	return m
}

