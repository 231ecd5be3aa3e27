// ABOUTME: HTTP gateway that exposes the coordinator, workflows, and A2A inbound surface
// ABOUTME: Owns the chi router and the HTTP server lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389/coven-coordinator/internal/a2a"
	"github.com/2389/coven-coordinator/internal/auth"
	"github.com/2389/coven-coordinator/internal/coordinator"
	"github.com/2389/coven-coordinator/internal/dedupe"
	"github.com/2389/coven-coordinator/internal/metrics"
	"github.com/2389/coven-coordinator/internal/orchestrator"
	"github.com/2389/coven-coordinator/internal/packs"
	"github.com/2389/coven-coordinator/internal/session"
	"github.com/2389/coven-coordinator/internal/store"
	"github.com/2389/coven-coordinator/internal/workflow"
)

// shutdownTimeout bounds graceful shutdown once Run's context is done.
const shutdownTimeout = 5 * time.Second

// Config wires the gateway to the components it serves.
type Config struct {
	Addr    string
	Name    string
	Version string

	Router       *a2a.Router
	Packs        *packs.Registry
	Coordinator  *coordinator.Coordinator
	Orchestrator *orchestrator.Orchestrator
	Workflows    *workflow.Coordinator
	Sessions     *session.Manager
	Tokens       *auth.TokenManager

	// Signer verifies envelope headers on inbound A2A messages when
	// RequireSignatures is set.
	Signer            *auth.Signer
	RequireSignatures bool
	// Seen rejects inbound message ids already processed; nil disables it.
	Seen *dedupe.Window
	// Audit, when set, records token issue and revoke.
	Audit store.Store

	Metrics     *metrics.Metrics
	MetricsPath string
	Logger      *slog.Logger
}

// Gateway serves the coordinator's HTTP API.
type Gateway struct {
	name    string
	version string

	router       *a2a.Router
	packs        *packs.Registry
	coordinator  *coordinator.Coordinator
	orchestrator *orchestrator.Orchestrator
	workflows    *workflow.Coordinator
	sessions     *session.Manager
	tokens       *auth.TokenManager

	signer            *auth.Signer
	requireSignatures bool
	seen              *dedupe.Window
	audit             store.Store

	metrics    *metrics.Metrics
	logger     *slog.Logger
	handler    http.Handler
	httpServer *http.Server
	startedAt  time.Time
}

// New validates cfg and builds the route table.
func New(cfg Config) (*Gateway, error) {
	switch {
	case cfg.Router == nil:
		return nil, errors.New("gateway: router is required")
	case cfg.Coordinator == nil || cfg.Orchestrator == nil || cfg.Workflows == nil:
		return nil, errors.New("gateway: coordinator, orchestrator, and workflow engine are required")
	case cfg.Sessions == nil:
		return nil, errors.New("gateway: session manager is required")
	case cfg.Tokens == nil:
		return nil, errors.New("gateway: token manager is required")
	case cfg.RequireSignatures && cfg.Signer == nil:
		return nil, errors.New("gateway: signatures required but no signer configured")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = "master-coordinator"
	}

	g := &Gateway{
		name:              name,
		version:           cfg.Version,
		router:            cfg.Router,
		packs:             cfg.Packs,
		coordinator:       cfg.Coordinator,
		orchestrator:      cfg.Orchestrator,
		workflows:         cfg.Workflows,
		sessions:          cfg.Sessions,
		tokens:            cfg.Tokens,
		signer:            cfg.Signer,
		requireSignatures: cfg.RequireSignatures,
		seen:              cfg.Seen,
		audit:             cfg.Audit,
		metrics:           cfg.Metrics,
		logger:            logger.With("component", "gateway"),
		startedAt:         time.Now(),
	}
	g.handler = g.routes(cfg.MetricsPath)
	g.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           g.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g, nil
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

func (g *Gateway) routes(metricsPath string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(g.observe)

	r.Get("/health", g.handleHealth)
	r.Get("/stats", g.handleStats)

	r.Get("/agents", g.handleListAgents)
	r.Get("/agents/{name}", g.handleGetAgent)

	r.Post("/query", g.handleQuery)
	r.Post("/workflow", g.handleSubmitWorkflow)
	r.Get("/workflows", g.handleListWorkflows)
	r.Get("/workflows/definitions", g.handleListDefinitions)
	r.Post("/workflows/definitions", g.handleRegisterDefinition)
	r.Post("/workflows/definitions/{id}/execute", g.handleExecuteDefinition)
	r.Get("/workflows/{id}", g.handleGetWorkflow)

	r.Route("/coordinator", func(r chi.Router) {
		r.Get("/status", g.handleCoordinatorStatus)
		r.Post("/analyze", g.handleAnalyze)
		r.Get("/memory", g.handleMemory)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAgent(g.tokens))
		r.Post(a2a.MessagePath, g.handleA2AMessage)

		r.With(auth.RequirePermission(PermissionManage)).Post("/auth/tokens/{agent}", g.handleIssueToken)
		r.With(auth.RequirePermission(PermissionManage)).Delete("/auth/tokens/{agent}", g.handleRevokeToken)
		r.With(auth.RequirePermission(PermissionManage)).Get("/auth/audit", g.handleAudit)
	})

	if metricsPath != "" && g.metrics != nil {
		r.Method(http.MethodGet, metricsPath, g.metrics.Handler())
	}
	return r
}

// observe counts requests by route pattern and logs them at debug.
func (g *Gateway) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		g.metrics.HTTPRequest(route, status)
		g.logger.Debug("http request",
			"method", r.Method,
			"route", route,
			"status", status,
			"elapsed", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// Run serves on the configured address until ctx is done, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.httpServer.Addr, err)
	}
	return g.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
		close(errCh)
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		if serverErr != nil {
			g.logger.Error("server error", "error", serverErr)
		}
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown uses a fresh context since Run's is already done.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	if err := g.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP shutdown: %w", err)
	}
	return nil
}
