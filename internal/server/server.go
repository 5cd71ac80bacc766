package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/qcrbox/qcrbox/internal/model"
	"github.com/qcrbox/qcrbox/internal/ratelimit"
)

// Registry is the coordinator surface served over HTTP.
type Registry interface {
	InvokeCommand(ctx context.Context, req model.InvocationRequest) (string, error)
	GetCalculationStatus(ctx context.Context, id string) (model.CalculationStatusView, error)
	FinaliseCalculation(ctx context.Context, id string) (model.CalculationStatusDetails, error)
	CancelCalculation(ctx context.Context, id string) (model.CalculationStatusDetails, error)
	ListCalculations(ctx context.Context, limit, offset int) ([]model.Calculation, int, error)
	ListApplications(ctx context.Context) ([]model.ApplicationSummary, error)
	ListCommands(ctx context.Context, filter model.CommandFilter) ([]model.CommandSummary, error)
	Ping(ctx context.Context) error
	BusHealthy() bool
}

// Server is the QCrBox registry HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Broker, Limiter, MCPServer, OpenAPISpec,
// ExtraRoutes, Middlewares.
type ServerConfig struct {
	Registry Registry
	Logger   *slog.Logger

	Broker    *Broker
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// ExtraRoutes register additional routes after the built-in ones.
	ExtraRoutes []func(mux *http.ServeMux)
	// Middlewares wrap the whole handler. The first one is outermost.
	Middlewares []func(http.Handler) http.Handler

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	if cfg.MaxRequestBodyBytes <= 0 {
		cfg.MaxRequestBodyBytes = 1 << 20
	}
	h := NewHandlers(HandlersDeps{
		Registry:            cfg.Registry,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	invokeRL := ratelimit.Middleware(cfg.Limiter, "invoke", ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	mux.Handle("POST /commands/invoke", invokeRL(http.HandlerFunc(h.HandleInvokeCommand)))
	mux.HandleFunc("GET /commands", h.HandleListCommands)
	mux.HandleFunc("GET /applications", h.HandleListApplications)

	mux.HandleFunc("GET /calculations", h.HandleListCalculations)
	mux.HandleFunc("GET /calculations/events", h.HandleSubscribe)
	mux.HandleFunc("GET /calculations/{calculation_id}", h.HandleGetCalculation)
	mux.HandleFunc("POST /calculations/{calculation_id}/finalise", h.HandleFinaliseCalculation)
	mux.HandleFunc("POST /calculations/{calculation_id}/cancel", h.HandleCancelCalculation)

	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /healthcheck", h.HandleHealth)

	for _, register := range cfg.ExtraRoutes {
		register(mux)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
