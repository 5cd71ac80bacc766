// Package qcrbox is the public API for embedding the QCrBox registry.
//
// The registry owns the catalogue of applications and their commands,
// accepts command invocations over HTTP and MCP, elects one client agent to
// execute each calculation and records every status change:
//
//	app, err := qcrbox.New(ctx,
//	    qcrbox.WithVersion(version),
//	    qcrbox.WithLogger(logger),
//	    qcrbox.WithStatusHook(myHook{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, never the other way around. Public
// types such as StatusChange carry no internal types.
package qcrbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/qcrbox/qcrbox/api"
	"github.com/qcrbox/qcrbox/internal/bus"
	"github.com/qcrbox/qcrbox/internal/config"
	"github.com/qcrbox/qcrbox/internal/coordinator"
	"github.com/qcrbox/qcrbox/internal/mcp"
	"github.com/qcrbox/qcrbox/internal/model"
	"github.com/qcrbox/qcrbox/internal/ratelimit"
	"github.com/qcrbox/qcrbox/internal/server"
	"github.com/qcrbox/qcrbox/internal/storage"
	"github.com/qcrbox/qcrbox/internal/storage/sqlitestore"
	"github.com/qcrbox/qcrbox/internal/telemetry"
	"github.com/qcrbox/qcrbox/migrations"
)

// shutdownPhaseTimeout bounds each phase of Shutdown.
const shutdownPhaseTimeout = 10 * time.Second

// App is the registry lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	bus          bus.Bus
	store        storage.Store
	coord        *coordinator.Coordinator
	srv          *server.Server
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New connects to the bus and the store, runs migrations and wires the
// coordinator, HTTP server and MCP server. It does NOT start any goroutines
// or accept HTTP connections; call Run().
func New(ctx context.Context, opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
	if o.natsURL != "" {
		cfg.NATSURL = o.natsURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("qcrbox registry starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	// cleanup releases whatever was acquired when a later step fails.
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		_ = otelShutdown(context.Background())
	}

	b := o.bus
	if b == nil {
		nb, err := bus.ConnectWithRetry(ctx, cfg.NATSURL, bus.RetryConfig{
			Attempts:   cfg.ConnectRetries,
			Backoff:    cfg.ConnectBackoff,
			ClientName: "qcrbox-registry",
		}, logger)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("bus: %w", err)
		}
		b = nb
	}
	closers = append(closers, func() { _ = b.Close() })

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		cleanup()
		return nil, err
	}
	closers = append(closers, func() { store.Close(context.Background()) })

	broker := server.NewBroker(logger)
	coord, err := coordinator.New(ctx, b, store, coordinator.Config{
		RPCTimeout:          cfg.RPCTimeout,
		AvailabilityTimeout: cfg.AvailabilityTimeout,
		SweepInterval:       cfg.SweepInterval,
		Notifier:            &hookNotifier{broker: broker, hooks: o.statusHooks, logger: logger},
		Logger:              logger,
	})
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("coordinator: %w", err)
	}

	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	extraRoutes := make([]func(*http.ServeMux), 0, len(o.registrars))
	for _, r := range o.registrars {
		extraRoutes = append(extraRoutes, r)
	}
	middlewares := make([]func(http.Handler) http.Handler, 0, len(o.middlewares))
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	srv := server.New(server.ServerConfig{
		Registry:            coord,
		Logger:              logger,
		Broker:              broker,
		Limiter:             limiter,
		MCPServer:           mcp.New(coord, logger, version).MCPServer(),
		ExtraRoutes:         extraRoutes,
		Middlewares:         middlewares,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})

	return &App{
		cfg:          cfg,
		bus:          b,
		store:        store,
		coord:        coord,
		srv:          srv,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// openStore opens PostgreSQL when a database URL is configured and the
// SQLite file otherwise. Both are migrated before use.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.DatabaseURL == "" {
		store, err := sqlitestore.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		logger.Info("storage: sqlite", "path", cfg.SQLitePath)
		return store, nil
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("migrations: %w", err)
	}
	if err := db.RegisterPoolMetrics(); err != nil {
		logger.Warn("storage: pool metrics disabled", "error", err)
	}
	logger.Info("storage: postgres")
	return db, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the coordinator and the HTTP server, then blocks until ctx is
// cancelled or a fatal server error occurs. On return, Shutdown has run.
func (a *App) Run(ctx context.Context) error {
	if err := a.coord.Start(ctx); err != nil {
		_ = a.Shutdown(context.Background())
		return fmt.Errorf("coordinator: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	return errors.Join(runErr, a.Shutdown(context.Background()))
}

// Shutdown performs a phased graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight,
// (2) stop the coordinator's subscriptions and reaper,
// (3) close the bus connection, the store and the OTEL providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("qcrbox registry shutting down")

	// Phase 1: HTTP drain.
	httpCtx, httpCancel := context.WithTimeout(ctx, shutdownPhaseTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	// Phase 2: coordinator.
	coordCtx, coordCancel := context.WithTimeout(ctx, shutdownPhaseTimeout)
	var stopErr error
	if err := a.coord.Stop(coordCtx); err != nil {
		a.logger.Error("coordinator shutdown error", "error", err)
		stopErr = fmt.Errorf("coordinator stop: %w", err)
	}
	coordCancel()

	// Phase 3: connections.
	_ = a.limiter.Close()
	if err := a.bus.Close(); err != nil {
		a.logger.Warn("bus close error", "error", err)
	}
	a.store.Close(ctx)
	_ = a.otelShutdown(context.Background())

	a.logger.Info("qcrbox registry stopped")
	return stopErr
}

// hookNotifier forwards status changes to the SSE broker and to the
// registered hooks.
type hookNotifier struct {
	broker *server.Broker
	hooks  []StatusHook
	logger *slog.Logger
}

func (n *hookNotifier) Notify(change model.CalculationStatusChange) {
	n.broker.Notify(change)
	if len(n.hooks) == 0 {
		return
	}
	public := StatusChange{
		CalculationID: change.CalculationID,
		Status:        string(change.Status),
		Timestamp:     change.Timestamp,
		Comment:       change.Comment,
	}
	for _, h := range n.hooks {
		go func(h StatusHook) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := h.OnStatusChange(ctx, public); err != nil {
				n.logger.Warn("status hook failed", "calculation_id", public.CalculationID, "error", err)
			}
		}(h)
	}
}
