package qcrbox

import (
	"log/slog"

	"github.com/qcrbox/qcrbox/internal/bus"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
type resolvedOptions struct {
	port        int
	databaseURL string
	sqlitePath  string
	natsURL     string
	logger      *slog.Logger
	version     string
	statusHooks []StatusHook
	registrars  []RouteRegistrar
	middlewares []Middleware

	// bus replaces the NATS connection; tests use the in-memory bus.
	bus bus.Bus
}

// WithPort overrides the TCP port from config (QCRBOX_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL selects PostgreSQL and overrides QCRBOX_DATABASE_URL.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithSQLitePath overrides QCRBOX_SQLITE_PATH. It only takes effect when no
// database URL is configured. ":memory:" gives a throwaway store.
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithNATSURL overrides QCRBOX_NATS_URL.
func WithNATSURL(url string) Option {
	return func(o *resolvedOptions) { o.natsURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithStatusHook registers a hook that is told about every status change.
func WithStatusHook(hook StatusHook) Option {
	return func(o *resolvedOptions) { o.statusHooks = append(o.statusHooks, hook) }
}

// WithExtraRoutes registers additional routes on the shared HTTP mux.
// Multiple registrars may be registered; all are called in registration order.
func WithExtraRoutes(fn RouteRegistrar) Option {
	return func(o *resolvedOptions) { o.registrars = append(o.registrars, fn) }
}

// WithMiddleware registers an outermost HTTP middleware.
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}

func withBus(b bus.Bus) Option {
	return func(o *resolvedOptions) { o.bus = b }
}
