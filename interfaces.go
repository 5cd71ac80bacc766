package qcrbox

import (
	"context"
	"net/http"
)

// StatusHook receives every recorded calculation status change.
// Multiple hooks may be registered via multiple WithStatusHook calls.
// Hook methods run in goroutines; they must not block indefinitely.
// Failures are logged and never affect the calculation.
type StatusHook interface {
	OnStatusChange(ctx context.Context, change StatusChange) error
}

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Extra routes share the request ID, tracing and logging middleware with
// the built-in routes. The function is called once during New.
type RouteRegistrar func(mux *http.ServeMux)

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including
// /healthcheck. Multiple middlewares are applied in registration order
// (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
