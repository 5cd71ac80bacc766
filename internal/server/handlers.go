package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/qcrbox/qcrbox/internal/coordinator"
	"github.com/qcrbox/qcrbox/internal/model"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	registry            Registry
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker, OpenAPISpec.
type HandlersDeps struct {
	Registry            Registry
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		registry:            d.Registry,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// writeRegistryError maps coordinator errors onto HTTP statuses and codes.
func (h *Handlers) writeRegistryError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, coordinator.ErrInvalidArguments),
		errors.Is(err, coordinator.ErrAmbiguousCommand):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, coordinator.ErrUnknownApplication),
		errors.Is(err, coordinator.ErrUnknownCommand),
		errors.Is(err, coordinator.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	case errors.Is(err, coordinator.ErrNotBound),
		errors.Is(err, coordinator.ErrRejected):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case errors.Is(err, coordinator.ErrClientUnreachable):
		writeError(w, r, http.StatusGatewayTimeout, model.ErrCodeUnavailable, err.Error())
	default:
		h.logger.Error("registry request failed",
			"path", r.URL.Path,
			"request_id", RequestIDFromContext(r.Context()),
			"error", err,
		)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
	}
}

// HandleSubscribe handles GET /calculations/events (SSE).
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "event stream not configured")
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Warn("sse: streaming not supported", "error", err)
		return
	}
	// Idle SSE connections must outlive the server's WriteTimeout.
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			_ = rc.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}

// HandleHealth handles GET /healthcheck. It answers 503 when the store or
// the bus is down.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Store:   "connected",
		Bus:     "connected",
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}
	status := http.StatusOK

	if err := h.registry.Ping(r.Context()); err != nil {
		h.logger.Warn("healthcheck: store ping failed", "error", err)
		resp.Store = "disconnected"
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	if !h.registry.BusHealthy() {
		resp.Bus = "disconnected"
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	if h.broker != nil {
		resp.SSEBroker = "running"
	}
	writeJSON(w, r, status, "", resp)
}

// HandleOpenAPISpec handles GET /openapi.yaml.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// queryInt parses an integer query parameter, falling back to defaultVal.
func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func queryOffset(r *http.Request) int {
	return max(0, queryInt(r, "offset", 0))
}
