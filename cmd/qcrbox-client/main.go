// Command qcrbox-client serves one application container on the bus. It
// loads the application spec, registers with the registry and executes the
// calculations the registry assigns to it.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qcrbox/qcrbox/internal/agent"
	"github.com/qcrbox/qcrbox/internal/bus"
	"github.com/qcrbox/qcrbox/internal/config"
	"github.com/qcrbox/qcrbox/internal/execution"
	"github.com/qcrbox/qcrbox/internal/model"
	"github.com/qcrbox/qcrbox/internal/statusstore"
	"github.com/qcrbox/qcrbox/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("QCRBOX_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.ApplicationSpec == "" {
		return errors.New("QCRBOX_APPLICATION_SPEC is required")
	}

	app, warnings, err := model.LoadApplicationSpec(cfg.ApplicationSpec)
	if err != nil {
		return fmt.Errorf("application spec: %w", err)
	}
	for _, w := range warnings {
		logger.Warn("application spec warning", "warning", w)
	}
	slog.Info("qcrbox client starting", "version", version, "application", app.Key())

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName+"-client", version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	b, err := bus.ConnectWithRetry(ctx, cfg.NATSURL, bus.RetryConfig{
		Attempts:    cfg.ConnectRetries,
		Backoff:     cfg.ConnectBackoff,
		ClientName:  "qcrbox-client-" + app.Key(),
		ConnTimeout: cfg.RPCTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("bus: %w", err)
	}
	defer func() { _ = b.Close() }()

	statuses, err := statusstore.Open(ctx, b, logger)
	if err != nil {
		return fmt.Errorf("status store: %w", err)
	}

	callables := execution.NewCallableRegistry()
	if err := registerCallables(callables); err != nil {
		return fmt.Errorf("callables: %w", err)
	}

	a, err := agent.New(b, statuses, agent.Config{
		Application: app,
		Exec: execution.Deps{
			WorkDir:   cfg.WorkDir,
			Callables: callables,
			Pool:      execution.NewPool(cfg.CallableWorkers),
			GUI:       execution.NewGUIOpener(cfg.GUIOpenCommand, logger),
			Logger:    logger,
		},
		MaxConcurrent:        cfg.MaxConcurrent,
		RPCTimeout:           cfg.RPCTimeout,
		StatusReportInterval: cfg.StatusReportInterval,
		FinishedRetention:    cfg.FinishedRetention,
		Logger:               logger,
	})
	if err != nil {
		return err
	}

	if err := startWithRetry(ctx, a, cfg.ConnectRetries, cfg.ConnectBackoff, logger); err != nil {
		return err
	}
	slog.Info("qcrbox client registered", "client_id", a.ClientID(), "application_id", a.ApplicationID())

	<-ctx.Done()
	slog.Info("qcrbox client shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.Stop(stopCtx)
}

// starter is the part of the agent startWithRetry drives.
type starter interface {
	Start(ctx context.Context) error
}

// startWithRetry registers with the registry, backing off while it is not
// yet reachable. Registry and clients may start in any order.
func startWithRetry(ctx context.Context, a starter, attempts int, backoff time.Duration, logger *slog.Logger) error {
	attempts = max(attempts, 1)
	delay := backoff
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = a.Start(ctx); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		logger.Warn("registration failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, 30*time.Second)
	}
	return fmt.Errorf("register after %d attempts: %w", attempts, err)
}
