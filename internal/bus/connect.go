package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// RetryConfig bounds the connection attempts made by ConnectWithRetry.
type RetryConfig struct {
	Attempts    int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	ClientName  string
	ConnTimeout time.Duration
}

// ConnectWithRetry dials NATS, retrying with exponential backoff until the
// attempts are exhausted or ctx is cancelled. Once connected, the client
// reconnects on its own.
func ConnectWithRetry(ctx context.Context, url string, cfg RetryConfig, logger *slog.Logger) (*NATS, error) {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.Backoff),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("bus: disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("bus: reconnected", "url", nc.ConnectedUrlRedacted())
		}),
	}
	if cfg.ConnTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnTimeout))
	}

	delay := cfg.Backoff
	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		nc, err := nats.Connect(url, opts...)
		if err == nil {
			b, err := NewNATS(nc, logger)
			if err != nil {
				nc.Close()
				return nil, err
			}
			logger.Info("bus: connected", "url", nc.ConnectedUrlRedacted(), "attempt", attempt)
			return b, nil
		}
		lastErr = err
		if attempt == cfg.Attempts {
			break
		}
		logger.Warn("bus: connect failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("bus: connect: %w", ctx.Err())
		case <-time.After(delay):
		}
		delay = min(delay*2, cfg.MaxBackoff)
	}
	return nil, fmt.Errorf("bus: connect to %s after %d attempts: %w", url, cfg.Attempts, lastErr)
}
