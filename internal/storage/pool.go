// Package storage provides the PostgreSQL storage layer for the registry.
//
// It manages connection pooling (via pgxpool), schema migrations, and the
// queries behind applications, calculations and their status history.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/qcrbox/qcrbox/internal/telemetry"
)

// DB wraps a pgxpool.Pool.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ Store = (*DB)(nil)

// New creates a new DB with a connection pool and verifies connectivity.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &DB{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// RegisterPoolMetrics exports pool gauges through the global meter. Call it
// after telemetry.Init.
func (db *DB) RegisterPoolMetrics() error {
	meter := telemetry.Meter("qcrbox/storage")
	total, err := meter.Int64ObservableGauge("qcrbox.db.pool.total_conns")
	if err != nil {
		return fmt.Errorf("storage: pool metrics: %w", err)
	}
	idle, err := meter.Int64ObservableGauge("qcrbox.db.pool.idle_conns")
	if err != nil {
		return fmt.Errorf("storage: pool metrics: %w", err)
	}
	acquired, err := meter.Int64ObservableGauge("qcrbox.db.pool.acquired_conns")
	if err != nil {
		return fmt.Errorf("storage: pool metrics: %w", err)
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		st := db.pool.Stat()
		o.ObserveInt64(total, int64(st.TotalConns()))
		o.ObserveInt64(idle, int64(st.IdleConns()))
		o.ObserveInt64(acquired, int64(st.AcquiredConns()))
		return nil
	}, total, idle, acquired)
	if err != nil {
		return fmt.Errorf("storage: pool metrics: %w", err)
	}
	return nil
}

// Close shuts down the connection pool.
func (db *DB) Close(_ context.Context) {
	db.pool.Close()
}
