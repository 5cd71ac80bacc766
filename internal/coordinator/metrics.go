package coordinator

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/qcrbox/qcrbox/internal/telemetry"
)

type metrics struct {
	invocations metric.Int64Counter
	elections   metric.Int64Counter
	discards    metric.Int64Counter
	mirrored    metric.Int64Counter
}

func newMetrics() metrics {
	meter := telemetry.Meter("qcrbox/coordinator")
	invocations, _ := meter.Int64Counter("qcrbox.invocations",
		metric.WithDescription("Command invocations accepted by the registry"),
	)
	elections, _ := meter.Int64Counter("qcrbox.elections",
		metric.WithDescription("Executing clients elected"),
	)
	discards, _ := meter.Int64Counter("qcrbox.discards",
		metric.WithDescription("Availability replies answered with a discard"),
	)
	mirrored, _ := meter.Int64Counter("qcrbox.status_events_mirrored",
		metric.WithDescription("Status events mirrored from the status bucket into durable storage"),
	)
	return metrics{invocations: invocations, elections: elections, discards: discards, mirrored: mirrored}
}

func (m metrics) invoked(ctx context.Context, app, command string) {
	m.invocations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("application", app),
		attribute.String("command", command),
	))
}
