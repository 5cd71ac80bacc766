package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/qcrbox/qcrbox/internal/bus"
	"github.com/qcrbox/qcrbox/internal/integrity"
	"github.com/qcrbox/qcrbox/internal/model"
	"github.com/qcrbox/qcrbox/internal/protocol"
)

// RegisterApplication validates spec and records it under its slug and
// version. Registering an existing slug and version returns the stored id
// and changes nothing.
func (c *Coordinator) RegisterApplication(ctx context.Context, spec *model.ApplicationSpec, clientID, inboxPrefix string) (int64, error) {
	warnings, err := spec.Validate()
	if err != nil {
		return 0, fmt.Errorf("coordinator: %w", err)
	}
	log := c.logger.With("application", spec.Key(), "client_id", clientID, "inbox_prefix", inboxPrefix)
	for _, w := range warnings {
		log.Warn("coordinator: application spec warning", "warning", w)
	}

	rec, created, err := c.store.RegisterApplication(ctx, spec)
	if err != nil {
		return 0, fmt.Errorf("coordinator: register %s: %w", spec.Key(), err)
	}

	// The bucket is create-if-absent, so a lost KV entry is restored from
	// the durable record on the next registration.
	raw, err := json.Marshal(rec.Spec)
	if err != nil {
		return 0, fmt.Errorf("coordinator: encode %s: %w", spec.Key(), err)
	}
	if _, err := c.apps.Create(ctx, spec.Key(), raw); err != nil && !errors.Is(err, bus.ErrKeyExists) {
		return 0, fmt.Errorf("coordinator: publish %s to %s bucket: %w", spec.Key(), protocol.ApplicationsBucket, err)
	}

	if created {
		log.Info("coordinator: application registered", "application_id", rec.ID, "commands", len(spec.Commands))
	} else {
		log.Info("coordinator: application already registered", "application_id", rec.ID)
		c.warnIfChanged(log, rec.Spec, spec)
	}
	return rec.ID, nil
}

// warnIfChanged logs when a client registers a spec that differs from the
// stored one under the same slug and version. The stored spec stays.
func (c *Coordinator) warnIfChanged(log *slog.Logger, stored, incoming *model.ApplicationSpec) {
	a, err := integrity.Of(stored)
	if err != nil {
		log.Warn("coordinator: fingerprint stored spec", "error", err)
		return
	}
	b, err := integrity.Of(incoming)
	if err != nil {
		log.Warn("coordinator: fingerprint incoming spec", "error", err)
		return
	}
	if a.Root == b.Root {
		return
	}
	header, commands := integrity.Diff(a, b)
	log.Warn("coordinator: application spec changed without a version bump, keeping the registered spec",
		"registered", a.String(),
		"incoming", b.String(),
		"header_changed", header,
		"changed_commands", commands,
	)
}

// handleRegistry serves server.cmd.registry.
func (c *Coordinator) handleRegistry(ctx context.Context, p protocol.Payload) protocol.Response {
	switch req := p.(type) {
	case *protocol.RegisterApplication:
		id, err := c.RegisterApplication(ctx, req.ApplicationSpec, req.ClientID, req.InboxPrefix())
		if err != nil {
			return protocol.Failure(string(req.Action()), err.Error())
		}
		return protocol.Success(req.Action(), "application registered",
			protocol.RegisterApplicationResult{ApplicationID: id})
	case *protocol.HealthCheck:
		status := "healthy"
		if err := c.Ping(ctx); err != nil {
			status = "unhealthy"
		}
		return protocol.Success(req.Action(), "ok", protocol.HealthCheckResult{HealthStatus: status})
	default:
		return protocol.Unsupported(p)
	}
}
