package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/qcrbox/qcrbox/internal/model"
	"github.com/qcrbox/qcrbox/internal/protocol"
	"github.com/qcrbox/qcrbox/internal/storage"
)

// resolveCommand finds the single command matching req. Slug and version
// narrow the search when given.
func (c *Coordinator) resolveCommand(ctx context.Context, req model.InvocationRequest) (*model.ApplicationSpec, model.CommandSpec, error) {
	records, err := c.store.ListApplications(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("coordinator: list applications: %w", err)
	}

	var (
		appMatched bool
		matches    []*model.ApplicationSpec
		cmds       []model.CommandSpec
	)
	for _, rec := range records {
		app := rec.Spec
		if req.ApplicationSlug != "" && app.Slug != req.ApplicationSlug {
			continue
		}
		if req.ApplicationVersion != "" && app.Version != req.ApplicationVersion {
			continue
		}
		appMatched = true
		if cmd, ok := app.Command(req.CommandName); ok {
			matches = append(matches, app)
			cmds = append(cmds, cmd)
		}
	}

	switch {
	case req.ApplicationSlug != "" && !appMatched:
		target := req.ApplicationSlug
		if req.ApplicationVersion != "" {
			target += " " + req.ApplicationVersion
		}
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownApplication, target)
	case len(matches) == 0:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownCommand, req.CommandName)
	case len(matches) > 1:
		keys := make([]string, len(matches))
		for i, app := range matches {
			keys[i] = app.Slug + " " + app.Version
		}
		slices.Sort(keys)
		return nil, nil, fmt.Errorf("%w: %s is provided by %s; specify application_slug and application_version",
			ErrAmbiguousCommand, req.CommandName, strings.Join(keys, ", "))
	}
	return matches[0], cmds[0], nil
}

// InvokeCommand validates req, records a new calculation and broadcasts an
// availability query to the clients of its application. It returns as soon
// as the query is out; election happens as replies arrive.
func (c *Coordinator) InvokeCommand(ctx context.Context, req model.InvocationRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}
	app, cmd, err := c.resolveCommand(ctx, req)
	if err != nil {
		return "", err
	}
	if req.Arguments == nil {
		req.Arguments = map[string]any{}
	}
	if err := model.ValidateArguments(cmd, req.Arguments); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	calc := model.Calculation{
		CalculationID:      model.NewCalculationID(),
		ApplicationSlug:    app.Slug,
		ApplicationVersion: app.Version,
		CommandName:        cmd.CommandName(),
		Arguments:          req.Arguments,
		CorrelationID:      req.CorrelationID,
		CreatedAt:          now,
		Events:             []model.CalculationStatusEvent{{Timestamp: now, Status: model.StatusSubmitted}},
	}
	if err := c.store.CreateCalculation(ctx, calc); err != nil {
		return "", fmt.Errorf("coordinator: record calculation: %w", err)
	}
	c.notify(calc.CalculationID, calc.Events[0])

	log := c.logger.With("calculation_id", calc.CalculationID, "application", app.Key(), "command", calc.CommandName)
	if req.CorrelationID != "" {
		log = log.With("correlation_id", req.CorrelationID)
	}

	// checking_client_availability is recorded before the broadcast so a
	// fast client's running status can never precede it.
	if _, err := c.record(ctx, calc.CalculationID, model.StatusCheckingClientAvailability, ""); err != nil {
		return "", fmt.Errorf("coordinator: record calculation status: %w", err)
	}

	data, err := protocol.Encode(&protocol.CommandInvocationRequest{
		CalculationID:      calc.CalculationID,
		ApplicationSlug:    app.Slug,
		ApplicationVersion: app.Version,
		CommandName:        calc.CommandName,
		Arguments:          calc.Arguments,
		CorrelationID:      calc.CorrelationID,
	})
	if err != nil {
		c.fail(ctx, calc.CalculationID, "could not encode invocation request")
		return "", fmt.Errorf("coordinator: %w", err)
	}
	subject := protocol.InvocationBroadcastSubject(app.Slug, app.Version)
	if err := c.bus.PublishRequest(ctx, subject, protocol.InvocationResponseSubject(calc.CalculationID), data); err != nil {
		c.fail(ctx, calc.CalculationID, "could not broadcast invocation request")
		return "", fmt.Errorf("coordinator: broadcast %s: %w", subject, err)
	}

	c.metrics.invoked(ctx, app.Key(), calc.CommandName)
	log.Info("coordinator: invocation broadcast", "subject", subject)
	return calc.CalculationID, nil
}

// ListApplications returns a summary of every registered application.
func (c *Coordinator) ListApplications(ctx context.Context) ([]model.ApplicationSummary, error) {
	records, err := c.store.ListApplications(ctx)
	if err != nil {
		return nil, fmt.Errorf("coordinator: list applications: %w", err)
	}
	out := make([]model.ApplicationSummary, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Summary())
	}
	return out, nil
}

// ListCommands returns the commands matching filter across all
// applications, interactive steps included.
func (c *Coordinator) ListCommands(ctx context.Context, filter model.CommandFilter) ([]model.CommandSummary, error) {
	records, err := c.store.ListApplications(ctx)
	if err != nil {
		return nil, fmt.Errorf("coordinator: list commands: %w", err)
	}
	out := []model.CommandSummary{}
	for _, rec := range records {
		for _, cmd := range rec.Spec.AllCommands() {
			s := model.CommandSummary{
				ApplicationSlug:    rec.Spec.Slug,
				ApplicationVersion: rec.Spec.Version,
				Name:               cmd.CommandName(),
				Description:        cmd.Common().Description,
				ImplementedAs:      cmd.Kind(),
				Parameters:         cmd.Common().Parameters,
			}
			if filter.Matches(s.ApplicationSlug, s.ApplicationVersion, s.Name) {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

// ListCalculations returns a page of calculations, newest first.
func (c *Coordinator) ListCalculations(ctx context.Context, limit, offset int) ([]model.Calculation, int, error) {
	calcs, total, err := c.store.ListCalculations(ctx, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("coordinator: list calculations: %w", err)
	}
	return calcs, total, nil
}

// notFound maps storage misses onto ErrNotFound.
func notFound(id string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}
