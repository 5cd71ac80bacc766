package agent

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/qcrbox/qcrbox/internal/execution"
	"github.com/qcrbox/qcrbox/internal/model"
	"github.com/qcrbox/qcrbox/internal/protocol"
)

// available reports whether the agent can take another calculation.
func (a *Agent) available() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status == model.ClientIdle && a.running < a.maxConcurrent
}

// handleAvailability answers a broadcast by publishing a
// command_invocation_client_response to the reply subject. Requests for
// another application or an unknown command get no answer.
func (a *Agent) handleAvailability(ctx context.Context, reply string, req *protocol.CommandInvocationRequest) {
	if req.ApplicationSlug != a.app.Slug || req.ApplicationVersion != a.app.Version {
		a.logger.Debug("agent: ignoring invocation for another application",
			"calculation_id", req.CalculationID, "slug", req.ApplicationSlug, "version", req.ApplicationVersion)
		return
	}
	if _, ok := a.commands[req.CommandName]; !ok {
		a.logger.Warn("agent: ignoring invocation of unknown command",
			"calculation_id", req.CalculationID, "command", req.CommandName)
		return
	}
	if reply == "" {
		a.logger.Warn("agent: availability query without reply subject", "calculation_id", req.CalculationID)
		return
	}

	data, err := protocol.Encode(&protocol.CommandInvocationClientResponse{
		CalculationID:      req.CalculationID,
		ApplicationSlug:    a.app.Slug,
		ApplicationVersion: a.app.Version,
		ClientID:           a.clientID,
		ClientIsAvailable:  a.available(),
		PrivateInboxPrefix: a.inboxPrefix,
	})
	if err != nil {
		a.logger.Error("agent: encode availability response", "error", err)
		return
	}
	if err := a.bus.Publish(ctx, reply, data); err != nil {
		a.logger.Warn("agent: publish availability response", "calculation_id", req.CalculationID, "error", err)
	}
}

// setStatus moves the client status, logging rejected transitions.
func (a *Agent) setStatus(next model.ClientStatus) {
	if !a.status.CanTransition(next) {
		a.logger.Warn("agent: invalid client status transition", "from", a.status, "to", next)
		return
	}
	a.status = next
}

// settle recomputes the status from the number of running calculations.
// Callers hold a.mu.
func (a *Agent) settle() {
	if a.running >= a.maxConcurrent {
		a.setStatus(model.ClientBusy)
		return
	}
	a.setStatus(model.ClientIdle)
}

func (a *Agent) handleExecute(ctx context.Context, req *protocol.CommandExecutionRequest) protocol.Response {
	cmd, ok := a.commands[req.CommandName]
	if !ok {
		return protocol.Failure(string(req.Action()), fmt.Sprintf("unknown command %q", req.CommandName))
	}

	a.mu.Lock()
	if _, dup := a.handles[req.CalculationID]; dup {
		a.mu.Unlock()
		return protocol.Failure(string(req.Action()), fmt.Sprintf("calculation %s already started", req.CalculationID))
	}
	if a.status != model.ClientIdle || a.running >= a.maxConcurrent {
		status := a.status
		a.mu.Unlock()
		return protocol.Failure(string(req.Action()), fmt.Sprintf("client is %s", status))
	}
	a.setStatus(model.ClientPending)
	a.mu.Unlock()

	log := a.logger.With("calculation_id", req.CalculationID, "command", req.CommandName)
	if req.CorrelationID != "" {
		log = log.With("correlation_id", req.CorrelationID)
	}

	calc, err := cmd.ExecuteInBackground(a.ctx, req.CalculationID, req.Arguments)
	if err != nil {
		a.mu.Lock()
		a.settle()
		a.mu.Unlock()
		log.Warn("agent: calculation rejected", "error", err)
		a.writeStatus(ctx, model.CalculationStatusDetails{
			CalculationID: req.CalculationID,
			Status:        model.StatusFailed,
			Stderr:        err.Error(),
		})
		return protocol.Failure(string(req.Action()), err.Error())
	}

	a.mu.Lock()
	a.handles[req.CalculationID] = calc
	a.running++
	a.setStatus(model.ClientBusy)
	a.settle()
	a.mu.Unlock()

	a.calcsStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("application", a.app.Key()),
		attribute.String("command", req.CommandName),
	))
	log.Info("agent: calculation started")

	a.writeStatus(ctx, calc.Details())
	a.wg.Add(1)
	go a.report(calc, log)

	return protocol.Success(req.Action(), "calculation started", protocol.ExecuteCommandResult{
		CalculationID: req.CalculationID,
		Accepted:      true,
	})
}

func (a *Agent) lookup(id string) (execution.Calculation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	calc, ok := a.handles[id]
	return calc, ok
}

func (a *Agent) handleStatus(req *protocol.GetCalculationStatus) protocol.Response {
	calc, ok := a.lookup(req.CalculationID)
	if !ok {
		return protocol.Failure(string(req.Action()), fmt.Sprintf("unknown calculation %s", req.CalculationID))
	}
	return protocol.Success(req.Action(), "", calc.Details())
}

func (a *Agent) handleFinalise(ctx context.Context, req *protocol.FinaliseInteractiveSession) protocol.Response {
	calc, ok := a.lookup(req.CalculationID)
	if !ok {
		return protocol.Failure(string(req.Action()), fmt.Sprintf("unknown calculation %s", req.CalculationID))
	}
	f, err := execution.AsFinaliser(calc)
	if err != nil {
		return protocol.Failure(string(req.Action()), err.Error())
	}
	if err := f.Finalise(ctx); err != nil {
		if errors.Is(err, execution.ErrInteractiveUsage) {
			return protocol.Failure(string(req.Action()), err.Error())
		}
		a.logger.Error("agent: finalise", "calculation_id", req.CalculationID, "error", err)
		return protocol.Failure(string(req.Action()), "finalise failed")
	}
	return protocol.Success(req.Action(), "finalising", calc.Details())
}

func (a *Agent) handleCancel(req *protocol.CancelCalculation) protocol.Response {
	calc, ok := a.lookup(req.CalculationID)
	if !ok {
		return protocol.Failure(string(req.Action()), fmt.Sprintf("unknown calculation %s", req.CalculationID))
	}
	calc.Terminate()
	return protocol.Success(req.Action(), "cancellation requested", calc.Details())
}
