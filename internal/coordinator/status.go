package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/qcrbox/qcrbox/internal/model"
	"github.com/qcrbox/qcrbox/internal/protocol"
	"github.com/qcrbox/qcrbox/internal/statusstore"
	"github.com/qcrbox/qcrbox/internal/storage"
)

// MirrorStatus copies every write to the calculation_status bucket into
// durable storage until ctx is done.
func (c *Coordinator) MirrorStatus(ctx context.Context) error {
	updates, err := c.statuses.Watch(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}
	c.logger.Info("coordinator: mirroring calculation status")
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("coordinator: status watch closed")
			}
			c.mirror(ctx, u.Details)
		}
	}
}

// mirror records one client-reported status. A new status becomes an event
// when it ranks above the recorded one; the output snapshot is always
// refreshed.
func (c *Coordinator) mirror(ctx context.Context, d model.CalculationStatusDetails) {
	log := c.logger.With("calculation_id", d.CalculationID, "status", d.Status)
	if d.Status.Rank() > 0 {
		appended, err := c.record(ctx, d.CalculationID, d.Status, "")
		if errors.Is(err, storage.ErrNotFound) {
			log.Debug("coordinator: status for unknown calculation")
			return
		}
		if err != nil {
			log.Error("coordinator: mirror status event", "error", err)
			return
		}
		if appended {
			c.metrics.mirrored.Add(ctx, 1)
			log.Debug("coordinator: status mirrored")
		}
	}
	if err := c.store.UpdateOutput(ctx, d); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Error("coordinator: mirror output", "error", err)
	}
}

// GetCalculationStatus returns the freshest status known for id. For a
// calculation that is bound and not finished the executing client is asked
// directly; concurrent queries for the same id share one lookup. The shared
// lookup is detached from every caller's cancellation and bounded by the
// RPC timeout, and each caller stops waiting when its own ctx is done.
func (c *Coordinator) GetCalculationStatus(ctx context.Context, id string) (model.CalculationStatusView, error) {
	ch := c.flight.DoChan(id, func() (any, error) {
		return c.lookupStatus(context.WithoutCancel(ctx), id)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return model.CalculationStatusView{}, res.Err
		}
		return res.Val.(model.CalculationStatusView), nil
	case <-ctx.Done():
		return model.CalculationStatusView{}, fmt.Errorf("coordinator: status of %s: %w", id, ctx.Err())
	}
}

func (c *Coordinator) lookupStatus(ctx context.Context, id string) (model.CalculationStatusView, error) {
	calc, err := c.store.GetCalculation(ctx, id)
	if err != nil {
		return model.CalculationStatusView{}, notFound(id, err)
	}
	view := calc.View()
	if view.Status.IsTerminal() {
		return view, nil
	}

	if snap, err := c.statuses.Get(ctx, id); err == nil {
		merge(&view, snap)
	} else if !errors.Is(err, statusstore.ErrNotFound) {
		c.logger.Warn("coordinator: read status bucket", "calculation_id", id, "error", err)
	}

	if calc.ExecutingClient == nil {
		return view, nil
	}

	resp, err := c.rpc(ctx, calc.ExecutingClient.PrivateInboxPrefix, &protocol.GetCalculationStatus{CalculationID: id})
	if err != nil {
		return model.CalculationStatusView{}, err
	}
	if !resp.OK() {
		c.logger.Debug("coordinator: client has no live status", "calculation_id", id, "msg", resp.Msg)
		return view, nil
	}
	var live model.CalculationStatusDetails
	if err := resp.DecodePayload(&live); err != nil {
		return model.CalculationStatusView{}, fmt.Errorf("coordinator: %w", err)
	}
	merge(&view, live)
	view.Live = true
	return view, nil
}

// merge overlays newer details onto view. The status never moves backwards.
func merge(view *model.CalculationStatusView, d model.CalculationStatusDetails) {
	if d.Status.Rank() >= view.Status.Rank() {
		view.Status = d.Status
	}
	view.Stdout, view.Stderr = d.Stdout, d.Stderr
	if d.ExtraInfo != nil {
		view.ExtraInfo = d.ExtraInfo
	}
}

// FinaliseCalculation asks the executing client to finalise an interactive
// session.
func (c *Coordinator) FinaliseCalculation(ctx context.Context, id string) (model.CalculationStatusDetails, error) {
	calc, err := c.store.GetCalculation(ctx, id)
	if err != nil {
		return model.CalculationStatusDetails{}, notFound(id, err)
	}
	if calc.ExecutingClient == nil {
		return model.CalculationStatusDetails{}, fmt.Errorf("%w: %s", ErrNotBound, id)
	}
	return c.forward(ctx, calc, &protocol.FinaliseInteractiveSession{CalculationID: id})
}

// CancelCalculation terminates a calculation. One still waiting for a
// client is cancelled in place; a bound one is cancelled by its client.
func (c *Coordinator) CancelCalculation(ctx context.Context, id string) (model.CalculationStatusDetails, error) {
	unlock := c.locks.lock(id)
	calc, err := c.store.GetCalculation(ctx, id)
	if err != nil {
		unlock()
		return model.CalculationStatusDetails{}, notFound(id, err)
	}
	if calc.ExecutingClient == nil {
		defer unlock()
		if calc.Status().IsTerminal() {
			return calc.Details(), nil
		}
		if _, err := c.record(ctx, id, model.StatusCancelled, "cancelled before a client was elected"); err != nil {
			return model.CalculationStatusDetails{}, fmt.Errorf("coordinator: cancel %s: %w", id, err)
		}
		c.logger.Info("coordinator: cancelled unbound calculation", "calculation_id", id)
		d := calc.Details()
		d.Status = model.StatusCancelled
		return d, nil
	}
	unlock()
	return c.forward(ctx, calc, &protocol.CancelCalculation{CalculationID: id})
}

// forward sends p to the executing client of calc.
func (c *Coordinator) forward(ctx context.Context, calc model.Calculation, p protocol.Payload) (model.CalculationStatusDetails, error) {
	resp, err := c.rpc(ctx, calc.ExecutingClient.PrivateInboxPrefix, p)
	if err != nil {
		return model.CalculationStatusDetails{}, err
	}
	if !resp.OK() {
		return model.CalculationStatusDetails{}, fmt.Errorf("%w: %s", ErrRejected, resp.Msg)
	}
	var d model.CalculationStatusDetails
	if err := resp.DecodePayload(&d); err != nil {
		return model.CalculationStatusDetails{}, fmt.Errorf("coordinator: %w", err)
	}
	c.logger.Info("coordinator: request forwarded", "calculation_id", calc.CalculationID,
		"action", p.Action(), "client_id", calc.ExecutingClient.ClientID)
	return d, nil
}

// runReaper fails calculations no client has picked up within the
// availability timeout.
func (c *Coordinator) runReaper(ctx context.Context) error {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Reap(ctx)
		}
	}
}

// Reap runs one availability sweep and returns the ids it failed.
func (c *Coordinator) Reap(ctx context.Context) []string {
	ids, err := c.store.StaleUnbound(ctx, time.Now().Add(-c.availabilityTimeout))
	if err != nil {
		c.logger.Error("coordinator: availability sweep", "error", err)
		return nil
	}
	var reaped []string
	for _, id := range ids {
		if c.reapOne(ctx, id) {
			reaped = append(reaped, id)
		}
	}
	return reaped
}

func (c *Coordinator) reapOne(ctx context.Context, id string) bool {
	unlock := c.locks.lock(id)
	defer unlock()

	calc, err := c.store.GetCalculation(ctx, id)
	if err != nil {
		c.logger.Error("coordinator: reload stale calculation", "calculation_id", id, "error", err)
		return false
	}
	if calc.ExecutingClient != nil || calc.Status().IsTerminal() {
		return false
	}
	appended, err := c.record(ctx, id, model.StatusFailed, "no client available to execute command")
	if err != nil {
		c.logger.Error("coordinator: reap calculation", "calculation_id", id, "error", err)
		return false
	}
	if appended {
		c.logger.Warn("coordinator: no client answered in time", "calculation_id", id,
			"availability_timeout", c.availabilityTimeout)
	}
	return appended
}
