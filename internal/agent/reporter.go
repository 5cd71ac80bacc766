package agent

import (
	"context"
	"log/slog"
	"reflect"
	"time"

	"github.com/qcrbox/qcrbox/internal/execution"
	"github.com/qcrbox/qcrbox/internal/model"
)

// report writes the calculation's details to the status bucket on every
// tick until it finishes, then writes the final details, frees the slot and
// drops the handle once the retention period has passed.
func (a *Agent) report(calc execution.Calculation, log *slog.Logger) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.reportEvery)
	defer ticker.Stop()

	var last model.CalculationStatusDetails
	for {
		select {
		case <-ticker.C:
			d := calc.Details()
			if sameReport(last, d) {
				continue
			}
			a.writeStatus(a.ctx, d)
			last = d
		case <-calc.Done():
			final := calc.Details()
			a.writeStatus(context.WithoutCancel(a.ctx), final)

			a.mu.Lock()
			a.running--
			a.settle()
			a.mu.Unlock()

			log.Info("agent: calculation finished", "status", final.Status)
			time.AfterFunc(a.retention, func() { a.forget(calc) })
			return
		}
	}
}

// forget removes a finished calculation's handle unless the id has been
// reused since.
func (a *Agent) forget(calc execution.Calculation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.handles[calc.ID()] == calc {
		delete(a.handles, calc.ID())
	}
}

// sameReport reports whether d adds nothing over the last written details.
func sameReport(last, d model.CalculationStatusDetails) bool {
	return last.Status == d.Status && last.Stdout == d.Stdout && last.Stderr == d.Stderr &&
		reflect.DeepEqual(last.ExtraInfo, d.ExtraInfo)
}

func (a *Agent) writeStatus(ctx context.Context, d model.CalculationStatusDetails) {
	if a.statuses == nil {
		return
	}
	if err := a.statuses.Put(ctx, d); err != nil {
		a.logger.Warn("agent: write calculation status", "calculation_id", d.CalculationID, "error", err)
	}
}
