// Package storagetest is a conformance suite run against every
// storage.Store implementation.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcrbox/qcrbox/internal/model"
	"github.com/qcrbox/qcrbox/internal/storage"
)

var seq atomic.Int64

// App returns a minimal valid application with a unique slug.
func App(prefix string) *model.ApplicationSpec {
	return &model.ApplicationSpec{
		Name:    "Test " + prefix,
		Slug:    fmt.Sprintf("%s_%d", prefix, seq.Add(1)),
		Version: "1.0",
		Commands: model.CommandList{
			&model.CLICommandSpec{
				CommandCommon: model.CommandCommon{
					Name:       "run",
					Parameters: []model.ParameterSpec{{Name: "n", DType: model.DTypeInt, Required: true}},
				},
				CallPattern: "echo {n}",
			},
		},
	}
}

// Calculation returns a submitted calculation of the app's "run" command.
func Calculation(app *model.ApplicationSpec) model.Calculation {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return model.Calculation{
		CalculationID:      model.NewCalculationID(),
		ApplicationSlug:    app.Slug,
		ApplicationVersion: app.Version,
		CommandName:        "run",
		Arguments:          map[string]any{"n": float64(3)},
		CorrelationID:      "corr-1",
		CreatedAt:          now,
		Events:             []model.CalculationStatusEvent{{Timestamp: now, Status: model.StatusSubmitted}},
	}
}

// Run exercises s. Every subtest uses fresh slugs and calculation ids, so
// the store may be shared across packages and runs.
func Run(t *testing.T, s storage.Store) {
	ctx := context.Background()

	t.Run("RegisterApplicationIsIdempotent", func(t *testing.T) {
		app := App("idem")
		first, created, err := s.RegisterApplication(ctx, app)
		require.NoError(t, err)
		assert.True(t, created)
		assert.NotZero(t, first.ID)

		changed := *app
		changed.Description = "changed"
		second, created, err := s.RegisterApplication(ctx, &changed)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, second.ID)
		assert.Empty(t, second.Spec.Description, "existing record is left untouched")

		got, err := s.GetApplication(ctx, app.Slug, app.Version)
		require.NoError(t, err)
		assert.Equal(t, first.ID, got.ID)
		require.Len(t, got.Spec.Commands, 1)
		assert.Equal(t, model.ImplementedAsCLI, got.Spec.Commands[0].Kind())

		apps, err := s.ListApplications(ctx)
		require.NoError(t, err)
		found := false
		for _, a := range apps {
			if a.Spec.Key() == app.Key() {
				found = true
				assert.Equal(t, []string{"run"}, a.Summary().Commands)
			}
		}
		assert.True(t, found)
	})

	t.Run("GetApplicationNotFound", func(t *testing.T) {
		_, err := s.GetApplication(ctx, "missing", "0")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("CreateAndGetCalculation", func(t *testing.T) {
		app := App("calc")
		_, _, err := s.RegisterApplication(ctx, app)
		require.NoError(t, err)

		calc := Calculation(app)
		require.NoError(t, s.CreateCalculation(ctx, calc))
		assert.ErrorIs(t, s.CreateCalculation(ctx, calc), storage.ErrConflict)

		got, err := s.GetCalculation(ctx, calc.CalculationID)
		require.NoError(t, err)
		assert.Equal(t, calc.CommandName, got.CommandName)
		assert.Equal(t, calc.CorrelationID, got.CorrelationID)
		assert.EqualValues(t, 3, got.Arguments["n"])
		assert.Nil(t, got.ExecutingClient)
		require.Len(t, got.Events, 1)
		assert.Equal(t, model.StatusSubmitted, got.Status())
		assert.WithinDuration(t, calc.CreatedAt, got.CreatedAt, time.Millisecond)

		_, err = s.GetCalculation(ctx, "qcrbox_calc_0xmissing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("CreateCalculationUnknownApplication", func(t *testing.T) {
		calc := Calculation(&model.ApplicationSpec{Slug: "nope", Version: "1"})
		assert.ErrorIs(t, s.CreateCalculation(ctx, calc), storage.ErrNotFound)
	})

	t.Run("StatusIsMonotonic", func(t *testing.T) {
		app := App("mono")
		_, _, err := s.RegisterApplication(ctx, app)
		require.NoError(t, err)
		calc := Calculation(app)
		require.NoError(t, s.CreateCalculation(ctx, calc))

		steps := []struct {
			status model.CalculationStatus
			want   bool
		}{
			{model.StatusCheckingClientAvailability, true},
			{model.StatusRunning, true},
			{model.StatusRunning, false},
			{model.StatusCheckingClientAvailability, false},
			{model.StatusCompleted, true},
			{model.StatusFailed, false},
			{model.StatusCancelled, false},
		}
		for _, step := range steps {
			ok, err := s.AppendStatusEvent(ctx, calc.CalculationID, model.CalculationStatusEvent{Status: step.status})
			require.NoError(t, err)
			assert.Equal(t, step.want, ok, "append %s", step.status)
		}

		got, err := s.GetCalculation(ctx, calc.CalculationID)
		require.NoError(t, err)
		var statuses []model.CalculationStatus
		for _, ev := range got.Events {
			statuses = append(statuses, ev.Status)
		}
		assert.Equal(t, []model.CalculationStatus{
			model.StatusSubmitted, model.StatusCheckingClientAvailability, model.StatusRunning, model.StatusCompleted,
		}, statuses)

		_, err = s.AppendStatusEvent(ctx, "qcrbox_calc_0xmissing", model.CalculationStatusEvent{Status: model.StatusRunning})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("UpdateOutput", func(t *testing.T) {
		app := App("out")
		_, _, err := s.RegisterApplication(ctx, app)
		require.NoError(t, err)
		calc := Calculation(app)
		require.NoError(t, s.CreateCalculation(ctx, calc))

		require.NoError(t, s.UpdateOutput(ctx, model.CalculationStatusDetails{
			CalculationID: calc.CalculationID,
			Stdout:        "1\n2\n",
			Stderr:        "warn",
			ExtraInfo:     map[string]any{"returncode": float64(0)},
		}))
		got, err := s.GetCalculation(ctx, calc.CalculationID)
		require.NoError(t, err)
		assert.Equal(t, "1\n2\n", got.Stdout)
		assert.Equal(t, "warn", got.Stderr)
		assert.EqualValues(t, 0, got.ExtraInfo["returncode"])

		err = s.UpdateOutput(ctx, model.CalculationStatusDetails{CalculationID: "qcrbox_calc_0xmissing"})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("BindExecutorElectsExactlyOne", func(t *testing.T) {
		app := App("bind")
		_, _, err := s.RegisterApplication(ctx, app)
		require.NoError(t, err)
		calc := Calculation(app)
		require.NoError(t, s.CreateCalculation(ctx, calc))

		const contenders = 8
		var (
			wg      sync.WaitGroup
			winners atomic.Int32
			winner  atomic.Value
		)
		for i := range contenders {
			wg.Add(1)
			go func() {
				defer wg.Done()
				client := model.ExecutingClientDetails{
					ClientID:           fmt.Sprintf("client-%d", i),
					PrivateInboxPrefix: fmt.Sprintf("qcrbox_rk_0x%d", i),
				}
				won, err := s.BindExecutor(ctx, calc.CalculationID, client)
				assert.NoError(t, err)
				if won {
					winners.Add(1)
					winner.Store(client.ClientID)
				}
			}()
		}
		wg.Wait()
		require.EqualValues(t, 1, winners.Load())

		got, err := s.GetCalculation(ctx, calc.CalculationID)
		require.NoError(t, err)
		require.NotNil(t, got.ExecutingClient)
		assert.Equal(t, winner.Load(), got.ExecutingClient.ClientID)
		assert.NotEmpty(t, got.ExecutingClient.PrivateInboxPrefix)

		_, err = s.BindExecutor(ctx, "qcrbox_calc_0xmissing", model.ExecutingClientDetails{ClientID: "x"})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("BindExecutorRefusesEndedCalculation", func(t *testing.T) {
		app := App("ended")
		_, _, err := s.RegisterApplication(ctx, app)
		require.NoError(t, err)
		calc := Calculation(app)
		require.NoError(t, s.CreateCalculation(ctx, calc))
		_, err = s.AppendStatusEvent(ctx, calc.CalculationID, model.CalculationStatusEvent{Status: model.StatusFailed})
		require.NoError(t, err)

		won, err := s.BindExecutor(ctx, calc.CalculationID, model.ExecutingClientDetails{ClientID: "late"})
		require.NoError(t, err)
		assert.False(t, won)
	})

	t.Run("StaleUnbound", func(t *testing.T) {
		app := App("stale")
		_, _, err := s.RegisterApplication(ctx, app)
		require.NoError(t, err)

		old := Calculation(app)
		old.CreatedAt = time.Now().UTC().Add(-time.Hour)
		require.NoError(t, s.CreateCalculation(ctx, old))

		bound := Calculation(app)
		bound.CreatedAt = old.CreatedAt
		require.NoError(t, s.CreateCalculation(ctx, bound))
		_, err = s.BindExecutor(ctx, bound.CalculationID, model.ExecutingClientDetails{ClientID: "c"})
		require.NoError(t, err)

		fresh := Calculation(app)
		require.NoError(t, s.CreateCalculation(ctx, fresh))

		ids, err := s.StaleUnbound(ctx, time.Now().Add(-time.Minute))
		require.NoError(t, err)
		assert.Contains(t, ids, old.CalculationID)
		assert.NotContains(t, ids, bound.CalculationID)
		assert.NotContains(t, ids, fresh.CalculationID)
	})

	t.Run("ListCalculations", func(t *testing.T) {
		app := App("list")
		_, _, err := s.RegisterApplication(ctx, app)
		require.NoError(t, err)
		for range 3 {
			require.NoError(t, s.CreateCalculation(ctx, Calculation(app)))
		}

		page, total, err := s.ListCalculations(ctx, 2, 0)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, total, 3)
		require.Len(t, page, 2)
		for _, c := range page {
			assert.NotEmpty(t, c.Events)
		}
		assert.False(t, page[0].CreatedAt.Before(page[1].CreatedAt), "newest first")
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, s.Ping(ctx))
	})
}
