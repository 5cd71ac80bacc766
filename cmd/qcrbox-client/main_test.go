package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcrbox/qcrbox/internal/execution"
	"github.com/qcrbox/qcrbox/internal/model"
)

func TestRegisterCallables(t *testing.T) {
	r := execution.NewCallableRegistry()
	require.NoError(t, registerCallables(r))
	assert.ElementsMatch(t, []string{"add_numbers", "wait_seconds", "summarise_session"}, r.Names())

	// A second registration collides.
	assert.Error(t, registerCallables(r))
}

func TestAddNumbers(t *testing.T) {
	got, err := addNumbers(context.Background(), map[string]any{"a": 1.5, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, 3.5, got)

	_, err = addNumbers(context.Background(), map[string]any{"a": "x", "b": 2.0})
	assert.ErrorContains(t, err, "a must be a number")

	_, err = addNumbers(context.Background(), map[string]any{"a": 1.0})
	assert.ErrorContains(t, err, "b is required")
}

func TestWaitSecondsHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := waitSeconds(ctx, map[string]any{"seconds": 30.0})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)

	got, err := waitSeconds(context.Background(), map[string]any{"seconds": 0.0})
	require.NoError(t, err)
	assert.Equal(t, 0.0, got)

	_, err = waitSeconds(context.Background(), map[string]any{"seconds": -1.0})
	assert.Error(t, err)
}

func TestSummariseSession(t *testing.T) {
	got, err := summariseSession(context.Background(), map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "session closed", got)

	got, err = summariseSession(context.Background(), map[string]any{"note": " fixed twin law "})
	require.NoError(t, err)
	assert.Equal(t, "session closed: fixed twin law", got)
}

type flakyStarter struct {
	failures int
	calls    int
}

func (f *flakyStarter) Start(context.Context) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("no responders")
	}
	return nil
}

func TestStartWithRetry(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("succeeds after failures", func(t *testing.T) {
		s := &flakyStarter{failures: 2}
		require.NoError(t, startWithRetry(context.Background(), s, 5, time.Millisecond, logger))
		assert.Equal(t, 3, s.calls)
	})

	t.Run("gives up", func(t *testing.T) {
		s := &flakyStarter{failures: 10}
		err := startWithRetry(context.Background(), s, 3, time.Millisecond, logger)
		assert.ErrorContains(t, err, "register after 3 attempts")
		assert.Equal(t, 3, s.calls)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		s := &flakyStarter{failures: 10}
		err := startWithRetry(ctx, s, 3, time.Hour, logger)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, s.calls)
	})
}

func TestExampleApplicationsBuild(t *testing.T) {
	r := execution.NewCallableRegistry()
	require.NoError(t, registerCallables(r))

	for _, path := range []string{"../../examples/counter.yaml", "../../examples/counter.toml"} {
		t.Run(path, func(t *testing.T) {
			app, warnings, err := model.LoadApplicationSpec(path)
			require.NoError(t, err)
			assert.Empty(t, warnings)

			cmds, err := execution.BuildAll(app, execution.Deps{Callables: r, WorkDir: t.TempDir()})
			require.NoError(t, err)
			assert.Contains(t, cmds, "echo_text")
		})
	}
}
