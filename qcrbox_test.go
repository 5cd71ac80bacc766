package qcrbox

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcrbox/qcrbox/internal/agent"
	"github.com/qcrbox/qcrbox/internal/bus"
	"github.com/qcrbox/qcrbox/internal/execution"
	"github.com/qcrbox/qcrbox/internal/model"
	"github.com/qcrbox/qcrbox/internal/statusstore"
	"github.com/qcrbox/qcrbox/internal/testutil"
)

type recordingHook struct {
	mu      sync.Mutex
	changes []StatusChange
}

func (h *recordingHook) OnStatusChange(_ context.Context, c StatusChange) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.changes = append(h.changes, c)
	return nil
}

func (h *recordingHook) sawTerminal(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.changes {
		if c.CalculationID == id && c.Terminal() {
			return true
		}
	}
	return false
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestAppLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := testutil.TestLogger()

	b := bus.NewMemory()
	hook := &recordingHook{}
	app, err := New(ctx,
		withBus(b),
		WithSQLitePath(":memory:"),
		WithPort(freePort(t)),
		WithLogger(logger),
		WithVersion("test"),
		WithStatusHook(hook),
		WithExtraRoutes(func(mux *http.ServeMux) {
			mux.HandleFunc("GET /extra", func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("extra"))
			})
		}),
		WithMiddleware(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("X-Embedded", "yes")
				next.ServeHTTP(w, r)
			})
		}),
	)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- app.Run(ctx) }()

	app0 := &model.ApplicationSpec{
		Name:    "Counter",
		Slug:    "counter",
		Version: "0.1",
		Commands: model.CommandList{&model.CLICommandSpec{
			CommandCommon: model.CommandCommon{Name: "count_to_10", Parameters: []model.ParameterSpec{}},
			CallPattern:   "for i in 1 2 3 4 5 6 7 8 9 10; do echo $i; done",
		}},
	}
	statuses, err := statusstore.Open(ctx, b, logger)
	require.NoError(t, err)
	a, err := agent.New(b, statuses, agent.Config{
		Application:          app0,
		Exec:                 execution.Deps{WorkDir: t.TempDir()},
		RPCTimeout:           time.Second,
		StatusReportInterval: 20 * time.Millisecond,
		Logger:               logger,
	})
	require.NoError(t, err)
	// The coordinator subscribes in Run; registration retries until it is up.
	require.Eventually(t, func() bool { return a.Start(ctx) == nil }, 5*time.Second, 50*time.Millisecond)
	defer func() { _ = a.Stop(context.Background()) }()

	ts := httptest.NewServer(app.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/commands/invoke", "application/json",
		strings.NewReader(`{"command_name":"count_to_10"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "yes", resp.Header.Get("X-Embedded"))
	var body struct {
		Payload model.InvokeCommandResponse `json:"payload"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	_ = resp.Body.Close()

	require.Eventually(t, func() bool { return hook.sawTerminal(body.Payload.CalculationID) },
		10*time.Second, 20*time.Millisecond)

	resp, err = http.Get(ts.URL + "/extra")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestStatusChangeTerminal(t *testing.T) {
	assert.True(t, StatusChange{Status: "failed"}.Terminal())
	assert.False(t, StatusChange{Status: "running"}.Terminal())
}
