package server_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcrbox/qcrbox/internal/agent"
	"github.com/qcrbox/qcrbox/internal/bus"
	"github.com/qcrbox/qcrbox/internal/coordinator"
	"github.com/qcrbox/qcrbox/internal/execution"
	"github.com/qcrbox/qcrbox/internal/mcp"
	"github.com/qcrbox/qcrbox/internal/model"
	"github.com/qcrbox/qcrbox/internal/ratelimit"
	"github.com/qcrbox/qcrbox/internal/server"
	"github.com/qcrbox/qcrbox/internal/statusstore"
	"github.com/qcrbox/qcrbox/internal/storage"
	"github.com/qcrbox/qcrbox/internal/storage/sqlitestore"
	"github.com/qcrbox/qcrbox/internal/testutil"
)

type testEnv struct {
	srv    *httptest.Server
	store  storage.Store
	broker *server.Broker
}

func counterApp() *model.ApplicationSpec {
	echo := &model.CLICommandSpec{
		CommandCommon: model.CommandCommon{
			Name:       "echo_text",
			Parameters: []model.ParameterSpec{{Name: "text", DType: model.DTypeStr, Required: true}},
		},
		CallPattern: "echo {text}",
	}
	count := &model.CLICommandSpec{
		CommandCommon: model.CommandCommon{Name: "count_to_10", Parameters: []model.ParameterSpec{}},
		CallPattern:   "for i in 1 2 3 4 5 6 7 8 9 10; do echo $i; done",
	}
	return &model.ApplicationSpec{
		Name:     "Counter",
		Slug:     "counter",
		Version:  "0.1",
		Commands: model.CommandList{count, echo},
	}
}

// newTestEnv wires a registry, one client agent and the HTTP server over an
// in-process bus and an in-memory SQLite store.
func newTestEnv(t *testing.T, limiter ratelimit.Limiter) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := testutil.TestLogger()

	b := bus.NewMemory()
	t.Cleanup(func() { _ = b.Close() })

	store, err := sqlitestore.Open(ctx, ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close(ctx) })

	broker := server.NewBroker(logger)
	coord, err := coordinator.New(ctx, b, store, coordinator.Config{
		RPCTimeout:          time.Second,
		AvailabilityTimeout: 2 * time.Second,
		SweepInterval:       time.Hour,
		Notifier:            broker,
		Logger:              logger,
	})
	require.NoError(t, err)
	require.NoError(t, coord.Start(ctx))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Stop(ctx)
	})

	statuses, err := statusstore.Open(ctx, b, logger)
	require.NoError(t, err)
	a, err := agent.New(b, statuses, agent.Config{
		Application:          counterApp(),
		Exec:                 execution.Deps{WorkDir: t.TempDir()},
		RPCTimeout:           time.Second,
		StatusReportInterval: 20 * time.Millisecond,
		Logger:               logger,
	})
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx)
	})

	srv := server.New(server.ServerConfig{
		Registry:    coord,
		Logger:      logger,
		Broker:      broker,
		Limiter:     limiter,
		MCPServer:   mcp.New(coord, logger, "test").MCPServer(),
		Version:     "test",
		OpenAPISpec: []byte("openapi: 3.1.0\n"),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{srv: ts, store: store, broker: broker}
}

type envelope struct {
	Status  string          `json:"status"`
	Msg     string          `json:"msg"`
	Payload json.RawMessage `json:"payload"`
	Error   struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Meta struct {
		RequestID string `json:"request_id"`
	} `json:"meta"`
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, envelope) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var env envelope
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(data, &env), string(data))
	}
	return resp, env
}

func (e *testEnv) invoke(t *testing.T, body string) string {
	t.Helper()
	resp, env := e.do(t, http.MethodPost, "/commands/invoke", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode, env.Msg)
	var out model.InvokeCommandResponse
	require.NoError(t, json.Unmarshal(env.Payload, &out))
	assert.Equal(t, out.Href, resp.Header.Get("Location"))
	return out.CalculationID
}

func (e *testEnv) waitStatus(t *testing.T, id string, want model.CalculationStatus) model.CalculationStatusView {
	t.Helper()
	var view model.CalculationStatusView
	require.Eventually(t, func() bool {
		resp, env := e.do(t, http.MethodGet, "/calculations/"+id, "")
		if resp.StatusCode != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(env.Payload, &view); err != nil {
			return false
		}
		return view.Status == want
	}, 10*time.Second, 25*time.Millisecond, "calculation %s never reached %s", id, want)
	return view
}

func TestInvokeAndPollToCompletion(t *testing.T) {
	e := newTestEnv(t, nil)
	id := e.invoke(t, `{"command_name":"count_to_10","application_slug":"counter","application_version":"0.1","arguments":{}}`)
	assert.True(t, model.IsCalculationID(id))

	view := e.waitStatus(t, id, model.StatusCompleted)
	assert.Equal(t, "1\n2\n3\n4\n5\n6\n7\n8\n9\n10\n", view.Stdout)
	assert.Equal(t, "count_to_10", view.CommandName)
	require.NotNil(t, view.ExecutingClient)

	resp, env := e.do(t, http.MethodGet, "/calculations?limit=10", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page struct {
		Items []model.Calculation `json:"items"`
		Total int                 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Payload, &page))
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, id, page.Items[0].CalculationID)
}

func TestInvokeMissingArgumentIsRejected(t *testing.T) {
	e := newTestEnv(t, nil)
	resp, env := e.do(t, http.MethodPost, "/commands/invoke", `{"command_name":"echo_text","arguments":{}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, env.Error.Code)
	assert.Contains(t, env.Error.Message, "text")
	assert.NotEmpty(t, env.Meta.RequestID)

	_, total, err := e.store.ListCalculations(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total, "a rejected invocation leaves no calculation behind")
}

func TestInvokeErrors(t *testing.T) {
	e := newTestEnv(t, nil)
	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"unknown command", `{"command_name":"fly"}`, http.StatusNotFound, model.ErrCodeNotFound},
		{"unknown application", `{"command_name":"echo_text","application_slug":"nope"}`, http.StatusNotFound, model.ErrCodeNotFound},
		{"wrong type", `{"command_name":"echo_text","arguments":{"text":5}}`, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"unknown field", `{"command_name":"echo_text","colour":"red"}`, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"empty body", ``, http.StatusBadRequest, model.ErrCodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, env := e.do(t, http.MethodPost, "/commands/invoke", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

func TestCalculationNotFound(t *testing.T) {
	e := newTestEnv(t, nil)
	resp, env := e.do(t, http.MethodGet, "/calculations/qcrbox_calc_0xdead", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, env.Error.Code)

	resp, _ = e.do(t, http.MethodPost, "/calculations/qcrbox_calc_0xdead/cancel", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = e.do(t, http.MethodPost, "/calculations/qcrbox_calc_0xdead/finalise", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFinaliseNonInteractiveConflicts(t *testing.T) {
	e := newTestEnv(t, nil)
	id := e.invoke(t, `{"command_name":"count_to_10"}`)
	e.waitStatus(t, id, model.StatusCompleted)

	resp, env := e.do(t, http.MethodPost, "/calculations/"+id+"/finalise", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, model.ErrCodeConflict, env.Error.Code)
}

func TestListApplicationsAndCommands(t *testing.T) {
	e := newTestEnv(t, nil)

	resp, env := e.do(t, http.MethodGet, "/applications", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var apps []model.ApplicationSummary
	require.NoError(t, json.Unmarshal(env.Payload, &apps))
	require.Len(t, apps, 1)
	assert.Equal(t, "counter", apps[0].Slug)
	assert.ElementsMatch(t, []string{"count_to_10", "echo_text"}, apps[0].Commands)

	resp, env = e.do(t, http.MethodGet, "/commands?name=echo_text", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cmds []model.CommandSummary
	require.NoError(t, json.Unmarshal(env.Payload, &cmds))
	require.Len(t, cmds, 1)
	assert.Equal(t, "echo_text", cmds[0].Name)
	require.Len(t, cmds[0].Parameters, 1)
	assert.Equal(t, "text", cmds[0].Parameters[0].Name)

	_, env = e.do(t, http.MethodGet, "/commands?application_slug=other", "")
	require.NoError(t, json.Unmarshal(env.Payload, &cmds))
	assert.Empty(t, cmds)
}

func TestHealthcheck(t *testing.T) {
	e := newTestEnv(t, nil)
	resp, env := e.do(t, http.MethodGet, "/healthcheck", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health model.HealthResponse
	require.NoError(t, json.Unmarshal(env.Payload, &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "connected", health.Store)
	assert.Equal(t, "connected", health.Bus)
	assert.Equal(t, "running", health.SSEBroker)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestOpenAPISpec(t *testing.T) {
	e := newTestEnv(t, nil)
	resp, err := http.Get(e.srv.URL + "/openapi.yaml")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "openapi: 3.1.0\n", string(body))
}

func TestInvokeIsRateLimited(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	t.Cleanup(func() { _ = limiter.Close() })
	e := newTestEnv(t, limiter)

	resp, _ := e.do(t, http.MethodPost, "/commands/invoke", `{"command_name":"fly"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, env := e.do(t, http.MethodPost, "/commands/invoke", `{"command_name":"fly"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, model.ErrCodeRateLimited, env.Error.Code)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	// Reads are not limited.
	resp, _ = e.do(t, http.MethodGet, "/applications", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCalculationEventsStream(t *testing.T) {
	e := newTestEnv(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+"/calculations/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	require.Eventually(t, func() bool { return e.broker.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	id := e.invoke(t, `{"command_name":"count_to_10"}`)

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var change model.CalculationStatusChange
		require.NoError(t, json.Unmarshal([]byte(data), &change))
		if change.CalculationID == id && change.Status == model.StatusCompleted {
			return
		}
	}
	t.Fatalf("stream ended before %s completed: %v", id, scanner.Err())
}

func TestMCPEndpointIsMounted(t *testing.T) {
	e := newTestEnv(t, nil)
	body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"0"}}}`
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/mcp", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(data), `"qcrbox"`)
}
