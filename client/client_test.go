package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockServer creates an httptest server that mimics the registry API.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeSuccess(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "success", "msg": "", "payload": payload})
}

func writeFailure(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "error",
		"msg":    message,
		"error":  map[string]any{"code": code, "message": message},
	})
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: serverURL + "/", Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestInvokeCommand(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /commands/invoke": func(w http.ResponseWriter, r *http.Request) {
			var req InvokeRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "echo_text", req.CommandName)
			assert.Equal(t, "counter", req.ApplicationSlug)
			assert.Equal(t, "hi", req.Arguments["text"])
			writeSuccess(w, http.StatusCreated, InvokeResponse{CalculationID: "qcrbox_calc_0x01", Href: "/calculations/qcrbox_calc_0x01"})
		},
	})
	c := newTestClient(t, srv.URL)

	resp, err := c.InvokeCommand(context.Background(), InvokeRequest{
		ApplicationSlug: "counter",
		CommandName:     "echo_text",
		Arguments:       map[string]any{"text": "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "qcrbox_calc_0x01", resp.CalculationID)
}

func TestInvokeCommandSendsEmptyArguments(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /commands/invoke": func(w http.ResponseWriter, r *http.Request) {
			var raw map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
			assert.Equal(t, map[string]any{}, raw["arguments"])
			writeSuccess(w, http.StatusCreated, InvokeResponse{CalculationID: "qcrbox_calc_0x02"})
		},
	})
	_, err := newTestClient(t, srv.URL).InvokeCommand(context.Background(), InvokeRequest{CommandName: "count_to_10"})
	require.NoError(t, err)
}

func TestErrorsAreTyped(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /commands/invoke": func(w http.ResponseWriter, _ *http.Request) {
			writeFailure(w, http.StatusBadRequest, "INVALID_INPUT", `command "echo_text" is missing required text`)
		},
		"GET /calculations/{id}": func(w http.ResponseWriter, r *http.Request) {
			writeFailure(w, http.StatusNotFound, "NOT_FOUND", "calculation not found: "+r.PathValue("id"))
		},
		"POST /calculations/{id}/finalise": func(w http.ResponseWriter, _ *http.Request) {
			writeFailure(w, http.StatusConflict, "CONFLICT", "not an interactive session")
		},
		"POST /calculations/{id}/cancel": func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusGatewayTimeout)
			_, _ = w.Write([]byte("upstream timeout"))
		},
	})
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	_, err := c.InvokeCommand(ctx, InvokeRequest{CommandName: "echo_text"})
	assert.True(t, IsInvalidInput(err))
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "INVALID_INPUT", apiErr.Code)
	assert.Contains(t, apiErr.Message, "text")

	_, err = c.GetCalculation(ctx, "qcrbox_calc_0xdead")
	assert.True(t, IsNotFound(err))
	assert.False(t, IsConflict(err))

	_, err = c.FinaliseCalculation(ctx, "qcrbox_calc_0x01")
	assert.True(t, IsConflict(err))

	_, err = c.CancelCalculation(ctx, "qcrbox_calc_0x01")
	assert.True(t, IsUnavailable(err))
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "upstream timeout", apiErr.Message)
}

func TestListCommandsFilter(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /commands": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "counter", r.URL.Query().Get("application_slug"))
			assert.Equal(t, "echo_text", r.URL.Query().Get("name"))
			assert.False(t, r.URL.Query().Has("application_version"))
			writeSuccess(w, http.StatusOK, []Command{{
				ApplicationSlug: "counter", ApplicationVersion: "0.1", Name: "echo_text",
				ImplementedAs: "cli_command",
				Parameters:    []Parameter{{Name: "text", DType: "str", Required: true}},
			}})
		},
	})
	cmds, err := newTestClient(t, srv.URL).ListCommands(context.Background(), CommandFilter{ApplicationSlug: "counter", Name: "echo_text"})
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, "str", cmds[0].Parameters[0].DType)
}

func TestListCalculationsPaging(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /calculations": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "5", r.URL.Query().Get("limit"))
			assert.Equal(t, "10", r.URL.Query().Get("offset"))
			writeSuccess(w, http.StatusOK, map[string]any{
				"items": []map[string]any{{
					"calculation_id": "qcrbox_calc_0x01",
					"status_events":  []map[string]any{{"status": "submitted"}, {"status": "running"}},
				}},
				"total": 11, "has_more": false, "limit": 5, "offset": 10,
			})
		},
	})
	page, err := newTestClient(t, srv.URL).ListCalculations(context.Background(), 5, 10)
	require.NoError(t, err)
	assert.Equal(t, 11, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, StatusRunning, page.Items[0].Status())
	assert.Equal(t, StatusUnknown, Calculation{}.Status())
}

func TestWaitForCalculation(t *testing.T) {
	var polls atomic.Int32
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /calculations/{id}": func(w http.ResponseWriter, r *http.Request) {
			status := StatusRunning
			if polls.Add(1) >= 3 {
				status = StatusCompleted
			}
			writeSuccess(w, http.StatusOK, CalculationStatus{StatusDetails: StatusDetails{
				CalculationID: r.PathValue("id"),
				Status:        status,
				Stdout:        "done\n",
			}})
		},
	})
	status, err := newTestClient(t, srv.URL).WaitForCalculation(context.Background(), "qcrbox_calc_0x01", 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status.Status)
	assert.Equal(t, int32(3), polls.Load())
}

func TestWaitForCalculationHonoursContext(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /calculations/{id}": func(w http.ResponseWriter, _ *http.Request) {
			writeSuccess(w, http.StatusOK, CalculationStatus{StatusDetails: StatusDetails{Status: StatusRunning}})
		},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newTestClient(t, srv.URL).WaitForCalculation(ctx, "qcrbox_calc_0x01", 10*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEvents(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /calculations/events": func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = w.Write([]byte(":keepalive\n\n"))
			_, _ = w.Write([]byte("event: calculation_status\ndata: {\"calculation_id\":\"a\",\"status\":\"running\"}\n\n"))
			_, _ = w.Write([]byte("event: calculation_status\ndata: {\"calculation_id\":\"a\",\"status\":\"completed\"}\n\n"))
		},
	})

	stop := errors.New("stop")
	var seen []string
	err := newTestClient(t, srv.URL).Events(context.Background(), func(c StatusChange) error {
		seen = append(seen, c.Status)
		if IsTerminal(c.Status) {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, []string{StatusRunning, StatusCompleted}, seen)
}

func TestHealthUnhealthy(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /healthcheck": func(w http.ResponseWriter, _ *http.Request) {
			writeSuccess(w, http.StatusServiceUnavailable, Health{Status: "unhealthy", Bus: "disconnected"})
		},
	})
	_, err := newTestClient(t, srv.URL).Health(context.Background())
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
}
