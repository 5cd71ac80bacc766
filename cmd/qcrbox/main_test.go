package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcrbox/qcrbox/client"
)

func envelope(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "success", "payload": payload})
}

func errorEnvelope(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "error",
		"msg":    msg,
		"error":  map[string]string{"code": code, "message": msg},
	})
}

// fakeRegistry answers the routes the CLI uses and records the last
// invocation body.
func fakeRegistry(t *testing.T, invoked *client.InvokeRequest) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /applications", func(w http.ResponseWriter, _ *http.Request) {
		envelope(w, http.StatusOK, []client.Application{{Slug: "counter", Version: "0.1.0", Name: "Counter", Commands: []string{"count", "echo_text"}}})
	})
	mux.HandleFunc("GET /commands", func(w http.ResponseWriter, _ *http.Request) {
		envelope(w, http.StatusOK, []client.Command{{
			ApplicationSlug: "counter", ApplicationVersion: "0.1.0", Name: "echo_text", ImplementedAs: "cli_command",
			Parameters: []client.Parameter{{Name: "text", DType: "str", Required: true}, {Name: "times", DType: "int"}},
		}})
	})
	mux.HandleFunc("POST /commands/invoke", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(invoked))
		if invoked.CommandName == "missing" {
			errorEnvelope(w, http.StatusNotFound, "NOT_FOUND", "coordinator: unknown command")
			return
		}
		envelope(w, http.StatusCreated, client.InvokeResponse{CalculationID: "qcrbox_calc_0x1", Href: "/calculations/qcrbox_calc_0x1"})
	})
	mux.HandleFunc("GET /calculations/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "qcrbox_calc_0x1" {
			errorEnvelope(w, http.StatusNotFound, "NOT_FOUND", "coordinator: not found")
			return
		}
		envelope(w, http.StatusOK, client.CalculationStatus{
			StatusDetails: client.StatusDetails{CalculationID: "qcrbox_calc_0x1", Status: "completed", Stdout: "hello"},
			CommandName:   "echo_text",
		})
	})
	mux.HandleFunc("POST /calculations/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		envelope(w, http.StatusAccepted, client.StatusDetails{CalculationID: r.PathValue("id"), Status: "cancelled"})
	})
	mux.HandleFunc("POST /calculations/{id}/finalise", func(w http.ResponseWriter, _ *http.Request) {
		errorEnvelope(w, http.StatusConflict, "CONFLICT", "coordinator: rejected")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func runCLI(t *testing.T, srv *httptest.Server, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), append([]string{"--registry", srv.URL}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestCLIList(t *testing.T) {
	srv := fakeRegistry(t, &client.InvokeRequest{})

	code, out, _ := runCLI(t, srv, "list", "applications")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "counter")
	assert.Contains(t, out, "count,echo_text")

	code, out, _ = runCLI(t, srv, "list", "commands")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "text:str times:int?")

	code, _, errOut := runCLI(t, srv, "list", "widgets")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, `cannot list "widgets"`)
}

func TestCLIInvoke(t *testing.T) {
	var invoked client.InvokeRequest
	srv := fakeRegistry(t, &invoked)

	code, out, _ := runCLI(t, srv, "invoke", "counter.0.1.0.echo_text", "text=hello", "times=3", "loud=true")
	assert.Equal(t, 0, code)
	assert.Equal(t, "qcrbox_calc_0x1\n", out)
	assert.Equal(t, "counter", invoked.ApplicationSlug)
	assert.Equal(t, "0.1.0", invoked.ApplicationVersion)
	assert.Equal(t, "echo_text", invoked.CommandName)
	assert.Equal(t, map[string]any{"text": "hello", "times": 3.0, "loud": true}, invoked.Arguments)

	code, out, _ = runCLI(t, srv, "invoke", "--wait", "echo_text", "text=hi")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "qcrbox_calc_0x1 completed")
	assert.Contains(t, out, "hello")

	code, _, errOut := runCLI(t, srv, "invoke", "missing")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "unknown command")

	code, _, _ = runCLI(t, srv, "invoke", "echo_text", "novalue")
	assert.Equal(t, 1, code)
}

func TestCLIStatusFinaliseCancel(t *testing.T) {
	srv := fakeRegistry(t, &client.InvokeRequest{})

	code, out, _ := runCLI(t, srv, "status", "--json", "qcrbox_calc_0x1")
	assert.Equal(t, 0, code)
	var st client.CalculationStatus
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, "completed", st.Status)

	code, _, _ = runCLI(t, srv, "status", "qcrbox_calc_0xdead")
	assert.Equal(t, 1, code)

	code, out, _ = runCLI(t, srv, "cancel", "qcrbox_calc_0x1")
	assert.Equal(t, 0, code)
	assert.Equal(t, "qcrbox_calc_0x1 cancelled\n", out)

	code, _, errOut := runCLI(t, srv, "finalise", "qcrbox_calc_0x1")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "rejected")
}

func TestCLIUsage(t *testing.T) {
	var stderr bytes.Buffer
	assert.Equal(t, 1, run(context.Background(), nil, io.Discard, &stderr))
	assert.Contains(t, stderr.String(), "usage: qcrbox")

	assert.Equal(t, 1, run(context.Background(), []string{"frobnicate"}, io.Discard, io.Discard))
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in      string
		want    client.InvokeRequest
		wantErr bool
	}{
		{in: "echo", want: client.InvokeRequest{CommandName: "echo"}},
		{in: "counter.echo", want: client.InvokeRequest{ApplicationSlug: "counter", CommandName: "echo"}},
		{in: "counter.1.echo", want: client.InvokeRequest{ApplicationSlug: "counter", ApplicationVersion: "1", CommandName: "echo"}},
		{in: "counter.1.2.3.echo", want: client.InvokeRequest{ApplicationSlug: "counter", ApplicationVersion: "1.2.3", CommandName: "echo"}},
		{in: "counter..echo", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseTarget(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseArguments(t *testing.T) {
	got, err := parseArguments([]string{"n=3", "name=abc", `list=[1,2]`, "empty=", "eq=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"n":     3.0,
		"name":  "abc",
		"list":  []any{1.0, 2.0},
		"empty": "",
		"eq":    "a=b",
	}, got)

	_, err = parseArguments([]string{"a=1", "a=2"})
	assert.ErrorContains(t, err, "given twice")

	_, err = parseArguments([]string{"=1"})
	assert.Error(t, err)
}
