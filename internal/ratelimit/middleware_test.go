package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcrbox/qcrbox/internal/model"
	"github.com/qcrbox/qcrbox/internal/testutil"
)

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, error) { return false, errors.New("down") }
func (failingLimiter) Close() error                                { return nil }

func serve(h http.Handler, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/commands/invoke", nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	reqID := func(*http.Request) string { return "req-1" }

	m, _ := newTestLimiter(t, 1, 1)
	h := Middleware(m, "invoke", IPKeyFunc, reqID, testutil.TestLogger())(ok)

	assert.Equal(t, http.StatusNoContent, serve(h, "10.0.0.1:1234").Code)
	rec := serve(h, "10.0.0.1:5678")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	var body model.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, model.ErrCodeRateLimited, body.Error.Code)
	assert.Equal(t, "req-1", body.Meta.RequestID)

	assert.Equal(t, http.StatusNoContent, serve(h, "10.0.0.2:1234").Code, "other address has its own bucket")

	open := Middleware(failingLimiter{}, "invoke", IPKeyFunc, reqID, testutil.TestLogger())(ok)
	assert.Equal(t, http.StatusNoContent, serve(open, "10.0.0.1:1").Code, "limiter errors fail open")

	disabled := Middleware(nil, "invoke", IPKeyFunc, reqID, testutil.TestLogger())(ok)
	assert.Equal(t, http.StatusNoContent, serve(disabled, "10.0.0.1:1").Code)
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[::1]:8080"
	assert.Equal(t, "::1", IPKeyFunc(req))
	req.RemoteAddr = "bare"
	assert.Equal(t, "bare", IPKeyFunc(req))
}
