package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rategate/internal/keygen"
	"rategate/internal/limiter"
	"rategate/internal/store/memory"
	"rategate/internal/strategy"
)

func newTestRouter(t *testing.T, limit uint64) *mux.Router {
	t.Helper()
	strat, err := strategy.NewFixedWindow(strategy.Config{Limit: limit, Window: time.Minute})
	require.NoError(t, err)
	l, err := limiter.New(memory.New(), keygen.User{}, strat)
	require.NoError(t, err)

	router := mux.NewRouter()
	SetupRoutes(router, NewHandlers(l, nil))
	return router
}

func postJSON(t *testing.T, router *mux.Router, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestCheckEndpoint(t *testing.T) {
	router := newTestRouter(t, 2)
	check := CheckRequest{RemoteAddr: "192.0.2.1:5000", UserID: "alice"}

	t.Run("allowed decision", func(t *testing.T) {
		rr := postJSON(t, router, "/v1/check", check)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp CheckResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.True(t, resp.Allowed)
		assert.Equal(t, uint64(2), resp.Limit)
		assert.Equal(t, uint64(1), resp.Remaining)
		assert.Zero(t, resp.RetryAfterMs)
	})

	t.Run("denied decision is still a 200", func(t *testing.T) {
		postJSON(t, router, "/v1/check", check)
		rr := postJSON(t, router, "/v1/check", check)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp CheckResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.False(t, resp.Allowed)
		assert.Zero(t, resp.Remaining)
		assert.Positive(t, resp.RetryAfterMs)
	})

	t.Run("missing key attribute", func(t *testing.T) {
		rr := postJSON(t, router, "/v1/check", CheckRequest{RemoteAddr: "192.0.2.1:5000"})
		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	})

	t.Run("invalid body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/check", bytes.NewReader([]byte("{not json")))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("header derived user id", func(t *testing.T) {
		rr := postJSON(t, router, "/v1/check", CheckRequest{
			RemoteAddr: "192.0.2.1:5000",
			Headers:    map[string]string{"X-User-ID": "carol"},
		})
		require.Equal(t, http.StatusOK, rr.Code)

		var resp CheckResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.True(t, resp.Allowed)
	})
}

func TestResetEndpoint(t *testing.T) {
	router := newTestRouter(t, 1)
	check := CheckRequest{RemoteAddr: "192.0.2.1:5000", UserID: "alice"}

	postJSON(t, router, "/v1/check", check)
	rr := postJSON(t, router, "/v1/check", check)
	var resp CheckResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.False(t, resp.Allowed)

	rr = postJSON(t, router, "/v1/reset", check)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = postJSON(t, router, "/v1/check", check)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Allowed, "quota is fresh after reset")
}

func TestStatsEndpoint(t *testing.T) {
	router := newTestRouter(t, 5)

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Equal(t, "fixed_window", stats["strategy"])
	assert.Equal(t, "memory", stats["store_type"])
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestRouter(t, 5)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	router := newTestRouter(t, 5)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "go_goroutines")
}
