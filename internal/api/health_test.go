package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rat-data/rat/platform/internal/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockHealthChecker implements api.HealthChecker for testing.
type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) HealthCheck(_ context.Context) error {
	return m.err
}

func TestHandleHealth_ReturnsOK(t *testing.T) {
	router := api.NewRouter(&api.Server{})

	req := httptest.NewRequest(http.MethodGet, "/health", http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestHandleHealthLive_AlwaysReturns200(t *testing.T) {
	router := api.NewRouter(&api.Server{
		DBHealth: &mockHealthChecker{err: errors.New("connection refused")},
	})

	req := httptest.NewRequest(http.MethodGet, "/health/live", http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleHealthReady_AllHealthy_Returns200(t *testing.T) {
	router := api.NewRouter(&api.Server{
		DBHealth:      &mockHealthChecker{err: nil},
		EngineHealth:  &mockHealthChecker{err: nil},
		StorageHealth: &mockHealthChecker{err: nil},
	})

	req := httptest.NewRequest(http.MethodGet, "/health/ready", http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body api.ReadinessResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ready", body.Status)
	assert.Len(t, body.Checks, 3)
}

func TestHandleHealthReady_EngineDown_Returns503(t *testing.T) {
	router := api.NewRouter(&api.Server{
		DBHealth:     &mockHealthChecker{err: nil},
		EngineHealth: &mockHealthChecker{err: errors.New("cromwell unreachable")},
	})

	req := httptest.NewRequest(http.MethodGet, "/health/ready", http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body api.ReadinessResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "not_ready", body.Status)
	assert.Equal(t, "error", body.Checks["engine"].Status)
	assert.Equal(t, "cromwell unreachable", body.Checks["engine"].Error)
}

func TestHandleHealthReady_NoDepsConfigured_ReturnsReady(t *testing.T) {
	router := api.NewRouter(&api.Server{})

	req := httptest.NewRequest(http.MethodGet, "/health/ready", http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body api.ReadinessResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ready", body.Status)
	assert.Empty(t, body.Checks)
}
