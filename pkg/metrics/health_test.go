package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthRegistryUpdate(t *testing.T) {
	h := NewHealthRegistry()
	h.Update("coordinator", true, "running")

	health := h.Health()
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, map[string]string{"coordinator": "healthy"}, health.Components)
}

func TestHealthRegistryOneUnhealthy(t *testing.T) {
	h := NewHealthRegistry()
	h.Update("coordinator", true, "")
	h.Update("monitor", false, "connection source unavailable")

	health := h.Health()
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "unhealthy: connection source unavailable", health.Components["monitor"])
}

func TestHealthRegistryRemove(t *testing.T) {
	h := NewHealthRegistry()
	h.Update("engine", false, "stopped")
	h.Remove("engine")

	assert.Equal(t, "healthy", h.Health().Status)
}

func TestReadinessWaitsForCriticalComponents(t *testing.T) {
	h := NewHealthRegistry()
	h.Update("coordinator", true, "")
	h.Update("engine", true, "")

	ready := h.Readiness()
	assert.Equal(t, "not_ready", ready.Status)
	assert.Equal(t, "not registered", ready.Components["monitor"])
	assert.Equal(t, "waiting for monitor", ready.Message)

	h.Update("monitor", true, "")
	h.Update("netswitch", true, "")
	ready = h.Readiness()
	assert.Equal(t, "ready", ready.Status)
	assert.Empty(t, ready.Message)
}

func TestReadinessCustomCriticalSet(t *testing.T) {
	h := NewHealthRegistry()
	h.SetCriticalComponents("coordinator")
	h.Update("coordinator", true, "")

	assert.Equal(t, "ready", h.Readiness().Status)

	h.Update("coordinator", false, "stopping")
	ready := h.Readiness()
	assert.Equal(t, "not_ready", ready.Status)
	assert.Equal(t, "not ready: stopping", ready.Components["coordinator"])
}

func TestHealthHandler(t *testing.T) {
	h := NewHealthRegistry()
	h.Update("coordinator", true, "")

	rec := httptest.NewRecorder()
	HealthHandler(h)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)

	h.Update("coordinator", false, "down")
	rec = httptest.NewRecorder()
	HealthHandler(h)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadyHandler(t *testing.T) {
	h := NewHealthRegistry()
	h.SetCriticalComponents("coordinator")

	rec := httptest.NewRecorder()
	ReadyHandler(h)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.Update("coordinator", true, "")
	rec = httptest.NewRecorder()
	ReadyHandler(h)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler(NewHealthRegistry())(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "alive", body["status"])
	assert.NotEmpty(t, body["uptime"])
}
