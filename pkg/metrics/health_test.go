package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthAggregation(t *testing.T) {
	RegisterComponent("store", true, "")
	RegisterComponent("scheduler", true, "")
	SetVersion("test")

	status := GetHealth()
	assert.True(t, status.Healthy)
	assert.Equal(t, "test", status.Version)
	assert.Len(t, status.Components, 2)

	RegisterComponent("scheduler", false, "loop stalled")
	status = GetHealth()
	assert.False(t, status.Healthy)
	assert.Equal(t, "loop stalled", status.Components["scheduler"].Message)

	RegisterComponent("scheduler", true, "")
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	RegisterComponent("store", true, "")

	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Healthy)

	RegisterComponent("store", false, "db locked")
	rec = httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	RegisterComponent("store", true, "")
}
