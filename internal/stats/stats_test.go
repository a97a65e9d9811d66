package stats

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewStatsUpdater(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(mux)
	assert.NotNil(t, su, "expected StatsUpdater to be non-nil")
	assert.NotNil(t, su.updateChan, "expected updateChan to be initialized")
	handler, pattern := mux.Handler(&http.Request{URL: &url.URL{Path: "/debug/vars"}, Method: http.MethodGet})
	assert.NotNil(t, handler, "expected handler for /debug/vars to be set")
	assert.Equal(t, "GET /debug/vars", pattern, "expected handler to be registered for GET method on /debug/vars")

	// a second updater must not collide with the first
	assert.NotPanics(t, func() { NewStatsUpdater(http.NewServeMux()) })
}

func TestStatsUpdater_IncrDecr(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(mux)
	su.RegisterMetric(NumActiveClients)
	su.Run()

	su.Incr(NumActiveClients)
	su.Incr(NumActiveClients)
	su.Decr(NumActiveClients)
	su.Incr(NumMessagesRelayed)
	su.Stop()

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/vars", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	var vars map[string]any
	assert.NoError(t, json.NewDecoder(rr.Body).Decode(&vars))
	assert.Equal(t, float64(1), vars[NumActiveClients], "expected active clients to be 1")
	assert.Equal(t, float64(1), vars[NumMessagesRelayed], "expected unregistered metric to be created on first update")
	assert.Contains(t, vars, "Uptime")
}

func TestStatsUpdater_UpdateAfterStop(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(mux)
	su.RegisterMetric(NumActiveClients)
	su.Run()

	su.Incr(NumActiveClients)
	su.Stop()

	assert.NotPanics(t, func() {
		su.Decr(NumActiveClients)
		su.Incr(NumMessagesRelayed)
	}, "late updates after stop must be dropped")
	assert.NotPanics(t, su.Stop, "stop must be idempotent")

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/vars", nil))

	var vars map[string]any
	assert.NoError(t, json.NewDecoder(rr.Body).Decode(&vars))
	assert.Equal(t, float64(1), vars[NumActiveClients])
	assert.NotContains(t, vars, NumMessagesRelayed)
}
