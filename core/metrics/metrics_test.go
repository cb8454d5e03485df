package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.Transition("submit", "applied")
	m.Transition("submit", "applied")
	m.Transition("close", "incident.open_actions")
	m.OverdueFlagged(3)
	m.ObserveHTTP(http.MethodGet, "/api/incidents", http.StatusOK, 15*time.Millisecond)

	require.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("submit", "applied")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.overdueFlagged))

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body, _ := io.ReadAll(rr.Body)
	require.True(t, strings.Contains(string(body), "ovr_incident_transitions_total"))
	require.True(t, strings.Contains(string(body), "ovr_http_requests_total"))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Transition("submit", "applied")
	m.OverdueFlagged(1)
	m.AuthAttempt("ok")
	m.ObserveHTTP(http.MethodGet, "/", 200, time.Millisecond)
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
}
