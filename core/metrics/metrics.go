package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so that tests can build as many as they need.
// All methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	transitions    *prometheus.CounterVec
	authAttempts   *prometheus.CounterVec
	sharedAccess   *prometheus.CounterVec
	overdueFlagged prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ovr",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status_code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ovr",
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ovr",
			Name:      "incident_transitions_total",
			Help:      "Incident transition attempts by action and outcome",
		}, []string{"action", "result"}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ovr",
			Name:      "auth_attempts_total",
			Help:      "Sign-in attempts by outcome",
		}, []string{"status"}),
		sharedAccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ovr",
			Name:      "shared_access_total",
			Help:      "Shared access token operations",
		}, []string{"operation", "result"}),
		overdueFlagged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ovr",
			Name:      "corrective_actions_overdue_flagged_total",
			Help:      "Corrective actions flagged as overdue by the sweeper",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.transitions,
		m.authAttempts,
		m.sharedAccess,
		m.overdueFlagged,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveHTTP(method, route string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(dur.Seconds())
}

// Transition counts one attempt. result is applied, noop or the error code.
func (m *Metrics) Transition(action, result string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(action, result).Inc()
}

func (m *Metrics) AuthAttempt(status string) {
	if m == nil {
		return
	}
	m.authAttempts.WithLabelValues(status).Inc()
}

func (m *Metrics) SharedAccess(operation, result string) {
	if m == nil {
		return
	}
	m.sharedAccess.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) OverdueFlagged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.overdueFlagged.Add(float64(n))
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
