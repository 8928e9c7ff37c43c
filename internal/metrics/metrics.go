package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the security service collectors. A nil *Metrics is a no-op recorder.
type Metrics struct {
	registry prometheus.Gatherer

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	authAttempts     *prometheus.CounterVec
	accessDecisions  *prometheus.CounterVec
	accessLatency    prometheus.Histogram
	rateLimitHits    *prometheus.CounterVec
	tokenValidations *prometheus.CounterVec
	mfaAttempts      *prometheus.CounterVec
	activeSessions   prometheus.Gauge
	wsConnections    prometheus.Gauge
}

// New creates the collectors and registers them with reg
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "security_requests_total",
				Help: "Total number of HTTP requests handled",
			},
			[]string{"method", "route", "status_code"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "security_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		authAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "security_auth_attempts_total",
				Help: "Total number of portal authentication attempts",
			},
			[]string{"portal", "status"},
		),
		accessDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "security_access_decisions_total",
				Help: "Total number of RBAC access decisions",
			},
			[]string{"decision", "cached"},
		),
		accessLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "security_access_decision_seconds",
				Help:    "RBAC access decision latency in seconds",
				Buckets: []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01},
			},
		),
		rateLimitHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "security_rate_limit_hits_total",
				Help: "Total number of rate limit rejections",
			},
			[]string{"rule", "lockout"},
		),
		tokenValidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "security_token_validations_total",
				Help: "Total number of token validations by result",
			},
			[]string{"result"},
		),
		mfaAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "security_mfa_attempts_total",
				Help: "Total number of MFA validation attempts",
			},
			[]string{"method", "status"},
		),
		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "security_active_sessions",
				Help: "Number of sessions created minus sessions terminated",
			},
		),
		wsConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "security_websocket_connections",
				Help: "Number of connected security event stream clients",
			},
		),
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.authAttempts,
		m.accessDecisions,
		m.accessLatency,
		m.rateLimitHits,
		m.tokenValidations,
		m.mfaAttempts,
		m.activeSessions,
		m.wsConnections,
	)
	return m
}

// RecordRequest records HTTP request metrics
func (m *Metrics) RecordRequest(method, route string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordAuthAttempt records a portal authentication attempt
func (m *Metrics) RecordAuthAttempt(portal, status string) {
	if m == nil {
		return
	}
	m.authAttempts.WithLabelValues(portal, status).Inc()
}

// RecordAccessDecision records an RBAC decision and its latency
func (m *Metrics) RecordAccessDecision(decision string, cached bool, latency time.Duration) {
	if m == nil {
		return
	}
	m.accessDecisions.WithLabelValues(decision, strconv.FormatBool(cached)).Inc()
	m.accessLatency.Observe(latency.Seconds())
}

// RecordRateLimitHit records a rate limit rejection
func (m *Metrics) RecordRateLimitHit(rule string, lockout bool) {
	if m == nil {
		return
	}
	m.rateLimitHits.WithLabelValues(rule, strconv.FormatBool(lockout)).Inc()
}

// RecordTokenValidation records a token validation outcome
func (m *Metrics) RecordTokenValidation(result string) {
	if m == nil {
		return
	}
	m.tokenValidations.WithLabelValues(result).Inc()
}

// RecordMFAAttempt records an MFA validation attempt
func (m *Metrics) RecordMFAAttempt(method, status string) {
	if m == nil {
		return
	}
	m.mfaAttempts.WithLabelValues(method, status).Inc()
}

// IncActiveSessions increments the active session gauge
func (m *Metrics) IncActiveSessions() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

// DecActiveSessions decrements the active session gauge
func (m *Metrics) DecActiveSessions() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

// IncWebSocketConnections increments the stream client gauge
func (m *Metrics) IncWebSocketConnections() {
	if m == nil {
		return
	}
	m.wsConnections.Inc()
}

// DecWebSocketConnections decrements the stream client gauge
func (m *Metrics) DecWebSocketConnections() {
	if m == nil {
		return
	}
	m.wsConnections.Dec()
}

// Handler returns the Prometheus metrics handler for this registry
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
