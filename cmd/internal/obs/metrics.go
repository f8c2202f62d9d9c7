// Package obs holds the Prometheus metrics and tracing helpers shared by aegis components.
//
// Metrics are registered on an injected registry so tests and multiple App
// instances never collide on the default registerer. A nil *Metrics is valid
// and records nothing.
package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aegis"

// Metrics is the full set of aegis collectors.
type Metrics struct {
	TokensIssued     *prometheus.CounterVec
	TokenValidations *prometheus.CounterVec
	TokensRevoked    prometheus.Counter
	CacheLookups     *prometheus.CounterVec
	AuthAttempts     *prometheus.CounterVec
	Lockouts         prometheus.Counter
	PolicyDecisions  *prometheus.CounterVec
	PolicyLatency    prometheus.Histogram
	Introspections   *prometheus.CounterVec
	NamespaceOps     *prometheus.CounterVec
	TenantOps        *prometheus.CounterVec
	KeyRotations     prometheus.Counter
	CleanupRemoved   prometheus.Counter
	AuditDropped     prometheus.Counter

	httpInFlight        prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers every collector on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tokens_issued_total",
			Help: "Signed tokens issued, by tier.",
		}, []string{"tier"}),
		TokenValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "token_validations_total",
			Help: "Token validations by result kind (ok or rejection kind).",
		}, []string{"result"}),
		TokensRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tokens_revoked_total",
			Help: "First-time token revocations.",
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_lookups_total",
			Help: "Positive-result cache lookups.",
		}, []string{"cache", "result"}),
		AuthAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "auth_attempts_total",
			Help: "Tier authentication attempts by tier and result.",
		}, []string{"tier", "result"}),
		Lockouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "auth_lockouts_total",
			Help: "Principals locked out after repeated password failures.",
		}),
		PolicyDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "policy_decisions_total",
			Help: "Policy hook outcomes.",
		}, []string{"outcome"}),
		PolicyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "policy_hook_duration_seconds",
			Help:    "Policy hook latency.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		Introspections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "introspections_total",
			Help: "Introspection requests by result.",
		}, []string{"result"}),
		NamespaceOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "namespace_operations_total",
			Help: "Isolated data operations by operation and result.",
		}, []string{"op", "result"}),
		TenantOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tenant_operations_total",
			Help: "Tenant manager operations by operation and result.",
		}, []string{"op", "result"}),
		KeyRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "signing_key_rotations_total",
			Help: "Signing key rotations.",
		}),
		CleanupRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "token_cleanup_removed_total",
			Help: "Expired token records removed by the cleanup sweep.",
		}),
		AuditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "audit_events_dropped_total",
			Help: "Audit events dropped because the dispatch buffer was full.",
		}),

		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "http_in_flight_requests",
			Help: "In-flight operations HTTP requests.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "Operations HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "Operations HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.TokensIssued, m.TokenValidations, m.TokensRevoked, m.CacheLookups,
			m.AuthAttempts, m.Lockouts, m.PolicyDecisions, m.PolicyLatency,
			m.Introspections, m.NamespaceOps, m.TenantOps, m.KeyRotations,
			m.CleanupRemoved, m.AuditDropped,
			m.httpInFlight, m.httpRequestsTotal, m.httpRequestDuration,
		)
	}
	return m
}

// Handler exposes the registry for scraping.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// TokenIssued records an issued token.
func (m *Metrics) TokenIssued(tier string) {
	if m == nil {
		return
	}
	m.TokensIssued.WithLabelValues(tier).Inc()
}

// Validation records a validation outcome ("ok" or an error kind).
func (m *Metrics) Validation(result string) {
	if m == nil {
		return
	}
	m.TokenValidations.WithLabelValues(result).Inc()
}

// Revoked records a first-time revocation.
func (m *Metrics) Revoked() {
	if m == nil {
		return
	}
	m.TokensRevoked.Inc()
}

// CacheLookup records a cache hit or miss.
func (m *Metrics) CacheLookup(cache string, hit bool) {
	if m == nil {
		return
	}
	res := "miss"
	if hit {
		res = "hit"
	}
	m.CacheLookups.WithLabelValues(cache, res).Inc()
}

// AuthAttempt records a tier attempt.
func (m *Metrics) AuthAttempt(tier, result string) {
	if m == nil {
		return
	}
	m.AuthAttempts.WithLabelValues(tier, result).Inc()
}

// Lockout records a new lockout.
func (m *Metrics) Lockout() {
	if m == nil {
		return
	}
	m.Lockouts.Inc()
}

// PolicyDecision records a hook outcome and its latency.
func (m *Metrics) PolicyDecision(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.PolicyDecisions.WithLabelValues(outcome).Inc()
	m.PolicyLatency.Observe(took.Seconds())
}

// Introspection records an introspection result.
func (m *Metrics) Introspection(result string) {
	if m == nil {
		return
	}
	m.Introspections.WithLabelValues(result).Inc()
}

// NamespaceOp records an isolated data operation.
func (m *Metrics) NamespaceOp(op, result string) {
	if m == nil {
		return
	}
	m.NamespaceOps.WithLabelValues(op, result).Inc()
}

// TenantOp records a tenant manager operation.
func (m *Metrics) TenantOp(op, result string) {
	if m == nil {
		return
	}
	m.TenantOps.WithLabelValues(op, result).Inc()
}

// KeyRotated records a signing key rotation.
func (m *Metrics) KeyRotated() {
	if m == nil {
		return
	}
	m.KeyRotations.Inc()
}

// CleanedUp records removed expired records.
func (m *Metrics) CleanedUp(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CleanupRemoved.Add(float64(n))
}

// AuditDrop records a dropped audit event.
func (m *Metrics) AuditDrop() {
	if m == nil {
		return
	}
	m.AuditDropped.Inc()
}

// Instrument wraps an operations handler with in-flight, count and latency metrics.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		m.httpRequestDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
		m.httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
