// metrics.go -- Prometheus collectors for the gateway pipeline.
//
// Every Record* method is safe on a nil *Metrics so packages can run without a
// registry in unit tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tollgate"

// Metrics holds the collectors registered for one process.
type Metrics struct {
	registry *prometheus.Registry

	authAttempts   *prometheus.CounterVec
	identityCache  *prometheus.CounterVec
	quotaDecisions *prometheus.CounterVec
	auditEntries   *prometheus.CounterVec
	throttled      prometheus.Counter
}

// New creates a registry with Go/process collectors plus the gateway's own.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		authAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_attempts_total",
				Help:      "Credential verifications by scheme and result",
			},
			[]string{"scheme", "result"},
		),

		identityCache: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "identity_cache_lookups_total",
				Help:      "API key identity cache lookups by outcome (hit, miss, malformed, error)",
			},
			[]string{"outcome"},
		),

		quotaDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quota_decisions_total",
				Help:      "Quota admission decisions (admitted, rejected, fail_open)",
			},
			[]string{"decision"},
		),

		auditEntries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_entries_total",
				Help:      "Audit entries by outcome (queued, dropped, written, failed)",
			},
			[]string{"outcome"},
		),

		throttled: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "throttled_requests_total",
				Help:      "Requests rejected by the per-IP throttle",
			},
		),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordAuth counts one verification attempt.
func (m *Metrics) RecordAuth(scheme, result string) {
	if m == nil {
		return
	}
	m.authAttempts.WithLabelValues(scheme, result).Inc()
}

// RecordIdentityCache counts one API key cache lookup.
func (m *Metrics) RecordIdentityCache(outcome string) {
	if m == nil {
		return
	}
	m.identityCache.WithLabelValues(outcome).Inc()
}

// RecordQuota counts one admission decision.
func (m *Metrics) RecordQuota(decision string) {
	if m == nil {
		return
	}
	m.quotaDecisions.WithLabelValues(decision).Inc()
}

// RecordAudit counts one audit entry outcome.
func (m *Metrics) RecordAudit(outcome string) {
	if m == nil {
		return
	}
	m.auditEntries.WithLabelValues(outcome).Inc()
}

// RecordThrottled counts one request rejected by the per-IP limiter.
func (m *Metrics) RecordThrottled() {
	if m == nil {
		return
	}
	m.throttled.Inc()
}
