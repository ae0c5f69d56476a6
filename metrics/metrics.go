// Package metrics exposes Prometheus collectors for signing, revocation,
// certificate caching and audit activity.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	revocationChecks   *prometheus.CounterVec
	revocationDuration *prometheus.HistogramVec
	chainValidations   *prometheus.CounterVec
	cacheEvictions     prometheus.Counter
	cacheEntries       prometheus.Gauge
	signOperations     *prometheus.CounterVec
	signDuration       *prometheus.HistogramVec
	auditEvents        *prometheus.CounterVec
	complianceResults  *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	m := &Metrics{
		revocationChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "revocation",
			Name:      "checks_total",
			Help:      "Revocation checks by method and outcome.",
		}, []string{"method", "result"}),
		revocationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "revocation",
			Name:      "check_duration_seconds",
			Help:      "Latency of revocation checks.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		chainValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "certstore",
			Name:      "chain_validations_total",
			Help:      "Certificate chain validations by verdict.",
		}, []string{"result"}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "certstore",
			Name:      "cache_evictions_total",
			Help:      "Certificates evicted from the cache by size or expiry.",
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "certstore",
			Name:      "cache_entries",
			Help:      "Certificates currently cached.",
		}),
		signOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hsm",
			Name:      "sign_operations_total",
			Help:      "HSM signing operations by provider and outcome.",
		}, []string{"provider", "result"}),
		signDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "hsm",
			Name:      "sign_duration_seconds",
			Help:      "Latency of HSM signing calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		auditEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "events_total",
			Help:      "Audit events appended by type.",
		}, []string{"type"}),
		complianceResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compliance",
			Name:      "validations_total",
			Help:      "Compliance validations by framework and level.",
		}, []string{"framework", "level"}),
	}

	for _, c := range []prometheus.Collector{
		m.revocationChecks, m.revocationDuration, m.chainValidations,
		m.cacheEvictions, m.cacheEntries, m.signOperations, m.signDuration,
		m.auditEvents, m.complianceResults,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (m *Metrics) ObserveRevocation(method string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.revocationChecks.WithLabelValues(method, result(err)).Inc()
	m.revocationDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) ObserveChainValidation(valid bool) {
	if m == nil {
		return
	}
	r := "invalid"
	if valid {
		r = "valid"
	}
	m.chainValidations.WithLabelValues(r).Inc()
}

func (m *Metrics) CacheEvicted(n int) {
	if m == nil {
		return
	}
	m.cacheEvictions.Add(float64(n))
}

func (m *Metrics) CacheSize(n int) {
	if m == nil {
		return
	}
	m.cacheEntries.Set(float64(n))
}

func (m *Metrics) ObserveSign(provider string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.signOperations.WithLabelValues(provider, result(err)).Inc()
	m.signDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *Metrics) AuditEvent(eventType string) {
	if m == nil {
		return
	}
	m.auditEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) ComplianceValidated(framework, level string) {
	if m == nil {
		return
	}
	m.complianceResults.WithLabelValues(framework, level).Inc()
}
