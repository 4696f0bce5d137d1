package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Decisions        *prometheus.CounterVec
	DenialAuditFails prometheus.Counter
	CheckDuration    prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "phiguard_access_decisions_total",
			Help: "Access decisions by role and outcome",
		}, []string{"role", "outcome"}),
		DenialAuditFails: f.NewCounter(prometheus.CounterOpts{
			Name: "phiguard_access_denial_audit_failures_total",
			Help: "Denials whose audit entry could not be written",
		}),
		CheckDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "phiguard_access_check_duration_ms",
			Help:    "Latency of access checks in milliseconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25},
		}),
	}
}

func (m *Metrics) ObserveDecision(role string, allowed bool, ms float64) {
	if m == nil {
		return
	}
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	m.Decisions.WithLabelValues(role, outcome).Inc()
	m.CheckDuration.Observe(ms)
}

func (m *Metrics) IncDenialAuditFailure() {
	if m == nil {
		return
	}
	m.DenialAuditFails.Inc()
}
