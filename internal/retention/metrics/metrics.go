package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Record outcomes.
const (
	OutcomeDeleted  = "deleted"
	OutcomeArchived = "archived"
	OutcomeHeld     = "held"
	OutcomeExempt   = "exempt"
	OutcomeError    = "error"
)

type Metrics struct {
	Records     *prometheus.CounterVec
	Jobs        *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec
	ActiveHolds prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Records: f.NewCounterVec(prometheus.CounterOpts{
			Name: "phiguard_retention_records_total",
			Help: "Retention candidates by resource type, outcome and dry-run flag",
		}, []string{"resource_type", "outcome", "dry_run"}),
		Jobs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "phiguard_retention_jobs_total",
			Help: "Retention jobs by resource type and terminal status",
		}, []string{"resource_type", "status"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "phiguard_retention_job_duration_seconds",
			Help:    "Wall time of retention jobs",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 9),
		}, []string{"resource_type"}),
		ActiveHolds: f.NewGauge(prometheus.GaugeOpts{
			Name: "phiguard_retention_active_holds",
			Help: "Resource ids currently under a retention hold",
		}),
	}
}

func (m *Metrics) IncRecord(resourceType, outcome string, dryRun bool) {
	if m == nil {
		return
	}
	m.Records.WithLabelValues(resourceType, outcome, strconv.FormatBool(dryRun)).Inc()
}

func (m *Metrics) ObserveJob(resourceType, status string, seconds float64) {
	if m == nil {
		return
	}
	m.Jobs.WithLabelValues(resourceType, status).Inc()
	m.JobDuration.WithLabelValues(resourceType).Observe(seconds)
}

func (m *Metrics) SetActiveHolds(n int) {
	if m == nil {
		return
	}
	m.ActiveHolds.Set(float64(n))
}
