package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	ModeSync  = "sync"
	ModeBatch = "batch"
)

// Metrics holds Prometheus metrics for audit log writes.
type Metrics struct {
	EntriesWritten *prometheus.CounterVec
	WriteFailures  *prometheus.CounterVec
	Requeued       prometheus.Counter
	FlushDuration  prometheus.Histogram
	BufferDepth    prometheus.Gauge
}

// New registers audit metrics with reg. Pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EntriesWritten: f.NewCounterVec(prometheus.CounterOpts{
			Name: "phiguard_audit_entries_written_total",
			Help: "Audit entries durably written, by write mode",
		}, []string{"mode"}),
		WriteFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "phiguard_audit_write_failures_total",
			Help: "Failed audit writes, by write mode",
		}, []string{"mode"}),
		Requeued: f.NewCounter(prometheus.CounterOpts{
			Name: "phiguard_audit_entries_requeued_total",
			Help: "Buffered entries returned to the buffer after a failed flush",
		}),
		FlushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "phiguard_audit_flush_duration_seconds",
			Help:    "Duration of batch flush transactions",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		BufferDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "phiguard_audit_buffer_depth",
			Help: "Entries buffered and not yet durable",
		}),
	}
}

func (m *Metrics) IncWritten(mode string, n int) {
	if m == nil {
		return
	}
	m.EntriesWritten.WithLabelValues(mode).Add(float64(n))
}

func (m *Metrics) IncFailure(mode string) {
	if m == nil {
		return
	}
	m.WriteFailures.WithLabelValues(mode).Inc()
}

func (m *Metrics) IncRequeued(n int) {
	if m == nil {
		return
	}
	m.Requeued.Add(float64(n))
}

func (m *Metrics) ObserveFlush(seconds float64) {
	if m == nil {
		return
	}
	m.FlushDuration.Observe(seconds)
}

func (m *Metrics) SetBufferDepth(n int) {
	if m == nil {
		return
	}
	m.BufferDepth.Set(float64(n))
}
