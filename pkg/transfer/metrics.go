package transfer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts pipeline operations by outcome and records their duration
type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewMetrics creates the pipeline metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zfsvault",
			Subsystem: "transfer",
			Name:      "operations_total",
			Help:      "Snapshot and transfer operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "zfsvault",
			Subsystem: "transfer",
			Name:      "duration_seconds",
			Help:      "Duration of snapshot and transfer operations.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
		}, []string{"operation"}),
	}
	reg.MustRegister(m.operations, m.duration)
	return m
}

func (m *Metrics) observe(operation string, seconds float64, err error) {
	if m == nil {
		return
	}
	outcome := "succeeded"
	if err != nil {
		outcome = "failed"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.duration.WithLabelValues(operation).Observe(seconds)
}
