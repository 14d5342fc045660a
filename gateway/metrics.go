package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the gateway's Prometheus collectors. Pass a nil registerer to
// get working but unregistered collectors (used by tests).
type Metrics struct {
	InFlight        prometheus.Gauge
	Outcomes        *prometheus.CounterVec   // labels: task_type, outcome
	RequestDuration *prometheus.HistogramVec // labels: task_type, outcome
	DispatchRetries prometheus.Counter
	LateCallbacks   prometheus.Counter
}

// NewMetrics creates the gateway collectors and registers them when reg is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "inflight_tickets",
			Help:      "Number of job tickets currently pending.",
		}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "requests_total",
			Help:      "Completed requests by task type and outcome.",
		}, []string{"task_type", "outcome"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gateway",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request duration by task type and outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"task_type", "outcome"}),
		DispatchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "dispatch_retries_total",
			Help:      "Dispatch send attempts beyond the first.",
		}),
		LateCallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "late_callbacks_total",
			Help:      "Worker callbacks discarded because the ticket was gone.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.InFlight, m.Outcomes, m.RequestDuration, m.DispatchRetries, m.LateCallbacks)
	}
	return m
}

// ObserveRequest records one completed request.
func (m *Metrics) ObserveRequest(task TaskType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(string(task), outcome).Inc()
	m.RequestDuration.WithLabelValues(string(task), outcome).Observe(d.Seconds())
}
