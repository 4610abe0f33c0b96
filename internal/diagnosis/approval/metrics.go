package approval

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the approval gate.
type Metrics struct {
	Pending   prometheus.Gauge       // Plans waiting for a decision
	Decisions *prometheus.CounterVec // Decisions by status
}

// NewMetrics creates and registers approval metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "faultline_approvals_pending",
		Help: "Number of change plans awaiting a decision",
	})
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "faultline_approval_decisions_total",
		Help: "Total number of change plan decisions, by status",
	}, []string{"status"})

	reg.MustRegister(pending)
	reg.MustRegister(decisions)

	return &Metrics{Pending: pending, Decisions: decisions}
}
