package supervisor

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for investigations and batch runs.
type Metrics struct {
	Investigations *prometheus.CounterVec // Finished investigations by report status
	Rounds         prometheus.Histogram   // Rounds per finished investigation
	Batches        *prometheus.CounterVec // Finished batch runs by status
	Suspended      prometheus.Counter     // Runs suspended at the approval gate
}

// NewMetrics creates and registers supervisor metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	investigations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "faultline_investigations_total",
		Help: "Total number of finished investigations, by report status",
	}, []string{"status"})

	rounds := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "faultline_investigation_rounds",
		Help:    "Number of rounds an investigation ran before concluding",
		Buckets: prometheus.LinearBuckets(1, 1, 10),
	})

	batches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "faultline_batches_total",
		Help: "Total number of finished batch executions, by status",
	}, []string{"status"})

	suspended := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "faultline_runs_suspended_total",
		Help: "Total number of runs suspended waiting for approval",
	})

	reg.MustRegister(investigations)
	reg.MustRegister(rounds)
	reg.MustRegister(batches)
	reg.MustRegister(suspended)

	return &Metrics{
		Investigations: investigations,
		Rounds:         rounds,
		Batches:        batches,
		Suspended:      suspended,
	}
}
