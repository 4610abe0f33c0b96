package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for device task dispatch.
type Metrics struct {
	TasksTotal   *prometheus.CounterVec   // Completed tasks by kind and outcome
	TaskDuration *prometheus.HistogramVec // Wall time per task, including rate limit wait
	Inflight     prometheus.Gauge         // Tasks currently holding a worker slot
}

// NewMetrics creates and registers dispatch metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	tasksTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "faultline_dispatch_tasks_total",
		Help: "Total number of device tasks dispatched, by kind and outcome",
	}, []string{"kind", "outcome"})

	taskDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "faultline_dispatch_task_duration_seconds",
		Help:    "Duration of device tasks",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"kind"})

	inflight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "faultline_dispatch_inflight_tasks",
		Help: "Number of device tasks currently executing",
	})

	reg.MustRegister(tasksTotal)
	reg.MustRegister(taskDuration)
	reg.MustRegister(inflight)

	return &Metrics{
		TasksTotal:   tasksTotal,
		TaskDuration: taskDuration,
		Inflight:     inflight,
	}
}

func outcomeLabel(success bool, kind string) string {
	if success {
		return "success"
	}
	if kind == "" {
		return "failure"
	}
	return kind
}
