// Package metrics exposes the task execution core's Prometheus
// instrumentation, grounded on the teacher's use of
// github.com/prometheus/client_golang throughout its observability stack.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every metric the core updates. Construct one with
// NewRegistry and register it with an http.Handler via promhttp in the
// binary's wiring code.
type Registry struct {
	TasksStarted   prometheus.Counter
	TasksCompleted prometheus.Counter
	TasksFailed    prometheus.Counter
	TasksStopped   prometheus.Counter
	TasksRunning   prometheus.Gauge
	TaskCost       prometheus.Histogram
	HeartbeatTicks prometheus.Counter
	BusEvents      *prometheus.CounterVec
}

// NewRegistry constructs and registers the core's metrics against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		TasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskcore_tasks_started_total",
			Help: "Number of background tasks admitted and started.",
		}),
		TasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskcore_tasks_completed_total",
			Help: "Number of background tasks that finished successfully.",
		}),
		TasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskcore_tasks_failed_total",
			Help: "Number of background tasks that finished in a failed state.",
		}),
		TasksStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskcore_tasks_stopped_total",
			Help: "Number of background tasks stopped by a caller.",
		}),
		TasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskcore_tasks_running",
			Help: "Current number of running background tasks.",
		}),
		TaskCost: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskcore_task_cost_usd",
			Help:    "Final accumulated cost of finished tasks, in USD.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 25},
		}),
		HeartbeatTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskcore_heartbeat_ticks_total",
			Help: "Number of heartbeat supervisor ticks processed.",
		}),
		BusEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskcore_bus_events_total",
			Help: "Number of events dispatched by the event bus, by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(r.TasksStarted, r.TasksCompleted, r.TasksFailed, r.TasksStopped,
		r.TasksRunning, r.TaskCost, r.HeartbeatTicks, r.BusEvents)
	return r
}
