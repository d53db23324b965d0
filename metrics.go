package prun

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the master's Prometheus collectors.
type Metrics struct {
	JobsSubmitted   prometheus.Counter
	JobsDone        prometheus.Counter
	JobsFailed      prometheus.Counter
	TasksDispatched prometheus.Counter
	TasksSucceeded  prometheus.Counter
	TasksFailed     prometheus.Counter
	QueueDepth      prometheus.GaugeFunc
	WorkersAvail    prometheus.GaugeFunc
	TaskDuration    prometheus.Histogram
}

// NewMetrics registers the master's collectors on reg.
func NewMetrics(reg prometheus.Registerer, queue *JobQueue, registry *WorkerRegistry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "prun_jobs_submitted_total",
			Help: "Jobs admitted into the run queue.",
		}),
		JobsDone: factory.NewCounter(prometheus.CounterOpts{
			Name: "prun_jobs_done_total",
			Help: "Jobs that reached the done outcome.",
		}),
		JobsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "prun_jobs_failed_total",
			Help: "Jobs that reached the failed outcome.",
		}),
		TasksDispatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "prun_tasks_dispatched_total",
			Help: "Tasks sent to workers, retries included.",
		}),
		TasksSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Name: "prun_tasks_succeeded_total",
			Help: "Task completions with a zero code.",
		}),
		TasksFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "prun_tasks_failed_total",
			Help: "Task completions with a non-zero code.",
		}),
		QueueDepth: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "prun_queue_depth",
			Help: "Jobs waiting in the run queue.",
		}, func() float64 { return float64(queue.Len()) }),
		WorkersAvail: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "prun_workers_avail",
			Help: "Workers in the AVAIL pool.",
		}, func() float64 { return float64(registry.NumAvail()) }),
		TaskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "prun_task_duration_seconds",
			Help:    "Dispatch-to-reconcile task duration.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
}
