package scheduler

import "github.com/prometheus/client_golang/prometheus"

var (
	taskRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processing_scheduled_task_runs_total",
			Help: "Total number of scheduled task runs by result.",
		},
		[]string{"task", "result"},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "processing_scheduled_task_duration_seconds",
			Help:    "Duration of scheduled task runs.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task"},
	)
)

func init() {
	prometheus.MustRegister(taskRuns, taskDuration)
}
