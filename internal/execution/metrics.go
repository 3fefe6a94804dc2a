package execution

import "github.com/prometheus/client_golang/prometheus"

var (
	executionsLaunched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processing_executions_launched_total",
			Help: "Total number of executions launched.",
		},
		[]string{"process"},
	)

	executionsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processing_executions_finished_total",
			Help: "Total number of executions that reached a final step.",
		},
		[]string{"process", "status"},
	)

	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "processing_execution_duration_seconds",
			Help:    "Time from registration to final step.",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
		},
		[]string{"process", "status"},
	)

	stepsPersisted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processing_steps_persisted_total",
			Help: "Total number of execution steps persisted.",
		},
		[]string{"status"},
	)

	stepsDiscarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processing_steps_discarded_total",
			Help: "Steps dropped because the execution was already final or the transition was invalid.",
		},
		[]string{"reason"},
	)

	executionsTimedOut = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "processing_executions_timed_out_total",
			Help: "Total number of executions marked TIMED_OUT by the timeout scan.",
		},
	)

	executionsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "processing_executions_running",
			Help: "Executions currently consumed by this instance.",
		},
	)
)

func init() {
	prometheus.MustRegister(executionsLaunched)
	prometheus.MustRegister(executionsFinished)
	prometheus.MustRegister(executionDuration)
	prometheus.MustRegister(stepsPersisted)
	prometheus.MustRegister(stepsDiscarded)
	prometheus.MustRegister(executionsTimedOut)
	prometheus.MustRegister(executionsRunning)
}
