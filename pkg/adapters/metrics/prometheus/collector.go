package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements MetricsCollector using Prometheus
type Collector struct {
	runsSubmitted     *prometheus.CounterVec
	runsFinished      *prometheus.CounterVec
	runDuration       *prometheus.HistogramVec
	stepsExecuted     *prometheus.CounterVec
	stepDuration      *prometheus.HistogramVec
	stepsSkipped      *prometheus.CounterVec
	reruns            prometheus.Counter
	rerunInvalidated  prometheus.Histogram
	activeRuns        prometheus.Gauge
	workerPoolIdle    prometheus.Gauge
	workerPoolBusy    prometheus.Gauge
	workerPoolStopped prometheus.Gauge
}

// NewCollector creates a collector registered on the default registry
func NewCollector() *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer)
}

// NewCollectorWith creates a collector registered on reg
func NewCollectorWith(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		runsSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagflow_runs_submitted_total",
				Help: "Total number of workflow runs submitted",
			},
			[]string{"status"},
		),
		runsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagflow_runs_finished_total",
				Help: "Total number of workflow runs finished, by final state",
			},
			[]string{"state"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dagflow_run_duration_seconds",
				Help:    "Workflow run duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"state"},
		),
		stepsExecuted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagflow_steps_executed_total",
				Help: "Total number of steps executed",
			},
			[]string{"step_type", "state"},
		),
		stepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dagflow_step_duration_seconds",
				Help:    "Step execution duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"step_type"},
		),
		stepsSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagflow_steps_skipped_total",
				Help: "Total number of steps skipped",
			},
			[]string{"reason"},
		),
		reruns: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dagflow_reruns_total",
				Help: "Total number of steps marked for rerun or overridden",
			},
		),
		rerunInvalidated: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dagflow_rerun_invalidated_steps",
				Help:    "Number of steps reset by one rerun",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
		),
		activeRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dagflow_active_runs",
				Help: "Number of workflow runs in progress",
			},
		),
		workerPoolIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dagflow_worker_pool_idle",
				Help: "Number of idle workers",
			},
		),
		workerPoolBusy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dagflow_worker_pool_busy",
				Help: "Number of busy workers",
			},
		),
		workerPoolStopped: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dagflow_worker_pool_stopped",
				Help: "Number of stopped workers",
			},
		),
	}
}

// RecordRunSubmitted records a run request
func (c *Collector) RecordRunSubmitted(status string) {
	c.runsSubmitted.WithLabelValues(status).Inc()
}

// RecordWorkflowRun records a finished run
func (c *Collector) RecordWorkflowRun(state string, duration time.Duration) {
	c.runsFinished.WithLabelValues(state).Inc()
	c.runDuration.WithLabelValues(state).Observe(duration.Seconds())
}

// RecordStepExecuted records an invoked leaf or an evaluated gate
func (c *Collector) RecordStepExecuted(stepType, state string, duration time.Duration) {
	c.stepsExecuted.WithLabelValues(stepType, state).Inc()
	c.stepDuration.WithLabelValues(stepType).Observe(duration.Seconds())
}

// RecordStepSkipped records a skipped step
func (c *Collector) RecordStepSkipped(reason string) {
	c.stepsSkipped.WithLabelValues(reason).Inc()
}

// RecordRerun records one rerun and how many steps it reset
func (c *Collector) RecordRerun(invalidated int) {
	c.reruns.Inc()
	c.rerunInvalidated.Observe(float64(invalidated))
}

// SetActiveRuns sets the number of runs in progress
func (c *Collector) SetActiveRuns(count int) {
	c.activeRuns.Set(float64(count))
}

// RecordWorkerPoolStatus records worker pool status
func (c *Collector) RecordWorkerPoolStatus(idle, busy, stopped int) {
	c.workerPoolIdle.Set(float64(idle))
	c.workerPoolBusy.Set(float64(busy))
	c.workerPoolStopped.Set(float64(stopped))
}
