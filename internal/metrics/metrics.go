// Package metrics is the in-process Prometheus registry for the core
// (spec §6.3/§6.K): counters, gauges and one stage-duration histogram, no HTTP exposition
// endpoint from this module (an operator process that embeds this
// module is responsible for serving /metrics). The
// NewXxxMetricsWithRegisterer(reg) constructor shape, struct-of-vecs
// layout, and WithLabelValues-per-event recording methods are grounded
// on the teacher's internal/observability context metrics (source not
// retrieved in the pack; shape inferred from
// internal/observability/context_metrics_test.go, which exercises
// exactly this constructor/recording/testutil.ToFloat64 pattern).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CoreMetrics is the full set of counters/gauges/histograms this module records.
// The zero value is not usable; construct with New or
// NewWithRegisterer.
type CoreMetrics struct {
	filesObserved   *prometheus.CounterVec
	groupsCompleted *prometheus.CounterVec

	tasksSpawned   *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
	tasksFailed    *prometheus.CounterVec
	tasksDeadLettered *prometheus.CounterVec

	queueDepth    *prometheus.GaugeVec
	activeWorkers *prometheus.GaugeVec

	stageDuration *prometheus.HistogramVec
	stageFailures *prometheus.CounterVec

	eventbusDropped *prometheus.CounterVec

	rssMB *prometheus.GaugeVec
}

// New registers CoreMetrics against the global default registerer.
func New() *CoreMetrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer registers CoreMetrics against reg, letting tests
// use a private prometheus.NewRegistry() instead of the process-global
// default.
func NewWithRegisterer(reg prometheus.Registerer) *CoreMetrics {
	m := &CoreMetrics{
		filesObserved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingestcore",
			Name:      "files_observed_total",
			Help:      "Subband files observed by the file watcher, by terminal state.",
		}, []string{"state"}),
		groupsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingestcore",
			Name:      "groups_total",
			Help:      "Subband groups closed out, by outcome (complete, timeout_accept, abandoned).",
		}, []string{"outcome"}),
		tasksSpawned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingestcore",
			Name:      "tasks_spawned_total",
			Help:      "Tasks spawned into the durable queue, by queue name.",
		}, []string{"queue"}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingestcore",
			Name:      "tasks_completed_total",
			Help:      "Tasks completed successfully, by queue name.",
		}, []string{"queue"}),
		tasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingestcore",
			Name:      "tasks_failed_total",
			Help:      "Task attempts that failed, by queue name and error code.",
		}, []string{"queue", "code"}),
		tasksDeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingestcore",
			Name:      "tasks_dead_lettered_total",
			Help:      "Tasks routed to the dead-letter table, by queue name and reason.",
		}, []string{"queue", "reason"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ingestcore",
			Name:      "queue_depth",
			Help:      "Pending task count, by queue name.",
		}, []string{"queue"}),
		activeWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ingestcore",
			Name:      "active_workers",
			Help:      "Workers currently running a claimed task, by queue name.",
		}, []string{"queue"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ingestcore",
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Wall-clock duration of one pipeline stage execution.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"pipeline", "stage"}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingestcore",
			Name:      "pipeline_stage_failures_total",
			Help:      "Pipeline stage executions that failed, by pipeline and stage.",
		}, []string{"pipeline", "stage"}),
		eventbusDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingestcore",
			Name:      "eventbus_dropped_total",
			Help:      "Events dropped because a subscriber's bounded queue was full.",
		}, []string{"kind"}),
		rssMB: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ingestcore",
			Name:      "inprocess_rss_mb",
			Help:      "Sampled resident set size of an in-process execution, by task key.",
		}, []string{"task_key"}),
	}

	reg.MustRegister(
		m.filesObserved, m.groupsCompleted,
		m.tasksSpawned, m.tasksCompleted, m.tasksFailed, m.tasksDeadLettered,
		m.queueDepth, m.activeWorkers,
		m.stageDuration, m.stageFailures,
		m.eventbusDropped, m.rssMB,
	)
	return m
}

// RecordFileObserved increments the file-watcher terminal-state counter.
func (m *CoreMetrics) RecordFileObserved(state string) {
	m.filesObserved.WithLabelValues(state).Inc()
}

// RecordGroupOutcome increments the subband-grouper outcome counter.
func (m *CoreMetrics) RecordGroupOutcome(outcome string) {
	m.groupsCompleted.WithLabelValues(outcome).Inc()
}

// RecordTaskSpawned increments the spawn counter for queue.
func (m *CoreMetrics) RecordTaskSpawned(queue string) {
	m.tasksSpawned.WithLabelValues(queue).Inc()
}

// RecordTaskCompleted increments the completion counter for queue.
func (m *CoreMetrics) RecordTaskCompleted(queue string) {
	m.tasksCompleted.WithLabelValues(queue).Inc()
}

// RecordTaskFailed increments the failure counter for queue and code.
func (m *CoreMetrics) RecordTaskFailed(queue, code string) {
	m.tasksFailed.WithLabelValues(queue, code).Inc()
}

// RecordTaskDeadLettered increments the dead-letter counter for queue
// and reason.
func (m *CoreMetrics) RecordTaskDeadLettered(queue, reason string) {
	m.tasksDeadLettered.WithLabelValues(queue, reason).Inc()
}

// SetQueueDepth sets the current pending-task gauge for queue.
func (m *CoreMetrics) SetQueueDepth(queue string, depth float64) {
	m.queueDepth.WithLabelValues(queue).Set(depth)
}

// SetActiveWorkers sets the currently-running-task gauge for queue.
func (m *CoreMetrics) SetActiveWorkers(queue string, n float64) {
	m.activeWorkers.WithLabelValues(queue).Set(n)
}

// ObserveStageDuration records one stage execution's wall-clock seconds.
func (m *CoreMetrics) ObserveStageDuration(pipeline, stage string, seconds float64) {
	m.stageDuration.WithLabelValues(pipeline, stage).Observe(seconds)
}

// RecordStageFailure increments the per-stage failure counter.
func (m *CoreMetrics) RecordStageFailure(pipeline, stage string) {
	m.stageFailures.WithLabelValues(pipeline, stage).Inc()
}

// RecordEventDropped increments the eventbus drop counter for kind.
func (m *CoreMetrics) RecordEventDropped(kind string) {
	m.eventbusDropped.WithLabelValues(kind).Inc()
}

// SetInProcessRSS sets the sampled RSS gauge for an in-process task key.
func (m *CoreMetrics) SetInProcessRSS(taskKey string, rssMB float64) {
	m.rssMB.WithLabelValues(taskKey).Set(rssMB)
}
