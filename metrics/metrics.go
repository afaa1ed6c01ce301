// Package metrics holds the process-wide atomic counters exposed over
// GET /metrics in Prometheus text exposition format, modeled on the
// metrics.NewRegisteredCounter idiom used by the teacher's miner worker.
package metrics

import (
	"bytes"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"

	"github.com/PlatformNetwork/term-executor/log"
)

const namespace = "term_executor"

var logger = log.NewModuleLogger(log.ModuleMetrics)

// Registry is the set of counters and gauges tracked for the life of
// the process. Every exported field is a prometheus metric, which is
// internally backed by atomic integers with relaxed ordering.
type Registry struct {
	reg *prometheus.Registry

	BatchesTotal     prometheus.Counter
	BatchesActive    prometheus.Gauge
	BatchesCompleted prometheus.Counter
	BatchesFailed    prometheus.Counter
	TasksTotal       prometheus.Counter
	TasksPassed      prometheus.Counter
	TasksFailed      prometheus.Counter
	DurationSumMs    prometheus.Counter

	// tasksPassedCount/tasksFailedCount mirror TasksPassed/TasksFailed as
	// plain atomics: GET /status needs a current value and the
	// prometheus.Counter interface doesn't expose one without a Gather
	// round-trip.
	tasksPassedCount int64
	tasksFailedCount int64
}

// New builds a fresh registry with all counters registered under the
// term_executor_ namespace.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.BatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "batches_total", Help: "Total batches admitted.",
	})
	r.BatchesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "batches_active", Help: "Batches currently pending, extracting, or running.",
	})
	r.BatchesCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "batches_completed", Help: "Batches that completed.",
	})
	r.BatchesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "batches_failed", Help: "Batches that failed.",
	})
	r.TasksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "tasks_total", Help: "Total tasks scheduled.",
	})
	r.TasksPassed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "tasks_passed", Help: "Tasks whose test scripts all exited zero.",
	})
	r.TasksFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "tasks_failed", Help: "Tasks that failed any phase or test.",
	})
	r.DurationSumMs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "duration_sum_ms", Help: "Sum of task durations in milliseconds.",
	})

	r.reg.MustRegister(r.BatchesTotal, r.BatchesActive, r.BatchesCompleted, r.BatchesFailed,
		r.TasksTotal, r.TasksPassed, r.TasksFailed, r.DurationSumMs)

	return r
}

// RecordTaskPassed increments both the exposition-format counter and
// the plain atomic GET /status reads.
func (r *Registry) RecordTaskPassed() {
	r.TasksPassed.Inc()
	atomic.AddInt64(&r.tasksPassedCount, 1)
}

// RecordTaskFailed increments both the exposition-format counter and
// the plain atomic GET /status reads.
func (r *Registry) RecordTaskFailed() {
	r.TasksFailed.Inc()
	atomic.AddInt64(&r.tasksFailedCount, 1)
}

// TasksPassedCount returns the current tasks-passed value for GET /status.
func (r *Registry) TasksPassedCount() int64 { return atomic.LoadInt64(&r.tasksPassedCount) }

// TasksFailedCount returns the current tasks-failed value for GET /status.
func (r *Registry) TasksFailedCount() int64 { return atomic.LoadInt64(&r.tasksFailedCount) }

// Render produces the Prometheus text exposition format for the current
// state of the registry.
func (r *Registry) Render() ([]byte, error) {
	mfs, err := r.reg.Gather()
	if err != nil {
		logger.Error("failed to gather metrics", "err", err)
		return nil, err
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Handler returns the standard promhttp handler, for embedding directly
// into the HTTP router as an alternative to Render.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
