// ============================================================================
// Contest Master Metrics - Prometheus Monitoring
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose system metrics for Prometheus monitoring.
//
// Monitoring Philosophy:
//   Based on RED (Rate, Errors, Duration) and USE (Utilization, Saturation,
//   Errors), kept close to the teacher's Collector shape and re-labeled
//   for contest scheduling instead of generic job queueing.
//
// Metric Categories:
//
//   1. Counters - cumulative, monotonically increasing:
//      - contest_champions_compiled_total{status="ok|error"}
//      - contest_matches_completed_total
//      - contest_tasks_dispatched_total{kind="compile|server|player"}
//      - contest_tasks_requeued_total
//      - contest_workers_registered_total
//
//   2. Histograms - distribution stats:
//      - contest_task_dispatch_latency_seconds
//
//   3. Gauges - instantaneous values:
//      - contest_queue_depth
//      - contest_matches_in_flight
//      - contest_workers_live
//
// HTTP Endpoint:
//   Exposed via /metrics, scraped by Prometheus. Default port: 9090.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects Prometheus metrics for the master process.
type Collector struct {
	championsCompiled *prometheus.CounterVec
	matchesCompleted  prometheus.Counter
	tasksDispatched   *prometheus.CounterVec
	tasksRequeued     prometheus.Counter
	workersRegistered prometheus.Counter

	dispatchLatency prometheus.Histogram

	queueDepth      prometheus.Gauge
	matchesInFlight prometheus.Gauge
	workersLive     prometheus.Gauge
}

// NewCollector creates and registers a new Collector.
func NewCollector() *Collector {
	c := &Collector{
		championsCompiled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "contest_champions_compiled_total",
			Help: "Total number of champion compilation attempts, by outcome.",
		}, []string{"status"}),
		matchesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "contest_matches_completed_total",
			Help: "Total number of matches that reached the done state.",
		}),
		tasksDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "contest_tasks_dispatched_total",
			Help: "Total number of tasks successfully dispatched to a worker, by kind.",
		}, []string{"kind"}),
		tasksRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "contest_tasks_requeued_total",
			Help: "Total number of tasks requeued after a failed dispatch or orphaning worker.",
		}),
		workersRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "contest_workers_registered_total",
			Help: "Total number of distinct worker registration events (including restarts).",
		}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "contest_task_dispatch_latency_seconds",
			Help:    "Time from task enqueue to successful dispatch, in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "contest_queue_depth",
			Help: "Current number of tasks waiting in the dispatch queue.",
		}),
		matchesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "contest_matches_in_flight",
			Help: "Current number of matches not yet done.",
		}),
		workersLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "contest_workers_live",
			Help: "Current number of workers considered live (heartbeat within timeout).",
		}),
	}

	prometheus.MustRegister(
		c.championsCompiled,
		c.matchesCompleted,
		c.tasksDispatched,
		c.tasksRequeued,
		c.workersRegistered,
		c.dispatchLatency,
		c.queueDepth,
		c.matchesInFlight,
		c.workersLive,
	)

	return c
}

// RecordCompile records a champion compilation outcome.
func (c *Collector) RecordCompile(ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	c.championsCompiled.WithLabelValues(status).Inc()
}

// RecordMatchCompleted records a match reaching the done state.
func (c *Collector) RecordMatchCompleted() {
	c.matchesCompleted.Inc()
}

// RecordDispatch records a successful dispatch of one task kind with its
// enqueue-to-dispatch latency.
func (c *Collector) RecordDispatch(kind string, latencySeconds float64) {
	c.tasksDispatched.WithLabelValues(kind).Inc()
	c.dispatchLatency.Observe(latencySeconds)
}

// RecordRequeue records a task being sent back to the queue.
func (c *Collector) RecordRequeue() {
	c.tasksRequeued.Inc()
}

// RecordWorkerRegistered records a worker (re)registering via heartbeat.
func (c *Collector) RecordWorkerRegistered() {
	c.workersRegistered.Inc()
}

// UpdateQueueStats updates the instantaneous gauges from a snapshot of
// master state.
func (c *Collector) UpdateQueueStats(queueDepth, matchesInFlight, workersLive int) {
	c.queueDepth.Set(float64(queueDepth))
	c.matchesInFlight.Set(float64(matchesInFlight))
	c.workersLive.Set(float64(workersLive))
}

// StartServer starts the Prometheus metrics HTTP server on the given
// port. Blocks; run it in its own goroutine.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
