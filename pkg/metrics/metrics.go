package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_nodes_total",
			Help: "Total number of nodes by state",
		},
		[]string{"state"},
	)

	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_jobs_total",
			Help: "Total number of jobs by state",
		},
		[]string{"state"},
	)

	StepsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_steps_active",
			Help: "Number of steps currently running",
		},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_scheduling_latency_seconds",
			Help:    "Time taken to place a job in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	JobsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_jobs_scheduled_total",
			Help: "Total number of jobs placed on nodes",
		},
	)

	JobsDeferred = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_jobs_deferred_total",
			Help: "Total number of placement attempts left pending",
		},
	)

	// RPC metrics
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_rpc_requests_total",
			Help: "Total number of RPC requests by type and status",
		},
		[]string{"type", "status"},
	)

	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_rpc_request_duration_seconds",
			Help:    "RPC request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// Launch metrics
	StepsLaunched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_steps_launched_total",
			Help: "Total number of steps launched",
		},
	)

	StepsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_steps_failed_total",
			Help: "Total number of steps that failed to launch",
		},
	)

	TasksLaunched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_tasks_launched_total",
			Help: "Total number of tasks started",
		},
	)

	// Stdio plane metrics
	StdioBytesOut = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_stdio_bytes_out_total",
			Help: "Bytes of task stdout/stderr forwarded to clients",
		},
	)

	StdioBytesIn = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_stdio_bytes_in_total",
			Help: "Bytes of client stdin forwarded to tasks",
		},
	)

	StdioPoolStalls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_stdio_pool_stalls_total",
			Help: "Times a stdio read was paused waiting for a free buffer",
		},
	)

	// State save metrics
	StateSaves = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_state_saves_total",
			Help: "Total number of registry checkpoints written",
		},
	)

	StateSaveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_state_save_duration_seconds",
			Help:    "Registry checkpoint duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(StepsActive)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(JobsScheduled)
	prometheus.MustRegister(JobsDeferred)
	prometheus.MustRegister(RPCRequestsTotal)
	prometheus.MustRegister(RPCRequestDuration)
	prometheus.MustRegister(StepsLaunched)
	prometheus.MustRegister(StepsFailed)
	prometheus.MustRegister(TasksLaunched)
	prometheus.MustRegister(StdioBytesOut)
	prometheus.MustRegister(StdioBytesIn)
	prometheus.MustRegister(StdioPoolStalls)
	prometheus.MustRegister(StateSaves)
	prometheus.MustRegister(StateSaveDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr; it blocks, so callers run it in a
// goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
