package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scheduler / queue metrics

	TasksClaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hypershell",
		Name:      "tasks_claimed_total",
		Help:      "Total tasks claimed from the store by the scheduler.",
	})

	TasksRetriedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hypershell",
		Name:      "tasks_retried_total",
		Help:      "Total retry rows inserted for failed tasks with attempts remaining.",
	})

	OutboundQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hypershell",
		Name:      "outbound_queue_depth",
		Help:      "Bundles currently queued awaiting a client pull.",
	})

	// Dispatcher metrics

	TasksCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hypershell",
		Name:      "tasks_completed_total",
		Help:      "Total tasks completed, by outcome.",
	}, []string{"outcome"})

	RegisteredClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hypershell",
		Name:      "registered_clients",
		Help:      "Number of clients currently registered with the dispatcher.",
	})

	ClientEvictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hypershell",
		Name:      "client_evictions_total",
		Help:      "Total clients evicted, by reason.",
	}, []string{"reason"})

	// Executor metrics

	TaskExecutionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hypershell",
		Name:      "task_execution_duration_seconds",
		Help:      "Wall-clock duration of task execution.",
		Buckets:   []float64{.1, .5, 1, 5, 15, 30, 60, 300, 900, 3600},
	})

	// Autoscaler metrics

	AutoscaleLaunchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hypershell",
		Name:      "autoscale_launches_total",
		Help:      "Total successful launcher invocations.",
	})

	AutoscaleLaunchFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hypershell",
		Name:      "autoscale_launch_failures_total",
		Help:      "Total failed launcher invocations.",
	})

	AutoscalePressure = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hypershell",
		Name:      "autoscale_pressure",
		Help:      "Most recently computed dynamic-policy task pressure.",
	})

	// Admin HTTP metrics

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hypershell",
		Name:      "http_request_duration_seconds",
		Help:      "Admin API request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hypershell",
		Name:      "http_requests_total",
		Help:      "Total admin API requests.",
	}, []string{"method", "path", "status"})
)

// Register registers every metric with the default Prometheus registry.
// Call once before any component thread starts.
func Register() {
	prometheus.MustRegister(
		TasksClaimedTotal,
		TasksRetriedTotal,
		OutboundQueueDepth,
		TasksCompletedTotal,
		RegisteredClients,
		ClientEvictionsTotal,
		TaskExecutionDuration,
		AutoscaleLaunchesTotal,
		AutoscaleLaunchFailuresTotal,
		AutoscalePressure,
		HTTPRequestDuration,
		HTTPRequestsTotal,
	)
}

// NewServer builds the standalone metrics HTTP server exposing /metrics.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}
