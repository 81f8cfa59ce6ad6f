// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kelsjon3/stablequeue/internal/config"
)

var (
	JobsAdmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_admitted_total",
		Help: "Total number of jobs admitted into the queue",
	})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_completed_total",
		Help: "Total number of successfully completed jobs",
	})
	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_failed_total",
		Help: "Total number of failed jobs",
	})
	JobsCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_cancelled_total",
		Help: "Total number of cancelled jobs",
	})
	JobsOrphanAdopted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_orphan_adopted_total",
		Help: "Total number of processing jobs adopted by a fresh Monitor at startup",
	})
	MonitorSubmitRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "monitor_submit_retries_total",
		Help: "Total number of submit retries across all Monitors",
	})
	MonitorPollFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "monitor_poll_failures_total",
		Help: "Total number of consecutive-counted poll failures across all Monitors",
	})
	JobLifecycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "job_lifecycle_duration_seconds",
		Help:    "Histogram of job duration from admission to terminal state",
		Buckets: prometheus.DefBuckets,
	})
	QueueDepthByBackend = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_depth_by_backend",
		Help: "Current count of pending jobs per target backend",
	}, []string{"backend"})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open, keyed by backend",
	}, []string{"backend"})
	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times a backend's circuit breaker transitioned to Open",
	}, []string{"backend"})
	PushGatewayClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "push_gateway_clients",
		Help: "Number of currently attached Push Gateway subscribers",
	})
	DispatcherActiveBackends = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatcher_active_backends",
		Help: "Number of backend loops currently supervised by the Dispatcher",
	})
)

func init() {
	prometheus.MustRegister(JobsAdmitted, JobsCompleted, JobsFailed, JobsCancelled, JobsOrphanAdopted,
		MonitorSubmitRetries, MonitorPollFailures, JobLifecycleDuration, QueueDepthByBackend,
		CircuitBreakerState, CircuitBreakerTrips, PushGatewayClients, DispatcherActiveBackends)
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
