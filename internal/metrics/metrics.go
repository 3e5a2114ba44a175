package metrics

import (
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ReconcileRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "boorusync_reconcile_runs_total",
		Help: "Total upload reconcile passes",
	})
	ReconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "boorusync_reconcile_errors_total",
		Help: "Total upload reconcile pass errors",
	})
	ReconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "boorusync_reconcile_duration_seconds",
		Help:    "Reconcile pass duration seconds",
		Buckets: prometheus.DefBuckets,
	})
	CoalesceFlushes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "boorusync_coalesce_flushes_total",
		Help: "Total storage queue flush passes with work",
	})
	CoalesceErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "boorusync_coalesce_errors_total",
		Help: "Total failed storage batch calls",
	})
	CoalescedRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "boorusync_coalesced_requests_total",
		Help: "Total storage requests served from a pending or cached future",
	})
	PoolAssignments = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "boorusync_pool_assignments_total",
		Help: "Total successful pool element additions",
	})
	PoolFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "boorusync_pool_failures_total",
		Help: "Total failed pool element additions",
	})
	APIRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "boorusync_api_retries_total",
		Help: "Total API retry attempts",
	}, []string{"endpoint"})
)

func init() {
	prometheus.MustRegister(ReconcileRuns, ReconcileErrors, ReconcileDuration,
		CoalesceFlushes, CoalesceErrors, CoalescedRequests,
		PoolAssignments, PoolFailures, APIRetries)
}

// StartServer starts a metrics HTTP server on addr (e.g., ":9090").
func StartServer(addr string) {
	if addr == "" {
		addr = os.Getenv("METRICS_ADDR")
	}
	if addr == "" {
		return
	}
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	go func() { _ = http.ListenAndServe(addr, nil) }()
}

// ObserveReconcileDuration records a pass duration.
func ObserveReconcileDuration(start time.Time) {
	ReconcileDuration.Observe(time.Since(start).Seconds())
}

// IncAPIRetry increments the retry counter for an endpoint.
func IncAPIRetry(endpoint string) { APIRetries.WithLabelValues(endpoint).Inc() }
