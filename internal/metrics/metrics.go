// Package metrics defines Prometheus metrics for the engine pool.
// All collectors are registered upfront and labelled by pool name so that
// several pools can live in one process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsBusy tracks handles currently leased per pool.
	ConnectionsBusy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "enginepool_connections_busy",
		Help: "Number of leased connections per pool",
	}, []string{"pool"})

	// ConnectionsAvailable tracks idle handles per pool.
	ConnectionsAvailable = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "enginepool_connections_available",
		Help: "Number of available connections per pool",
	}, []string{"pool"})

	// ConnectionsMax tracks the configured max connections per pool.
	ConnectionsMax = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "enginepool_connections_max",
		Help: "Configured maximum connections per pool",
	}, []string{"pool"})

	// LeasesTotal counts lease outcomes (acquired, created, waited, timeout, cancelled, released).
	LeasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enginepool_lease_total",
		Help: "Total lease operations by outcome",
	}, []string{"pool", "status"})

	// QueueLength tracks the number of callers waiting for a handle.
	QueueLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "enginepool_wait_queue_length",
		Help: "Number of callers waiting in the lease queue",
	}, []string{"pool"})

	// QueueWaitDuration tracks the time leases spend in the wait queue.
	QueueWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "enginepool_wait_seconds",
		Help:    "Time spent waiting in queue for a connection",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"pool"})

	// QueryDuration tracks statement execution time by statement kind.
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "enginepool_query_duration_seconds",
		Help:    "Statement execution duration",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"pool", "kind"})

	// SlowQueries counts statements slower than the slow query threshold.
	SlowQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enginepool_slow_queries_total",
		Help: "Total statements slower than the slow query threshold",
	}, []string{"pool"})

	// StatementErrors counts failed statements, split between engine
	// write contention ("busy") and everything else ("error").
	StatementErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enginepool_statement_errors_total",
		Help: "Total failed statements by type",
	}, []string{"pool", "type"})

	// ConnectionErrors counts connection lifecycle errors by type.
	ConnectionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enginepool_connection_errors_total",
		Help: "Total connection errors",
	}, []string{"pool", "error_type"})

	// ConnectionsReaped counts handles destroyed by the idle sweep.
	ConnectionsReaped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enginepool_connections_reaped_total",
		Help: "Total idle connections destroyed by reaping",
	}, []string{"pool"})

	// StatsPublished counts stats snapshots pushed to Redis.
	StatsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enginepool_stats_published_total",
		Help: "Total stats snapshots published to Redis",
	}, []string{"status"})
)

// Init pre-registers the label values of a pool so dashboards show the
// series before the first lease.
func Init(pool string, maxConnections int) {
	ConnectionsBusy.WithLabelValues(pool).Set(0)
	ConnectionsAvailable.WithLabelValues(pool).Set(0)
	ConnectionsMax.WithLabelValues(pool).Set(float64(maxConnections))
	QueueLength.WithLabelValues(pool).Set(0)
}
