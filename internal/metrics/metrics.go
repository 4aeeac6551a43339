package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sync cycle metrics
	SyncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zmc_sync_total",
			Help: "Total number of sync operations by outcome",
		},
		[]string{"operation", "status"},
	)

	AlarmsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zmc_alarms_processed_total",
			Help: "Total number of alarms processed by action",
		},
		[]string{"action"}, // new, refired, resolved, silenced, heartbeat, skipped
	)

	ActiveAlarms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zmc_active_alarms",
			Help: "Number of alarms currently firing in the backend",
		},
	)

	SyncDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zmc_sync_duration_seconds",
			Help:    "Duration of sync phases and full cycles",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"operation"},
	)

	LastSyncTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zmc_last_sync_timestamp_seconds",
			Help: "Unix timestamp of the last completed sync cycle",
		},
	)

	ServiceUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zmc_sync_service_up",
			Help: "Whether the periodic sync loop is running",
		},
	)

	// Store metrics
	DBQueryDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zmc_db_query_duration_seconds",
			Help:    "Duration of database queries by query type",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"query_type"},
	)

	DBPoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zmc_db_pool_connections",
			Help: "Connection pool occupancy by state",
		},
		[]string{"state"}, // acquired, idle, total
	)

	// Backend metrics
	BackendRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zmc_backend_request_duration_seconds",
			Help:    "Duration of notification backend HTTP requests",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"backend", "method", "endpoint"},
	)

	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zmc_errors_total",
			Help: "Total number of errors by component and type",
		},
		[]string{"component", "error_type"},
	)
)

// RecordSync records the outcome of one audit-level operation.
func RecordSync(operation string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	SyncTotal.WithLabelValues(operation, status).Inc()
}

// RecordAlarmProcessed counts one alarm handled by a cycle phase.
func RecordAlarmProcessed(action string) {
	AlarmsProcessedTotal.WithLabelValues(action).Inc()
}

// ObserveSyncDuration records how long a phase or cycle took.
func ObserveSyncDuration(operation string, d time.Duration) {
	SyncDurationSeconds.WithLabelValues(operation).Observe(d.Seconds())
}

// ObserveDBQuery records one store query.
func ObserveDBQuery(queryType string, d time.Duration) {
	DBQueryDurationSeconds.WithLabelValues(queryType).Observe(d.Seconds())
}

// ObserveBackendRequest records one backend HTTP round trip.
func ObserveBackendRequest(backend, method, endpoint string, d time.Duration) {
	BackendRequestDurationSeconds.WithLabelValues(backend, method, endpoint).Observe(d.Seconds())
}

// RecordError counts one error against a component.
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// SetDBPoolStats publishes connection pool occupancy.
func SetDBPoolStats(acquired, idle, total int32) {
	DBPoolConnections.WithLabelValues("acquired").Set(float64(acquired))
	DBPoolConnections.WithLabelValues("idle").Set(float64(idle))
	DBPoolConnections.WithLabelValues("total").Set(float64(total))
}
