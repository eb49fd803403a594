package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the ingestion worker

var (
	// API Call metrics
	APICallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nba_api_calls_total",
			Help: "Total number of stats.nba.com API calls",
		},
		[]string{"endpoint", "status"},
	)

	APICallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nba_api_call_duration_seconds",
			Help:    "Duration of API calls in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"endpoint"},
	)

	// Database metrics
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nba_db_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"operation", "table", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nba_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	RecordsUpserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nba_raw_records_upserted_total",
			Help: "Total number of raw records written, by table",
		},
		[]string{"table"},
	)

	DBConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nba_db_connections_active",
			Help: "Number of active database connections",
		},
	)

	DBConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nba_db_connections_idle",
			Help: "Number of idle database connections",
		},
	)

	// Cache metrics
	CacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nba_cache_hits_total",
			Help: "Total number of response cache hits",
		},
	)

	CacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nba_cache_misses_total",
			Help: "Total number of response cache misses",
		},
	)

	// Ledger metrics
	DateTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nba_date_transitions_total",
			Help: "Total number of tracked date status transitions",
		},
		[]string{"status"},
	)

	PendingDates = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nba_pending_dates",
			Help: "Number of dates waiting to be processed",
		},
	)

	BoxScoresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nba_box_scores_total",
			Help: "Total number of box score fetches by outcome",
		},
		[]string{"status"},
	)

	SummariesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nba_box_score_summaries_total",
			Help: "Total number of box score summary fetches by outcome",
		},
		[]string{"status"},
	)

	// Run metrics
	RunOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nba_run_operations_total",
			Help: "Total number of ingestion runs",
		},
		[]string{"type", "status"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nba_run_duration_seconds",
			Help:    "Duration of ingestion runs in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"type"},
	)

	// Error metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nba_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)

	// System metrics
	SystemUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nba_system_uptime_seconds",
			Help: "System uptime in seconds",
		},
	)

	LastSuccessfulRun = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nba_last_successful_run_timestamp",
			Help: "Timestamp of last successful ingestion run",
		},
	)
)

// RecordAPICall records an API call metric
func RecordAPICall(endpoint, status string, duration float64) {
	APICallsTotal.WithLabelValues(endpoint, status).Inc()
	APICallDuration.WithLabelValues(endpoint).Observe(duration)
}

// RecordDBQuery records a database query metric
func RecordDBQuery(operation, table, status string, duration float64) {
	DBQueriesTotal.WithLabelValues(operation, table, status).Inc()
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration)
}

// RecordUpsert counts raw records written to a table
func RecordUpsert(table string, n int) {
	RecordsUpserted.WithLabelValues(table).Add(float64(n))
}

// RecordCacheHit records a cache hit
func RecordCacheHit() {
	CacheHitsTotal.Inc()
}

// RecordCacheMiss records a cache miss
func RecordCacheMiss() {
	CacheMissesTotal.Inc()
}

// RecordDateTransition records a ledger status change
func RecordDateTransition(status string) {
	DateTransitionsTotal.WithLabelValues(status).Inc()
}

// RecordBoxScore records the outcome of a box score fetch
func RecordBoxScore(status string) {
	BoxScoresTotal.WithLabelValues(status).Inc()
}

// RecordSummary records the outcome of a box score summary fetch
func RecordSummary(status string) {
	SummariesTotal.WithLabelValues(status).Inc()
}

// RecordRun records an ingestion run
func RecordRun(runType, status string, duration float64) {
	RunOperationsTotal.WithLabelValues(runType, status).Inc()
	RunDuration.WithLabelValues(runType).Observe(duration)

	if status == "success" {
		LastSuccessfulRun.SetToCurrentTime()
	}
}

// RecordError records an error
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// UpdateDBConnectionStats updates database connection pool statistics
func UpdateDBConnectionStats(active, idle int32) {
	DBConnectionsActive.Set(float64(active))
	DBConnectionsIdle.Set(float64(idle))
}
