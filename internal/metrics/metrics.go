package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded cardinality constants for metric labels.
// These ensure metrics don't have unbounded label values which can cause memory issues.
const (
	// Fold failure kinds (bounded set)
	FailureTimeout         = "timeout"
	FailureNoFeasible      = "no_feasible_parameters"
	FailureEvaluationError = "evaluation_error"
	FailureOther           = "other"

	// Monte Carlo exclusion reasons (bounded set)
	ExclusionNoTrades  = "no_trades"
	ExclusionEvaluator = "evaluation_error"
	ExclusionPath      = "path_error"
	ExclusionOther     = "other"

	// Cache results (bounded set)
	CacheHit    = "hit"
	CacheMiss   = "miss"
	CacheStored = "stored"
	CacheError  = "error"
)

// NormalizeFailureKind maps a fold failure kind to the bounded set
func NormalizeFailureKind(kind string) string {
	switch kind {
	case FailureTimeout, FailureNoFeasible, FailureEvaluationError:
		return kind
	default:
		return FailureOther
	}
}

// NormalizeExclusionReason maps a simulation exclusion reason to the bounded
// set. Reasons may carry detail after a colon ("evaluation_error: ...").
func NormalizeExclusionReason(reason string) string {
	kind, _, _ := strings.Cut(reason, ":")
	switch kind = strings.TrimSpace(kind); kind {
	case ExclusionNoTrades, ExclusionEvaluator, ExclusionPath:
		return kind
	default:
		return ExclusionOther
	}
}

// Walk-Forward Metrics
var (
	// Fold transitions by state
	FoldTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foldwise_fold_transitions_total",
		Help: "Total number of fold state transitions by state",
	}, []string{"state"})

	// Finished folds by outcome
	FoldsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foldwise_folds_finished_total",
		Help: "Total number of finished folds by outcome (done, failed, cached)",
	}, []string{"outcome"})

	// Fold failures by kind
	FoldFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foldwise_fold_failures_total",
		Help: "Total number of failed folds by failure kind",
	}, []string{"kind"})

	// Folds currently optimizing or evaluating
	FoldsInProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "foldwise_folds_in_progress",
		Help: "Number of folds currently optimizing or evaluating out of sample",
	})

	// Fold wall time
	FoldDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "foldwise_fold_duration_seconds",
		Help:    "Fold wall time in seconds",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	}, []string{"outcome"})

	// Out-of-sample objective of the last completed fold
	FoldOOSObjective = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "foldwise_fold_oos_objective",
		Help: "Out-of-sample objective score of the most recently completed fold",
	})

	// Optimizer evaluations
	OptimizerEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foldwise_optimizer_evaluations_total",
		Help: "Total number of optimizer evaluations by searcher and feasibility",
	}, []string{"searcher", "feasible"})

	// Optimizer evaluation duration
	OptimizerEvaluationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "foldwise_optimizer_evaluation_duration_ms",
		Help:    "Duration of one optimizer evaluation in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
	}, []string{"searcher"})
)

// Monte Carlo Metrics
var (
	// Simulations by mode and outcome
	MonteCarloSimulations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foldwise_montecarlo_simulations_total",
		Help: "Total number of Monte Carlo simulations by mode and outcome (included, excluded)",
	}, []string{"mode", "outcome"})

	// Exclusions by reason
	MonteCarloExclusions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foldwise_montecarlo_exclusions_total",
		Help: "Total number of excluded Monte Carlo simulations by reason",
	}, []string{"reason"})
)

// Run Metrics
var (
	// Runs by kind and status
	Runs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foldwise_runs_total",
		Help: "Total number of runs by kind (walkforward, montecarlo) and status",
	}, []string{"kind", "status"})

	// Jobs currently running
	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "foldwise_active_jobs",
		Help: "Number of jobs currently running",
	})
)

// System Health Metrics
var (
	// Database connections
	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "foldwise_database_connections_active",
		Help: "Number of active database connections",
	})

	DatabaseConnectionsIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "foldwise_database_connections_idle",
		Help: "Number of idle database connections",
	})

	// Database query duration
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "foldwise_database_query_duration_ms",
		Help:    "Database query duration in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	}, []string{"query_type"})

	// Fold cache operations
	CacheOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foldwise_cache_operations_total",
		Help: "Total number of fold cache operations by operation and result",
	}, []string{"operation", "result"})

	// Fold cache circuit breaker state (1 = open)
	CacheBreakerOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "foldwise_cache_breaker_open",
		Help: "Fold cache circuit breaker state (1 = open, 0 = closed or half-open)",
	})

	// Events published
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foldwise_events_published_total",
		Help: "Total number of progress events published by type",
	}, []string{"type"})

	// Events dropped by the rate limiter or on publish errors
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foldwise_events_dropped_total",
		Help: "Total number of progress events dropped by type",
	}, []string{"type"})

	// API request duration
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "foldwise_api_request_duration_ms",
		Help:    "API request duration in milliseconds",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"method", "path", "status_code"})

	// HTTP requests
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foldwise_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status_code"})

	// Errors
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foldwise_errors_total",
		Help: "Total number of errors by type",
	}, []string{"type", "component"})
)

// Helper functions to update metrics

// UpdateDatabaseConnections updates database connection metrics
func UpdateDatabaseConnections(active, idle int32) {
	DatabaseConnectionsActive.Set(float64(active))
	DatabaseConnectionsIdle.Set(float64(idle))
}

// RecordAPIRequest records an API request with duration
func RecordAPIRequest(method, path, statusCode string, durationMs float64) {
	APIRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationMs)
	HTTPRequests.WithLabelValues(method, path, statusCode).Inc()
}

// RecordError records an error
func RecordError(errorType, component string) {
	Errors.WithLabelValues(errorType, component).Inc()
}

// RecordDatabaseQuery records a database query
func RecordDatabaseQuery(queryType string, durationMs float64) {
	DatabaseQueryDuration.WithLabelValues(queryType).Observe(durationMs)
}

// RecordCacheOperation records a fold cache lookup or store
func RecordCacheOperation(operation, result string) {
	CacheOperations.WithLabelValues(operation, result).Inc()
}

// SetCacheBreakerOpen updates the cache circuit breaker gauge
func SetCacheBreakerOpen(open bool) {
	if open {
		CacheBreakerOpen.Set(1)
	} else {
		CacheBreakerOpen.Set(0)
	}
}

// RecordEvent records a published or dropped progress event
func RecordEvent(eventType string, published bool) {
	if published {
		EventsPublished.WithLabelValues(eventType).Inc()
	} else {
		EventsDropped.WithLabelValues(eventType).Inc()
	}
}

// RecordRun records a finished run
func RecordRun(kind, status string) {
	Runs.WithLabelValues(kind, status).Inc()
}

// UpdateActiveJobs sets the number of running jobs
func UpdateActiveJobs(count int) {
	ActiveJobs.Set(float64(count))
}
