package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Worker metrics
	WorkerExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickerpulse_worker_executions_total",
			Help: "Total number of worker executions",
		},
		[]string{"worker", "status"}, // status: success|error
	)

	WorkerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tickerpulse_worker_duration_seconds",
			Help:    "Worker execution duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"worker"},
	)

	// Forum API metrics
	FetchRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickerpulse_fetch_requests_total",
			Help: "Forum API responses by endpoint and HTTP status",
		},
		[]string{"endpoint", "status"},
	)

	FetchRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickerpulse_fetch_retries_total",
			Help: "Forum API retries by endpoint",
		},
		[]string{"endpoint"},
	)

	FetchCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tickerpulse_fetch_cache_hits_total",
			Help: "Responses served from the per-cycle cache",
		},
	)

	FetchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tickerpulse_fetch_latency_seconds",
			Help:    "Forum API latency including retries",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"endpoint"},
	)

	PathCooldowns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickerpulse_path_cooldowns_total",
			Help: "Access path cooldowns started after failures",
		},
		[]string{"path"},
	)

	TokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickerpulse_token_refreshes_total",
			Help: "Bearer token exchanges",
		},
		[]string{"forced"},
	)

	// Stance metrics
	StancePredictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickerpulse_stance_predictions_total",
			Help: "Stance results by model and label",
		},
		[]string{"model", "label"},
	)

	FallbackFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickerpulse_stance_fallback_failures_total",
			Help: "Fallback model failures that kept the primary result",
		},
		[]string{"model"},
	)

	LLMTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickerpulse_llm_tokens_total",
			Help: "Tokens used by hosted stance models",
		},
		[]string{"model", "type"}, // type: input|output
	)

	// Pull metrics
	PullRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickerpulse_pull_runs_total",
			Help: "Completed pull cycles by subreddit and status",
		},
		[]string{"subreddit", "status"},
	)

	PullSubmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickerpulse_pull_submissions_total",
			Help: "Processed submissions by outcome",
		},
		[]string{"subreddit", "outcome"}, // outcome: ok|error
	)

	// Database metrics
	DBQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickerpulse_db_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"database", "operation", "status"},
	)

	DBQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tickerpulse_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"database", "operation"},
	)

	// Kafka
	KafkaMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickerpulse_kafka_messages_total",
			Help: "Total Kafka messages published",
		},
		[]string{"topic", "status"},
	)
)

var registerOnce sync.Once

// Init registers all metrics with Prometheus. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			WorkerExecutions, WorkerDuration,
			FetchRequests, FetchRetries, FetchCacheHits, FetchLatency, PathCooldowns, TokenRefreshes,
			StancePredictions, FallbackFailures, LLMTokens,
			PullRuns, PullSubmissions,
			DBQueries, DBQueryDuration,
			KafkaMessages,
		)
	})
}

// Handler returns Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordWorkerExecution records a worker execution
func RecordWorkerExecution(worker string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	WorkerExecutions.WithLabelValues(worker, status).Inc()
	WorkerDuration.WithLabelValues(worker).Observe(duration.Seconds())
}

// RecordFetch records one HTTP response (status 0 for transport errors)
func RecordFetch(endpoint string, status int) {
	FetchRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
}

// RecordFetchLatency records the total time spent on one logical fetch
func RecordFetchLatency(endpoint string, d time.Duration) {
	FetchLatency.WithLabelValues(endpoint).Observe(d.Seconds())
}

// RecordRetry records a backoff before another attempt
func RecordRetry(endpoint string) {
	FetchRetries.WithLabelValues(endpoint).Inc()
}

// RecordCacheHit records a cache hit in the resilient fetch layer
func RecordCacheHit() {
	FetchCacheHits.Inc()
}

// RecordPathCooldown records a path entering cooldown
func RecordPathCooldown(path string) {
	PathCooldowns.WithLabelValues(path).Inc()
}

// RecordTokenRefresh records a bearer token exchange
func RecordTokenRefresh(forced bool) {
	TokenRefreshes.WithLabelValues(strconv.FormatBool(forced)).Inc()
}

// RecordStance records a final stance label
func RecordStance(model, label string) {
	StancePredictions.WithLabelValues(model, label).Inc()
}

// RecordFallbackFailure records a fallback model error
func RecordFallbackFailure(model string) {
	FallbackFailures.WithLabelValues(model).Inc()
}

// RecordLLMTokens records hosted model token usage
func RecordLLMTokens(model string, input, output int64) {
	LLMTokens.WithLabelValues(model, "input").Add(float64(input))
	LLMTokens.WithLabelValues(model, "output").Add(float64(output))
}

// RecordPullRun records a finished pull cycle
func RecordPullRun(subreddit, status string) {
	PullRuns.WithLabelValues(subreddit, status).Inc()
}

// RecordSubmission records the outcome of one submission within a cycle
func RecordSubmission(subreddit string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	PullSubmissions.WithLabelValues(subreddit, outcome).Inc()
}

// RecordDBQuery records a database query
func RecordDBQuery(database, operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	DBQueries.WithLabelValues(database, operation, status).Inc()
	DBQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// RecordKafkaMessage records a publish attempt
func RecordKafkaMessage(topic string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	KafkaMessages.WithLabelValues(topic, status).Inc()
}
