// Package metrics provides Prometheus metrics for the indexing pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for a worker or manager process.
type Metrics struct {
	// Turn metrics
	TurnsIndexed    *prometheus.CounterVec
	TurnsSkipped    *prometheus.CounterVec
	TurnsSoftFailed *prometheus.CounterVec

	// Conversation metrics
	ConversationsCompleted *prometheus.CounterVec
	ConversationsSkipped   *prometheus.CounterVec
	ConversationsResumed   *prometheus.CounterVec

	// Timing metrics
	TurnIndexDuration         *prometheus.HistogramVec
	ConversationIndexDuration *prometheus.HistogramVec

	// Supervision metrics
	WorkersSpawned    prometheus.Counter
	WorkersFailed     prometheus.Counter
	WorkersTerminated prometheus.Counter
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "amem_indexer"
	}

	m := &Metrics{
		TurnsIndexed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turns_indexed_total",
				Help:      "Total number of turns indexed into the memory store",
			},
			[]string{"shard_id"},
		),
		TurnsSkipped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turns_skipped_total",
				Help:      "Total number of turns skipped because they were already checkpointed",
			},
			[]string{"shard_id"},
		),
		TurnsSoftFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turns_soft_failed_total",
				Help:      "Total number of turns that failed non-fatally and were left unprocessed",
			},
			[]string{"shard_id"},
		),
		ConversationsCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conversations_completed_total",
				Help:      "Total number of conversations fully indexed",
			},
			[]string{"shard_id"},
		),
		ConversationsSkipped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conversations_skipped_total",
				Help:      "Total number of conversations skipped (completion flag present)",
			},
			[]string{"shard_id"},
		),
		ConversationsResumed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conversations_resumed_total",
				Help:      "Total number of conversations resumed from a partial checkpoint",
			},
			[]string{"shard_id"},
		),
		TurnIndexDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "turn_index_duration_seconds",
				Help:      "Time to index one turn (memory service round trip + checkpoint)",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
			[]string{"shard_id"},
		),
		ConversationIndexDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "conversation_index_duration_seconds",
				Help:      "Time to index one conversation end to end",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~400s
			},
			[]string{"shard_id"},
		),
		WorkersSpawned: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workers_spawned_total",
				Help:      "Total number of worker processes spawned",
			},
		),
		WorkersFailed: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workers_failed_total",
				Help:      "Total number of worker processes that exited non-zero",
			},
		),
		WorkersTerminated: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workers_terminated_total",
				Help:      "Total number of worker processes terminated by the manager",
			},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}
