package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "match_requests_total",
			Help: "Total number of match requests by operation",
		},
		[]string{"operation"},
	)

	MatchRequestsDegraded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "match_requests_degraded_total",
			Help: "Match requests that returned with at least one failed relevance batch",
		},
	)

	OracleBatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oracle_batches_total",
			Help: "Total number of relevance batches dispatched to the oracle",
		},
	)

	OracleBatchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_batch_failures_total",
			Help: "Relevance batches that failed after the retry budget",
		},
		[]string{"kind"},
	)

	OracleBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "oracle_batch_duration_seconds",
			Help: "Duration of a single relevance batch call including retries",
		},
	)

	RelevanceCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relevance_cache_hits_total",
			Help: "Relevance batches served entirely from the score cache",
		},
	)

	RelevanceCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relevance_cache_misses_total",
			Help: "Relevance batches that had to go to the oracle",
		},
	)
)
