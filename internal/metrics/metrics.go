// Package metrics provides Prometheus metrics for the document QA backend.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Ingestion metrics
	DocumentsProcessed  prometheus.Counter
	DocumentsFailed     prometheus.Counter
	ChunksCreated       prometheus.Counter
	EmbeddingsGenerated prometheus.Counter
	PipelineDuration    prometheus.Histogram
	JobRetries          prometheus.Counter
	ActiveJobs          prometheus.Gauge

	// Query metrics
	QueryRequests prometheus.Counter
	QueryDuration prometheus.Histogram
	QueryErrors   prometheus.Counter
	CacheHits     prometheus.CounterVec
	CacheMisses   prometheus.Counter

	// Provider metrics
	ProviderCalls    prometheus.CounterVec
	ProviderFailures prometheus.CounterVec
	EmbedKeyDisables prometheus.Counter
}

// New creates and registers all metrics on the given registerer. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DocumentsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "docqa_documents_processed_total",
			Help: "Total number of documents fully processed",
		}),
		DocumentsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "docqa_documents_failed_total",
			Help: "Total number of documents that exhausted processing attempts",
		}),
		ChunksCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "docqa_chunks_created_total",
			Help: "Total number of chunks created",
		}),
		EmbeddingsGenerated: factory.NewCounter(prometheus.CounterOpts{
			Name: "docqa_embeddings_generated_total",
			Help: "Total number of embeddings generated",
		}),
		PipelineDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "docqa_pipeline_duration_seconds",
			Help:    "Duration of document processing jobs in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17min
		}),
		JobRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "docqa_job_retries_total",
			Help: "Total number of processing job retries",
		}),
		ActiveJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "docqa_active_jobs",
			Help: "Number of jobs currently being processed",
		}),

		QueryRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "docqa_query_requests_total",
			Help: "Total number of query requests",
		}),
		QueryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "docqa_query_duration_seconds",
			Help:    "End-to-end query execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		}),
		QueryErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "docqa_query_errors_total",
			Help: "Total number of failed queries",
		}),
		CacheHits: *factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docqa_cache_hits_total",
			Help: "Total cache hits by layer",
		}, []string{"layer"}), // lru, redis, exact, semantic
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "docqa_cache_misses_total",
			Help: "Total cache misses across all layers",
		}),

		ProviderCalls: *factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docqa_provider_calls_total",
			Help: "Total generative provider calls by provider",
		}, []string{"provider"}),
		ProviderFailures: *factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docqa_provider_failures_total",
			Help: "Total generative provider failures by provider and kind",
		}, []string{"provider", "kind"}), // kind: rate_limit, server, other
		EmbedKeyDisables: factory.NewCounter(prometheus.CounterOpts{
			Name: "docqa_embed_key_disables_total",
			Help: "Times an embedding API key was disabled for repeated failures",
		}),
	}
}
