package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DocumentsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bank_rag_documents_ingested_total",
			Help: "Documents run through the ingestion pipeline",
		},
		[]string{"kind", "status"},
	)

	IngestionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bank_rag_ingestion_duration_seconds",
			Help:    "Per-document ingestion duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"kind"},
	)

	RecordWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bank_rag_record_writes_total",
			Help: "Structured record writes by operation",
		},
		[]string{"op"},
	)

	ChunkWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bank_rag_chunk_writes_total",
			Help: "Chunk writes by operation",
		},
		[]string{"op"},
	)

	TableFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bank_rag_table_prose_fallbacks_total",
			Help: "Tables without a level signal rendered as prose",
		},
	)

	EmbeddingFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bank_rag_embedding_failures_total",
			Help: "Chunks left pending after exhausting embedding retries",
		},
	)

	EmbeddingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bank_rag_embedding_duration_seconds",
			Help:    "Embedding call duration including retries",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
	)

	QueryClassifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bank_rag_query_classifications_total",
			Help: "Selected retrieval strategies",
		},
		[]string{"strategy"},
	)

	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bank_rag_query_duration_seconds",
			Help:    "Query processing duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"strategy"},
	)

	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bank_rag_query_total",
			Help: "Total number of queries processed",
		},
		[]string{"status"},
	)

	RetrievalErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bank_rag_retrieval_errors_total",
			Help: "Stores that could not contribute evidence",
		},
		[]string{"store", "fatal"},
	)

	EvidenceCount = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bank_rag_evidence_items",
			Help:    "Evidence items per query by source",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
		[]string{"source"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bank_rag_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bank_rag_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bank_rag_rate_limited_total",
			Help: "Requests rejected by the per-tenant rate limiter",
		},
	)
)

var registerOnce sync.Once

// Init registers the collectors with the default registry. Safe to call from
// both binaries and from tests.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			DocumentsIngested,
			IngestionDuration,
			RecordWrites,
			ChunkWrites,
			TableFallbacks,
			EmbeddingFailures,
			EmbeddingDuration,
			QueryClassifications,
			QueryDuration,
			QueryTotal,
			RetrievalErrors,
			EvidenceCount,
			CacheHits,
			CacheMisses,
			RateLimited,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
