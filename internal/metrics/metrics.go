package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	SessionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_sessions_started_total",
			Help: "Total number of research sessions started",
		},
		[]string{"mode"},
	)

	SessionsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_sessions_completed_total",
			Help: "Total number of research sessions finished",
		},
		[]string{"mode", "status"},
	)

	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deepresearch_session_duration_seconds",
			Help:    "Research session duration in seconds",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 1800},
		},
		[]string{"mode"},
	)

	// Node metrics
	NodeTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_node_transitions_total",
			Help: "Research node status transitions",
		},
		[]string{"status"},
	)

	NodeResearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deepresearch_node_research_duration_seconds",
			Help:    "Time spent researching a single node",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"depth", "status"},
	)

	NodesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deepresearch_nodes_in_flight",
			Help: "Research tasks currently holding a scheduler slot",
		},
	)

	// Dedup metrics
	DedupDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_dedup_dropped_total",
			Help: "Candidate queries dropped by the deduplicator",
		},
		[]string{"reason"},
	)

	DedupDegraded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_dedup_degraded_total",
			Help: "Admissions that fell back to lexical similarity",
		},
		[]string{"method"},
	)

	// Collaborator metrics
	CollaboratorCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_collaborator_calls_total",
			Help: "Model and search calls by operation and result",
		},
		[]string{"op", "result"},
	)

	CollaboratorLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deepresearch_collaborator_latency_seconds",
			Help:    "Model and search call latency including retries",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"op"},
	)

	ModelCooldowns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_model_cooldowns_total",
			Help: "Models put on cooldown after rate limiting",
		},
		[]string{"model"},
	)

	// Report metrics
	ReportAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_report_attempts_total",
			Help: "Report synthesis attempts by outcome",
		},
		[]string{"outcome"},
	)

	ReportWords = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deepresearch_report_words",
			Help:    "Word count of synthesized report bodies",
			Buckets: []float64{500, 1000, 2000, 3000, 4000, 6000, 10000},
		},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_embedding_requests_total",
			Help: "Total number of embedding requests",
		},
		[]string{"model", "status"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deepresearch_embedding_latency_seconds",
			Help:    "Embedding generation latency",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"model"},
	)

	EmbeddingCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_embedding_cache_hits_total",
			Help: "Embedding cache hits by tier",
		},
		[]string{"tier"},
	)

	EmbeddingCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepresearch_embedding_cache_misses_total",
			Help: "Embedding cache misses",
		},
	)
)

// RecordSession records a finished session.
func RecordSession(mode, status string, durationSeconds float64) {
	SessionsCompleted.WithLabelValues(mode, status).Inc()
	SessionDuration.WithLabelValues(mode).Observe(durationSeconds)
}

// RecordNodeResearch records the outcome of one node task.
func RecordNodeResearch(depth, status string, durationSeconds float64) {
	NodeResearchDuration.WithLabelValues(depth, status).Observe(durationSeconds)
}

// RecordCollaboratorCall records a model or search call.
func RecordCollaboratorCall(op, result string, durationSeconds float64) {
	CollaboratorCalls.WithLabelValues(op, result).Inc()
	if durationSeconds > 0 {
		CollaboratorLatency.WithLabelValues(op).Observe(durationSeconds)
	}
}

// RecordReportAttempt records a synthesis attempt and its body length.
func RecordReportAttempt(outcome string, words int) {
	ReportAttempts.WithLabelValues(outcome).Inc()
	if words > 0 {
		ReportWords.Observe(float64(words))
	}
}

// RecordEmbeddingMetrics records embedding metrics
func RecordEmbeddingMetrics(model, status string, durationSeconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		EmbeddingLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}
