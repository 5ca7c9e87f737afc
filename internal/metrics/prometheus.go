package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/krishi-officer/backend/pkg/circuitbreaker"
)

var (
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "krishi_query_duration_seconds",
			Help:    "End-to-end pipeline duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20},
		},
		[]string{"modality"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "krishi_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 15},
		},
		[]string{"stage"},
	)

	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "krishi_query_total",
			Help: "Total number of queries by modality and decision outcome",
		},
		[]string{"modality", "outcome"},
	)

	ConfidenceScore = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "krishi_decision_confidence",
			Help:    "Effective confidence at decision time",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
		[]string{"outcome"},
	)

	PassagesRetrieved = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "krishi_passages_retrieved",
			Help:    "Number of passages in the assembled context",
			Buckets: []float64{0, 1, 2, 3, 5, 10},
		},
	)

	DegradedRetrievals = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "krishi_retrieval_degraded_total",
			Help: "Queries answered without the similarity store",
		},
	)

	SynthesisFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "krishi_synthesis_fallback_total",
			Help: "Candidate answers replaced by the consult-an-officer fallback",
		},
	)

	SafetyViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "krishi_safety_violations_total",
			Help: "Safety rule matches by kind",
		},
		[]string{"kind"},
	)

	EscalationsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "krishi_escalations_created_total",
			Help: "Escalations created by reason and priority",
		},
		[]string{"reason", "priority"},
	)

	EscalationTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "krishi_escalation_transitions_total",
			Help: "Escalation state transitions by result",
		},
		[]string{"to", "result"},
	)

	FeedbackRecords = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "krishi_feedback_records_total",
			Help: "Officer corrections queued for knowledge update",
		},
	)

	FeedbackDeadLettered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "krishi_feedback_dead_lettered_total",
			Help: "Officer corrections parked after repeated apply failures",
		},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "krishi_circuit_breaker_state",
			Help: "Circuit breaker state per upstream (0 closed, 1 half-open, 2 open)",
		},
		[]string{"upstream"},
	)

	UnauditedQueries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "krishi_unaudited_queries_total",
			Help: "Queries whose trail could not be persisted",
		},
	)

	SoftDeadlineExceeded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "krishi_soft_deadline_exceeded_total",
			Help: "Queries that finished after the soft deadline",
		},
	)

	PipelineInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "krishi_pipeline_in_flight",
			Help: "Queries currently holding a pipeline slot",
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "krishi_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "krishi_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	DocumentsProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "krishi_documents_processed_total",
			Help: "Total knowledge documents ingested",
		},
	)

	FarmerRatings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "krishi_farmer_ratings_total",
			Help: "Farmer answer ratings by kind",
		},
		[]string{"kind"},
	)
)

func Init() {
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(StageDuration)
	prometheus.MustRegister(QueryTotal)
	prometheus.MustRegister(ConfidenceScore)
	prometheus.MustRegister(PassagesRetrieved)
	prometheus.MustRegister(DegradedRetrievals)
	prometheus.MustRegister(SynthesisFallbacks)
	prometheus.MustRegister(SafetyViolations)
	prometheus.MustRegister(EscalationsCreated)
	prometheus.MustRegister(EscalationTransitions)
	prometheus.MustRegister(FeedbackRecords)
	prometheus.MustRegister(FeedbackDeadLettered)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(UnauditedQueries)
	prometheus.MustRegister(SoftDeadlineExceeded)
	prometheus.MustRegister(PipelineInFlight)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(DocumentsProcessed)
	prometheus.MustRegister(FarmerRatings)
}

// ObserveBreaker is a circuitbreaker.Config.OnStateChange hook.
func ObserveBreaker(name string, _, to circuitbreaker.State) {
	BreakerState.WithLabelValues(name).Set(float64(to))
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
