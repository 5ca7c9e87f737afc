package query

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/text/unicode/norm"

	"github.com/krishi-officer/backend/internal/decision"
	"github.com/krishi-officer/backend/internal/escalation"
	"github.com/krishi-officer/backend/internal/messages"
	"github.com/krishi-officer/backend/internal/metrics"
	"github.com/krishi-officer/backend/internal/nlu"
	"github.com/krishi-officer/backend/internal/retrieval"
	"github.com/krishi-officer/backend/internal/safety"
	"github.com/krishi-officer/backend/internal/storage/models"
	"github.com/krishi-officer/backend/internal/synthesis"
	"github.com/krishi-officer/backend/pkg/apperrors"
	"github.com/krishi-officer/backend/pkg/logger"
	"github.com/krishi-officer/backend/pkg/retry"
	"github.com/krishi-officer/backend/pkg/telemetry"
)

// QueryStore persists the audit record of each query.
type QueryStore interface {
	SaveQuery(ctx context.Context, record models.QueryRecord) error
}

// EscalationCreator opens escalations for escalate decisions.
type EscalationCreator interface {
	Create(ctx context.Context, q models.Query, d models.Decision) (*models.Escalation, error)
}

type Config struct {
	MaxConcurrent   int
	SoftDeadline    time.Duration
	PersistAttempts int
	DefaultLocale   string
	TopK            int
}

type Dependencies struct {
	Extractor   *nlu.Extractor
	Assembler   *retrieval.Assembler
	Synthesizer *synthesis.Synthesizer
	Validator   *safety.Validator
	Decider     *decision.Engine
	Escalations EscalationCreator
	Store       QueryStore
	Notifier    escalation.Notifier
	Transcriber Transcriber
	Detector    Detector
}

// Engine is the single entry point for farmer queries. It runs extraction,
// retrieval, synthesis, safety validation and the decision in sequence, and
// opens an escalation when the decision says so.
type Engine struct {
	deps   Dependencies
	cfg    Config
	slots  *semaphore.Weighted
	tracer trace.Tracer
	now    func() time.Time
}

type Submission struct {
	FarmerID           string
	Text               string
	Modality           models.Modality
	ModalityConfidence float64
	Locale             string
	Location           string
}

type Result struct {
	Query            models.Query
	Trail            models.Trail
	Decision         models.Decision
	Answer           string
	Disclaimer       string
	EscalationID     string
	Elapsed          time.Duration
	DeadlineExceeded bool
	Unaudited        bool
}

func NewEngine(deps Dependencies, cfg Config) *Engine {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 32
	}
	if cfg.SoftDeadline <= 0 {
		cfg.SoftDeadline = 10 * time.Second
	}
	if cfg.PersistAttempts <= 0 {
		cfg.PersistAttempts = 3
	}
	if cfg.DefaultLocale == "" {
		cfg.DefaultLocale = messages.DefaultLocale
	}
	if cfg.TopK <= 0 {
		cfg.TopK = retrieval.DefaultTopK
	}
	return &Engine{
		deps:   deps,
		cfg:    cfg,
		slots:  semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		tracer: telemetry.Tracer("krishi/query"),
		now:    time.Now,
	}
}

// SubmitText is the text-modality entry point.
func (e *Engine) SubmitText(ctx context.Context, farmerID, text, locale, location string) (*Result, error) {
	return e.Submit(ctx, Submission{
		FarmerID:           farmerID,
		Text:               text,
		Modality:           models.ModalityText,
		ModalityConfidence: 1,
		Locale:             locale,
		Location:           location,
	})
}

// Submit runs the pipeline for one canonical query. It fails only with
// ErrInvalidInput before any stage runs, or ErrAbandoned when the caller
// gives up before the decision. Upstream failures degrade instead.
func (e *Engine) Submit(ctx context.Context, sub Submission) (*Result, error) {
	start := e.now()

	q, err := e.canonicalize(sub, start)
	if err != nil {
		return nil, err
	}

	if err := e.slots.Acquire(ctx, 1); err != nil {
		logger.Info("Query abandoned while waiting for a pipeline slot", zap.String("farmer_id", q.FarmerID))
		return nil, apperrors.Abandoned(err)
	}
	defer e.slots.Release(1)
	metrics.PipelineInFlight.Inc()
	defer metrics.PipelineInFlight.Dec()

	ctx, span := e.tracer.Start(ctx, "pipeline.submit", trace.WithAttributes(
		attribute.String("query.id", q.ID),
		attribute.String("query.modality", string(q.Modality)),
		attribute.String("query.locale", q.Locale),
	))
	res, err := e.run(ctx, q, start)
	telemetry.End(span, err)
	return res, err
}

func (e *Engine) run(ctx context.Context, q models.Query, start time.Time) (*Result, error) {
	logger.Info("Processing query",
		zap.String("query_id", q.ID),
		zap.String("farmer_id", q.FarmerID),
		zap.String("modality", string(q.Modality)),
		zap.String("locale", q.Locale),
	)

	var trail models.Trail

	extraction := e.extract(ctx, q)
	trail.Intent = extraction.Intent
	trail.ExtractionConfidence = extraction.Confidence
	trail.Entities = extraction.Entities
	if err := e.abandoned(ctx, q, "extraction"); err != nil {
		return nil, err
	}

	retrieved := e.assemble(ctx, q, extraction.Entities)
	trail.Passages = retrieved.Passages
	trail.RetrievalStatus = retrieved.Status
	if err := e.abandoned(ctx, q, "retrieval"); err != nil {
		return nil, err
	}

	location := q.Location
	if location == "" {
		location = extraction.Entities.Location
	}
	synthesized := e.synthesize(ctx, q, retrieved.Passages, extraction.Entities, location)
	trail.Candidate = synthesized.Candidate
	trail.SynthesisStatus = synthesized.Status
	if err := e.abandoned(ctx, q, "synthesis"); err != nil {
		return nil, err
	}

	trail.Verdict = e.validate(ctx, synthesized.Candidate, extraction.Entities)

	d := e.deps.Decider.Decide(decision.Input{
		QueryID:         q.ID,
		Candidate:       synthesized.Candidate,
		Verdict:         trail.Verdict,
		RetrievalStatus: retrieved.Status,
	})

	// The decision is committed; nothing below is cancelled by the caller.
	ctx = context.WithoutCancel(ctx)

	res := &Result{Query: q, Trail: trail, Decision: d}
	res.Unaudited = !e.persist(ctx, models.QueryRecord{Query: q, Trail: trail, Decisions: []models.Decision{d}})

	var esc *models.Escalation
	if d.Outcome == models.OutcomeEscalate {
		created, err := e.deps.Escalations.Create(ctx, q, d)
		if err != nil {
			logger.Error("Failed to create escalation, query needs reconciliation",
				zap.String("query_id", q.ID),
				zap.Error(err),
			)
			res.Unaudited = true
		} else {
			esc = created
			res.EscalationID = created.ID
		}
	}

	switch d.Outcome {
	case models.OutcomeEscalate:
		res.Answer = messages.Acknowledgement(q.Locale)
	case models.OutcomeDisclaimer:
		res.Answer = synthesized.Candidate.Text
		res.Disclaimer = messages.Disclaimer(q.Locale)
	default:
		res.Answer = synthesized.Candidate.Text
	}

	if err := e.deps.Notifier.NotifyFarmer(ctx, d, esc); err != nil {
		logger.Warn("Failed to notify farmer", zap.String("query_id", q.ID), zap.Error(err))
	}

	res.Elapsed = e.now().Sub(start)
	res.DeadlineExceeded = res.Elapsed > e.cfg.SoftDeadline
	e.record(q, res)
	return res, nil
}

func (e *Engine) extract(ctx context.Context, q models.Query) nlu.Extraction {
	_, span := e.tracer.Start(ctx, "stage.extract")
	defer observe("extract", e.now())

	extraction := e.deps.Extractor.Extract(q.Text, q.Locale)
	span.SetAttributes(
		attribute.String("intent", string(extraction.Intent)),
		attribute.StringSlice("entities", extraction.Entities.Terms()),
	)
	telemetry.End(span, nil)

	logger.Debug("Extracted entities from query",
		zap.String("query_id", q.ID),
		zap.String("intent", string(extraction.Intent)),
		zap.Strings("entities", extraction.Entities.Terms()),
	)
	return extraction
}

func (e *Engine) assemble(ctx context.Context, q models.Query, entities models.EntitySet) retrieval.Result {
	ctx, span := e.tracer.Start(ctx, "stage.retrieve")
	defer observe("retrieve", e.now())

	res := e.deps.Assembler.Assemble(ctx, q.Text, entities, e.cfg.TopK)
	span.SetAttributes(
		attribute.Int("passages", len(res.Passages)),
		attribute.String("status", string(res.Status)),
	)
	telemetry.End(span, res.Err)

	metrics.PassagesRetrieved.Observe(float64(len(res.Passages)))
	if res.Status == models.StageDegraded {
		metrics.DegradedRetrievals.Inc()
	}
	return res
}

func (e *Engine) synthesize(ctx context.Context, q models.Query, passages []models.Passage, entities models.EntitySet, location string) synthesis.Result {
	ctx, span := e.tracer.Start(ctx, "stage.synthesize")
	defer observe("synthesize", e.now())

	res := e.deps.Synthesizer.Synthesize(ctx, synthesis.Input{
		Query:    q.Text,
		Passages: passages,
		Entities: entities,
		Locale:   q.Locale,
		Location: location,
	})
	span.SetAttributes(
		attribute.Float64("confidence", res.Candidate.Confidence),
		attribute.Bool("fallback", res.Candidate.Fallback),
	)
	telemetry.End(span, res.Err)

	if res.Candidate.Fallback {
		metrics.SynthesisFallbacks.Inc()
	}
	return res
}

func (e *Engine) validate(ctx context.Context, candidate models.CandidateAnswer, entities models.EntitySet) models.SafetyVerdict {
	_, span := e.tracer.Start(ctx, "stage.validate")
	defer observe("validate", e.now())

	verdict := e.deps.Validator.Validate(candidate, entities)
	span.SetAttributes(
		attribute.Bool("safe", verdict.IsSafe),
		attribute.Int("violations", len(verdict.Violations)),
	)
	telemetry.End(span, nil)

	for _, v := range verdict.Violations {
		metrics.SafetyViolations.WithLabelValues(string(v.Kind)).Inc()
	}
	return verdict
}

// persist writes the audit record with bounded retries and reports whether
// it was stored.
func (e *Engine) persist(ctx context.Context, record models.QueryRecord) bool {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = e.cfg.PersistAttempts
	cfg.Logger = logger.GetLogger()
	cfg.Operation = "save_query"

	attempts, err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		return e.deps.Store.SaveQuery(ctx, record)
	})
	if err != nil {
		metrics.UnauditedQueries.Inc()
		logger.Error("Failed to persist query trail, marking unaudited",
			zap.String("query_id", record.Query.ID),
			zap.Int("attempts", int(attempts)),
			zap.Error(apperrors.Persistence(err, "save query")),
		)
		return false
	}
	return true
}

// abandoned reports ErrAbandoned once the caller has gone away. In-flight
// calls were cancelled with the context; the slot is released by Submit.
func (e *Engine) abandoned(ctx context.Context, q models.Query, after string) error {
	if ctx.Err() == nil {
		return nil
	}
	logger.Info("Query abandoned by caller",
		zap.String("query_id", q.ID),
		zap.String("after_stage", after),
	)
	return apperrors.Abandoned(ctx.Err())
}

func (e *Engine) canonicalize(sub Submission, now time.Time) (models.Query, error) {
	text := strings.TrimSpace(norm.NFC.String(sub.Text))
	if text == "" {
		return models.Query{}, apperrors.InvalidInput("query text is empty after normalization")
	}
	if strings.TrimSpace(sub.FarmerID) == "" {
		return models.Query{}, apperrors.InvalidInput("farmer id is required")
	}
	modality := sub.Modality
	if modality == "" {
		modality = models.ModalityText
	}
	if !modality.Valid() {
		return models.Query{}, apperrors.InvalidInput("unknown modality " + string(modality))
	}
	locale := sub.Locale
	if !messages.Supported(locale) {
		locale = e.cfg.DefaultLocale
	}

	return models.Query{
		ID:                 uuid.New().String(),
		FarmerID:           sub.FarmerID,
		Text:               text,
		Modality:           modality,
		ModalityConfidence: sub.ModalityConfidence,
		Locale:             locale,
		Location:           strings.TrimSpace(sub.Location),
		CreatedAt:          now.UTC(),
	}, nil
}

func (e *Engine) record(q models.Query, res *Result) {
	metrics.QueryTotal.WithLabelValues(string(q.Modality), string(res.Decision.Outcome)).Inc()
	metrics.QueryDuration.WithLabelValues(string(q.Modality)).Observe(res.Elapsed.Seconds())
	metrics.ConfidenceScore.WithLabelValues(string(res.Decision.Outcome)).Observe(res.Decision.Confidence)
	if res.DeadlineExceeded {
		metrics.SoftDeadlineExceeded.Inc()
		logger.Warn("Query exceeded soft deadline",
			zap.String("query_id", q.ID),
			zap.Duration("elapsed", res.Elapsed),
			zap.Duration("deadline", e.cfg.SoftDeadline),
		)
	}

	logger.Info("Query processed",
		zap.String("query_id", q.ID),
		zap.String("outcome", string(res.Decision.Outcome)),
		zap.String("reason", string(res.Decision.Reason)),
		zap.Float64("confidence", res.Decision.Confidence),
		zap.String("escalation_id", res.EscalationID),
		zap.Int64("latency_ms", res.Elapsed.Milliseconds()),
		zap.Bool("unaudited", res.Unaudited),
	)
}

func observe(stage string, start time.Time) {
	metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}
