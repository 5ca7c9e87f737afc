// Package decision maps a candidate answer and its safety verdict to a
// delivery outcome.
package decision

import (
	"time"

	"github.com/krishi-officer/backend/internal/storage/models"
)

const (
	DefaultEscalateBelow   = 0.5
	DefaultDirectAbove     = 0.8
	DefaultDegradedPenalty = 0.1
)

type Config struct {
	// EscalateBelow: confidences strictly below escalate.
	EscalateBelow float64
	// DirectAbove: confidences strictly above are delivered directly.
	DirectAbove float64
	// DegradedPenalty is subtracted when retrieval ran without the store.
	DegradedPenalty float64
}

func DefaultConfig() Config {
	return Config{
		EscalateBelow:   DefaultEscalateBelow,
		DirectAbove:     DefaultDirectAbove,
		DegradedPenalty: DefaultDegradedPenalty,
	}
}

type Input struct {
	QueryID         string
	Candidate       models.CandidateAnswer
	Verdict         models.SafetyVerdict
	RetrievalStatus models.StageStatus
}

type Engine struct {
	cfg Config
	now func() time.Time
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg, now: time.Now}
}

// Decide applies the ordered policy; the first matching rule wins:
//
//  1. unsafe verdict: escalate, safety_violation
//  2. confidence < EscalateBelow: escalate, low_confidence
//  3. EscalateBelow <= confidence <= DirectAbove: disclaimer
//  4. otherwise: direct
func (e *Engine) Decide(in Input) models.Decision {
	confidence := e.EffectiveConfidence(in.Candidate.Confidence, in.RetrievalStatus)

	d := models.Decision{
		QueryID:    in.QueryID,
		Confidence: confidence,
		Bucket:     e.Bucket(confidence),
		CreatedAt:  e.now().UTC(),
	}

	switch {
	case !in.Verdict.IsSafe:
		d.Outcome, d.Reason = models.OutcomeEscalate, models.ReasonSafetyViolation
	case confidence < e.cfg.EscalateBelow:
		d.Outcome, d.Reason = models.OutcomeEscalate, models.ReasonLowConfidence
	case confidence <= e.cfg.DirectAbove:
		d.Outcome, d.Reason = models.OutcomeDisclaimer, models.ReasonModerateConfidence
	default:
		d.Outcome, d.Reason = models.OutcomeDirect, models.ReasonHighConfidence
	}
	return d
}

// EffectiveConfidence lowers the synthesizer confidence when retrieval was
// degraded, clamped at zero.
func (e *Engine) EffectiveConfidence(confidence float64, retrieval models.StageStatus) float64 {
	if retrieval == models.StageDegraded {
		confidence -= e.cfg.DegradedPenalty
	}
	if confidence < 0 {
		return 0
	}
	return confidence
}

func (e *Engine) Bucket(confidence float64) models.Bucket {
	switch {
	case confidence < e.cfg.EscalateBelow:
		return models.BucketLow
	case confidence <= e.cfg.DirectAbove:
		return models.BucketMedium
	default:
		return models.BucketHigh
	}
}

// Resolved is the decision appended when an officer resolves an escalation.
func Resolved(queryID string, at time.Time) models.Decision {
	return models.Decision{
		QueryID:    queryID,
		Outcome:    models.OutcomeDirect,
		Reason:     models.ReasonOfficerResolved,
		Bucket:     models.BucketHigh,
		Confidence: 1,
		CreatedAt:  at.UTC(),
	}
}
