// Package synthesis wraps the generation model. It always yields a candidate
// answer: a failed generation becomes a low-confidence fallback that the
// decision policy escalates.
package synthesis

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/krishi-officer/backend/internal/messages"
	"github.com/krishi-officer/backend/internal/storage/models"
	"github.com/krishi-officer/backend/pkg/apperrors"
	"github.com/krishi-officer/backend/pkg/logger"
)

const (
	FallbackConfidence = 0.1
	DefaultMaxPassages = 3
)

type Generation struct {
	Text       string
	Confidence float64
}

// Generator is the external text-generation model.
type Generator interface {
	Generate(ctx context.Context, prompt string) (Generation, error)
}

type Config struct {
	Timeout     time.Duration
	MaxPassages int
}

type Input struct {
	Query    string
	Passages []models.Passage
	Entities models.EntitySet
	Locale   string
	Location string
	// PreviousVersion is the version of the candidate being replaced, zero on
	// first synthesis.
	PreviousVersion int
}

type Result struct {
	Candidate models.CandidateAnswer
	Status    models.StageStatus
	Err       error
}

type Synthesizer struct {
	generator   Generator
	timeout     time.Duration
	maxPassages int
}

func NewSynthesizer(generator Generator, cfg Config) *Synthesizer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxPassages <= 0 {
		cfg.MaxPassages = DefaultMaxPassages
	}
	return &Synthesizer{generator: generator, timeout: cfg.Timeout, maxPassages: cfg.MaxPassages}
}

// Synthesize calls the generator exactly once.
func (s *Synthesizer) Synthesize(ctx context.Context, in Input) Result {
	passages := in.Passages
	if len(passages) > s.maxPassages {
		passages = passages[:s.maxPassages]
	}
	cited := make([]string, 0, len(passages))
	for _, p := range passages {
		cited = append(cited, p.DocID)
	}
	version := in.PreviousVersion + 1

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	gen, err := s.generator.Generate(ctx, BuildPrompt(in, passages))
	if err == nil {
		err = validate(gen)
	}
	if err != nil {
		logger.Warn("Generation failed, using fallback answer",
			zap.Error(err),
			zap.String("locale", in.Locale),
		)
		return Result{
			Candidate: models.CandidateAnswer{
				Version:         version,
				Text:            messages.Fallback(in.Locale),
				Confidence:      FallbackConfidence,
				CitedPassageIDs: []string{},
				Fallback:        true,
			},
			Status: models.StageFatal,
			Err:    apperrors.Upstream(err, "generation"),
		}
	}

	return Result{
		Candidate: models.CandidateAnswer{
			Version:         version,
			Text:            strings.TrimSpace(gen.Text),
			Confidence:      gen.Confidence,
			CitedPassageIDs: cited,
		},
		Status: models.StageSuccess,
	}
}

func validate(gen Generation) error {
	if strings.TrimSpace(gen.Text) == "" {
		return eris.New("generation returned empty text")
	}
	if math.IsNaN(gen.Confidence) || gen.Confidence < 0 || gen.Confidence > 1 {
		return eris.Errorf("generation confidence %v outside [0,1]", gen.Confidence)
	}
	return nil
}

// BuildPrompt renders the advisory prompt from the query and the passages
// already capped for prompt size.
func BuildPrompt(in Input, passages []models.Passage) string {
	var b strings.Builder

	b.WriteString("You are an agricultural advisor for farmers in Kerala, India. ")
	b.WriteString(fmt.Sprintf("Respond in %s. ", messages.Language(in.Locale)))
	b.WriteString("Answer the farmer's question using only the provided context. Be specific and practical. ")
	b.WriteString("Never recommend banned pesticides. If the context is insufficient, say so and lower your confidence.\n\n")

	b.WriteString(fmt.Sprintf("Query: %s\n", in.Query))
	if in.Location != "" {
		b.WriteString(fmt.Sprintf("Farmer location: %s\n", in.Location))
	}
	if terms := in.Entities.Terms(); len(terms) > 0 {
		b.WriteString(fmt.Sprintf("Detected topics: %s\n", strings.Join(terms, ", ")))
	}
	if in.Entities.Season != "" {
		b.WriteString(fmt.Sprintf("Season: %s\n", in.Entities.Season))
	}

	b.WriteString("\nContext:\n")
	if len(passages) == 0 {
		b.WriteString("No reference material available.\n")
	}
	for i, p := range passages {
		b.WriteString(fmt.Sprintf("[%d] (%s) %s\n", i+1, p.DocID, p.Text))
	}

	b.WriteString("\nReply as JSON: {\"answer\": string, \"confidence\": number between 0 and 1}.")
	return b.String()
}
