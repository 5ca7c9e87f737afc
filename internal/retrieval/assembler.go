// Package retrieval assembles the bounded passage context for a query from
// the similarity store.
package retrieval

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/krishi-officer/backend/internal/storage/models"
	"github.com/krishi-officer/backend/pkg/apperrors"
	"github.com/krishi-officer/backend/pkg/logger"
)

const DefaultTopK = 5

// SimilaritySearcher is the similarity store. Implementations must be safe
// for concurrent read-only use.
type SimilaritySearcher interface {
	Search(ctx context.Context, text string, k int) ([]models.Passage, error)
}

type Config struct {
	TopK    int
	Timeout time.Duration
}

// Result carries the passages and the stage status. Status is degraded when
// the store failed; Err then holds the cause for the audit trail.
type Result struct {
	Passages []models.Passage
	Status   models.StageStatus
	Err      error
}

type Assembler struct {
	searcher SimilaritySearcher
	topK     int
	timeout  time.Duration
}

func NewAssembler(searcher SimilaritySearcher, cfg Config) *Assembler {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &Assembler{searcher: searcher, topK: cfg.TopK, timeout: cfg.Timeout}
}

// Assemble issues exactly one search. A failed or timed out search is not
// retried; it yields an empty context and a degraded status.
func (a *Assembler) Assemble(ctx context.Context, text string, entities models.EntitySet, k int) Result {
	if k <= 0 {
		k = a.topK
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	enriched := EnrichQuery(text, entities)
	passages, err := a.searcher.Search(ctx, enriched, k)
	if err != nil {
		logger.Warn("Similarity search failed, continuing without context",
			zap.Error(err),
			zap.Duration("timeout", a.timeout),
		)
		return Result{
			Passages: []models.Passage{},
			Status:   models.StageDegraded,
			Err:      apperrors.Upstream(err, "similarity search"),
		}
	}

	ranked := Rank(passages, k)
	logger.Debug("Context assembled",
		zap.Int("returned", len(passages)),
		zap.Int("kept", len(ranked)),
	)
	return Result{Passages: ranked, Status: models.StageSuccess}
}

// EnrichQuery appends the extracted crop, disease and pest terms to the raw
// query text.
func EnrichQuery(text string, entities models.EntitySet) string {
	terms := entities.Terms()
	if len(terms) == 0 {
		return text
	}
	return text + " " + strings.Join(terms, " ")
}

// Rank orders passages by descending score, breaking ties with the most
// recently updated source, and keeps the first k. The input is not modified.
func Rank(passages []models.Passage, k int) []models.Passage {
	ranked := make([]models.Passage, len(passages))
	copy(ranked, passages)

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].UpdatedAt.After(ranked[j].UpdatedAt)
	})

	if k >= 0 && len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked
}
