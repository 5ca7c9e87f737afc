// Package nlu derives intent and crop, disease, pest, location and season
// entities from canonical query text by dictionary lookup.
package nlu

import (
	"go.uber.org/zap"

	"github.com/krishi-officer/backend/internal/storage/models"
	"github.com/krishi-officer/backend/pkg/logger"
)

const (
	// MatchedConfidence is reported when an intent rule fired.
	MatchedConfidence = 0.85
	// SparseConfidence is reported for the general-query fallback.
	SparseConfidence = 0.5
)

type Extraction struct {
	Intent     models.Intent
	Entities   models.EntitySet
	Confidence float64
}

type Extractor struct {
	index *TermIndex
}

func NewExtractor(index *TermIndex) *Extractor {
	return &Extractor{index: index}
}

// Load builds an extractor from a dictionary file, or from the embedded
// dictionary when path is empty.
func Load(path string) (*Extractor, error) {
	dict, err := LoadDictionary(path)
	if err != nil {
		return nil, err
	}
	index := NewTermIndex(dict)

	logger.Info("Term dictionary loaded",
		zap.String("path", path),
		zap.Int("crops", len(index.Canonical(CategoryCrops))),
		zap.Int("diseases", len(index.Canonical(CategoryDiseases))),
		zap.Int("pests", len(index.Canonical(CategoryPests))),
		zap.Int("intent_rules", len(index.intents)),
	)
	return NewExtractor(index), nil
}

func (x *Extractor) Index() *TermIndex {
	return x.index
}

// Extract is a pure function of text, locale and the dictionary. Text that
// matches nothing yields general-query with an empty EntitySet.
func (x *Extractor) Extract(text, locale string) Extraction {
	normalized := x.index.Normalize(text, locale)

	hits := make(map[Category][]hit, len(knownCategories))
	for category := range knownCategories {
		hits[category] = x.index.lookup(category, normalized)
	}

	entities := models.EntitySet{
		Crops:    canonicalSet(hits[CategoryCrops]),
		Diseases: canonicalSet(hits[CategoryDiseases]),
		Pests:    canonicalSet(hits[CategoryPests]),
		Location: first(hits[CategoryLocations]),
		Season:   first(hits[CategorySeasons]),
	}

	for _, rule := range x.index.intents {
		if rule.fires(normalized, hits) {
			return Extraction{Intent: rule.intent, Entities: entities, Confidence: MatchedConfidence}
		}
	}
	return Extraction{Intent: models.IntentGeneral, Entities: entities, Confidence: SparseConfidence}
}

// Tags lists every crop, disease, district and season mentioned in a
// knowledge passage, for indexing.
func (x *Extractor) Tags(text, locale string) models.PassageTags {
	normalized := x.index.Normalize(text, locale)
	terms := func(c Category) []string {
		hits := x.index.lookup(c, normalized)
		if len(hits) == 0 {
			return nil
		}
		return canonicalSet(hits).Sorted()
	}
	return models.PassageTags{
		Crops:     terms(CategoryCrops),
		Diseases:  terms(CategoryDiseases),
		Districts: terms(CategoryLocations),
		Seasons:   terms(CategorySeasons),
	}
}

func (r compiledIntent) fires(text string, hits map[Category][]hit) bool {
	for _, category := range r.categories {
		if len(hits[category]) > 0 {
			return true
		}
	}
	for _, t := range r.terms {
		if t.find(text) >= 0 {
			return true
		}
	}
	return false
}

func canonicalSet(hits []hit) models.StringSet {
	set := models.NewStringSet()
	for _, h := range hits {
		set[h.canonical] = struct{}{}
	}
	return set
}

// first returns the earliest mentioned term, for single-valued categories.
func first(hits []hit) string {
	if len(hits) == 0 {
		return ""
	}
	return hits[0].canonical
}
