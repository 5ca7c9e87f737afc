package nlu

import (
	_ "embed"
	"os"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/krishi-officer/backend/internal/storage/models"
)

//go:embed dictionary.yaml
var defaultDictionary []byte

type Category string

const (
	CategoryCrops     Category = "crops"
	CategoryDiseases  Category = "diseases"
	CategoryPests     Category = "pests"
	CategoryLocations Category = "locations"
	CategorySeasons   Category = "seasons"
)

var knownCategories = map[Category]bool{
	CategoryCrops:     true,
	CategoryDiseases:  true,
	CategoryPests:     true,
	CategoryLocations: true,
	CategorySeasons:   true,
}

var ruleIntents = map[models.Intent]bool{
	models.IntentDisease:    true,
	models.IntentPest:       true,
	models.IntentFertilizer: true,
	models.IntentWeather:    true,
	models.IntentScheme:     true,
}

// Normalization rewrites a surface form before matching. An empty Locale
// applies to every locale.
type Normalization struct {
	Locale string `yaml:"locale"`
	From   string `yaml:"from"`
	To     string `yaml:"to"`
}

// IntentRule fires when any of its trigger terms occurs in the text or any of
// its categories produced an entity.
type IntentRule struct {
	Intent     models.Intent `yaml:"intent"`
	Categories []Category    `yaml:"categories"`
	Terms      []string      `yaml:"terms"`
}

// Dictionary is the on-disk term list: category -> canonical term -> surface
// forms, plus the priority-ordered intent rules.
type Dictionary struct {
	Normalizations []Normalization                  `yaml:"normalizations"`
	Categories     map[Category]map[string][]string `yaml:"categories"`
	Intents        []IntentRule                     `yaml:"intents"`
}

func ParseDictionary(data []byte) (*Dictionary, error) {
	var d Dictionary
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, eris.Wrap(err, "failed to parse term dictionary")
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// LoadDictionary reads a dictionary file, or the embedded Kerala dictionary
// when path is empty.
func LoadDictionary(path string) (*Dictionary, error) {
	if path == "" {
		return ParseDictionary(defaultDictionary)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read term dictionary %s", path)
	}
	return ParseDictionary(data)
}

func (d *Dictionary) validate() error {
	for category, terms := range d.Categories {
		if !knownCategories[category] {
			return eris.Errorf("unknown dictionary category %q", category)
		}
		for canonical, surfaces := range terms {
			if len(surfaces) == 0 {
				return eris.Errorf("term %s/%s has no surface forms", category, canonical)
			}
		}
	}
	seen := make(map[models.Intent]bool, len(d.Intents))
	for _, rule := range d.Intents {
		if !ruleIntents[rule.Intent] {
			return eris.Errorf("intent rule for unsupported intent %q", rule.Intent)
		}
		if seen[rule.Intent] {
			return eris.Errorf("duplicate intent rule %q", rule.Intent)
		}
		seen[rule.Intent] = true
		for _, category := range rule.Categories {
			if !knownCategories[category] {
				return eris.Errorf("intent %s references unknown category %q", rule.Intent, category)
			}
		}
	}
	for _, n := range d.Normalizations {
		if n.From == "" {
			return eris.New("normalization with empty source form")
		}
	}
	return nil
}

type term struct {
	canonical string
	surface   string
	// bounded surfaces are Latin-script words and only match between word
	// boundaries; Malayalam surfaces match as substrings of inflected words.
	bounded bool
}

type compiledIntent struct {
	intent     models.Intent
	categories []Category
	terms      []term
}

// TermIndex is the compiled, read-only form of a Dictionary. It is safe for
// concurrent use.
type TermIndex struct {
	normalizations []Normalization
	categories     map[Category][]term
	intents        []compiledIntent
}

func NewTermIndex(d *Dictionary) *TermIndex {
	ix := &TermIndex{categories: make(map[Category][]term, len(d.Categories))}

	for _, n := range d.Normalizations {
		ix.normalizations = append(ix.normalizations, Normalization{
			Locale: n.Locale,
			From:   fold(n.From),
			To:     fold(n.To),
		})
	}

	for category, entries := range d.Categories {
		var terms []term
		for canonical, surfaces := range entries {
			for _, surface := range surfaces {
				terms = append(terms, newTerm(canonical, surface))
			}
		}
		sortTerms(terms)
		ix.categories[category] = terms
	}

	for _, rule := range d.Intents {
		compiled := compiledIntent{intent: rule.Intent, categories: rule.Categories}
		for _, t := range rule.Terms {
			compiled.terms = append(compiled.terms, newTerm(string(rule.Intent), t))
		}
		ix.intents = append(ix.intents, compiled)
	}
	return ix
}

// Canonical lists the canonical terms of one category in sorted order.
func (ix *TermIndex) Canonical(category Category) []string {
	set := make(map[string]struct{})
	for _, t := range ix.categories[category] {
		set[t.canonical] = struct{}{}
	}
	return models.StringSet(set).Sorted()
}

// Normalize puts text in the form surface forms were compiled to: NFC, case
// folded, single-spaced, with the locale's rewrites applied.
func (ix *TermIndex) Normalize(text, locale string) string {
	text = strings.Join(strings.Fields(fold(text)), " ")
	for _, n := range ix.normalizations {
		if n.Locale != "" && n.Locale != locale {
			continue
		}
		text = strings.ReplaceAll(text, n.From, n.To)
	}
	return text
}

type hit struct {
	canonical string
	pos       int
}

// lookup returns every canonical term of category found in normalized text,
// with the position of its first occurrence.
func (ix *TermIndex) lookup(category Category, text string) []hit {
	best := make(map[string]int)
	for _, t := range ix.categories[category] {
		pos := t.find(text)
		if pos < 0 {
			continue
		}
		if prev, ok := best[t.canonical]; !ok || pos < prev {
			best[t.canonical] = pos
		}
	}
	hits := make([]hit, 0, len(best))
	for canonical, pos := range best {
		hits = append(hits, hit{canonical: canonical, pos: pos})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].pos != hits[j].pos {
			return hits[i].pos < hits[j].pos
		}
		return hits[i].canonical < hits[j].canonical
	})
	return hits
}

func newTerm(canonical, surface string) term {
	folded := strings.Join(strings.Fields(fold(surface)), " ")
	return term{canonical: canonical, surface: folded, bounded: isLatin(folded)}
}

// sortTerms orders longer surfaces first so lookups are deterministic.
func sortTerms(terms []term) {
	sort.Slice(terms, func(i, j int) bool {
		if len(terms[i].surface) != len(terms[j].surface) {
			return len(terms[i].surface) > len(terms[j].surface)
		}
		if terms[i].surface != terms[j].surface {
			return terms[i].surface < terms[j].surface
		}
		return terms[i].canonical < terms[j].canonical
	})
}

func (t term) find(text string) int {
	if t.surface == "" {
		return -1
	}
	offset := 0
	for {
		idx := strings.Index(text[offset:], t.surface)
		if idx < 0 {
			return -1
		}
		start := offset + idx
		end := start + len(t.surface)
		if !t.bounded || (wordBoundaryBefore(text, start) && wordBoundaryAfter(text, end)) {
			return start
		}
		offset = start + 1
		for offset < len(text) && !utf8.RuneStart(text[offset]) {
			offset++
		}
	}
}

func wordBoundaryBefore(text string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return !isWordRune(r)
}

func wordBoundaryAfter(text string, i int) bool {
	if i >= len(text) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(text[i:])
	return !isWordRune(r)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func isLatin(s string) bool {
	for _, r := range s {
		if r >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// fold applies NFC and full Unicode case folding. A Caser keeps state, so a
// fresh one is used per call.
func fold(s string) string {
	return cases.Fold().String(norm.NFC.String(s))
}
