// Package safety scans candidate answers against the banned-substance list,
// crop restrictions and the dosage-limit table.
package safety

import (
	_ "embed"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/krishi-officer/backend/internal/storage/models"
	"github.com/krishi-officer/backend/pkg/logger"
)

//go:embed rules.yaml
var defaultRules []byte

type BannedRule struct {
	ID        string   `yaml:"id"`
	Substance string   `yaml:"substance"`
	Aliases   []string `yaml:"aliases"`
}

type RestrictedRule struct {
	ID        string   `yaml:"id"`
	Substance string   `yaml:"substance"`
	Aliases   []string `yaml:"aliases"`
	Crops     []string `yaml:"crops"`
	Block     bool     `yaml:"block"`
	Note      string   `yaml:"note"`
}

type DosageLimit struct {
	ID               string   `yaml:"id"`
	Substance        string   `yaml:"substance"`
	Aliases          []string `yaml:"aliases"`
	MaxConcentration string   `yaml:"max_concentration"`
	MaxApplications  int      `yaml:"max_applications"`
}

type Rules struct {
	Banned       []BannedRule     `yaml:"banned"`
	Restricted   []RestrictedRule `yaml:"restricted"`
	DosageLimits []DosageLimit    `yaml:"dosage_limits"`
}

func ParseRules(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, eris.Wrap(err, "failed to parse safety rules")
	}
	if len(r.Banned) == 0 {
		return nil, eris.New("safety rules contain no banned substances")
	}
	ids := make(map[string]bool)
	check := func(id, substance string) error {
		if id == "" || strings.TrimSpace(substance) == "" {
			return eris.Errorf("safety rule %q needs an id and a substance", id)
		}
		if ids[id] {
			return eris.Errorf("duplicate safety rule id %q", id)
		}
		ids[id] = true
		return nil
	}
	for _, b := range r.Banned {
		if err := check(b.ID, b.Substance); err != nil {
			return nil, err
		}
	}
	for _, rr := range r.Restricted {
		if err := check(rr.ID, rr.Substance); err != nil {
			return nil, err
		}
	}
	for _, d := range r.DosageLimits {
		if err := check(d.ID, d.Substance); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

// LoadRules reads a rules file, or the embedded Kerala rule table when path
// is empty.
func LoadRules(path string) (*Rules, error) {
	if path == "" {
		return ParseRules(defaultRules)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read safety rules %s", path)
	}
	return ParseRules(data)
}

type pattern struct {
	ruleID string
	needle string
	kind   models.ViolationKind
	crops  []string
	block  bool
}

// Validator is read-only after construction and safe for concurrent use.
type Validator struct {
	banned     []pattern
	restricted []pattern
	dosage     []pattern
}

func NewValidator(rules *Rules) *Validator {
	v := &Validator{}
	for _, b := range rules.Banned {
		v.banned = append(v.banned, patterns(b.ID, b.Substance, b.Aliases, models.ViolationBanned, nil, true)...)
	}
	for _, r := range rules.Restricted {
		v.restricted = append(v.restricted, patterns(r.ID, r.Substance, r.Aliases, models.ViolationRestrictedMention, r.Crops, r.Block)...)
	}
	for _, d := range rules.DosageLimits {
		v.dosage = append(v.dosage, patterns(d.ID, d.Substance, d.Aliases, models.ViolationDosageMention, nil, false)...)
	}

	logger.Info("Safety rules loaded",
		zap.Int("banned", len(rules.Banned)),
		zap.Int("restricted", len(rules.Restricted)),
		zap.Int("dosage_limits", len(rules.DosageLimits)),
	)
	return v
}

// Load builds a validator from a rules file, or the embedded table when path
// is empty.
func Load(path string) (*Validator, error) {
	rules, err := LoadRules(path)
	if err != nil {
		return nil, err
	}
	return NewValidator(rules), nil
}

func patterns(id, substance string, aliases []string, kind models.ViolationKind, crops []string, block bool) []pattern {
	out := []pattern{{ruleID: id, needle: fold(substance), kind: kind, crops: crops, block: block}}
	for _, alias := range aliases {
		out = append(out, pattern{ruleID: id, needle: fold(alias), kind: kind, crops: crops, block: block})
	}
	return out
}

// Validate scans the candidate text. Every candidate is scanned, including
// fallback answers. IsSafe is false iff a banned-substance violation was
// found.
func (v *Validator) Validate(candidate models.CandidateAnswer, entities models.EntitySet) models.SafetyVerdict {
	original := norm.NFC.String(candidate.Text)
	text := fold(original)

	var violations []models.Violation
	seen := make(map[string]bool)
	add := func(p pattern, kind models.ViolationKind, idx int) {
		if seen[p.ruleID] {
			return
		}
		seen[p.ruleID] = true
		violations = append(violations, models.Violation{
			RuleID: p.ruleID,
			Match:  matched(original, text, idx, p.needle),
			Kind:   kind,
		})
	}

	for _, p := range v.banned {
		if idx := strings.Index(text, p.needle); idx >= 0 {
			add(p, models.ViolationBanned, idx)
		}
	}
	for _, p := range v.restricted {
		idx := strings.Index(text, p.needle)
		if idx < 0 {
			continue
		}
		// A blocking restriction on one of the query's crops is a ban for
		// this answer.
		kind := models.ViolationRestrictedMention
		if p.block && appliesTo(p.crops, entities) {
			kind = models.ViolationBanned
		}
		add(p, kind, idx)
	}
	for _, p := range v.dosage {
		if idx := strings.Index(text, p.needle); idx >= 0 {
			add(p, models.ViolationDosageMention, idx)
		}
	}

	verdict := models.SafetyVerdict{IsSafe: true, Violations: violations, Action: models.SafetyAllow}
	if verdict.Violations == nil {
		verdict.Violations = []models.Violation{}
	}
	for _, violation := range violations {
		if violation.Kind.Blocking() {
			verdict.IsSafe = false
			verdict.Action = models.SafetyEscalate
			break
		}
	}
	return verdict
}

func appliesTo(crops []string, entities models.EntitySet) bool {
	if len(crops) == 0 {
		return true
	}
	for _, crop := range crops {
		if entities.Crops.Has(crop) {
			return true
		}
	}
	return false
}

// matched returns the substring of the original answer that matched, falling
// back to the folded needle when folding changed byte offsets.
func matched(original, folded string, idx int, needle string) string {
	if len(original) == len(folded) && idx+len(needle) <= len(original) {
		return original[idx : idx+len(needle)]
	}
	return needle
}

func fold(s string) string {
	return cases.Fold().String(norm.NFC.String(s))
}
