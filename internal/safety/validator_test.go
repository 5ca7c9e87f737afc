package safety

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krishi-officer/backend/internal/storage/models"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := Load("")
	require.NoError(t, err)
	return v
}

func answer(text string, confidence float64) models.CandidateAnswer {
	return models.CandidateAnswer{Version: 1, Text: text, Confidence: confidence}
}

func TestValidate_BannedAnyCasing(t *testing.T) {
	v := newTestValidator(t)

	for _, text := range []string{
		"Spray Endosulfan at dusk",
		"spray endosulfan at dusk",
		"SPRAY ENDOSULFAN AT DUSK",
		"use eNdOsUlFaN",
	} {
		t.Run(text, func(t *testing.T) {
			verdict := v.Validate(answer(text, 0.99), models.EntitySet{})

			assert.False(t, verdict.IsSafe)
			assert.Equal(t, models.SafetyEscalate, verdict.Action)
			require.Len(t, verdict.Violations, 1)
			assert.Equal(t, "banned-endosulfan", verdict.Violations[0].RuleID)
			assert.Equal(t, models.ViolationBanned, verdict.Violations[0].Kind)
		})
	}
}

func TestValidate_MatchKeepsOriginalText(t *testing.T) {
	v := newTestValidator(t)

	verdict := v.Validate(answer("Apply Methyl Parathion now", 0.9), models.EntitySet{})

	require.Len(t, verdict.Violations, 1)
	assert.Equal(t, "Methyl Parathion", verdict.Violations[0].Match)
}

func TestValidate_MalayalamAlias(t *testing.T) {
	v := newTestValidator(t)

	verdict := v.Validate(answer("എൻഡോസൾഫാൻ തളിക്കുക", 0.9), models.EntitySet{})

	assert.False(t, verdict.IsSafe)
}

func TestValidate_SafeAnswer(t *testing.T) {
	v := newTestValidator(t)

	verdict := v.Validate(answer("Spray Tricyclazole 0.06% at tillering.", 0.9), models.EntitySet{})

	assert.True(t, verdict.IsSafe)
	assert.Equal(t, models.SafetyAllow, verdict.Action)
	assert.Empty(t, verdict.Violations)
}

func TestValidate_DosageMentionIsFlagOnly(t *testing.T) {
	v := newTestValidator(t)

	verdict := v.Validate(answer("Spray Mancozeb 0.25% twice.", 0.9), models.EntitySet{})

	assert.True(t, verdict.IsSafe)
	assert.Equal(t, models.SafetyAllow, verdict.Action)
	require.Len(t, verdict.Flags(), 1)
	assert.Equal(t, "dosage-mancozeb", verdict.Flags()[0].RuleID)
}

func TestValidate_RestrictedForCrop(t *testing.T) {
	v := newTestValidator(t)
	text := "Monocrotophos controls the borer."

	onVegetables := v.Validate(answer(text, 0.9), models.EntitySet{Crops: models.NewStringSet("vegetables")})
	assert.False(t, onVegetables.IsSafe)
	assert.Equal(t, models.ViolationBanned, onVegetables.Violations[0].Kind)
	assert.Equal(t, models.SafetyEscalate, onVegetables.Action)

	onCoconut := v.Validate(answer(text, 0.9), models.EntitySet{Crops: models.NewStringSet("coconut")})
	assert.True(t, onCoconut.IsSafe)
	assert.Equal(t, models.ViolationRestrictedMention, onCoconut.Violations[0].Kind)
}

func TestValidate_UnsafeOnlyWithBannedViolation(t *testing.T) {
	v := newTestValidator(t)
	answers := []string{
		"Spray Mancozeb 0.25% twice.",
		"Monocrotophos controls the borer.",
		"2,4-D controls weeds in paddy",
		"Endosulfan was used in the past.",
		"Apply Carbendazim and Phorate.",
		"Remove infected leaves.",
	}
	crops := []models.EntitySet{
		{Crops: models.NewStringSet("vegetables")},
		{Crops: models.NewStringSet("rice")},
		{},
	}

	for _, text := range answers {
		for _, entities := range crops {
			verdict := v.Validate(answer(text, 0.9), entities)

			banned := false
			for _, violation := range verdict.Violations {
				if violation.Kind == models.ViolationBanned {
					banned = true
				}
			}
			assert.Equal(t, !banned, verdict.IsSafe, "%q with crops %v", text, entities.Crops.Sorted())
		}
	}
}

func TestValidate_NonBlockingRestrictionOnlyFlags(t *testing.T) {
	v := newTestValidator(t)

	verdict := v.Validate(answer("2,4-D controls weeds in paddy", 0.9), models.EntitySet{Crops: models.NewStringSet("rice")})

	assert.True(t, verdict.IsSafe)
	require.Len(t, verdict.Flags(), 1)
	assert.Equal(t, "restricted-2-4-d-rice", verdict.Flags()[0].RuleID)
}

func TestValidate_ScansFallbackAnswers(t *testing.T) {
	v := newTestValidator(t)
	fallback := models.CandidateAnswer{Text: "Lannate", Confidence: 0.1, Fallback: true}

	assert.False(t, v.Validate(fallback, models.EntitySet{}).IsSafe)
}

func TestValidate_ConcurrentUse(t *testing.T) {
	v := newTestValidator(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text := "Spray Mancozeb"
			if i%2 == 0 {
				text = "Spray Phorate"
			}
			verdict := v.Validate(answer(text, 0.9), models.EntitySet{})
			assert.Equal(t, i%2 != 0, verdict.IsSafe)
		}(i)
	}
	wg.Wait()
}

func TestParseRules_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"bad yaml", "banned: [unclosed"},
		{"no banned", "dosage_limits: []"},
		{"missing id", "banned:\n  - substance: X\n"},
		{"duplicate id", "banned:\n  - {id: a, substance: X}\n  - {id: a, substance: Y}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRules([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("banned:\n  - {id: banned-x, substance: Xylocide}\n"), 0o600))

	v, err := Load(path)
	require.NoError(t, err)

	assert.False(t, v.Validate(answer("xylocide", 0.9), models.EntitySet{}).IsSafe)
	assert.True(t, v.Validate(answer("Endosulfan", 0.9), models.EntitySet{}).IsSafe)
}
