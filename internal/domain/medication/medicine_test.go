package medication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestColorForCoversEveryStatus(t *testing.T) {
	want := map[Status]Color{
		StatusAITranscription: ColorGray,
		StatusTentativeMatch:  ColorAmber,
		StatusDatabaseMatch:   ColorCyan,
		StatusInvalidStrength: ColorRose,
		StatusLowConfidence:   ColorRose,
	}
	for status, color := range want {
		assert.Equal(t, color, ColorFor(status), status)
	}
	assert.Equal(t, ColorGray, ColorFor("bogus"))
}

func TestResultInvariants(t *testing.T) {
	r := NewResult("AMOXICILLIN", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	require.NoError(t, r.Check())
	assert.Equal(t, 0, r.ConfidenceScore)
	assert.Empty(t, r.Candidates)

	r.SetCandidates([]RxNormCandidate{
		{RxCUI: "723", Name: "amoxicillin", Score: 88, Source: SourceRxNorm},
		{RxCUI: "1", Name: "other", Score: 40, Source: SourceRxNorm},
	})
	r.SetStatus(StatusTentativeMatch)
	require.NoError(t, r.Check())
	assert.Equal(t, 88, r.ConfidenceScore)
	assert.Equal(t, "723", r.RxCUI)
	assert.Equal(t, "amoxicillin", r.StandardName)

	r.Color = ColorCyan
	assert.Error(t, r.Check())
}

func TestCloneDoesNotAlias(t *testing.T) {
	r := NewResult("X", time.Now())
	r.AddIssue("first")
	c := r.Clone()
	c.AddIssue("second")
	c.Issues[0] = "changed"
	assert.Equal(t, []string{"first"}, r.Issues)
}

func TestEditClearsSignOff(t *testing.T) {
	m := Medicine{Name: "Amoxicillin", Dosage: "500mg"}
	m = m.WithVerification(NewResult("AMOXICILLIN", time.Now()))
	require.NoError(t, m.Confirm())
	assert.True(t, m.HumanConfirmed)

	assert.False(t, m.Edit("Amoxicillin", "500mg"))
	assert.True(t, m.HumanConfirmed)

	assert.True(t, m.Edit("Amoxicillin", "250mg"))
	assert.False(t, m.HumanConfirmed)
	assert.Nil(t, m.Verification)
	assert.ErrorIs(t, m.Confirm(), ErrNotVerified)
}

func TestWithVerificationResetsConfirmation(t *testing.T) {
	m := Medicine{Name: "Metformin", HumanConfirmed: true}
	out := m.WithVerification(NewResult("METFORMIN", time.Now()))
	assert.False(t, out.HumanConfirmed)
	require.NotNil(t, out.Verification)
	assert.True(t, m.HumanConfirmed, "input must not be mutated")
}

func TestHasDosageAndRegion(t *testing.T) {
	assert.False(t, Medicine{Dosage: "n/a"}.HasDosage())
	assert.False(t, Medicine{Dosage: "  "}.HasDosage())
	assert.True(t, Medicine{Dosage: "5 mg"}.HasDosage())

	_, ok := Medicine{}.Region()
	assert.False(t, ok)
	box := BoundingBox{100, 50, 140, 600}
	got, ok := Medicine{Coordinates: &box}.Region()
	assert.True(t, ok)
	assert.Equal(t, box, got)
	bad := BoundingBox{500, 50, 100, 600}
	_, ok = Medicine{Coordinates: &bad}.Region()
	assert.False(t, ok)
}
