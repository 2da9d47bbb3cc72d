// Package medication implements the medication line model and its verification verdicts.
package medication

import (
	"fmt"
	"time"
)

// Status represents the verification verdict for one medication line
type Status string

const (
	StatusAITranscription Status = "ai_transcription"
	StatusTentativeMatch  Status = "tentative_match"
	StatusDatabaseMatch   Status = "database_match"
	StatusInvalidStrength Status = "invalid_strength"
	StatusLowConfidence   Status = "low_confidence"
)

// Color is the UI severity tag derived from Status
type Color string

const (
	ColorGray    Color = "gray"
	ColorAmber   Color = "amber"
	ColorCyan    Color = "cyan"
	ColorRose    Color = "rose"
	ColorEmerald Color = "emerald" // human sign-off only, never assigned by verification
)

// SourceRxNorm tags candidates resolved against RxNorm.
const SourceRxNorm = "RxNorm"

var statusColors = map[Status]Color{
	StatusAITranscription: ColorGray,
	StatusTentativeMatch:  ColorAmber,
	StatusDatabaseMatch:   ColorCyan,
	StatusInvalidStrength: ColorRose,
	StatusLowConfidence:   ColorRose,
}

// ColorFor returns the fixed color for a status. Unknown statuses map to gray.
func ColorFor(s Status) Color {
	if c, ok := statusColors[s]; ok {
		return c
	}
	return ColorGray
}

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	_, ok := statusColors[s]
	return ok
}

// RxNormCandidate is one reference-database concept match.
type RxNormCandidate struct {
	RxCUI  string `json:"rxcui"`
	Name   string `json:"name"`
	Score  int    `json:"score"`
	Source string `json:"source"`
}

// Interaction describes a pairwise drug-drug interaction.
type Interaction struct {
	Drugs       [2]string `json:"drugs"`
	RxCUIs      [2]string `json:"rxcuis"`
	Severity    string    `json:"severity"`
	Description string    `json:"description"`
}

// VerificationResult is the verdict for one medication line.
type VerificationResult struct {
	Status          Status            `json:"status"`
	Color           Color             `json:"color"`
	NormalizedName  string            `json:"normalizedName"`
	RxCUI           string            `json:"rxcui,omitempty"`
	StandardName    string            `json:"standardName,omitempty"`
	ConfidenceScore int               `json:"confidenceScore"`
	Candidates      []RxNormCandidate `json:"candidates"`
	Issues          []string          `json:"issues"`
	LastChecked     time.Time         `json:"lastChecked"`
	// RefinedName is the transcription adopted from an optical re-read, if any.
	RefinedName string `json:"refinedName,omitempty"`
}

// NewResult returns the conservative default verdict: no reference match, raw AI guess stands.
func NewResult(normalizedName string, checkedAt time.Time) VerificationResult {
	return VerificationResult{
		Status:         StatusAITranscription,
		Color:          ColorGray,
		NormalizedName: normalizedName,
		Candidates:     []RxNormCandidate{},
		Issues:         []string{},
		LastChecked:    checkedAt.UTC(),
	}
}

// SetStatus updates the status and its color together
func (r *VerificationResult) SetStatus(s Status) {
	r.Status = s
	r.Color = ColorFor(s)
}

// SetCandidates replaces the candidate list and derives the top-match fields from it.
func (r *VerificationResult) SetCandidates(candidates []RxNormCandidate) {
	r.Candidates = append([]RxNormCandidate{}, candidates...)
	if len(r.Candidates) == 0 {
		r.RxCUI = ""
		r.StandardName = ""
		r.ConfidenceScore = 0
		return
	}
	top := r.Candidates[0]
	r.RxCUI = top.RxCUI
	r.StandardName = top.Name
	r.ConfidenceScore = top.Score
}

// AddIssue appends a human-readable annotation
func (r *VerificationResult) AddIssue(issue string) {
	r.Issues = append(r.Issues, issue)
}

// TopScore returns the score of the first candidate, or 0
func (r *VerificationResult) TopScore() int {
	if len(r.Candidates) == 0 {
		return 0
	}
	return r.Candidates[0].Score
}

// Check reports the first invariant the result violates.
func (r VerificationResult) Check() error {
	if !r.Status.Valid() {
		return fmt.Errorf("unknown status %q", r.Status)
	}
	if r.Color != ColorFor(r.Status) {
		return fmt.Errorf("color %q inconsistent with status %q", r.Color, r.Status)
	}
	if r.ConfidenceScore != r.TopScore() {
		return fmt.Errorf("confidence score %d does not match top candidate score %d", r.ConfidenceScore, r.TopScore())
	}
	if r.ConfidenceScore < 0 || r.ConfidenceScore > 100 {
		return fmt.Errorf("confidence score %d out of range", r.ConfidenceScore)
	}
	return nil
}

// Clone returns a deep copy
func (r VerificationResult) Clone() VerificationResult {
	out := r
	out.Candidates = append([]RxNormCandidate{}, r.Candidates...)
	out.Issues = append([]string{}, r.Issues...)
	return out
}
