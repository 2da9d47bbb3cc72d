package medication

import (
	"errors"
	"strings"
)

// NotApplicable is the dosage placeholder used when no strength was transcribed.
const NotApplicable = "N/A"

// ErrNotVerified is returned when sign-off is attempted before verification
var ErrNotVerified = errors.New("medication not verified")

// BoundingBox locates a medication line on the source image.
// Ordered ymin, xmin, ymax, xmax in a normalized 0-1000 space.
type BoundingBox [4]float64

// Valid reports whether the box is well-formed and inside image space
func (b BoundingBox) Valid() bool {
	for _, v := range b {
		if v < 0 || v > 1000 {
			return false
		}
	}
	return b[0] < b[2] && b[1] < b[3]
}

// Medicine is one prescribed drug line as transcribed from a prescription.
type Medicine struct {
	Name           string              `json:"name"`
	Dosage         string              `json:"dosage"`
	Route          string              `json:"route,omitempty"`
	Duration       string              `json:"duration,omitempty"`
	Coordinates    *BoundingBox        `json:"coordinates,omitempty"`
	Verification   *VerificationResult `json:"verification,omitempty"`
	HumanConfirmed bool                `json:"humanConfirmed,omitempty"`
}

// HasDosage reports whether a strength was transcribed
func (m Medicine) HasDosage() bool {
	d := strings.TrimSpace(m.Dosage)
	return d != "" && !strings.EqualFold(d, NotApplicable)
}

// Region returns the bounding box when one is present and valid
func (m Medicine) Region() (BoundingBox, bool) {
	if m.Coordinates == nil || !m.Coordinates.Valid() {
		return BoundingBox{}, false
	}
	return *m.Coordinates, true
}

// WithVerification returns a copy carrying the new verdict.
// A fresh verdict always clears prior human sign-off.
func (m Medicine) WithVerification(r VerificationResult) Medicine {
	out := m
	res := r.Clone()
	out.Verification = &res
	out.HumanConfirmed = false
	return out
}

// Edit changes the transcribed name and dosage. Any actual change invalidates
// the existing verdict and sign-off, forcing re-verification.
func (m *Medicine) Edit(name, dosage string) bool {
	if m.Name == name && m.Dosage == dosage {
		return false
	}
	m.Name = name
	m.Dosage = dosage
	m.Verification = nil
	m.HumanConfirmed = false
	return true
}

// Confirm records clinician sign-off, superseding the automated verdict.
func (m *Medicine) Confirm() error {
	if m.Verification == nil {
		return ErrNotVerified
	}
	m.HumanConfirmed = true
	return nil
}

// NeedsReview reports whether a human must look at the line before sign-off
func (m Medicine) NeedsReview() bool {
	if m.HumanConfirmed {
		return false
	}
	return m.Verification == nil || m.Verification.Status != StatusDatabaseMatch
}
