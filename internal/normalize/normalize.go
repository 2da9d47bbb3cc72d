// Package normalize converts raw transcribed drug names into canonical comparison keys.
package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Level selects how aggressively clinical noise is stripped
type Level string

const (
	Strict  Level = "strict"
	Relaxed Level = "relaxed"
)

// ParseLevel maps a string to a Level, defaulting to Strict.
func ParseLevel(s string) Level {
	if strings.EqualFold(strings.TrimSpace(s), string(Relaxed)) {
		return Relaxed
	}
	return Strict
}

// MinLookupLength is the shortest normalized name worth sending to the reference service.
const MinLookupLength = 3

// relaxedMaxWords bounds the relaxed key; the active ingredient is usually the first one or two tokens.
const relaxedMaxWords = 2

const maxPasses = 16

var (
	separators = strings.NewReplacer("-", " ", "–", " ", "—", " ", ",", " ")

	// A number with an optional unit, not glued to a preceding letter (keeps "B12").
	strengthPattern = regexp.MustCompile(`(^|[^A-Z0-9.])(?:\d+(?:\.\d+)?|\.\d+)(?:\s*(?:MILLIGRAMS?|MICROGRAMS?|PERCENT|MCG|MG|ML|IU|G)\b|\s*%)?`)

	formPattern = regexp.MustCompile(`\b(?:TABLETS?|TABS?|CAPSULES?|CAPS?|INJECTIONS?|INJ|SYRUPS?|SYP|OINTMENTS?|OINT|CREAMS?|SOLUTIONS?|SOLN|SOL|DROPS?|GTT)\b`)

	routePattern = regexp.MustCompile(`\b(?:ORAL|TOPICAL|IV|IM|SC|PO|SUBCUTANEOUS|INTRAVENOUS|INTRAMUSCULAR)\b`)

	suffixPattern = regexp.MustCompile(`\bPH\.?\s*EUR\b|\b(?:HCL|IP|USP|BP|EP|ANHYDROUS)\b`)

	disallowed = regexp.MustCompile(`[^A-Z0-9 ]`)
)

// Normalize returns the canonical key for rawName. The result contains only
// A-Z, 0-9 and single spaces, and may be empty when the input was pure noise.
// Normalize is pure and idempotent for a given level.
func Normalize(rawName string, level Level) string {
	cur := fold(rawName)
	for i := 0; i < maxPasses; i++ {
		next := pass(cur, level)
		if next == cur {
			break
		}
		cur = next
	}
	return cur
}

// CanVerify reports whether a normalized name is long enough to look up.
func CanVerify(normalized string) bool {
	return len(normalized) >= MinLookupLength
}

// fold removes diacritics and compatibility forms so accented or full-width
// transcriptions compare like their ASCII spellings.
func fold(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

func pass(s string, level Level) string {
	s = cases.Upper(language.Und).String(s)
	s = separators.Replace(s)
	s = strengthPattern.ReplaceAllString(s, "${1} ")
	s = formPattern.ReplaceAllString(s, " ")
	s = routePattern.ReplaceAllString(s, " ")

	if level == Relaxed {
		s = suffixPattern.ReplaceAllString(s, " ")
		if words := strings.Fields(s); len(words) > relaxedMaxWords {
			s = strings.Join(words[:relaxedMaxWords], " ")
		}
	}

	s = strings.Join(strings.Fields(s), " ")
	return disallowed.ReplaceAllString(s, "")
}
