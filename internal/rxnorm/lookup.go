package rxnorm

import (
	"context"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxverify/internal/domain/medication"
)

const (
	// minScore excludes approximate matches at or below it
	minScore = 10
	// maxCandidates bounds the disambiguation list
	maxCandidates = 4
	// minTermLength is the longest term still considered too short to search
	minTermLength = 3
)

var strengthToken = regexp.MustCompile(`\d*\.?\d+`)

// ExtractStrength returns the first decimal-aware number in dosage ("500",
// "0.5", ".5"). ok is false for empty, "N/A" or number-free dosages.
func ExtractStrength(dosage string) (string, bool) {
	d := strings.TrimSpace(dosage)
	if d == "" || strings.EqualFold(d, medication.NotApplicable) {
		return "", false
	}
	tok := strengthToken.FindString(d)
	return tok, tok != ""
}

// SearchCandidates runs an approximate-term search and returns up to four
// distinct concepts scoring above 10, each named from its properties record.
// Short terms and "not found" answers yield an empty list; only an
// unreachable or rejecting upstream yields an error.
func (c *Client) SearchCandidates(ctx context.Context, term string) ([]medication.RxNormCandidate, error) {
	candidates := []medication.RxNormCandidate{}
	term = strings.TrimSpace(term)
	if len(term) <= minTermLength {
		return candidates, nil
	}

	out := c.Fetch(ctx, "approximateTerm.json", url.Values{
		"term":       {term},
		"maxEntries": {strconv.Itoa(c.cfg.MaxEntries)},
	})
	if out.Failed() {
		return nil, out.Err
	}

	var resp approximateResponse
	if !out.Decode(&resp) {
		return candidates, nil
	}

	seen := make(map[string]bool)
	for _, cand := range resp.ApproximateGroup.Candidate {
		if int(cand.Score) <= minScore || cand.RxCUI == "" || seen[cand.RxCUI] {
			continue
		}
		seen[cand.RxCUI] = true
		candidates = append(candidates, medication.RxNormCandidate{
			RxCUI:  cand.RxCUI,
			Name:   cand.Name,
			Score:  int(cand.Score),
			Source: medication.SourceRxNorm,
		})
		if len(candidates) == maxCandidates {
			break
		}
	}

	for i := range candidates {
		if name := c.conceptName(ctx, candidates[i].RxCUI); name != "" {
			candidates[i].Name = name
		} else if candidates[i].Name == "" {
			candidates[i].Name = candidates[i].RxCUI
		}
	}
	return candidates, nil
}

// conceptName resolves an rxcui to its display name, or "" when unavailable
func (c *Client) conceptName(ctx context.Context, rxcui string) string {
	out := c.Fetch(ctx, "rxcui/"+url.PathEscape(rxcui)+"/properties.json", nil)
	var resp propertiesResponse
	if !out.Decode(&resp) || resp.Properties == nil {
		return ""
	}
	return strings.TrimSpace(resp.Properties.Name)
}

// ValidateStrength reports whether the number in dosage appears in the name of
// any clinical drug (SCD) or clinical drug form (SCDF) related to rxcui.
// It fails closed: any upstream fault, missing data or malformed payload
// returns false. Dosages without a number return true without a request.
func (c *Client) ValidateStrength(ctx context.Context, rxcui, dosage string) bool {
	strength, ok := ExtractStrength(dosage)
	if !ok {
		return true
	}
	rxcui = strings.TrimSpace(rxcui)
	if rxcui == "" {
		return false
	}

	out := c.Fetch(ctx, "rxcui/"+url.PathEscape(rxcui)+"/related.json", url.Values{
		"tty": {"SCD SCDF"},
	})

	var resp relatedResponse
	if !out.Decode(&resp) || resp.RelatedGroup == nil {
		c.logger.Debug("strength check indeterminate",
			zap.String("rxcui", rxcui),
			zap.String("outcome", out.Kind.String()))
		return false
	}

	for _, group := range resp.RelatedGroup.ConceptGroup {
		if group.TTY != "SCD" && group.TTY != "SCDF" {
			continue
		}
		for _, concept := range group.ConceptProperties {
			if strings.Contains(concept.Name, strength) {
				return true
			}
		}
	}
	return false
}

// GetInteractions returns pairwise interactions among ids. Fewer than two
// distinct ids, or any failure, yields an empty list.
func (c *Client) GetInteractions(ctx context.Context, ids []string) []medication.Interaction {
	interactions := []medication.Interaction{}

	var distinct []string
	seen := make(map[string]bool)
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		distinct = append(distinct, id)
	}
	if len(distinct) < 2 {
		return interactions
	}

	out := c.Fetch(ctx, "interaction/list.json", url.Values{
		"rxcuis": {strings.Join(distinct, " ")},
	})

	var resp interactionResponse
	if !out.Decode(&resp) {
		return interactions
	}

	reported := make(map[string]bool)
	for _, group := range resp.FullInteractionTypeGroup {
		for _, fit := range group.FullInteractionType {
			for _, pair := range fit.InteractionPair {
				if len(pair.InteractionConcept) < 2 {
					continue
				}
				a := pair.InteractionConcept[0].MinConceptItem
				b := pair.InteractionConcept[1].MinConceptItem
				key := a.RxCUI + "|" + b.RxCUI + "|" + pair.Description
				if reported[key] {
					continue
				}
				reported[key] = true
				interactions = append(interactions, medication.Interaction{
					Drugs:       [2]string{a.Name, b.Name},
					RxCUIs:      [2]string{a.RxCUI, b.RxCUI},
					Severity:    pair.Severity,
					Description: pair.Description,
				})
			}
		}
	}
	return interactions
}
