// Package calibrate re-scores classifier decisions with lexical evidence.
//
// The pass is conservative: it may tighten an included decision (to maybe or
// excluded) and may promote maybe to included on strong evidence, but it
// never turns excluded into included.
package calibrate

import (
	"math"
	"strings"

	"github.com/jackzampolin/screener/internal/classify"
)

// Confidence bands applied after a decision is kept, promoted or demoted.
const (
	IncludedFloor   = 0.72
	IncludedCeiling = 0.95
	MaybeFloor      = 0.40
	MaybeCeiling    = 0.65
	ExcludedCeiling = 0.30
)

// Evidence is the lexical analysis of one candidate against a topic.
type Evidence struct {
	TopicTokens  int
	Overlap      int
	MinOverlap   int
	Contribution bool
	Artifact     bool
	Specificity  bool
	Peripheral   bool
	// PeripheralHits counts peripheral framing matches.
	PeripheralHits int
	// ConceptualNoEmpirical is set when the text frames itself as conceptual
	// without any empirical signal.
	ConceptualNoEmpirical bool
}

// TopicMatch reports whether the overlap reaches the length-dependent minimum.
func (e Evidence) TopicMatch() bool {
	return e.Overlap >= e.MinOverlap
}

// PositiveCues reports whether contribution, artifact and specificity all hold.
func (e Evidence) PositiveCues() bool {
	return e.Contribution && e.Artifact && e.Specificity
}

// FramingDominates reports whether peripheral or conceptual framing
// outweighs the contribution signal.
func (e Evidence) FramingDominates() bool {
	if e.ConceptualNoEmpirical {
		return true
	}
	positive := 0
	for _, c := range []bool{e.Contribution, e.Artifact, e.Specificity} {
		if c {
			positive++
		}
	}
	return e.PeripheralHits > 0 && e.PeripheralHits >= positive
}

// Evaluate computes the evidence for candidateText against topic.
func Evaluate(candidateText, topic string) Evidence {
	topicTokens := tokenSet(topic)
	textTokens := tokenSet(candidateText)

	overlap := 0
	for tok := range topicTokens {
		if textTokens[tok] {
			overlap++
		}
	}

	minOverlap := 1
	if len(topicTokens) > 2 {
		minOverlap = 2
	}
	if len(topicTokens) == 0 {
		minOverlap = 0
	}

	lower := strings.ToLower(candidateText)
	peripheralHits := len(peripheralRe.FindAllStringIndex(lower, -1))
	return Evidence{
		TopicTokens:           len(topicTokens),
		Overlap:               overlap,
		MinOverlap:            minOverlap,
		Contribution:          contributionRe.MatchString(lower),
		Artifact:              artifactRe.MatchString(lower),
		Specificity:           specificityRe.MatchString(lower),
		Peripheral:            peripheralHits > 0,
		PeripheralHits:        peripheralHits,
		ConceptualNoEmpirical: conceptualRe.MatchString(lower) && !empiricalRe.MatchString(lower),
	}
}

// Calibrate applies the policy to one entry. Only Status and Confidence change.
func Calibrate(entry classify.Entry, candidateText, topic string) classify.Entry {
	ev := Evaluate(candidateText, topic)
	return Apply(entry, ev)
}

// Apply applies the policy given precomputed evidence.
func Apply(entry classify.Entry, ev Evidence) classify.Entry {
	out := entry
	out.Confidence = classify.ClampConfidence(entry.Confidence)

	switch entry.Status {
	case classify.StatusIncluded:
		switch {
		case !ev.TopicMatch():
			out.Status = classify.StatusExcluded
			out.Confidence = math.Min(out.Confidence, ExcludedCeiling)
		case !ev.PositiveCues() || ev.FramingDominates():
			out.Status = classify.StatusMaybe
			out.Confidence = clamp(out.Confidence, MaybeFloor, MaybeCeiling)
		default:
			out.Confidence = clamp(out.Confidence, IncludedFloor, IncludedCeiling)
		}
	case classify.StatusMaybe:
		if ev.TopicMatch() && ev.PositiveCues() && !ev.Peripheral {
			out.Status = classify.StatusIncluded
			out.Confidence = clamp(out.Confidence, IncludedFloor, IncludedCeiling)
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range tokenRe.FindAllString(strings.ToLower(s), -1) {
		if len(tok) < 2 || stopWords[tok] {
			continue
		}
		set[stem(tok)] = true
	}
	return set
}

// stem folds simple English plurals so "frameworks" matches "framework".
func stem(tok string) string {
	switch {
	case len(tok) > 4 && strings.HasSuffix(tok, "ies"):
		return tok[:len(tok)-3] + "y"
	case len(tok) > 3 && strings.HasSuffix(tok, "s") && !strings.HasSuffix(tok, "ss"):
		return tok[:len(tok)-1]
	}
	return tok
}
