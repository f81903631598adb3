package review

import (
	"slices"
	"strings"
	"unicode"
)

// PriorityPolicy derives a priority for new requests. Its thresholds are
// separate from the routing thresholds.
type PriorityPolicy struct {
	HighBelow       float64
	MediumBelow     float64
	UrgencyKeywords []string
}

// DefaultPriorityPolicy returns 0.65 / 0.70 bands with the usual urgency words.
func DefaultPriorityPolicy() PriorityPolicy {
	return PriorityPolicy{
		HighBelow:       0.65,
		MediumBelow:     0.70,
		UrgencyKeywords: []string{"urgent", "asap", "rush", "emergency", "immediately"},
	}
}

// Derive picks a priority: any urgency keyword appearing as whole words in
// subject or body forces urgent, otherwise confidence selects the band.
func (p PriorityPolicy) Derive(src SourceRef, confidence float64) Priority {
	words := splitWords(src.Subject + " " + src.Body)
	for _, kw := range p.UrgencyKeywords {
		if containsPhrase(words, splitWords(kw)) {
			return PriorityUrgent
		}
	}
	switch {
	case confidence < p.HighBelow:
		return PriorityHigh
	case confidence < p.MediumBelow:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Escalate returns the next higher priority; urgent stays urgent.
func Escalate(p Priority) Priority {
	switch p {
	case PriorityLow:
		return PriorityMedium
	case PriorityMedium:
		return PriorityHigh
	default:
		return PriorityUrgent
	}
}

func splitWords(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// containsPhrase reports whether phrase occurs as a contiguous run in words.
func containsPhrase(words, phrase []string) bool {
	if len(phrase) == 0 {
		return false
	}
	for i := 0; i+len(phrase) <= len(words); i++ {
		if slices.Equal(words[i:i+len(phrase)], phrase) {
			return true
		}
	}
	return false
}
