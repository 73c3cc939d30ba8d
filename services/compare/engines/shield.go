// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engines

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ShieldConfig tunes the hallucination shield.
type ShieldConfig struct {
	// MaxSentences truncates narratives. Zero means 4.
	MaxSentences int `yaml:"max_sentences" validate:"gte=0"`

	// ExtraAdvicePhrases are added to the built-in legal-advice list.
	ExtraAdvicePhrases []string `yaml:"extra_advice_phrases"`
}

// ShieldVerdict is the outcome of checking one narrative.
type ShieldVerdict struct {
	// Text is the narrative to publish: the truncated original when
	// accepted, empty when rejected.
	Text string

	// Rejected is set when the narrative asserted something the source does
	// not support.
	Rejected bool

	// Reason names the first unsupported claim.
	Reason string
}

var (
	// Match: "$50,000", "$ 1.5 million", "USD 250k"
	amountPattern = regexp.MustCompile(
		`(?i)(?:\$|\busd\s*)\s*(\d[\d,]*(?:\.\d+)?)(?:\s*(k|m|bn|thousand|million|billion)\b)?`,
	)

	// Bare numbers in source text, with the same optional magnitude.
	sourceNumberPattern = regexp.MustCompile(
		`(?i)(\d[\d,]*(?:\.\d+)?)(?:\s*(k|m|bn|thousand|million|billion)\b)?`,
	)

	// Match: "Clause 12", "section 4.2", "§ 7". Roman numerals are not matched.
	clauseRefPattern = regexp.MustCompile(
		`(?i)(?:\b(?:clause|section|article|paragraph|sub-?clause)|§)\s*(\d+(?:\.\d+)*)`,
	)

	isoDatePattern   = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	slashDatePattern = regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{2,4}\b`)
	monthDatePattern = regexp.MustCompile(
		`(?i)\b(?:(?:jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?\s+\d{1,2}(?:st|nd|rd|th)?,?\s+\d{4}` +
			`|\d{1,2}(?:st|nd|rd|th)?\s+(?:jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?,?\s+\d{4})\b`,
	)

	sentenceEnd = regexp.MustCompile(`[.!?]+(?:["')\]]*)(?:\s+|$)`)

	defaultAdvicePhrases = []string{
		"legal advice",
		"you should sue",
		"you should not sign",
		"you should sign",
		"we recommend that you",
		"i recommend that you",
		"consult a lawyer",
		"consult an attorney",
		"you are entitled to",
		"you have a claim",
		"is unenforceable",
		"is not enforceable",
		"is illegal",
		"you must reject",
		"you must accept",
	}
)

// Shield checks generated narratives against the clause text they describe.
//
// Description:
//
//	A narrative is rejected when it contains legal-advice phrasing, or cites a
//	dollar amount, clause reference or date that the source does not
//	contain. Accepted narratives are truncated to MaxSentences.
//
// Thread Safety: Safe for concurrent use after construction.
type Shield struct {
	maxSentences int
	advice       []string
}

// NewShield creates a shield.
func NewShield(cfg ShieldConfig) *Shield {
	s := &Shield{maxSentences: cfg.MaxSentences}
	if s.maxSentences <= 0 {
		s.maxSentences = 4
	}
	s.advice = append(s.advice, defaultAdvicePhrases...)
	for _, p := range cfg.ExtraAdvicePhrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			s.advice = append(s.advice, p)
		}
	}
	return s
}

// Check validates narrative against source. clauseNumbers are the numbers
// of the clauses source was built from; a narrative may cite those, or any
// clause the source text itself references.
func (s *Shield) Check(narrative, source string, clauseNumbers ...string) ShieldVerdict {
	text := truncateSentences(strings.TrimSpace(narrative), s.maxSentences)
	if text == "" {
		return ShieldVerdict{Rejected: true, Reason: "empty narrative"}
	}
	if reason := s.firstUnsupported(text, source, clauseNumbers); reason != "" {
		return ShieldVerdict{Rejected: true, Reason: reason}
	}
	return ShieldVerdict{Text: text}
}

func (s *Shield) firstUnsupported(text, source string, clauseNumbers []string) string {
	lower := collapseSpace(strings.ToLower(text))
	for _, phrase := range s.advice {
		if strings.Contains(lower, phrase) {
			return fmt.Sprintf("legal advice phrasing %q", phrase)
		}
	}

	sourceValues := numericValues(source)
	for _, m := range amountPattern.FindAllStringSubmatch(text, -1) {
		v, ok := parseAmount(m[1], m[2])
		if !ok || !sourceValues[v] {
			return fmt.Sprintf("unsupported dollar amount %s", strings.TrimSpace(m[0]))
		}
	}

	sourceRefs := clauseRefs(source, clauseNumbers)
	for _, m := range clauseRefPattern.FindAllStringSubmatch(text, -1) {
		if !sourceRefs[m[1]] {
			return fmt.Sprintf("unsupported clause reference %s", strings.TrimSpace(m[0]))
		}
	}

	normSource := normalizeDate(source)
	for _, pat := range []*regexp.Regexp{isoDatePattern, slashDatePattern, monthDatePattern} {
		for _, d := range pat.FindAllString(text, -1) {
			if !strings.Contains(normSource, normalizeDate(d)) {
				return fmt.Sprintf("unsupported date %s", d)
			}
		}
	}
	return ""
}

// clauseRefs is the set of full dotted clause numbers the source supports:
// explicit references in its text plus the numbers of its own clauses.
func clauseRefs(source string, clauseNumbers []string) map[string]bool {
	refs := make(map[string]bool)
	for _, m := range clauseRefPattern.FindAllStringSubmatch(source, -1) {
		refs[m[1]] = true
	}
	for _, n := range clauseNumbers {
		if n = strings.TrimRight(strings.TrimSpace(n), "."); n != "" {
			refs[n] = true
		}
	}
	return refs
}

// numericValues collects every number in text, scaled by its magnitude
// word, so "$50,000" in a narrative matches "50000" or "50k" in the source.
func numericValues(text string) map[float64]bool {
	out := make(map[float64]bool)
	for _, m := range sourceNumberPattern.FindAllStringSubmatch(text, -1) {
		if v, ok := parseAmount(m[1], m[2]); ok {
			out[v] = true
		}
		// Also record the unscaled value.
		if v, ok := parseAmount(m[1], ""); ok {
			out[v] = true
		}
	}
	return out
}

func parseAmount(digits, magnitude string) (float64, bool) {
	digits = strings.TrimRight(strings.ReplaceAll(digits, ",", ""), ".")
	v, err := strconv.ParseFloat(digits, 64)
	if err != nil {
		return 0, false
	}
	switch strings.ToLower(magnitude) {
	case "k", "thousand":
		v *= 1e3
	case "m", "million":
		v *= 1e6
	case "bn", "billion":
		v *= 1e9
	}
	return v, true
}

func normalizeDate(s string) string {
	s = strings.ToLower(s)
	s = strings.NewReplacer(",", "", ".", "").Replace(s)
	return collapseSpace(s)
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncateSentences keeps at most n sentences of text.
func truncateSentences(text string, n int) string {
	if n <= 0 || text == "" {
		return text
	}
	ends := sentenceEnd.FindAllStringIndex(text, -1)
	if len(ends) < n {
		return text
	}
	end := ends[n-1][1]
	return strings.TrimSpace(text[:end])
}
