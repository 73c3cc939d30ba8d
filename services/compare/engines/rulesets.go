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
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianCompare/services/compare/datatypes"
)

// ErrInvalidRuleset is returned when a pattern or rule file cannot be
// loaded.
var ErrInvalidRuleset = errors.New("invalid ruleset")

//go:embed rulesets/erce_patterns.yaml
var embeddedERCEPatterns []byte

//go:embed rulesets/far_rules.yaml
var embeddedFARRules []byte

// =============================================================================
// ERCE patterns
// =============================================================================

// RiskPattern is one ERCE classification pattern.
type RiskPattern struct {
	ID          string             `yaml:"id"`
	Category    string             `yaml:"category"`
	Severity    datatypes.Severity `yaml:"severity"`
	Description string             `yaml:"description"`
	Regex       string             `yaml:"regex"`

	compiled *regexp.Regexp
}

// Match reports whether text triggers the pattern.
func (p *RiskPattern) Match(text string) bool {
	return p.compiled != nil && p.compiled.MatchString(text)
}

// PatternSet is a loaded and compiled ERCE pattern file.
type PatternSet struct {
	Version  string        `yaml:"version"`
	Patterns []RiskPattern `yaml:"patterns"`
}

// LoadPatternSet reads the ERCE patterns at path, or the embedded default
// set when path is empty.
func LoadPatternSet(path string) (*PatternSet, error) {
	data, err := readRuleset(path, embeddedERCEPatterns)
	if err != nil {
		return nil, err
	}
	return ParsePatternSet(data)
}

// ParsePatternSet decodes and compiles an ERCE pattern document.
func ParsePatternSet(data []byte) (*PatternSet, error) {
	var set PatternSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal patterns: %w", ErrInvalidRuleset, err)
	}
	if set.Version == "" {
		return nil, fmt.Errorf("%w: patterns have no version", ErrInvalidRuleset)
	}
	seen := make(map[string]struct{}, len(set.Patterns))
	for i := range set.Patterns {
		p := &set.Patterns[i]
		if p.ID == "" || p.Category == "" {
			return nil, fmt.Errorf("%w: pattern %d needs id and category", ErrInvalidRuleset, i)
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate pattern id %s", ErrInvalidRuleset, p.ID)
		}
		seen[p.ID] = struct{}{}
		if !p.Severity.Valid() {
			return nil, fmt.Errorf("%w: pattern %s has severity %q", ErrInvalidRuleset, p.ID, p.Severity)
		}
		re, err := compileCaseless(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("%w: pattern %s: %w", ErrInvalidRuleset, p.ID, err)
		}
		p.compiled = re
	}
	return &set, nil
}

// Classification is the result of running a PatternSet over one clause.
type Classification struct {
	Severity   datatypes.Severity
	Categories []string
	PatternIDs []string
}

// Matched reports whether any pattern fired.
func (c Classification) Matched() bool { return len(c.PatternIDs) > 0 }

// Classify runs every pattern against text. Severity is the maximum of the
// matched patterns, ADMIN when none matched.
func (s *PatternSet) Classify(text string) Classification {
	var c Classification
	var severities []datatypes.Severity
	for i := range s.Patterns {
		p := &s.Patterns[i]
		if !p.Match(text) {
			continue
		}
		severities = append(severities, p.Severity)
		c.Categories = append(c.Categories, p.Category)
		c.PatternIDs = append(c.PatternIDs, p.ID)
	}
	c.Severity = datatypes.MaxSeverity(severities...)
	c.Categories = sortedUnique(c.Categories)
	sort.Strings(c.PatternIDs)
	return c
}

// =============================================================================
// FAR rules
// =============================================================================

// FlowdownRule is one FAR requirement.
type FlowdownRule struct {
	ID              string             `yaml:"id"`
	Category        string             `yaml:"category"`
	Description     string             `yaml:"description"`
	Severity        datatypes.Severity `yaml:"severity"`
	Pattern         string             `yaml:"pattern"`
	ConflictPattern string             `yaml:"conflict_pattern"`
	WeakerTerms     []string           `yaml:"weaker_terms"`
	AppliesWhen     string             `yaml:"applies_when"`

	pattern  *regexp.Regexp
	conflict *regexp.Regexp
	when     *exprvm.Program
}

// RuleSet is a loaded and compiled FAR rule file.
type RuleSet struct {
	Version            string         `yaml:"version"`
	CriticalCategories []string       `yaml:"critical_categories"`
	Rules              []FlowdownRule `yaml:"rules"`
}

// LoadRuleSet reads the FAR rules at path, or the embedded default set when
// path is empty.
func LoadRuleSet(path string) (*RuleSet, error) {
	data, err := readRuleset(path, embeddedFARRules)
	if err != nil {
		return nil, err
	}
	return ParseRuleSet(data)
}

// ParseRuleSet decodes a FAR rule document and compiles its regexes and
// applies_when expressions.
func ParseRuleSet(data []byte) (*RuleSet, error) {
	var set RuleSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal rules: %w", ErrInvalidRuleset, err)
	}
	if set.Version == "" {
		return nil, fmt.Errorf("%w: rules have no version", ErrInvalidRuleset)
	}
	for i := range set.Rules {
		r := &set.Rules[i]
		if r.ID == "" || r.Category == "" {
			return nil, fmt.Errorf("%w: rule %d needs id and category", ErrInvalidRuleset, i)
		}
		// Gap findings never go below MODERATE.
		if r.Severity.Rank() < datatypes.SeverityModerate.Rank() {
			return nil, fmt.Errorf("%w: rule %s has severity %q", ErrInvalidRuleset, r.ID, r.Severity)
		}
		var err error
		if r.pattern, err = compileCaseless(r.Pattern); err != nil {
			return nil, fmt.Errorf("%w: rule %s pattern: %w", ErrInvalidRuleset, r.ID, err)
		}
		if r.ConflictPattern != "" {
			if r.conflict, err = compileCaseless(r.ConflictPattern); err != nil {
				return nil, fmt.Errorf("%w: rule %s conflict_pattern: %w", ErrInvalidRuleset, r.ID, err)
			}
		}
		for j, term := range r.WeakerTerms {
			r.WeakerTerms[j] = strings.ToLower(strings.TrimSpace(term))
		}
		if strings.TrimSpace(r.AppliesWhen) != "" {
			r.when, err = exprlang.Compile(r.AppliesWhen,
				exprlang.Env(ruleEnv{}),
				exprlang.AsBool(),
			)
			if err != nil {
				return nil, fmt.Errorf("%w: rule %s applies_when: %w", ErrInvalidRuleset, r.ID, err)
			}
		}
	}
	return &set, nil
}

// DocFacts is what applies_when expressions see of one document.
type DocFacts struct {
	ID          string `expr:"id"`
	Title       string `expr:"title"`
	ClauseCount int    `expr:"clause_count"`
	Text        string `expr:"text"`
}

type ruleEnv struct {
	DocA DocFacts `expr:"doc_a"`
	DocB DocFacts `expr:"doc_b"`
}

func factsOf(d datatypes.Document) DocFacts {
	return DocFacts{
		ID:          d.ID,
		Title:       d.Title,
		ClauseCount: len(d.Clauses),
		Text:        strings.ToLower(d.FullText()),
	}
}

// Applies evaluates the rule's applies_when condition. Rules without one
// always apply.
func (r *FlowdownRule) Applies(a, b datatypes.Document) (bool, error) {
	if r.when == nil {
		return true, nil
	}
	out, err := exprlang.Run(r.when, ruleEnv{DocA: factsOf(a), DocB: factsOf(b)})
	if err != nil {
		return false, fmt.Errorf("rule %s applies_when: %w", r.ID, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

// Covers reports whether text addresses the rule's subject.
func (r *FlowdownRule) Covers(text string) bool { return r.pattern.MatchString(text) }

// Conflicts reports whether text contradicts the rule.
func (r *FlowdownRule) Conflicts(text string) bool {
	return r.conflict != nil && r.conflict.MatchString(text)
}

// WeakerTerm returns the first weaker term present in text, if any.
func (r *FlowdownRule) WeakerTerm(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, term := range r.WeakerTerms {
		if term != "" && strings.Contains(lower, term) {
			return term, true
		}
	}
	return "", false
}

// =============================================================================
// Helpers
// =============================================================================

func readRuleset(path string, embedded []byte) ([]byte, error) {
	if path == "" {
		return embedded, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRuleset, err)
	}
	return data, nil
}

func compileCaseless(expr string) (*regexp.Regexp, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, errors.New("empty regex")
	}
	return regexp.Compile("(?i)" + expr)
}

func sortedUnique(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := append([]string(nil), in...)
	sort.Strings(out)
	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}
