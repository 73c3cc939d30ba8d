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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCompare/services/compare/datatypes"
)

func TestEmbeddedRulesets(t *testing.T) {
	patterns := defaultPatterns(t)
	assert.NotEmpty(t, patterns.Version)
	assert.NotEmpty(t, patterns.Patterns)

	rules := defaultRules(t)
	assert.NotEmpty(t, rules.Version)
	assert.ElementsMatch(t, []string{"indemnification", "limitation_of_liability"}, rules.CriticalCategories)
	for _, r := range rules.Rules {
		assert.GreaterOrEqual(t, r.Severity.Rank(), datatypes.SeverityModerate.Rank(), r.ID)
	}
}

func TestPatternSet_Classify(t *testing.T) {
	patterns := defaultPatterns(t)

	c := patterns.Classify("Deliveries occur weekly.")
	assert.False(t, c.Matched())
	assert.Equal(t, datatypes.SeverityAdmin, c.Severity)
	assert.Empty(t, c.Categories)

	c = patterns.Classify("SUPPLIER SHALL INDEMNIFY BUYER AND ACCEPTS UNLIMITED LIABILITY.")
	assert.True(t, c.Matched())
	assert.Equal(t, datatypes.SeverityCritical, c.Severity)
	assert.Equal(t, []string{"indemnification", "limitation_of_liability"}, c.Categories)
}

func TestParsePatternSet_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"no version", "patterns: []"},
		{"bad regex", "version: v1\npatterns:\n  - {id: p1, category: c, severity: HIGH, regex: '(unclosed'}"},
		{"bad severity", "version: v1\npatterns:\n  - {id: p1, category: c, severity: SEVERE, regex: x}"},
		{"duplicate id", "version: v1\npatterns:\n  - {id: p1, category: c, severity: HIGH, regex: x}\n  - {id: p1, category: c, severity: HIGH, regex: y}"},
		{"missing category", "version: v1\npatterns:\n  - {id: p1, severity: HIGH, regex: x}"},
		{"empty regex", "version: v1\npatterns:\n  - {id: p1, category: c, severity: HIGH, regex: ''}"},
		{"not yaml", "version: [unterminated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePatternSet([]byte(tt.doc))
			assert.ErrorIs(t, err, ErrInvalidRuleset)
		})
	}
}

func TestParseRuleSet_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"no version", "rules: []"},
		{"admin severity", "version: v1\nrules:\n  - {id: r1, category: c, severity: ADMIN, pattern: x}"},
		{"bad conflict", "version: v1\nrules:\n  - {id: r1, category: c, severity: HIGH, pattern: x, conflict_pattern: '['}"},
		{"unknown field in condition", "version: v1\nrules:\n  - {id: r1, category: c, severity: HIGH, pattern: x, applies_when: 'doc_a.pages > 1'}"},
		{"non boolean condition", "version: v1\nrules:\n  - {id: r1, category: c, severity: HIGH, pattern: x, applies_when: 'doc_a.clause_count'}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRuleSet([]byte(tt.doc))
			assert.ErrorIs(t, err, ErrInvalidRuleset)
		})
	}
}

func TestFlowdownRule_Conditions(t *testing.T) {
	set, err := ParseRuleSet([]byte(`
version: v1
rules:
  - id: r1
    category: audit
    severity: MODERATE
    pattern: '\baudit\b'
    weaker_terms: ["  Upon Request "]
    applies_when: 'doc_b.title contains "Sub" && doc_a.text contains "audit"'
`))
	require.NoError(t, err)
	rule := &set.Rules[0]

	a := datatypes.Document{ID: "a", Clauses: []datatypes.Clause{clause("1", "Records are open to AUDIT.")}}
	b := datatypes.Document{ID: "b", Title: "Subcontract", Clauses: []datatypes.Clause{clause("1", "x")}}

	ok, err := rule.Applies(a, b)
	require.NoError(t, err)
	assert.True(t, ok, "doc text is lowercased")

	b.Title = "Purchase order"
	ok, err = rule.Applies(a, b)
	require.NoError(t, err)
	assert.False(t, ok)

	term, weak := rule.WeakerTerm("Audit UPON REQUEST only")
	assert.True(t, weak)
	assert.Equal(t, "upon request", term)
	assert.True(t, rule.Covers("AUDIT"))
	assert.False(t, rule.Conflicts("no audit"))
}

func TestLoadRuleset_FromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patterns.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"version: custom-1\npatterns:\n  - {id: p1, category: export_control, severity: CRITICAL, regex: 'itar'}\n"), 0o600))

	set, err := LoadPatternSet(path)
	require.NoError(t, err)
	assert.Equal(t, "custom-1", set.Version)
	assert.Equal(t, datatypes.SeverityCritical, set.Classify("Subject to ITAR.").Severity)

	_, err = LoadRuleSet(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, ErrInvalidRuleset)
}
