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
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCompare/services/compare/datatypes"
)

const (
	indemnityBase    = "Subcontractor shall indemnify Prime against third-party claims."
	indemnityRevised = "Subcontractor shall indemnify and hold harmless Prime and accepts unlimited liability for any breach."
)

func TestERCE_MaxSeverityWins(t *testing.T) {
	erce := NewERCE(defaultPatterns(t), newPatternCache(t, nil), nil)
	req := request(
		[]datatypes.Clause{clause("c1", indemnityBase)},
		[]datatypes.Clause{clause("c1", indemnityRevised)},
	)

	out, env := erce.Run(context.Background(), Input{Request: req}, allOn())
	require.Equal(t, datatypes.StatusSuccess, env.Status)
	require.Len(t, out.Risks, 1)

	risk := out.Risks[0]
	assert.Equal(t, datatypes.SeverityCritical, risk.Severity)
	assert.Equal(t, datatypes.SeverityHigh, risk.BaselineSeverity)
	assert.Equal(t, datatypes.RiskIncreased, risk.Direction)
	assert.Equal(t, []string{"indemnification", "limitation_of_liability"}, risk.Categories)
	assert.Contains(t, risk.MatchedPatterns, "erce.indemnification.obligation")
	assert.Contains(t, risk.MatchedPatterns, "erce.liability.unlimited")
	assert.Equal(t, "c1", risk.SourceClauseID)
	assert.Equal(t, "c1", risk.TargetClauseID)
}

func TestERCE_UsesSAEPairs(t *testing.T) {
	erce := NewERCE(defaultPatterns(t), newPatternCache(t, nil), nil)
	req := request(
		[]datatypes.Clause{clause("a1", indemnityBase), clause("a2", "This agreement is governed by the laws of Delaware.")},
		[]datatypes.Clause{clause("b9", indemnityRevised), clause("b3", "Deliveries occur weekly.")},
	)
	prior := &datatypes.ComparisonResult{Matches: []datatypes.ClauseMatch{
		{SourceClauseID: "a1", TargetClauseID: "b9", Similarity: 0.8, Alignment: datatypes.AlignmentModified},
		{SourceClauseID: "a2", Alignment: datatypes.AlignmentUnmatched},
		{TargetClauseID: "b3", Alignment: datatypes.AlignmentAdded},
	}}

	out, env := erce.Run(context.Background(), Input{Request: req, Prior: prior}, allOn())
	require.Equal(t, datatypes.StatusSuccess, env.Status)
	require.Len(t, out.Risks, 2, "the added clause matches no pattern")

	assert.Equal(t, "a1", out.Risks[0].SourceClauseID)
	assert.Equal(t, "b9", out.Risks[0].TargetClauseID)

	removed := out.Risks[1]
	assert.Equal(t, "a2", removed.SourceClauseID)
	assert.Empty(t, removed.TargetClauseID)
	assert.Equal(t, datatypes.RiskDecreased, removed.Direction)
	assert.Equal(t, datatypes.SeverityAdmin, removed.Severity)
	assert.Equal(t, []string{"governing_law"}, removed.Categories)
}

func TestERCE_PairsByIDWhenSAENotAssessed(t *testing.T) {
	erce := NewERCE(defaultPatterns(t), newPatternCache(t, nil), nil)
	req := request(
		[]datatypes.Clause{clause("c1", "Payment terms are net 30.")},
		[]datatypes.Clause{clause("c1", "Payment terms are net 60."), clause("c2", "Supplier may terminate for convenience.")},
	)
	prior := &datatypes.ComparisonResult{Matches: Placeholder(datatypes.StageSAE, Input{Request: req}).Matches}

	out, _ := erce.Run(context.Background(), Input{Request: req, Prior: prior}, allOn())
	require.Len(t, out.Risks, 2)
	assert.Equal(t, datatypes.RiskUnchanged, out.Risks[0].Direction)
	assert.Equal(t, datatypes.SeverityModerate, out.Risks[0].Severity)

	added := out.Risks[1]
	assert.Empty(t, added.SourceClauseID)
	assert.Equal(t, "c2", added.TargetClauseID)
	assert.Equal(t, datatypes.RiskIncreased, added.Direction)
	assert.Equal(t, datatypes.SeverityHigh, added.Severity)
}

func TestERCE_CacheHitOnRepeat(t *testing.T) {
	patternCache := newPatternCache(t, nil)
	erce := NewERCE(defaultPatterns(t), patternCache, nil)
	req := request(
		[]datatypes.Clause{clause("c1", indemnityBase)},
		[]datatypes.Clause{clause("c1", indemnityRevised)},
	)

	first, env := erce.Run(context.Background(), Input{Request: req}, allOn())
	require.NotNil(t, env.CacheHit)
	assert.False(t, *env.CacheHit)

	// Same texts under different IDs still hit, and carry the new IDs.
	renamed := request(
		[]datatypes.Clause{clause("x1", indemnityBase)},
		[]datatypes.Clause{clause("x1", indemnityRevised)},
	)
	second, env := erce.Run(context.Background(), Input{Request: renamed}, allOn())
	require.NotNil(t, env.CacheHit)
	assert.True(t, *env.CacheHit)
	require.Len(t, second.Risks, 1)
	assert.Equal(t, "x1", second.Risks[0].SourceClauseID)
	assert.Equal(t, first.Risks[0].Severity, second.Risks[0].Severity)

	stats, err := patternCache.Metrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Hits)
}

func TestERCE_StoreFailureIsStructural(t *testing.T) {
	erce := NewERCE(defaultPatterns(t), newPatternCache(t, brokenStore{}), nil)
	req := request([]datatypes.Clause{clause("c1", indemnityBase)}, []datatypes.Clause{clause("c1", indemnityRevised)})

	out, env := erce.Run(context.Background(), Input{Request: req}, allOn())
	assert.Equal(t, datatypes.StatusFailed, env.Status)
	assert.Empty(t, out.Risks)
}

func TestERCE_FlagOff(t *testing.T) {
	erce := NewERCE(defaultPatterns(t), newPatternCache(t, brokenStore{}), nil)
	req := request([]datatypes.Clause{clause("c1", indemnityBase)}, []datatypes.Clause{clause("c1", indemnityRevised)})

	out, env := erce.Run(context.Background(), Input{Request: req}, flagSet{})
	assert.Equal(t, datatypes.StatusSkipped, env.Status)
	assert.NotNil(t, out.Risks)
	assert.Empty(t, out.Risks)
}
