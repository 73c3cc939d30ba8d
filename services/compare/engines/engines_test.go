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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCompare/pkg/logging"
	"github.com/AleutianAI/AleutianCompare/services/compare/cache"
	"github.com/AleutianAI/AleutianCompare/services/compare/capability"
	"github.com/AleutianAI/AleutianCompare/services/compare/datatypes"
	"github.com/AleutianAI/AleutianCompare/services/compare/flags"
)

// =============================================================================
// Test helpers
// =============================================================================

type flagSet map[string]bool

func (f flagSet) Get(name string) bool { return f[name] }

func allOn() flagSet {
	return flagSet{
		flags.FlagSAE:  true,
		flags.FlagERCE: true,
		flags.FlagBIRL: true,
		flags.FlagFAR:  true,
	}
}

type countingEmbedder struct {
	mu      sync.Mutex
	calls   int
	vectors map[string][]float32
	err     error
	block   bool
	panics  bool
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.panics {
		panic("embedding index corrupted")
	}
	if c.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if c.err != nil {
		return nil, c.err
	}
	if v, ok := c.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func (c *countingEmbedder) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type countingGenerator struct {
	mu      sync.Mutex
	calls   int
	reply   string
	err     error
	prompts []string
}

func (g *countingGenerator) Generate(_ context.Context, prompt string, _ int, _ float32) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.prompts = append(g.prompts, prompt)
	if g.err != nil {
		return "", g.err
	}
	return g.reply, nil
}

func (g *countingGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// brokenStore fails every operation, as an unreachable backend would.
type brokenStore struct{}

var errBackendDown = errors.New("connection refused")

func (brokenStore) Load(context.Context, string, cache.Fingerprint) (cache.Entry, bool, error) {
	return cache.Entry{}, false, errBackendDown
}

func (brokenStore) PutIfAbsent(context.Context, string, cache.Entry) (cache.Entry, bool, error) {
	return cache.Entry{}, false, errBackendDown
}

func (brokenStore) Delete(context.Context, string, cache.Fingerprint) (bool, error) {
	return false, errBackendDown
}

func (brokenStore) Len(context.Context, string) (int, error) { return 0, errBackendDown }

func (brokenStore) Close() error { return nil }

func newPatternCache(t *testing.T, store cache.Store) *PatternCache {
	t.Helper()
	if store == nil {
		store = cache.NewMemoryStore()
	}
	c, err := cache.New[datatypes.StageOutput](cache.PatternConfig(), store)
	require.NoError(t, err)
	return c
}

func newEmbeddingCache(t *testing.T, store cache.Store) *EmbeddingCache {
	t.Helper()
	if store == nil {
		store = cache.NewMemoryStore()
	}
	c, err := cache.New[[]float32](cache.EmbeddingConfig(), store)
	require.NoError(t, err)
	return c
}

func clause(id, text string) datatypes.Clause {
	return datatypes.Clause{ID: id, Text: text}
}

func request(a, b []datatypes.Clause) *datatypes.ComparisonRequest {
	return &datatypes.ComparisonRequest{
		DocumentA: datatypes.Document{ID: "prime", Clauses: a},
		DocumentB: datatypes.Document{ID: "sub", Clauses: b},
	}
}

func defaultPatterns(t *testing.T) *PatternSet {
	t.Helper()
	set, err := LoadPatternSet("")
	require.NoError(t, err)
	return set
}

func defaultRules(t *testing.T) *RuleSet {
	t.Helper()
	set, err := LoadRuleSet("")
	require.NoError(t, err)
	return set
}

// =============================================================================
// Adapter contract
// =============================================================================

func TestPlaceholder(t *testing.T) {
	in := Input{Request: request(
		[]datatypes.Clause{clause("a1", "x"), clause("a2", "y")},
		[]datatypes.Clause{clause("b1", "z")},
	)}

	sae := Placeholder(datatypes.StageSAE, in)
	require.Len(t, sae.Matches, 2)
	for _, m := range sae.Matches {
		assert.Equal(t, datatypes.AlignmentUnassessed, m.Alignment)
	}
	require.NoError(t, sae.Validate())

	for _, stage := range []datatypes.StageName{datatypes.StageERCE, datatypes.StageBIRL, datatypes.StageFAR} {
		out := Placeholder(stage, in)
		require.NoError(t, out.Validate())
		assert.Equal(t, stage, out.Stage)
	}
	assert.NotNil(t, Placeholder(datatypes.StageFAR, in).Gaps)
	assert.Equal(t, Placeholder(datatypes.StageSAE, in), Placeholder(datatypes.StageSAE, in))
}

func TestRunStage_FlagOffNeverComputes(t *testing.T) {
	in := Input{Request: request([]datatypes.Clause{clause("a1", "x")}, []datatypes.Clause{clause("b1", "x")})}
	called := false
	compute := func(context.Context) (datatypes.StageOutput, bool, error) {
		called = true
		return datatypes.StageOutput{Stage: datatypes.StageSAE}, false, nil
	}

	for name, reg := range map[string]flags.Reader{"off": flagSet{}, "nil registry": nil} {
		t.Run(name, func(t *testing.T) {
			out, env := runStage(context.Background(), datatypes.StageSAE, flags.FlagSAE, in, reg, logging.Discard(), compute)
			assert.False(t, called)
			assert.Equal(t, datatypes.StatusSkipped, env.Status)
			assert.Nil(t, env.CacheHit)
			assert.Nil(t, env.ErrorDetail)
			assert.Equal(t, Placeholder(datatypes.StageSAE, in), out)
		})
	}
}

func TestRunStage_Outcomes(t *testing.T) {
	in := Input{Request: request([]datatypes.Clause{clause("a1", "x")}, []datatypes.Clause{clause("b1", "x")})}

	tests := []struct {
		name       string
		compute    computeFunc
		timeout    time.Duration
		wantStatus datatypes.StageStatus
		wantDetail string
	}{
		{
			name: "capability failure falls back",
			compute: func(context.Context) (datatypes.StageOutput, bool, error) {
				return datatypes.StageOutput{}, false, capability.Unavailablef(nil, "provider down")
			},
			wantStatus: datatypes.StatusFallback,
			wantDetail: "provider down",
		},
		{
			name: "store failure fails",
			compute: func(context.Context) (datatypes.StageOutput, bool, error) {
				return datatypes.StageOutput{}, false, cache.ErrStore
			},
			wantStatus: datatypes.StatusFailed,
			wantDetail: "cache store failure",
		},
		{
			name: "panic fails",
			compute: func(context.Context) (datatypes.StageOutput, bool, error) {
				panic("boom")
			},
			wantStatus: datatypes.StatusFailed,
			wantDetail: "stage panic",
		},
		{
			name: "stage ignoring its deadline falls back",
			compute: func(context.Context) (datatypes.StageOutput, bool, error) {
				time.Sleep(500 * time.Millisecond)
				return datatypes.StageOutput{Stage: datatypes.StageERCE, Risks: []datatypes.RiskDelta{}}, false, nil
			},
			timeout:    20 * time.Millisecond,
			wantStatus: datatypes.StatusFallback,
			wantDetail: "stage timeout",
		},
		{
			name: "wrong stage tag fails",
			compute: func(context.Context) (datatypes.StageOutput, bool, error) {
				return datatypes.StageOutput{Stage: datatypes.StageFAR, Gaps: []datatypes.FlowdownGap{}}, false, nil
			},
			wantStatus: datatypes.StatusFailed,
			wantDetail: "invalid stage output",
		},
		{
			name: "malformed record fails",
			compute: func(context.Context) (datatypes.StageOutput, bool, error) {
				return datatypes.StageOutput{Stage: datatypes.StageERCE, Risks: []datatypes.RiskDelta{{SourceClauseID: "a1"}}}, false, nil
			},
			wantStatus: datatypes.StatusFailed,
			wantDetail: "invalid severity",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, tt.timeout)
				defer cancel()
			}
			out, env := runStage(ctx, datatypes.StageERCE, flags.FlagERCE, in, allOn(), logging.Discard(), tt.compute)
			assert.Equal(t, tt.wantStatus, env.Status)
			assert.Nil(t, env.CacheHit)
			require.NotNil(t, env.ErrorDetail)
			assert.Contains(t, *env.ErrorDetail, tt.wantDetail)
			assert.Equal(t, Placeholder(datatypes.StageERCE, in), out)
		})
	}
}

func TestRunStage_CancelledRun(t *testing.T) {
	in := Input{Request: request([]datatypes.Clause{clause("a1", "x")}, []datatypes.Clause{clause("b1", "x")})}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, env := runStage(ctx, datatypes.StageFAR, flags.FlagFAR, in, allOn(), logging.Discard(), func(ctx context.Context) (datatypes.StageOutput, bool, error) {
		<-ctx.Done()
		return datatypes.StageOutput{}, false, ctx.Err()
	})
	assert.Equal(t, datatypes.StatusFallback, env.Status)
	require.NotNil(t, env.ErrorDetail)
	assert.Equal(t, ErrRunCancelled.Error(), *env.ErrorDetail)
}

func TestRunStage_Success(t *testing.T) {
	in := Input{Request: request([]datatypes.Clause{clause("a1", "x")}, []datatypes.Clause{clause("b1", "x")})}
	out, env := runStage(context.Background(), datatypes.StageBIRL, flags.FlagBIRL, in, allOn(), logging.Discard(),
		func(context.Context) (datatypes.StageOutput, bool, error) {
			return datatypes.StageOutput{Stage: datatypes.StageBIRL, Impacts: []datatypes.BusinessImpact{
				{ClauseID: "b1", Severity: datatypes.SeverityHigh, Narrative: "Costs rise."},
			}}, true, nil
		})
	assert.Equal(t, datatypes.StatusSuccess, env.Status)
	require.NotNil(t, env.CacheHit)
	assert.True(t, *env.CacheHit)
	assert.Nil(t, env.ErrorDetail)
	assert.Len(t, out.Impacts, 1)
	assert.GreaterOrEqual(t, env.DurationMs, int64(0))
}
