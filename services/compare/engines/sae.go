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
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/AleutianAI/AleutianCompare/pkg/logging"
	"github.com/AleutianAI/AleutianCompare/services/compare/capability"
	"github.com/AleutianAI/AleutianCompare/services/compare/datatypes"
	"github.com/AleutianAI/AleutianCompare/services/compare/flags"
)

// SAEConfig holds alignment thresholds.
type SAEConfig struct {
	// MatchThreshold is the minimum similarity for MATCHED.
	MatchThreshold float64 `yaml:"match_threshold" validate:"gt=0,lte=1"`

	// ModifiedThreshold is the minimum similarity for MODIFIED. Pairs below
	// it are not aligned.
	ModifiedThreshold float64 `yaml:"modified_threshold" validate:"gt=0,ltefield=MatchThreshold"`
}

// DefaultSAEConfig returns 0.85 / 0.60.
func DefaultSAEConfig() SAEConfig {
	return SAEConfig{MatchThreshold: 0.85, ModifiedThreshold: 0.60}
}

// SAE aligns the clauses of document A with those of document B.
//
// Each clause text is embedded once through the embedding cache. Pairs are
// assigned greedily by descending similarity, so each clause takes part in
// at most one alignment. Unassigned A clauses are UNMATCHED; unassigned B
// clauses are ADDED.
type SAE struct {
	cfg      SAEConfig
	embedder capability.Embedder
	cache    *EmbeddingCache
	logger   *slog.Logger
}

// NewSAE creates the SAE adapter.
func NewSAE(cfg SAEConfig, embedder capability.Embedder, embeddings *EmbeddingCache, logger *slog.Logger) *SAE {
	return &SAE{cfg: cfg, embedder: embedder, cache: embeddings, logger: logging.OrDiscard(logger)}
}

// Version implements Versioned.
func (e *SAE) Version() string {
	return fmt.Sprintf("sae:%g/%g", e.cfg.MatchThreshold, e.cfg.ModifiedThreshold)
}

// Stage implements Engine.
func (e *SAE) Stage() datatypes.StageName { return datatypes.StageSAE }

// Flag implements Engine.
func (e *SAE) Flag() string { return flags.FlagSAE }

// Run implements Engine.
func (e *SAE) Run(ctx context.Context, in Input, reg flags.Reader) (datatypes.StageOutput, datatypes.StageExecutionEnvelope) {
	return runStage(ctx, e.Stage(), e.Flag(), in, reg, e.logger, func(ctx context.Context) (datatypes.StageOutput, bool, error) {
		return e.align(ctx, in.Request)
	})
}

func (e *SAE) align(ctx context.Context, req *datatypes.ComparisonRequest) (datatypes.StageOutput, bool, error) {
	allHit := true
	embed := func(text string) ([]float32, error) {
		fp := e.cache.FingerprintText(text)
		vec, hit, err := e.cache.GetOrCompute(ctx, fp, func(ctx context.Context) ([]float32, error) {
			v, err := e.embedder.Embed(ctx, text)
			if err != nil {
				return nil, capabilityErr(datatypes.StageSAE, err)
			}
			return v, nil
		})
		if !hit {
			allHit = false
		}
		return vec, err
	}

	a, b := req.DocumentA.Clauses, req.DocumentB.Clauses
	vecA := make([][]float32, len(a))
	vecB := make([][]float32, len(b))
	for i, c := range a {
		v, err := embed(c.Text)
		if err != nil {
			return datatypes.StageOutput{}, false, err
		}
		vecA[i] = v
	}
	for j, c := range b {
		v, err := embed(c.Text)
		if err != nil {
			return datatypes.StageOutput{}, false, err
		}
		vecB[j] = v
	}

	type candidate struct {
		i, j int
		sim  float64
	}
	cands := make([]candidate, 0, len(a)*len(b))
	bestForA := make([]float64, len(a))
	for i := range a {
		bestForA[i] = math.Inf(-1)
		for j := range b {
			sim := roundSimilarity(capability.Cosine(vecA[i], vecB[j]))
			if sim > bestForA[i] {
				bestForA[i] = sim
			}
			if sim >= e.cfg.ModifiedThreshold {
				cands = append(cands, candidate{i: i, j: j, sim: sim})
			}
		}
	}
	sort.SliceStable(cands, func(x, y int) bool {
		if cands[x].sim != cands[y].sim {
			return cands[x].sim > cands[y].sim
		}
		if cands[x].i != cands[y].i {
			return cands[x].i < cands[y].i
		}
		return cands[x].j < cands[y].j
	})

	pairOfA := make([]int, len(a))
	simOfA := make([]float64, len(a))
	for i := range pairOfA {
		pairOfA[i] = -1
	}
	takenB := make([]bool, len(b))
	for _, c := range cands {
		if pairOfA[c.i] >= 0 || takenB[c.j] {
			continue
		}
		pairOfA[c.i], simOfA[c.i] = c.j, c.sim
		takenB[c.j] = true
	}

	matches := make([]datatypes.ClauseMatch, 0, len(a)+len(b))
	for i, c := range a {
		m := datatypes.ClauseMatch{SourceClauseID: c.ID}
		if j := pairOfA[i]; j >= 0 {
			m.TargetClauseID = b[j].ID
			m.Similarity = simOfA[i]
			m.Alignment = datatypes.AlignmentModified
			if simOfA[i] >= e.cfg.MatchThreshold {
				m.Alignment = datatypes.AlignmentMatched
			}
		} else {
			m.Alignment = datatypes.AlignmentUnmatched
			if !math.IsInf(bestForA[i], -1) {
				m.Similarity = bestForA[i]
			}
		}
		matches = append(matches, m)
	}
	for j, c := range b {
		if !takenB[j] {
			matches = append(matches, datatypes.ClauseMatch{TargetClauseID: c.ID, Alignment: datatypes.AlignmentAdded})
		}
	}

	e.logger.Debug("clauses aligned",
		slog.Int("clauses_a", len(a)),
		slog.Int("clauses_b", len(b)),
		slog.Int("candidates", len(cands)),
		slog.Bool("cache_hit", allHit),
	)
	return datatypes.StageOutput{Stage: datatypes.StageSAE, Matches: matches}, allHit, nil
}

// roundSimilarity rounds to four decimals so cached and recomputed results
// compare equal.
func roundSimilarity(sim float64) float64 {
	return math.Round(sim*1e4) / 1e4
}
