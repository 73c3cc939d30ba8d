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
	"log/slog"

	"github.com/AleutianAI/AleutianCompare/pkg/logging"
	"github.com/AleutianAI/AleutianCompare/services/compare/cache"
	"github.com/AleutianAI/AleutianCompare/services/compare/datatypes"
	"github.com/AleutianAI/AleutianCompare/services/compare/flags"
)

// ERCEConfig configures the risk classifier.
type ERCEConfig struct {
	// PatternsPath overrides the embedded pattern set.
	PatternsPath string `yaml:"patterns_path"`
}

// ERCE classifies aligned clause pairs by risk severity.
//
// Description:
//
//	Pairs come from the SAE output in the run. When SAE did not assess the
//	documents (skipped or fell back) clauses are paired by equal ID. Each
//	side of a pair is classified against the pattern set; the revised side
//	gives the severity, the original side the baseline. Pairs where no
//	pattern fires on either side produce no delta.
//
// Thread Safety: Safe for concurrent use.
type ERCE struct {
	patterns *PatternSet
	cache    *PatternCache
	logger   *slog.Logger
}

// NewERCE creates the ERCE adapter.
func NewERCE(patterns *PatternSet, patternCache *PatternCache, logger *slog.Logger) *ERCE {
	return &ERCE{patterns: patterns, cache: patternCache, logger: logging.OrDiscard(logger)}
}

// Version implements Versioned.
func (e *ERCE) Version() string { return "erce:" + e.patterns.Version }

// Stage implements Engine.
func (e *ERCE) Stage() datatypes.StageName { return datatypes.StageERCE }

// Flag implements Engine.
func (e *ERCE) Flag() string { return flags.FlagERCE }

// Run implements Engine.
func (e *ERCE) Run(ctx context.Context, in Input, reg flags.Reader) (datatypes.StageOutput, datatypes.StageExecutionEnvelope) {
	return runStage(ctx, e.Stage(), e.Flag(), in, reg, e.logger, func(ctx context.Context) (datatypes.StageOutput, bool, error) {
		return e.classify(ctx, in)
	})
}

// clausePair is one unit of comparison. Either side may be nil (removed or
// added clause), never both.
type clausePair struct {
	a, b *datatypes.Clause
}

type ercePairKey struct {
	Stage   datatypes.StageName `json:"stage"`
	Version string              `json:"version"`
	TextA   string              `json:"text_a"`
	TextB   string              `json:"text_b"`
}

func (e *ERCE) classify(ctx context.Context, in Input) (datatypes.StageOutput, bool, error) {
	pairs := pairClauses(in)
	risks := make([]datatypes.RiskDelta, 0, len(pairs))
	allHit := true
	for _, p := range pairs {
		if err := ctx.Err(); err != nil {
			return datatypes.StageOutput{}, false, err
		}
		key := ercePairKey{Stage: datatypes.StageERCE, Version: e.patterns.Version}
		if p.a != nil {
			key.TextA = cache.Normalize(p.a.Text, 0)
		}
		if p.b != nil {
			key.TextB = cache.Normalize(p.b.Text, 0)
		}
		fp, err := cache.FingerprintObject(key)
		if err != nil {
			return datatypes.StageOutput{}, false, err
		}
		cached, hit, err := e.cache.GetOrCompute(ctx, fp, func(context.Context) (datatypes.StageOutput, error) {
			return e.classifyPair(p), nil
		})
		if err != nil {
			return datatypes.StageOutput{}, false, err
		}
		if !hit {
			allHit = false
		}
		for _, r := range cached.Risks {
			r.Categories = append([]string(nil), r.Categories...)
			r.MatchedPatterns = append([]string(nil), r.MatchedPatterns...)
			if p.a != nil {
				r.SourceClauseID = p.a.ID
			}
			if p.b != nil {
				r.TargetClauseID = p.b.ID
			}
			risks = append(risks, r)
		}
	}
	e.logger.Debug("risks classified",
		slog.Int("pairs", len(pairs)),
		slog.Int("risks", len(risks)),
		slog.String("ruleset_version", e.patterns.Version),
	)
	return datatypes.StageOutput{Stage: datatypes.StageERCE, Risks: risks}, allHit, nil
}

// classifyPair produces the ID-free delta for one pair, cached by text. An
// empty Risks slice means nothing fired.
func (e *ERCE) classifyPair(p clausePair) datatypes.StageOutput {
	out := datatypes.StageOutput{Stage: datatypes.StageERCE, Risks: []datatypes.RiskDelta{}}
	var ca, cb Classification
	if p.a != nil {
		ca = e.patterns.Classify(p.a.Text)
	}
	if p.b != nil {
		cb = e.patterns.Classify(p.b.Text)
	}
	if !ca.Matched() && !cb.Matched() {
		return out
	}

	delta := datatypes.RiskDelta{
		Severity:         datatypes.SeverityAdmin,
		BaselineSeverity: datatypes.SeverityAdmin,
		Categories:       sortedUnique(append(append([]string(nil), ca.Categories...), cb.Categories...)),
		MatchedPatterns:  sortedUnique(append(append([]string(nil), ca.PatternIDs...), cb.PatternIDs...)),
	}
	if ca.Matched() {
		delta.BaselineSeverity = ca.Severity
	}
	if cb.Matched() {
		delta.Severity = cb.Severity
	}
	switch {
	case p.b == nil:
		// A clause removed in the revision takes its risk with it.
		delta.Direction = datatypes.RiskDecreased
	case p.a == nil:
		delta.Direction = datatypes.RiskIncreased
	case delta.Severity.Rank() > delta.BaselineSeverity.Rank():
		delta.Direction = datatypes.RiskIncreased
	case delta.Severity.Rank() < delta.BaselineSeverity.Rank():
		delta.Direction = datatypes.RiskDecreased
	default:
		delta.Direction = datatypes.RiskUnchanged
	}
	out.Risks = append(out.Risks, delta)
	return out
}

// pairClauses derives comparison pairs from the SAE output in the run, or
// by clause ID when SAE produced nothing assessable.
func pairClauses(in Input) []clausePair {
	req := in.Request
	idxA, idxB := req.DocumentA.Index(), req.DocumentB.Index()

	if in.Prior != nil && saeAssessed(in.Prior.Matches) {
		pairs := make([]clausePair, 0, len(in.Prior.Matches))
		for _, m := range in.Prior.Matches {
			var p clausePair
			if c, ok := idxA[m.SourceClauseID]; ok && m.SourceClauseID != "" {
				p.a = &c
			}
			if c, ok := idxB[m.TargetClauseID]; ok && m.TargetClauseID != "" {
				p.b = &c
			}
			if p.a != nil || p.b != nil {
				pairs = append(pairs, p)
			}
		}
		return pairs
	}

	pairs := make([]clausePair, 0, len(req.DocumentA.Clauses)+len(req.DocumentB.Clauses))
	for i := range req.DocumentA.Clauses {
		a := &req.DocumentA.Clauses[i]
		p := clausePair{a: a}
		if b, ok := idxB[a.ID]; ok {
			p.b = &b
		}
		pairs = append(pairs, p)
	}
	for i := range req.DocumentB.Clauses {
		b := &req.DocumentB.Clauses[i]
		if _, ok := idxA[b.ID]; !ok {
			pairs = append(pairs, clausePair{b: b})
		}
	}
	return pairs
}

func saeAssessed(matches []datatypes.ClauseMatch) bool {
	if len(matches) == 0 {
		return false
	}
	for _, m := range matches {
		if m.Alignment == datatypes.AlignmentUnassessed {
			return false
		}
	}
	return true
}
