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
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianCompare/pkg/logging"
	"github.com/AleutianAI/AleutianCompare/services/compare/cache"
	"github.com/AleutianAI/AleutianCompare/services/compare/datatypes"
	"github.com/AleutianAI/AleutianCompare/services/compare/flags"
)

// FARConfig configures flowdown analysis.
type FARConfig struct {
	// RulesPath overrides the embedded rule set.
	RulesPath string `yaml:"rules_path"`

	// CriticalCategories escalate MISSING gaps to at least HIGH. When nil the
	// rule file's list is used.
	CriticalCategories []string `yaml:"critical_categories"`
}

// FAR checks that obligations of document A flow down into document B.
//
// Description:
//
//	For every rule that applies and that document A triggers, document B is
//	searched for a clause covering the same subject. No such clause is a
//	MISSING gap; a covering clause that contradicts the rule is a CONFLICT;
//	one that dilutes it with a weaker term is WEAKER. Gap severity is the
//	rule's, raised to HIGH for MISSING gaps in a critical category.
//
// Thread Safety: Safe for concurrent use.
type FAR struct {
	rules    *RuleSet
	critical map[string]bool
	cache    *PatternCache
	logger   *slog.Logger
}

// NewFAR creates the FAR adapter.
func NewFAR(cfg FARConfig, rules *RuleSet, patternCache *PatternCache, logger *slog.Logger) *FAR {
	cats := cfg.CriticalCategories
	if cats == nil {
		cats = rules.CriticalCategories
	}
	critical := make(map[string]bool, len(cats))
	for _, c := range cats {
		critical[c] = true
	}
	return &FAR{rules: rules, critical: critical, cache: patternCache, logger: logging.OrDiscard(logger)}
}

// Version implements Versioned.
func (e *FAR) Version() string {
	return "far:" + e.rules.Version + ":" + strings.Join(e.criticalList(), ",")
}

// Stage implements Engine.
func (e *FAR) Stage() datatypes.StageName { return datatypes.StageFAR }

// Flag implements Engine.
func (e *FAR) Flag() string { return flags.FlagFAR }

// Run implements Engine.
func (e *FAR) Run(ctx context.Context, in Input, reg flags.Reader) (datatypes.StageOutput, datatypes.StageExecutionEnvelope) {
	return runStage(ctx, e.Stage(), e.Flag(), in, reg, e.logger, func(ctx context.Context) (datatypes.StageOutput, bool, error) {
		return e.analyze(ctx, in.Request)
	})
}

type farKey struct {
	Stage    datatypes.StageName       `json:"stage"`
	Version  string                    `json:"version"`
	Critical []string                  `json:"critical"`
	Docs     datatypes.FingerprintView `json:"docs"`
}

func (e *FAR) criticalList() []string {
	critical := make([]string, 0, len(e.critical))
	for c := range e.critical {
		critical = append(critical, c)
	}
	sort.Strings(critical)
	return critical
}

func (e *FAR) analyze(ctx context.Context, req *datatypes.ComparisonRequest) (datatypes.StageOutput, bool, error) {
	fp, err := cache.FingerprintObject(farKey{
		Stage:    datatypes.StageFAR,
		Version:  e.rules.Version,
		Critical: e.criticalList(),
		Docs:     req.FingerprintView(),
	})
	if err != nil {
		return datatypes.StageOutput{}, false, err
	}
	return e.cache.GetOrCompute(ctx, fp, func(ctx context.Context) (datatypes.StageOutput, error) {
		gaps, err := e.findGaps(ctx, req.DocumentA, req.DocumentB)
		if err != nil {
			return datatypes.StageOutput{}, err
		}
		return datatypes.StageOutput{Stage: datatypes.StageFAR, Gaps: gaps}, nil
	})
}

func (e *FAR) findGaps(ctx context.Context, a, b datatypes.Document) ([]datatypes.FlowdownGap, error) {
	gaps := []datatypes.FlowdownGap{}
	for i := range e.rules.Rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rule := &e.rules.Rules[i]
		ok, err := rule.Applies(a, b)
		if err != nil {
			// A broken condition disables its rule, not the stage.
			e.logger.Warn("flowdown rule condition failed",
				slog.String("rule_id", rule.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !ok {
			continue
		}
		source, found := firstCovering(rule, a)
		if !found {
			continue
		}
		if gap, isGap := e.check(rule, source, b); isGap {
			gaps = append(gaps, gap)
		}
	}
	e.logger.Debug("flowdown analyzed",
		slog.Int("rules", len(e.rules.Rules)),
		slog.Int("gaps", len(gaps)),
		slog.String("ruleset_version", e.rules.Version),
	)
	return gaps, nil
}

func (e *FAR) check(rule *FlowdownRule, source datatypes.Clause, b datatypes.Document) (datatypes.FlowdownGap, bool) {
	gap := datatypes.FlowdownGap{
		RuleID:         rule.ID,
		Category:       rule.Category,
		Severity:       rule.Severity,
		SourceClauseID: source.ID,
	}

	var covering []datatypes.Clause
	for _, c := range b.Clauses {
		if rule.Covers(c.Text) {
			covering = append(covering, c)
		}
	}
	if len(covering) == 0 {
		gap.Kind = datatypes.GapMissing
		gap.Detail = fmt.Sprintf("%s: no clause in %s covers this obligation", rule.Description, b.ID)
		if e.critical[rule.Category] {
			gap.Severity = gap.Severity.AtLeast(datatypes.SeverityHigh)
		}
		return gap, true
	}
	for _, c := range covering {
		if rule.Conflicts(c.Text) {
			gap.Kind = datatypes.GapConflict
			gap.TargetClauseID = c.ID
			gap.Detail = fmt.Sprintf("%s: clause %s contradicts the upstream obligation", rule.Description, c.ID)
			return gap, true
		}
	}
	for _, c := range covering {
		if term, weak := rule.WeakerTerm(c.Text); weak {
			gap.Kind = datatypes.GapWeaker
			gap.TargetClauseID = c.ID
			gap.Detail = fmt.Sprintf("%s: clause %s qualifies it with %q", rule.Description, c.ID, term)
			return gap, true
		}
	}
	return datatypes.FlowdownGap{}, false
}

func firstCovering(rule *FlowdownRule, d datatypes.Document) (datatypes.Clause, bool) {
	for _, c := range d.Clauses {
		if rule.Covers(c.Text) {
			return c, true
		}
	}
	return datatypes.Clause{}, false
}
