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
	"github.com/AleutianAI/AleutianCompare/services/compare/capability"
	"github.com/AleutianAI/AleutianCompare/services/compare/datatypes"
	"github.com/AleutianAI/AleutianCompare/services/compare/flags"
)

// promptVersion is part of every BIRL cache key. Bump it when buildPrompt
// changes.
const promptVersion = "birl-prompt-4"

// BIRLConfig configures narrative generation.
type BIRLConfig struct {
	// MaxNarratives caps narratives per run.
	MaxNarratives int `yaml:"max_narratives" validate:"gte=1,lte=50"`

	// MinSeverity is the lowest ERCE severity that gets a narrative.
	MinSeverity datatypes.Severity `yaml:"min_severity" validate:"oneof=CRITICAL HIGH MODERATE ADMIN"`

	MaxTokens   int     `yaml:"max_tokens" validate:"gte=1"`
	Temperature float32 `yaml:"temperature" validate:"gte=0,lte=2"`

	Shield ShieldConfig `yaml:"shield"`
}

// DefaultBIRLConfig returns five narratives for MODERATE and above.
func DefaultBIRLConfig() BIRLConfig {
	return BIRLConfig{
		MaxNarratives: 5,
		MinSeverity:   datatypes.SeverityModerate,
		MaxTokens:     256,
		Temperature:   0.2,
	}
}

// BIRL writes business-impact narratives for the most severe ERCE risks.
//
// Description:
//
//	Reads the ERCE risks of the run, keeps those at or above MinSeverity,
//	orders them by severity (stable in ERCE order) and generates at most
//	MaxNarratives. Every narrative passes through the Shield before it is
//	cached or returned. Any generation failure fails the whole stage.
//
// Thread Safety: Safe for concurrent use.
type BIRL struct {
	cfg       BIRLConfig
	generator capability.Generator
	shield    *Shield
	cache     *PatternCache
	logger    *slog.Logger
}

// NewBIRL creates the BIRL adapter.
func NewBIRL(cfg BIRLConfig, generator capability.Generator, patternCache *PatternCache, logger *slog.Logger) *BIRL {
	if cfg.MaxNarratives <= 0 {
		cfg.MaxNarratives = DefaultBIRLConfig().MaxNarratives
	}
	if !cfg.MinSeverity.Valid() {
		cfg.MinSeverity = datatypes.SeverityModerate
	}
	return &BIRL{
		cfg:       cfg,
		generator: generator,
		shield:    NewShield(cfg.Shield),
		cache:     patternCache,
		logger:    logging.OrDiscard(logger),
	}
}

// Version implements Versioned.
func (e *BIRL) Version() string {
	return fmt.Sprintf("%s:%d:%s:%g", promptVersion, e.cfg.MaxNarratives, e.cfg.MinSeverity, e.cfg.Temperature)
}

// Stage implements Engine.
func (e *BIRL) Stage() datatypes.StageName { return datatypes.StageBIRL }

// Flag implements Engine.
func (e *BIRL) Flag() string { return flags.FlagBIRL }

// Run implements Engine.
func (e *BIRL) Run(ctx context.Context, in Input, reg flags.Reader) (datatypes.StageOutput, datatypes.StageExecutionEnvelope) {
	return runStage(ctx, e.Stage(), e.Flag(), in, reg, e.logger, func(ctx context.Context) (datatypes.StageOutput, bool, error) {
		return e.narrate(ctx, in)
	})
}

type birlKey struct {
	Stage       datatypes.StageName `json:"stage"`
	Prompt      string              `json:"prompt"`
	Version     string              `json:"version"`
	MaxTokens   int                 `json:"max_tokens"`
	Temperature float32             `json:"temperature"`
}

func (e *BIRL) narrate(ctx context.Context, in Input) (datatypes.StageOutput, bool, error) {
	risks := e.eligible(in.Prior)
	impacts := make([]datatypes.BusinessImpact, 0, len(risks))
	idxA, idxB := in.Request.DocumentA.Index(), in.Request.DocumentB.Index()
	allHit := true
	shielded := 0

	for _, risk := range risks {
		var a, b *datatypes.Clause
		if c, ok := idxA[risk.SourceClauseID]; ok {
			a = &c
		}
		if c, ok := idxB[risk.TargetClauseID]; ok {
			b = &c
		}
		if a == nil && b == nil {
			continue
		}
		prompt := buildPrompt(risk, a, b)
		fp, err := cache.FingerprintObject(birlKey{
			Stage:       datatypes.StageBIRL,
			Prompt:      prompt,
			Version:     promptVersion,
			MaxTokens:   e.cfg.MaxTokens,
			Temperature: e.cfg.Temperature,
		})
		if err != nil {
			return datatypes.StageOutput{}, false, err
		}

		cached, hit, err := e.cache.GetOrCompute(ctx, fp, func(ctx context.Context) (datatypes.StageOutput, error) {
			text, err := e.generator.Generate(ctx, prompt, e.cfg.MaxTokens, e.cfg.Temperature)
			if err != nil {
				return datatypes.StageOutput{}, capabilityErr(datatypes.StageBIRL, err)
			}
			impact := datatypes.BusinessImpact{Severity: risk.Severity}
			verdict := e.shield.Check(text, sourceText(a, b), clauseNumbers(a, b)...)
			if verdict.Rejected {
				impact.Narrative = safeNarrative(risk)
				impact.Shielded = true
				impact.ShieldReason = verdict.Reason
			} else {
				impact.Narrative = verdict.Text
			}
			return datatypes.StageOutput{Stage: datatypes.StageBIRL, Impacts: []datatypes.BusinessImpact{impact}}, nil
		})
		if err != nil {
			return datatypes.StageOutput{}, false, err
		}
		if !hit {
			allHit = false
		}
		for _, imp := range cached.Impacts {
			imp.ClauseID = risk.TargetClauseID
			if b == nil {
				imp.ClauseID = risk.SourceClauseID
			}
			if imp.Shielded {
				shielded++
				e.logger.Warn("narrative rejected by shield",
					slog.String("clause_id", imp.ClauseID),
					slog.String("reason", imp.ShieldReason),
				)
			}
			impacts = append(impacts, imp)
		}
	}

	e.logger.Debug("narratives generated",
		slog.Int("eligible", len(risks)),
		slog.Int("impacts", len(impacts)),
		slog.Int("shielded", shielded),
	)
	return datatypes.StageOutput{Stage: datatypes.StageBIRL, Impacts: impacts}, allHit, nil
}

// eligible returns the risks that get narratives, most severe first.
func (e *BIRL) eligible(prior *datatypes.ComparisonResult) []datatypes.RiskDelta {
	if prior == nil {
		return nil
	}
	var out []datatypes.RiskDelta
	for _, r := range prior.Risks {
		if r.Severity.Rank() >= e.cfg.MinSeverity.Rank() && r.Direction != datatypes.RiskDecreased {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Severity.Rank() > out[j].Severity.Rank()
	})
	if len(out) > e.cfg.MaxNarratives {
		out = out[:e.cfg.MaxNarratives]
	}
	return out
}

func buildPrompt(risk datatypes.RiskDelta, a, b *datatypes.Clause) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Risk severity: %s (baseline %s, %s).\n", risk.Severity, risk.BaselineSeverity, strings.ToLower(string(risk.Direction)))
	fmt.Fprintf(&sb, "Categories: %s.\n", strings.Join(risk.Categories, ", "))
	if a != nil {
		fmt.Fprintf(&sb, "\nOriginal clause:\n%s\n", clauseBlock(a))
	}
	if b != nil {
		fmt.Fprintf(&sb, "\nRevised clause:\n%s\n", clauseBlock(b))
	}
	sb.WriteString("\nIn at most four sentences, explain the business impact of this change. " +
		"Only cite amounts, dates and clause numbers that appear above.")
	return sb.String()
}

func clauseBlock(c *datatypes.Clause) string {
	head := strings.TrimSpace(strings.Join([]string{c.Number, c.Heading}, " "))
	if head == "" {
		return c.Text
	}
	return head + "\n" + c.Text
}

// sourceText is what the shield accepts facts from.
func sourceText(a, b *datatypes.Clause) string {
	var parts []string
	for _, c := range []*datatypes.Clause{a, b} {
		if c != nil {
			parts = append(parts, clauseBlock(c))
		}
	}
	return strings.Join(parts, "\n")
}

func clauseNumbers(a, b *datatypes.Clause) []string {
	var out []string
	for _, c := range []*datatypes.Clause{a, b} {
		if c != nil && c.Number != "" {
			out = append(out, c.Number)
		}
	}
	return out
}

func safeNarrative(risk datatypes.RiskDelta) string {
	cats := "this clause"
	if len(risk.Categories) > 0 {
		cats = strings.ReplaceAll(strings.Join(risk.Categories, ", "), "_", " ")
	}
	return fmt.Sprintf("This change carries %s risk affecting %s. Review the clause text directly for specifics.",
		strings.ToLower(string(risk.Severity)), cats)
}
