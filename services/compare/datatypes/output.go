// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"fmt"
	"math"
)

// StageOutput is the tagged variant every adapter returns. Stage selects
// which one of the four payload slices is meaningful; the others must be
// nil.
type StageOutput struct {
	Stage   StageName        `json:"stage"`
	Matches []ClauseMatch    `json:"matches,omitempty"`
	Risks   []RiskDelta      `json:"risks,omitempty"`
	Impacts []BusinessImpact `json:"impacts,omitempty"`
	Gaps    []FlowdownGap    `json:"gaps,omitempty"`
}

// Validate checks the tag and the required fields of each record.
func (o StageOutput) Validate() error {
	if !o.Stage.Valid() {
		return fmt.Errorf("%w: unknown stage %q", ErrInvalidOutput, o.Stage)
	}
	if o.Stage != StageSAE && o.Matches != nil ||
		o.Stage != StageERCE && o.Risks != nil ||
		o.Stage != StageBIRL && o.Impacts != nil ||
		o.Stage != StageFAR && o.Gaps != nil {
		return fmt.Errorf("%w: %s output carries another stage's payload", ErrInvalidOutput, o.Stage)
	}

	switch o.Stage {
	case StageSAE:
		for i, m := range o.Matches {
			if m.SourceClauseID == "" && m.TargetClauseID == "" {
				return fmt.Errorf("%w: SAE match %d has no clause ids", ErrInvalidOutput, i)
			}
			if math.IsNaN(m.Similarity) || m.Similarity < -1 || m.Similarity > 1 {
				return fmt.Errorf("%w: SAE match %d similarity %v outside [-1,1]", ErrInvalidOutput, i, m.Similarity)
			}
			if m.Alignment == "" {
				return fmt.Errorf("%w: SAE match %d has no alignment", ErrInvalidOutput, i)
			}
		}
	case StageERCE:
		for i, r := range o.Risks {
			if r.SourceClauseID == "" && r.TargetClauseID == "" {
				return fmt.Errorf("%w: ERCE risk %d has no clause ids", ErrInvalidOutput, i)
			}
			if !r.Severity.Valid() || !r.BaselineSeverity.Valid() {
				return fmt.Errorf("%w: ERCE risk %d has invalid severity", ErrInvalidOutput, i)
			}
		}
	case StageBIRL:
		for i, imp := range o.Impacts {
			if imp.ClauseID == "" || imp.Narrative == "" {
				return fmt.Errorf("%w: BIRL impact %d missing clause id or narrative", ErrInvalidOutput, i)
			}
		}
	case StageFAR:
		for i, g := range o.Gaps {
			if g.RuleID == "" || g.Category == "" {
				return fmt.Errorf("%w: FAR gap %d missing rule or category", ErrInvalidOutput, i)
			}
			switch g.Kind {
			case GapMissing, GapWeaker, GapConflict:
			default:
				return fmt.Errorf("%w: FAR gap %d has kind %q", ErrInvalidOutput, i, g.Kind)
			}
			if g.Severity.Rank() < SeverityModerate.Rank() {
				return fmt.Errorf("%w: FAR gap %d has severity %q", ErrInvalidOutput, i, g.Severity)
			}
		}
	}
	return nil
}

// ApplyTo copies the output's payload into the matching field of result.
func (o StageOutput) ApplyTo(result *ComparisonResult) {
	switch o.Stage {
	case StageSAE:
		result.Matches = o.Matches
	case StageERCE:
		result.Risks = o.Risks
	case StageBIRL:
		result.Impacts = o.Impacts
	case StageFAR:
		result.Gaps = o.Gaps
	}
}
