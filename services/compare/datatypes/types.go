// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the data model shared by the compare pipeline:
// requests, per-stage outputs, execution envelopes and the unified result.
//
// Everything here is plain data. Types that cross the adapter boundary
// (StageOutput) carry a Validate method so malformed engine output fails
// fast instead of flowing downstream.
package datatypes

import "time"

// =============================================================================
// Stages
// =============================================================================

// StageName identifies one engine adapter within a pipeline run.
type StageName string

const (
	// StageSAE is the Semantic Alignment Engine.
	StageSAE StageName = "SAE"

	// StageERCE is the Enterprise Risk Classification Engine.
	StageERCE StageName = "ERCE"

	// StageBIRL is the Business Impact Rationale stage.
	StageBIRL StageName = "BIRL"

	// StageFAR is the Flowdown Analysis & Requirements stage.
	StageFAR StageName = "FAR"
)

// StageOrder is the fixed execution order. Downstream stages may read
// upstream outputs, never the reverse.
var StageOrder = []StageName{StageSAE, StageERCE, StageBIRL, StageFAR}

// Valid reports whether s is one of the four known stages.
func (s StageName) Valid() bool {
	switch s {
	case StageSAE, StageERCE, StageBIRL, StageFAR:
		return true
	}
	return false
}

// StageStatus is the per-stage state. PENDING and RUNNING are transient;
// the other four are terminal and appear in envelopes.
type StageStatus string

const (
	StatusPending  StageStatus = "PENDING"
	StatusRunning  StageStatus = "RUNNING"
	StatusSuccess  StageStatus = "SUCCESS"
	StatusFallback StageStatus = "FALLBACK"
	StatusFailed   StageStatus = "FAILED"
	StatusSkipped  StageStatus = "SKIPPED"
)

// Terminal reports whether the status ends a stage.
func (s StageStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFallback, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// PipelineStatus summarizes a whole run.
type PipelineStatus string

const (
	// PipelineFull means every stage finished with SUCCESS.
	PipelineFull PipelineStatus = "FULL"

	// PipelinePartial means no stage FAILED but at least one was skipped
	// or fell back.
	PipelinePartial PipelineStatus = "PARTIAL"

	// PipelineDegraded means at least one stage FAILED and the result was
	// assembled from placeholders.
	PipelineDegraded PipelineStatus = "DEGRADED"
)

// StageExecutionEnvelope records one adapter invocation. It is created by
// the adapter (or the orchestrator on its behalf) and never mutated after.
type StageExecutionEnvelope struct {
	StageName   StageName   `json:"stage_name"`
	Status      StageStatus `json:"status"`
	DurationMs  int64       `json:"duration_ms"`
	CacheHit    *bool       `json:"cache_hit"`
	ErrorDetail *string     `json:"error_detail"`
}

// BoolPtr returns a pointer to b, for CacheHit.
func BoolPtr(b bool) *bool { return &b }

// StringPtr returns a pointer to s, or nil for the empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// =============================================================================
// Severity
// =============================================================================

// Severity is the total order CRITICAL > HIGH > MODERATE > ADMIN shared by
// ERCE risk tags and FAR gap findings.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityModerate Severity = "MODERATE"
	SeverityAdmin    Severity = "ADMIN"
)

// Rank returns the position of s in the severity order; higher is worse.
// Unknown severities rank below ADMIN.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityModerate:
		return 2
	case SeverityAdmin:
		return 1
	}
	return 0
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool { return s.Rank() > 0 }

// MaxSeverity returns the highest of the given severities, or ADMIN when
// none are given.
func MaxSeverity(severities ...Severity) Severity {
	best := SeverityAdmin
	for _, s := range severities {
		if s.Rank() > best.Rank() {
			best = s
		}
	}
	return best
}

// AtLeast returns s raised to floor when s ranks below it.
func (s Severity) AtLeast(floor Severity) Severity {
	if s.Rank() < floor.Rank() {
		return floor
	}
	return s
}

// =============================================================================
// Engine outputs
// =============================================================================

// Alignment classifies how a source clause lines up with the other document.
type Alignment string

const (
	AlignmentMatched    Alignment = "MATCHED"
	AlignmentModified   Alignment = "MODIFIED"
	AlignmentUnmatched  Alignment = "UNMATCHED"
	AlignmentAdded      Alignment = "ADDED"
	AlignmentUnassessed Alignment = "UNASSESSED"
)

// ClauseMatch is one SAE alignment. For ADDED rows SourceClauseID is empty;
// for UNMATCHED rows TargetClauseID is empty.
type ClauseMatch struct {
	SourceClauseID string    `json:"source_clause_id"`
	TargetClauseID string    `json:"target_clause_id"`
	Similarity     float64   `json:"similarity"`
	Alignment      Alignment `json:"alignment"`
}

// RiskDirection says whether the revised clause carries more or less risk.
type RiskDirection string

const (
	RiskIncreased RiskDirection = "INCREASED"
	RiskDecreased RiskDirection = "DECREASED"
	RiskUnchanged RiskDirection = "UNCHANGED"
)

// RiskDelta is one ERCE classification of an aligned clause pair.
// Categories lists every matched category; Severity is the maximum.
type RiskDelta struct {
	SourceClauseID   string        `json:"source_clause_id"`
	TargetClauseID   string        `json:"target_clause_id"`
	Severity         Severity      `json:"severity"`
	BaselineSeverity Severity      `json:"baseline_severity"`
	Categories       []string      `json:"categories"`
	MatchedPatterns  []string      `json:"matched_patterns"`
	Direction        RiskDirection `json:"direction"`
}

// BusinessImpact is one BIRL narrative after the hallucination shield.
type BusinessImpact struct {
	ClauseID     string   `json:"clause_id"`
	Severity     Severity `json:"severity"`
	Narrative    string   `json:"narrative"`
	Shielded     bool     `json:"shielded"`
	ShieldReason string   `json:"shield_reason,omitempty"`
}

// GapKind classifies a FAR finding.
type GapKind string

const (
	GapMissing  GapKind = "MISSING"
	GapWeaker   GapKind = "WEAKER"
	GapConflict GapKind = "CONFLICT"
)

// FlowdownGap is one FAR finding: an upstream obligation that did not flow
// down intact.
type FlowdownGap struct {
	RuleID         string   `json:"rule_id"`
	Category       string   `json:"category"`
	Kind           GapKind  `json:"kind"`
	Severity       Severity `json:"severity"`
	SourceClauseID string   `json:"source_clause_id"`
	TargetClauseID string   `json:"target_clause_id,omitempty"`
	Detail         string   `json:"detail"`
}

// =============================================================================
// Result
// =============================================================================

// ResultMeta is the _meta execution envelope of a ComparisonResult.
type ResultMeta struct {
	RequestID      string                   `json:"request_id"`
	Fingerprint    string                   `json:"fingerprint"`
	PipelineStatus PipelineStatus           `json:"pipeline_status"`
	Stages         []StageExecutionEnvelope `json:"stages"`
	SnapshotHit    bool                     `json:"snapshot_hit"`
	Cancelled      bool                     `json:"cancelled"`
	StartedAt      time.Time                `json:"started_at"`
}

// ComparisonResult is the unified output of one pipeline run. It is built
// fresh per request and treated as immutable once returned.
type ComparisonResult struct {
	Matches []ClauseMatch    `json:"clause_matches"`
	Risks   []RiskDelta      `json:"risk_deltas"`
	Impacts []BusinessImpact `json:"business_impacts"`
	Gaps    []FlowdownGap    `json:"flowdown_gaps"`
	Meta    ResultMeta       `json:"_meta"`
}

// Envelope returns the envelope for stage, if present.
func (r *ComparisonResult) Envelope(stage StageName) (StageExecutionEnvelope, bool) {
	for _, env := range r.Meta.Stages {
		if env.StageName == stage {
			return env, true
		}
	}
	return StageExecutionEnvelope{}, false
}

// Clone returns a deep copy, so cached snapshots cannot be mutated through
// a returned result.
func (r *ComparisonResult) Clone() *ComparisonResult {
	if r == nil {
		return nil
	}
	out := &ComparisonResult{
		Matches: cloneSlice(r.Matches),
		Gaps:    cloneSlice(r.Gaps),
		Impacts: cloneSlice(r.Impacts),
		Meta:    r.Meta,
	}
	if r.Risks != nil {
		out.Risks = make([]RiskDelta, len(r.Risks))
		for i, risk := range r.Risks {
			risk.Categories = append([]string(nil), risk.Categories...)
			risk.MatchedPatterns = append([]string(nil), risk.MatchedPatterns...)
			out.Risks[i] = risk
		}
	}
	out.Meta.Stages = make([]StageExecutionEnvelope, len(r.Meta.Stages))
	for i, env := range r.Meta.Stages {
		if env.CacheHit != nil {
			env.CacheHit = BoolPtr(*env.CacheHit)
		}
		if env.ErrorDetail != nil {
			detail := *env.ErrorDetail
			env.ErrorDetail = &detail
		}
		out.Meta.Stages[i] = env
	}
	return out
}

// cloneSlice copies s, keeping an empty non-nil slice non-nil so it still
// encodes as [].
func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	return append(make([]T, 0, len(s)), s...)
}

// RunRecord is what the monitor stores per pipeline run. Its JSON form is
// the audit log line format.
type RunRecord struct {
	RequestID      string                   `json:"request_id"`
	Timestamp      time.Time                `json:"timestamp"`
	Stages         []StageExecutionEnvelope `json:"stages"`
	PipelineStatus PipelineStatus           `json:"pipeline_status"`
	SnapshotHit    bool                     `json:"snapshot_hit,omitempty"`
}
