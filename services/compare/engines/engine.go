// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engines implements the four flag-gated compare stages:
//
//   - SAE: clause alignment by embedding cosine similarity
//   - ERCE: pattern-based risk severity classification
//   - BIRL: narrative generation behind a hallucination shield
//   - FAR: rule-based flowdown gap detection
//
// Every adapter follows the same contract (see runStage):
//
//	flag OFF            -> placeholder, SKIPPED, cache_hit=null, no capability call
//	cache hit           -> cached output, SUCCESS, cache_hit=true
//	miss                -> computed output, SUCCESS, cache_hit=false
//	capability failure  -> placeholder, FALLBACK, error_detail
//	stage timeout       -> placeholder, FALLBACK, error_detail
//	cache store failure -> placeholder, FAILED, error_detail
//	panic / bad output  -> placeholder, FAILED, error_detail
//
// Adapters never return errors. The envelope carries the outcome.
package engines

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/AleutianAI/AleutianCompare/services/compare/cache"
	"github.com/AleutianAI/AleutianCompare/services/compare/capability"
	"github.com/AleutianAI/AleutianCompare/services/compare/datatypes"
	"github.com/AleutianAI/AleutianCompare/services/compare/flags"
)

var (
	// ErrStageTimeout is reported when a stage exceeds its deadline.
	ErrStageTimeout = errors.New("stage timeout")

	// ErrStagePanic is reported when stage code panics.
	ErrStagePanic = errors.New("stage panic")

	// ErrRunCancelled is reported when the caller cancels the run.
	ErrRunCancelled = errors.New("run cancelled")
)

// Input is what an adapter sees: the request plus everything upstream
// stages produced so far in this run. Downstream stages may read upstream
// outputs, never the reverse.
type Input struct {
	Request *datatypes.ComparisonRequest
	Prior   *datatypes.ComparisonResult
}

// Engine is one compare stage.
type Engine interface {
	// Stage returns the stage name.
	Stage() datatypes.StageName

	// Flag returns the registry flag that gates the stage.
	Flag() string

	// Run executes the stage. It never fails; the envelope reports the
	// outcome. ctx carries the stage deadline.
	Run(ctx context.Context, in Input, reg flags.Reader) (datatypes.StageOutput, datatypes.StageExecutionEnvelope)
}

// Versioned is implemented by engines whose output depends on a ruleset,
// prompt or thresholds. The version changes whenever the same input could
// produce a different output.
type Versioned interface {
	Version() string
}

// PatternCache is the shared classification cache. ERCE, BIRL and FAR key
// their entries by stage, inputs and ruleset version.
type PatternCache = cache.Cache[datatypes.StageOutput]

// EmbeddingCache maps normalized clause text to its vector.
type EmbeddingCache = cache.Cache[[]float32]

// Placeholder returns the deterministic neutral output of stage for in: the
// same shape as a real output, with nothing asserted. SKIPPED, FALLBACK and
// FAILED stages all carry it.
func Placeholder(stage datatypes.StageName, in Input) datatypes.StageOutput {
	out := datatypes.StageOutput{Stage: stage}
	switch stage {
	case datatypes.StageSAE:
		out.Matches = []datatypes.ClauseMatch{}
		if in.Request != nil {
			for _, c := range in.Request.DocumentA.Clauses {
				out.Matches = append(out.Matches, datatypes.ClauseMatch{
					SourceClauseID: c.ID,
					Alignment:      datatypes.AlignmentUnassessed,
				})
			}
		}
	case datatypes.StageERCE:
		out.Risks = []datatypes.RiskDelta{}
	case datatypes.StageBIRL:
		out.Impacts = []datatypes.BusinessImpact{}
	case datatypes.StageFAR:
		out.Gaps = []datatypes.FlowdownGap{}
	}
	return out
}

// computeFunc does a stage's real work. hit reports whether every lookup was
// served from cache.
type computeFunc func(ctx context.Context) (out datatypes.StageOutput, hit bool, err error)

type computeResult struct {
	out datatypes.StageOutput
	hit bool
	err error
}

// runStage applies the adapter contract around compute.
//
// Description:
//
//	Checks the flag, then runs compute on its own goroutine so a stage that
//	ignores its context still cannot hold the run past the deadline. The
//	abandoned goroutine finishes in the background; its result is dropped.
//
// Thread Safety: Safe for concurrent use.
func runStage(
	ctx context.Context,
	stage datatypes.StageName,
	flag string,
	in Input,
	reg flags.Reader,
	logger *slog.Logger,
	compute computeFunc,
) (datatypes.StageOutput, datatypes.StageExecutionEnvelope) {
	start := time.Now()
	env := datatypes.StageExecutionEnvelope{StageName: stage}
	finish := func(status datatypes.StageStatus, hit *bool, err error) datatypes.StageExecutionEnvelope {
		env.Status = status
		env.CacheHit = hit
		env.DurationMs = time.Since(start).Milliseconds()
		if err != nil {
			env.ErrorDetail = datatypes.StringPtr(err.Error())
		}
		return env
	}

	if reg == nil || !reg.Get(flag) {
		return Placeholder(stage, in), finish(datatypes.StatusSkipped, nil, nil)
	}

	done := make(chan computeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("stage panicked",
					slog.String("stage", string(stage)),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				done <- computeResult{err: fmt.Errorf("%w: %v", ErrStagePanic, r)}
			}
		}()
		out, hit, err := compute(ctx)
		done <- computeResult{out: out, hit: hit, err: err}
	}()

	var res computeResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = computeResult{err: contextErr(ctx)}
	}
	if res.err != nil && ctx.Err() != nil &&
		(errors.Is(res.err, context.Canceled) || errors.Is(res.err, context.DeadlineExceeded)) {
		res.err = contextErr(ctx)
	}

	if res.err == nil {
		if res.out.Stage != stage {
			res.err = fmt.Errorf("%w: %s stage produced %q output", datatypes.ErrInvalidOutput, stage, res.out.Stage)
		} else if err := res.out.Validate(); err != nil {
			res.err = err
		}
	}
	if res.err == nil {
		return ensurePayload(res.out), finish(datatypes.StatusSuccess, datatypes.BoolPtr(res.hit), nil)
	}

	status := classify(res.err)
	level := slog.LevelWarn
	if status == datatypes.StatusFailed {
		level = slog.LevelError
	}
	logger.Log(ctx, level, "stage did not succeed",
		slog.String("stage", string(stage)),
		slog.String("status", string(status)),
		slog.String("error", res.err.Error()),
	)
	return Placeholder(stage, in), finish(status, nil, res.err)
}

// ensurePayload replaces a nil payload with an empty one. Cached outputs
// lose empty slices in their JSON form.
func ensurePayload(out datatypes.StageOutput) datatypes.StageOutput {
	switch out.Stage {
	case datatypes.StageSAE:
		if out.Matches == nil {
			out.Matches = []datatypes.ClauseMatch{}
		}
	case datatypes.StageERCE:
		if out.Risks == nil {
			out.Risks = []datatypes.RiskDelta{}
		}
	case datatypes.StageBIRL:
		if out.Impacts == nil {
			out.Impacts = []datatypes.BusinessImpact{}
		}
	case datatypes.StageFAR:
		if out.Gaps == nil {
			out.Gaps = []datatypes.FlowdownGap{}
		}
	}
	return out
}

// classify maps a stage error to its terminal status. Structural failures
// (store, panic, malformed output) are FAILED; everything else is local to
// the stage and falls back.
func classify(err error) datatypes.StageStatus {
	switch {
	case errors.Is(err, cache.ErrStore),
		errors.Is(err, ErrStagePanic),
		errors.Is(err, datatypes.ErrInvalidOutput):
		return datatypes.StatusFailed
	default:
		return datatypes.StatusFallback
	}
}

func contextErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrStageTimeout
	}
	return ErrRunCancelled
}

// capabilityErr keeps capability failures recognisable after wrapping.
func capabilityErr(stage datatypes.StageName, err error) error {
	if errors.Is(err, capability.ErrCapabilityUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrStageTimeout
	}
	return fmt.Errorf("%s: %w", stage, err)
}
