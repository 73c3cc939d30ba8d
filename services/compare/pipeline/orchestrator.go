// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline runs the four compare stages in order and assembles the
// unified result.
//
// The orchestrator owns per-stage deadlines, cancellation between stages,
// the snapshot cache and the hand-off to the monitor. It never retries a
// stage and never fails a run because of a stage: the only error Execute
// returns is an invalid request.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianCompare/pkg/logging"
	"github.com/AleutianAI/AleutianCompare/services/compare/cache"
	"github.com/AleutianAI/AleutianCompare/services/compare/datatypes"
	"github.com/AleutianAI/AleutianCompare/services/compare/engines"
	"github.com/AleutianAI/AleutianCompare/services/compare/flags"
)

// ErrInvalidStages is returned by New when the engine list does not match
// the fixed stage order.
var ErrInvalidStages = errors.New("pipeline needs exactly SAE, ERCE, BIRL, FAR in order")

// cancelledDetail is the error_detail of stages skipped by cancellation.
const cancelledDetail = "run cancelled"

// SnapshotCache stores FULL results under the snapshot key: the request
// fingerprint plus the flag state and version of every stage.
type SnapshotCache = cache.Cache[datatypes.ComparisonResult]

// snapshotKey identifies the result of a run. A stage switched off, or an
// engine with a new ruleset, prompt or thresholds, yields a new key.
type snapshotKey struct {
	Docs   datatypes.FingerprintView `json:"docs"`
	Stages []stageIdentity           `json:"stages"`
}

type stageIdentity struct {
	Stage   datatypes.StageName `json:"stage"`
	Enabled bool                `json:"enabled"`
	Version string              `json:"version,omitempty"`
}

// Recorder receives one record per run. Record must not block.
type Recorder interface {
	Record(rec datatypes.RunRecord)
}

// Config holds orchestrator settings.
type Config struct {
	// StageTimeouts bounds each stage independently. Stages without an
	// entry use DefaultStageTimeout.
	StageTimeouts map[datatypes.StageName]time.Duration `yaml:"stage_timeouts"`

	DefaultStageTimeout time.Duration `yaml:"default_stage_timeout" validate:"gt=0"`

	// BatchParallelism is the ExecuteBatch limit when the caller passes 0.
	BatchParallelism int `yaml:"batch_parallelism" validate:"gte=1"`
}

// DefaultConfig returns timeouts sized for remote embedding and generation.
func DefaultConfig() Config {
	return Config{
		StageTimeouts: map[datatypes.StageName]time.Duration{
			datatypes.StageSAE:  15 * time.Second,
			datatypes.StageERCE: 5 * time.Second,
			datatypes.StageBIRL: 30 * time.Second,
			datatypes.StageFAR:  5 * time.Second,
		},
		DefaultStageTimeout: 10 * time.Second,
		BatchParallelism:    4,
	}
}

// Timeout returns the deadline budget of stage.
func (c Config) Timeout(stage datatypes.StageName) time.Duration {
	if d, ok := c.StageTimeouts[stage]; ok && d > 0 {
		return d
	}
	if c.DefaultStageTimeout > 0 {
		return c.DefaultStageTimeout
	}
	return DefaultConfig().DefaultStageTimeout
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSnapshotCache enables snapshotting of FULL results. The snapshot flag
// still gates every lookup and store.
func WithSnapshotCache(c *SnapshotCache) Option {
	return func(o *Orchestrator) { o.snapshots = c }
}

// WithRecorder sets where run records go.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logging.OrDiscard(logger) }
}

// WithClock overrides time.Now for started_at and record timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator overrides uuid request IDs.
func WithIDGenerator(gen func() string) Option {
	return func(o *Orchestrator) { o.newID = gen }
}

// Orchestrator executes comparison requests.
//
// Thread Safety: Safe for concurrent use. Runs share only the injected
// registry, caches and recorder, which are themselves concurrency-safe.
type Orchestrator struct {
	cfg       Config
	flags     flags.Reader
	stages    []engines.Engine
	snapshots *SnapshotCache
	recorder  Recorder
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// New creates an orchestrator.
//
// Inputs:
//
//	cfg - Timeouts and batch settings.
//	reg - Flag registry read before every stage.
//	stages - The four engines, in StageOrder.
//	opts - Snapshot cache, recorder, logger, clock.
//
// Outputs:
//
//	*Orchestrator - Ready to execute.
//	error - ErrInvalidStages when stages are missing or out of order.
func New(cfg Config, reg flags.Reader, stages []engines.Engine, opts ...Option) (*Orchestrator, error) {
	if len(stages) != len(datatypes.StageOrder) {
		return nil, fmt.Errorf("%w: got %d engines", ErrInvalidStages, len(stages))
	}
	for i, e := range stages {
		if e == nil || e.Stage() != datatypes.StageOrder[i] {
			return nil, fmt.Errorf("%w: position %d", ErrInvalidStages, i)
		}
	}
	o := &Orchestrator{
		cfg:    cfg,
		flags:  reg,
		stages: stages,
		logger: logging.Discard(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Execute runs req through every stage.
//
// Description:
//
//	Validates the request, then consults the snapshot cache. On a miss each
//	stage runs under its own deadline with the outputs of the stages before
//	it. Cancellation of ctx is checked between stages; stages not yet
//	started are SKIPPED with error_detail "run cancelled". A FULL result is
//	snapshotted when the snapshot flag is on.
//
// Outputs:
//
//	*datatypes.ComparisonResult - Always non-nil when error is nil.
//	error - Wraps datatypes.ErrInvalidRequest; nothing else.
func (o *Orchestrator) Execute(ctx context.Context, req *datatypes.ComparisonRequest) (*datatypes.ComparisonResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	requestID := req.RequestID
	if requestID == "" {
		requestID = o.newID()
	}
	fp, err := cache.FingerprintObject(req.FingerprintView())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", datatypes.ErrInvalidRequest, err)
	}

	ctx, span := startRunSpan(ctx, requestID, string(fp))
	defer span.End()
	logger := o.logger.With(slog.String("request_id", requestID))
	started := o.now().UTC()

	useSnapshot := o.snapshots != nil && !req.Options.SkipSnapshot && o.flags != nil && o.flags.Get(flags.FlagSnapshot)
	var snapFP cache.Fingerprint
	if useSnapshot {
		snapFP, err = o.snapshotFingerprint(req)
		if err != nil {
			logger.Warn("snapshot key failed, running pipeline", slog.String("error", err.Error()))
			useSnapshot = false
		}
	}
	if useSnapshot {
		if snap, hit := o.lookupSnapshot(ctx, snapFP, logger); hit {
			snap.Meta.RequestID = requestID
			snap.Meta.SnapshotHit = true
			snap.Meta.StartedAt = started
			span.SetAttributes(attribute.Bool("compare.snapshot_hit", true))
			o.finish(ctx, snap, logger)
			return snap, nil
		}
	}

	result := &datatypes.ComparisonResult{
		Meta: datatypes.ResultMeta{
			RequestID:   requestID,
			Fingerprint: string(fp),
			StartedAt:   started,
			Stages:      make([]datatypes.StageExecutionEnvelope, 0, len(o.stages)),
		},
	}
	for i, eng := range o.stages {
		if ctx.Err() != nil {
			o.skipRemaining(result, req, o.stages[i:])
			logger.Warn("run cancelled between stages",
				slog.String("next_stage", string(eng.Stage())),
			)
			break
		}
		o.runStage(ctx, eng, req, result, logger)
	}
	result.Meta.PipelineStatus = Summarize(result.Meta.Stages)

	if useSnapshot && result.Meta.PipelineStatus == datatypes.PipelineFull {
		o.storeSnapshot(ctx, snapFP, result, logger)
	}
	o.finish(ctx, result, logger)
	return result, nil
}

func (o *Orchestrator) runStage(
	ctx context.Context,
	eng engines.Engine,
	req *datatypes.ComparisonRequest,
	result *datatypes.ComparisonResult,
	logger *slog.Logger,
) {
	stage := eng.Stage()
	ctx, span := startStageSpan(ctx, stage)
	stageCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout(stage))
	defer cancel()

	// The stage sees a shallow copy so a stage abandoned at its deadline
	// never observes later writes to result.
	prior := *result
	out, env := eng.Run(stageCtx, engines.Input{Request: req, Prior: &prior}, o.flags)
	out.ApplyTo(result)
	result.Meta.Stages = append(result.Meta.Stages, env)

	endStageSpan(span, env)
	recordStage(ctx, env)
	logger.Debug("stage finished",
		slog.String("stage", string(stage)),
		slog.String("status", string(env.Status)),
		slog.Int64("duration_ms", env.DurationMs),
	)
}

func (o *Orchestrator) skipRemaining(result *datatypes.ComparisonResult, req *datatypes.ComparisonRequest, rest []engines.Engine) {
	result.Meta.Cancelled = true
	for _, eng := range rest {
		engines.Placeholder(eng.Stage(), engines.Input{Request: req}).ApplyTo(result)
		result.Meta.Stages = append(result.Meta.Stages, datatypes.StageExecutionEnvelope{
			StageName:   eng.Stage(),
			Status:      datatypes.StatusSkipped,
			ErrorDetail: datatypes.StringPtr(cancelledDetail),
		})
	}
}

func (o *Orchestrator) lookupSnapshot(ctx context.Context, fp cache.Fingerprint, logger *slog.Logger) (*datatypes.ComparisonResult, bool) {
	snap, hit, err := o.snapshots.Get(ctx, fp)
	if err != nil {
		logger.Warn("snapshot lookup failed, running pipeline",
			slog.String("fingerprint", fp.Short()),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	if !hit {
		return nil, false
	}
	// The flags may have moved since the key was computed.
	for _, eng := range o.stages {
		if !o.flags.Get(eng.Flag()) {
			logger.Info("snapshot ignored, stage now disabled",
				slog.String("stage", string(eng.Stage())),
			)
			return nil, false
		}
	}
	return snap.Clone(), true
}

// snapshotFingerprint keys a snapshot by the documents and by the current
// flag and version of every stage.
func (o *Orchestrator) snapshotFingerprint(req *datatypes.ComparisonRequest) (cache.Fingerprint, error) {
	key := snapshotKey{
		Docs:   req.FingerprintView(),
		Stages: make([]stageIdentity, 0, len(o.stages)),
	}
	for _, eng := range o.stages {
		id := stageIdentity{Stage: eng.Stage(), Enabled: o.flags.Get(eng.Flag())}
		if v, ok := eng.(engines.Versioned); ok {
			id.Version = v.Version()
		}
		key.Stages = append(key.Stages, id)
	}
	return cache.FingerprintObject(key)
}

func (o *Orchestrator) storeSnapshot(ctx context.Context, fp cache.Fingerprint, result *datatypes.ComparisonResult, logger *slog.Logger) {
	snap := result.Clone()
	// Per-run fields are not part of the snapshot identity.
	snap.Meta.RequestID = ""
	snap.Meta.StartedAt = time.Time{}
	for i := range snap.Meta.Stages {
		snap.Meta.Stages[i].DurationMs = 0
	}
	err := o.snapshots.Put(ctx, fp, *snap)
	if err != nil && !errors.Is(err, cache.ErrIntegrity) {
		logger.Warn("snapshot store failed",
			slog.String("fingerprint", fp.Short()),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) finish(ctx context.Context, result *datatypes.ComparisonResult, logger *slog.Logger) {
	recordRun(ctx, result.Meta.PipelineStatus, result.Meta.SnapshotHit)
	if o.recorder != nil {
		o.recorder.Record(datatypes.RunRecord{
			RequestID:      result.Meta.RequestID,
			Timestamp:      o.now().UTC(),
			Stages:         append([]datatypes.StageExecutionEnvelope(nil), result.Meta.Stages...),
			PipelineStatus: result.Meta.PipelineStatus,
			SnapshotHit:    result.Meta.SnapshotHit,
		})
	}
	logger.Info("comparison finished",
		slog.String("pipeline_status", string(result.Meta.PipelineStatus)),
		slog.Bool("snapshot_hit", result.Meta.SnapshotHit),
		slog.Bool("cancelled", result.Meta.Cancelled),
	)
}

// Summarize derives the overall status from stage envelopes: DEGRADED if
// any stage FAILED, FULL if every stage succeeded, PARTIAL otherwise.
func Summarize(envs []datatypes.StageExecutionEnvelope) datatypes.PipelineStatus {
	allSuccess := len(envs) > 0
	for _, env := range envs {
		if env.Status == datatypes.StatusFailed {
			return datatypes.PipelineDegraded
		}
		if env.Status != datatypes.StatusSuccess {
			allSuccess = false
		}
	}
	if allSuccess {
		return datatypes.PipelineFull
	}
	return datatypes.PipelinePartial
}

// BatchResult is one ExecuteBatch outcome, at the index of its request.
type BatchResult struct {
	Result *datatypes.ComparisonResult
	Err    error
}

// ExecuteBatch runs independent requests concurrently, at most parallelism
// at a time (Config.BatchParallelism when parallelism <= 0). One invalid
// request does not affect the others.
func (o *Orchestrator) ExecuteBatch(ctx context.Context, reqs []*datatypes.ComparisonRequest, parallelism int) []BatchResult {
	if parallelism <= 0 {
		parallelism = o.cfg.BatchParallelism
	}
	if parallelism <= 0 {
		parallelism = 1
	}
	out := make([]BatchResult, len(reqs))
	var g errgroup.Group
	g.SetLimit(parallelism)
	for i, req := range reqs {
		g.Go(func() error {
			res, err := o.Execute(ctx, req)
			out[i] = BatchResult{Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}
