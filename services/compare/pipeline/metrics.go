// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianCompare/services/compare/datatypes"
)

var (
	tracer = otel.Tracer("aleutian.compare.pipeline")
	meter  = otel.Meter("aleutian.compare.pipeline")
)

var (
	pipelineRuns   metric.Int64Counter
	snapshotHits   metric.Int64Counter
	stageDurations metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		pipelineRuns, err = meter.Int64Counter(
			"compare_pipeline_runs_total",
			metric.WithDescription("Pipeline runs by overall status"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		snapshotHits, err = meter.Int64Counter(
			"compare_pipeline_snapshot_hits_total",
			metric.WithDescription("Runs answered from the snapshot cache"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		stageDurations, err = meter.Float64Histogram(
			"compare_pipeline_stage_duration_seconds",
			metric.WithDescription("Wall time of each stage as seen by the orchestrator"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordRun(ctx context.Context, status datatypes.PipelineStatus, snapshotHit bool) {
	if err := initMetrics(); err != nil {
		return
	}
	pipelineRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	if snapshotHit {
		snapshotHits.Add(ctx, 1)
	}
}

func recordStage(ctx context.Context, env datatypes.StageExecutionEnvelope) {
	if err := initMetrics(); err != nil {
		return
	}
	stageDurations.Record(ctx, float64(env.DurationMs)/1000, metric.WithAttributes(
		attribute.String("stage", string(env.StageName)),
		attribute.String("status", string(env.Status)),
	))
}

func startRunSpan(ctx context.Context, requestID, fingerprint string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Pipeline.Execute",
		trace.WithAttributes(
			attribute.String("compare.request_id", requestID),
			attribute.String("compare.fingerprint", fingerprint),
		),
	)
}

func startStageSpan(ctx context.Context, stage datatypes.StageName) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Pipeline.Stage."+string(stage),
		trace.WithAttributes(attribute.String("compare.stage", string(stage))),
	)
}

// endStageSpan annotates span with the envelope and ends it.
func endStageSpan(span trace.Span, env datatypes.StageExecutionEnvelope) {
	span.SetAttributes(
		attribute.String("compare.stage.status", string(env.Status)),
		attribute.Int64("compare.stage.duration_ms", env.DurationMs),
	)
	if env.CacheHit != nil {
		span.SetAttributes(attribute.Bool("compare.stage.cache_hit", *env.CacheHit))
	}
	if env.Status == datatypes.StatusFailed || env.Status == datatypes.StatusFallback {
		detail := ""
		if env.ErrorDetail != nil {
			detail = *env.ErrorDetail
		}
		span.SetStatus(codes.Error, detail)
	}
	span.End()
}
