// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for cache operations.
var (
	tracer = otel.Tracer("aleutian.compare.cache")
	meter  = otel.Meter("aleutian.compare.cache")
)

// Instruments shared by every cache instance, split by the "cache"
// attribute.
var (
	cacheHits       metric.Int64Counter
	cacheMisses     metric.Int64Counter
	cacheEvictions  metric.Int64Counter
	cacheIntegrity  metric.Int64Counter
	cacheGetLatency metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		cacheHits, err = meter.Int64Counter(
			"compare_cache_hits_total",
			metric.WithDescription("Total number of compare cache hits"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheMisses, err = meter.Int64Counter(
			"compare_cache_misses_total",
			metric.WithDescription("Total number of compare cache misses"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheEvictions, err = meter.Int64Counter(
			"compare_cache_evictions_total",
			metric.WithDescription("Entries removed by TTL expiry or invalidation"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheIntegrity, err = meter.Int64Counter(
			"compare_cache_integrity_violations_total",
			metric.WithDescription("Puts rejected because a different payload was already stored"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheGetLatency, err = meter.Float64Histogram(
			"compare_cache_get_duration_seconds",
			metric.WithDescription("Duration of compare cache get operations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func cacheAttr(name string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("cache", name))
}

func recordCacheHit(ctx context.Context, name string) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheHits.Add(ctx, 1, cacheAttr(name))
}

func recordCacheMiss(ctx context.Context, name string) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheMisses.Add(ctx, 1, cacheAttr(name))
}

func recordCacheEviction(ctx context.Context, name, reason string) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheEvictions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", name),
		attribute.String("reason", reason),
	))
}

func recordIntegrityViolation(ctx context.Context, name string) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheIntegrity.Add(ctx, 1, cacheAttr(name))
}

func recordCacheGetLatency(ctx context.Context, name string, duration time.Duration, hit bool) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheGetLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("cache", name),
		attribute.Bool("hit", hit),
	))
}

// startCacheSpan creates a span for a cache operation.
func startCacheSpan(ctx context.Context, name, operation string, fp Fingerprint) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Cache."+operation,
		trace.WithAttributes(
			attribute.String("cache.name", name),
			attribute.String("cache.operation", operation),
			attribute.String("cache.fingerprint", fp.Short()),
		),
	)
}
