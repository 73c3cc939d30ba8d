// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianCompare/services/compare/datatypes"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const (
	metricsNamespace = "aleutian"
	compareSubsystem = "compare"
)

// Collectors holds the Prometheus collectors fed by recorded runs.
//
// Thread Safety: All operations are thread-safe via Prometheus's internal
// locking.
type Collectors struct {
	// StageDuration measures stage latency.
	// Labels: stage (SAE, ERCE, BIRL, FAR), status
	StageDuration *prometheus.HistogramVec

	// StageStatus counts terminal stage outcomes.
	// Labels: stage, status
	StageStatus *prometheus.CounterVec

	// StageCacheLookups counts stages that consulted their cache.
	// Labels: stage, hit (true, false)
	StageCacheLookups *prometheus.CounterVec

	// PipelineStatus counts runs by overall status.
	// Labels: status (FULL, PARTIAL, DEGRADED), snapshot_hit
	PipelineStatus *prometheus.CounterVec

	// RecordsDropped counts run records lost to a full queue or a closed
	// monitor.
	RecordsDropped prometheus.Counter

	// SinkErrors counts audit log writes that failed.
	SinkErrors prometheus.Counter
}

// NewCollectors creates and registers the monitor collectors on reg. A nil
// reg creates unregistered collectors, which tests use to stay off the
// global registry.
//
// Limitations: Panics if the collectors are already registered on reg.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: compareSubsystem,
			Name:      "stage_duration_seconds",
			Help:      "Compare stage latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"stage", "status"}),
		StageStatus: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: compareSubsystem,
			Name:      "stage_status_total",
			Help:      "Compare stage outcomes by stage and status",
		}, []string{"stage", "status"}),
		StageCacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: compareSubsystem,
			Name:      "stage_cache_lookups_total",
			Help:      "Compare stage cache lookups by stage and hit",
		}, []string{"stage", "hit"}),
		PipelineStatus: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: compareSubsystem,
			Name:      "pipeline_status_total",
			Help:      "Compare pipeline runs by overall status",
		}, []string{"status", "snapshot_hit"}),
		RecordsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: compareSubsystem,
			Name:      "monitor_records_dropped_total",
			Help:      "Run records dropped by the monitor",
		}),
		SinkErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: compareSubsystem,
			Name:      "monitor_sink_errors_total",
			Help:      "Audit log writes that failed",
		}),
	}
}

// observe feeds one run record into the collectors.
func (c *Collectors) observe(rec datatypes.RunRecord) {
	c.PipelineStatus.WithLabelValues(string(rec.PipelineStatus), boolLabel(rec.SnapshotHit)).Inc()
	if rec.SnapshotHit {
		return
	}
	for _, env := range rec.Stages {
		stage, status := string(env.StageName), string(env.Status)
		c.StageStatus.WithLabelValues(stage, status).Inc()
		if env.Status != datatypes.StatusSkipped {
			c.StageDuration.WithLabelValues(stage, status).Observe(float64(env.DurationMs) / 1000)
		}
		if env.CacheHit != nil {
			c.StageCacheLookups.WithLabelValues(stage, boolLabel(*env.CacheHit)).Inc()
		}
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
