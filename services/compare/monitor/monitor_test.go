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
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCompare/pkg/logging"
	"github.com/AleutianAI/AleutianCompare/services/compare/datatypes"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func envelope(stage datatypes.StageName, status datatypes.StageStatus, ms int64, hit *bool) datatypes.StageExecutionEnvelope {
	return datatypes.StageExecutionEnvelope{StageName: stage, Status: status, DurationMs: ms, CacheHit: hit}
}

func runRecord(id string, at time.Time, status datatypes.PipelineStatus, envs ...datatypes.StageExecutionEnvelope) datatypes.RunRecord {
	return datatypes.RunRecord{RequestID: id, Timestamp: at, Stages: envs, PipelineStatus: status}
}

// syncBuffer is a bytes.Buffer safe for the worker and the test to share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

// blockingWriter holds the worker until release is closed.
type blockingWriter struct {
	release chan struct{}
}

func (w blockingWriter) Write(p []byte) (int, error) {
	<-w.release
	return len(p), nil
}

func newMonitor(t *testing.T, cfg Config, opts ...Option) *Monitor {
	t.Helper()
	m, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func TestMonitor_RecordWritesJSONLines(t *testing.T) {
	sink := &syncBuffer{}
	collectors := NewCollectors(nil)
	m := newMonitor(t, DefaultConfig(), WithSink(sink), WithCollectors(collectors), WithClock(func() time.Time { return t0 }))

	m.Record(runRecord("r1", t0, datatypes.PipelineFull,
		envelope(datatypes.StageSAE, datatypes.StatusSuccess, 120, datatypes.BoolPtr(true)),
		envelope(datatypes.StageERCE, datatypes.StatusSkipped, 0, nil),
	))
	m.Record(runRecord("r2", t0, datatypes.PipelineDegraded,
		envelope(datatypes.StageSAE, datatypes.StatusFailed, 40, nil),
	))
	require.NoError(t, m.Flush(context.Background()))

	records, err := ReadLog(bytes.NewBufferString(sink.String()))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "r1", records[0].RequestID)
	assert.Equal(t, datatypes.PipelineFull, records[0].PipelineStatus)
	require.Len(t, records[0].Stages, 2)
	assert.Nil(t, records[0].Stages[1].CacheHit)

	assert.Equal(t, 1.0, testutil.ToFloat64(collectors.StageStatus.WithLabelValues("SAE", "FAILED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collectors.StageCacheLookups.WithLabelValues("SAE", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collectors.PipelineStatus.WithLabelValues("DEGRADED", "false")))
	assert.Len(t, m.Records(), 2)
}

func TestMonitor_RecordNeverBlocks(t *testing.T) {
	release := make(chan struct{})
	collectors := NewCollectors(nil)
	m := newMonitor(t, Config{QueueSize: 2}, WithSink(blockingWriter{release: release}), WithCollectors(collectors))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			m.Record(runRecord("r", t0, datatypes.PipelineFull))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a full queue")
	}
	close(release)

	assert.GreaterOrEqual(t, m.Dropped(), int64(47))
	assert.Equal(t, float64(m.Dropped()), testutil.ToFloat64(collectors.RecordsDropped))
}

func TestMonitor_SinkFailureIsSwallowed(t *testing.T) {
	exporter := logging.NewBufferedExporter()
	logger := logging.New(logging.Config{Level: logging.LevelWarn, Quiet: true, Exporter: exporter})
	collectors := NewCollectors(nil)
	m := newMonitor(t, DefaultConfig(), WithSink(failingWriter{}), WithCollectors(collectors), WithLogger(logger.Slog()))

	m.Record(runRecord("r1", time.Now(), datatypes.PipelineFull))
	require.NoError(t, m.Flush(context.Background()))

	assert.Equal(t, 1.0, testutil.ToFloat64(collectors.SinkErrors))
	assert.Len(t, m.Records(), 1, "record is still aggregated")
	require.Eventually(t, func() bool {
		for _, e := range exporter.Entries() {
			if e.Message == "audit log write failed" && e.Attrs["error"] == "disk full" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestMonitor_CloseDrainsAndDrops(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "runs.jsonl")
	m, err := New(Config{LogPath: path})
	require.NoError(t, err)

	m.Record(runRecord("r1", time.Now(), datatypes.PipelinePartial))
	require.NoError(t, m.Close(context.Background()))
	require.NoError(t, m.Close(context.Background()))

	m.Record(runRecord("r2", time.Now(), datatypes.PipelinePartial))
	assert.Equal(t, int64(1), m.Dropped())
	assert.ErrorIs(t, m.Flush(context.Background()), ErrClosed)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := ReadLog(f)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "r1", records[0].RequestID)
}

func TestMonitor_Retention(t *testing.T) {
	now := t0
	m := newMonitor(t, Config{Retention: time.Hour, MaxRecords: 3}, WithClock(func() time.Time { return now }))

	m.Record(runRecord("old", t0.Add(-2*time.Hour), datatypes.PipelineFull))
	for _, id := range []string{"a", "b", "c", "d"} {
		m.Record(runRecord(id, t0, datatypes.PipelineFull))
	}
	require.NoError(t, m.Flush(context.Background()))

	var ids []string
	for _, r := range m.Records() {
		ids = append(ids, r.RequestID)
	}
	assert.Equal(t, []string{"b", "c", "d"}, ids)
}

func TestAggregate(t *testing.T) {
	hit, miss := datatypes.BoolPtr(true), datatypes.BoolPtr(false)
	var records []datatypes.RunRecord
	for i := int64(1); i <= 100; i++ {
		records = append(records, runRecord("r", t0.Add(-time.Duration(i)*time.Second), datatypes.PipelineFull,
			envelope(datatypes.StageSAE, datatypes.StatusSuccess, i*10, hit),
			envelope(datatypes.StageERCE, datatypes.StatusSkipped, 0, nil),
		))
	}
	records = append(records,
		runRecord("f", t0, datatypes.PipelineDegraded,
			envelope(datatypes.StageSAE, datatypes.StatusFailed, 5, nil),
			envelope(datatypes.StageBIRL, datatypes.StatusFallback, 7, nil),
		),
		runRecord("p", t0, datatypes.PipelinePartial,
			envelope(datatypes.StageSAE, datatypes.StatusSuccess, 1, miss),
		),
		runRecord("stale", t0.Add(-2*time.Hour), datatypes.PipelineFull,
			envelope(datatypes.StageSAE, datatypes.StatusSuccess, 99999, hit),
		),
	)
	snap := runRecord("snap", t0, datatypes.PipelineFull,
		envelope(datatypes.StageSAE, datatypes.StatusSuccess, 0, hit),
		envelope(datatypes.StageBIRL, datatypes.StatusSuccess, 0, hit),
	)
	snap.SnapshotHit = true
	records = append(records, snap)

	rep := Aggregate(records, time.Hour, t0)
	assert.Equal(t, 103, rep.Runs)
	assert.Equal(t, t0.Add(-time.Hour), rep.From)
	assert.Equal(t, 101, rep.PipelineStatus[datatypes.PipelineFull])
	assert.Equal(t, 1, rep.PipelineStatus[datatypes.PipelineDegraded])
	assert.Equal(t, 1, rep.PipelineStatus[datatypes.PipelinePartial])
	assert.Equal(t, 1, rep.SnapshotHits)

	require.Len(t, rep.Stages, 4)
	sae := rep.Stages[0]
	assert.Equal(t, datatypes.StageSAE, sae.Stage)
	assert.Equal(t, 102, sae.Runs)
	assert.Equal(t, 101, sae.Success)
	assert.Equal(t, 1, sae.Failed)
	assert.Equal(t, int64(490), sae.P50Ms)
	assert.Equal(t, int64(950), sae.P95Ms)
	assert.Equal(t, int64(990), sae.P99Ms)
	assert.InDelta(t, (50500.0+6)/102, sae.MeanMs, 0.001)
	assert.Equal(t, 101, sae.CacheLookups)
	assert.InDelta(t, 100.0/101, sae.CacheHitRatio, 1e-9)

	erce := rep.Stages[1]
	assert.Equal(t, 100, erce.Skipped)
	assert.Zero(t, erce.P99Ms, "skipped stages carry no latency")
	assert.Zero(t, erce.CacheHitRatio)

	birl := rep.Stages[2]
	assert.Equal(t, 1, birl.Runs, "snapshot hits stay out of stage rows")
	assert.Zero(t, birl.Success)
	assert.Equal(t, 1, birl.Fallback)
	assert.Equal(t, int64(7), birl.P50Ms)
	assert.Zero(t, birl.CacheLookups)

	far := rep.Stages[3]
	assert.Equal(t, datatypes.StageFAR, far.Stage)
	assert.Zero(t, far.Runs)
}

func TestAggregate_AllTime(t *testing.T) {
	records := []datatypes.RunRecord{
		runRecord("a", t0.Add(-48*time.Hour), datatypes.PipelineFull),
		runRecord("b", t0, datatypes.PipelinePartial),
	}
	rep := Aggregate(records, 0, t0)
	assert.Equal(t, 2, rep.Runs)
	assert.Equal(t, t0.Add(-48*time.Hour), rep.From)

	empty := Aggregate(nil, time.Hour, t0)
	assert.Zero(t, empty.Runs)
	assert.Len(t, empty.Stages, 4)
	assert.Contains(t, empty.PipelineStatus, datatypes.PipelineFull)
}

func TestReadLog_SkipsMalformedLines(t *testing.T) {
	log := `{"request_id":"r1","timestamp":"2026-03-01T12:00:00Z","stages":[],"pipeline_status":"FULL"}

{"request_id":"r2","timestamp":"2026-03-01T12:00:01Z","stages":[],"pipeline_status":"PARTIAL"}
{"request_id":"r3","timestamp":"2026-03-01T12:0`
	records, err := ReadLog(bytes.NewBufferString(log))
	require.Len(t, records, 2)
	assert.ErrorIs(t, err, ErrMalformedRecord)
	assert.Contains(t, err.Error(), "line 4")

	_, err = ReadLog(bytes.NewBufferString(`{"timestamp":"2026-03-01T12:00:00Z"}`))
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestPercentile(t *testing.T) {
	assert.Zero(t, percentile(nil, 50))
	assert.Equal(t, int64(3), percentile([]int64{3}, 99))
	assert.Equal(t, int64(2), percentile([]int64{1, 2, 3, 4}, 50))
	assert.Equal(t, int64(4), percentile([]int64{1, 2, 3, 4}, 95))
}

func TestNewCollectors_RegistersOnRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollectors(reg)
	c.observe(runRecord("r", t0, datatypes.PipelineFull,
		envelope(datatypes.StageFAR, datatypes.StatusSuccess, 3, datatypes.BoolPtr(false))))

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "aleutian_compare_stage_duration_seconds")
	assert.Contains(t, names, "aleutian_compare_pipeline_status_total")
	assert.Panics(t, func() { NewCollectors(reg) })
}

func TestCollectors_SnapshotHitSkipsStageSeries(t *testing.T) {
	c := NewCollectors(nil)
	rec := runRecord("s", t0, datatypes.PipelineFull,
		envelope(datatypes.StageSAE, datatypes.StatusSuccess, 0, datatypes.BoolPtr(true)))
	rec.SnapshotHit = true
	c.observe(rec)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.PipelineStatus.WithLabelValues("FULL", "true")))
	assert.Zero(t, testutil.ToFloat64(c.StageStatus.WithLabelValues("SAE", "SUCCESS")))
	assert.Zero(t, testutil.ToFloat64(c.StageCacheLookups.WithLabelValues("SAE", "true")))
}
