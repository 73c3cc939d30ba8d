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
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianCompare/services/compare/datatypes"
)

// maxLogLine bounds one audit log line.
const maxLogLine = 4 << 20

// StageReport aggregates one stage over a window.
type StageReport struct {
	Stage datatypes.StageName `json:"stage"`

	Runs     int `json:"runs"`
	Success  int `json:"success"`
	Fallback int `json:"fallback"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`

	// Latency covers executed stages only; SKIPPED envelopes carry no work.
	MeanMs float64 `json:"mean_ms"`
	P50Ms  int64   `json:"p50_ms"`
	P95Ms  int64   `json:"p95_ms"`
	P99Ms  int64   `json:"p99_ms"`

	CacheLookups  int     `json:"cache_lookups"`
	CacheHits     int     `json:"cache_hits"`
	CacheHitRatio float64 `json:"cache_hit_ratio"`
}

// Report is the staged-activation report.
type Report struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`

	Runs           int                              `json:"runs"`
	SnapshotHits   int                              `json:"snapshot_hits"`
	PipelineStatus map[datatypes.PipelineStatus]int `json:"pipeline_status"`
	Stages         []StageReport                    `json:"stages"`
}

// Aggregate builds a report from records with a timestamp in
// [now-window, now]. A window of zero or less includes every record, and
// From is then the oldest record's timestamp.
//
// Stages are reported in pipeline order; a stage that never appears still
// gets a zero row. Snapshot-hit runs count toward Runs and SnapshotHits
// only.
func Aggregate(records []datatypes.RunRecord, window time.Duration, now time.Time) Report {
	rep := Report{
		To: now.UTC(),
		PipelineStatus: map[datatypes.PipelineStatus]int{
			datatypes.PipelineFull:     0,
			datatypes.PipelinePartial:  0,
			datatypes.PipelineDegraded: 0,
		},
	}
	if window > 0 {
		rep.From = now.Add(-window).UTC()
	}

	type acc struct {
		row       StageReport
		latencies []int64
	}
	byStage := make(map[datatypes.StageName]*acc, len(datatypes.StageOrder))
	for _, s := range datatypes.StageOrder {
		byStage[s] = &acc{row: StageReport{Stage: s}}
	}

	for _, rec := range records {
		if window > 0 && (rec.Timestamp.Before(rep.From) || rec.Timestamp.After(now)) {
			continue
		}
		if window <= 0 && (rep.From.IsZero() || rec.Timestamp.Before(rep.From)) {
			rep.From = rec.Timestamp.UTC()
		}
		rep.Runs++
		rep.PipelineStatus[rec.PipelineStatus]++
		// Snapshot hits replay stored envelopes; no stage ran.
		if rec.SnapshotHit {
			rep.SnapshotHits++
			continue
		}
		for _, env := range rec.Stages {
			a, ok := byStage[env.StageName]
			if !ok {
				continue
			}
			a.row.Runs++
			switch env.Status {
			case datatypes.StatusSuccess:
				a.row.Success++
			case datatypes.StatusFallback:
				a.row.Fallback++
			case datatypes.StatusFailed:
				a.row.Failed++
			case datatypes.StatusSkipped:
				a.row.Skipped++
			}
			if env.Status != datatypes.StatusSkipped {
				a.latencies = append(a.latencies, env.DurationMs)
			}
			if env.CacheHit != nil {
				a.row.CacheLookups++
				if *env.CacheHit {
					a.row.CacheHits++
				}
			}
		}
	}

	rep.Stages = make([]StageReport, 0, len(datatypes.StageOrder))
	for _, s := range datatypes.StageOrder {
		a := byStage[s]
		if n := len(a.latencies); n > 0 {
			slices.Sort(a.latencies)
			var total int64
			for _, l := range a.latencies {
				total += l
			}
			a.row.MeanMs = float64(total) / float64(n)
			a.row.P50Ms = percentile(a.latencies, 50)
			a.row.P95Ms = percentile(a.latencies, 95)
			a.row.P99Ms = percentile(a.latencies, 99)
		}
		if a.row.CacheLookups > 0 {
			a.row.CacheHitRatio = float64(a.row.CacheHits) / float64(a.row.CacheLookups)
		}
		rep.Stages = append(rep.Stages, a.row)
	}
	return rep
}

// percentile returns the nearest-rank percentile of sorted.
func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

// ReadLog parses a JSONL audit log.
//
// Description:
//
//	Blank lines are ignored. Lines that are not run records (a torn final
//	write, for example) are skipped; the returned error then wraps
//	ErrMalformedRecord and names each bad line, while the records that did
//	parse are still returned.
//
// Outputs:
//
//	[]datatypes.RunRecord - Records in file order.
//	error - Malformed lines (joined), or the read error that stopped parsing.
func ReadLog(r io.Reader) ([]datatypes.RunRecord, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLogLine)

	var (
		records []datatypes.RunRecord
		bad     []error
		line    int
	)
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var rec datatypes.RunRecord
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			bad = append(bad, fmt.Errorf("%w: line %d: %v", ErrMalformedRecord, line, err))
			continue
		}
		if rec.RequestID == "" || rec.PipelineStatus == "" {
			bad = append(bad, fmt.Errorf("%w: line %d: missing request_id or pipeline_status", ErrMalformedRecord, line))
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("read audit log: %w", err)
	}
	return records, errors.Join(bad...)
}
