// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package flags implements the staged-activation flag registry.
//
// Every capability of the compare pipeline sits behind a named boolean flag.
// Flags default OFF. The registry never mutates state directly: each change
// appends an immutable Record to the history and current state is whatever
// replaying that history yields. Rollback is itself a record, so the full
// activation timeline can be reconstructed at any instant with StateAt.
//
// # Stages
//
// Each record carries the rollout stage that produced it. Stages only move
// forward: Set rejects a stage below the current high-water mark (the
// highest stage still in effect) with InvalidStageError. Rolling back stage
// N removes the effect of every record at stage >= N, which lowers the
// high-water mark and allows stage N to be activated again.
//
// # Thread Safety
//
// Registry is safe for concurrent use. Reads take a read lock; mutations are
// serialized and persisted before they become visible.
package flags

import (
	"sort"
	"time"
)

// Flag names used by the compare pipeline.
const (
	FlagSAE      = "compare_v3_sae_enabled"
	FlagERCE     = "compare_v3_erce_enabled"
	FlagBIRL     = "compare_v3_birl_enabled"
	FlagFAR      = "compare_v3_far_enabled"
	FlagSnapshot = "compare_v3_snapshot_cache_enabled"
)

// RecordKind distinguishes explicit sets from rollback reversals.
type RecordKind string

const (
	KindSet      RecordKind = "set"
	KindRollback RecordKind = "rollback"
)

// Record is one immutable history entry.
//
// For KindRollback, Stage is the stage that was rolled back and Enabled is
// the value the flag returned to.
type Record struct {
	Seq     int64      `json:"seq"`
	Flag    string     `json:"flag"`
	Enabled bool       `json:"enabled"`
	Stage   int        `json:"stage"`
	Kind    RecordKind `json:"kind"`
	At      time.Time  `json:"at"`
}

// FlagState is the current value of one flag as derived from history.
type FlagState struct {
	Name         string     `json:"name"`
	Enabled      bool       `json:"enabled"`
	Stage        int        `json:"stage"`
	ActivatedAt  *time.Time `json:"activated_at"`
	RolledBackAt *time.Time `json:"rolled_back_at"`
}

// PersistedFlag is the on-disk form of one flag: its current state plus its
// own slice of the history.
type PersistedFlag struct {
	Enabled      bool       `json:"enabled"`
	Stage        int        `json:"stage"`
	ActivatedAt  *time.Time `json:"activated_at,omitempty"`
	RolledBackAt *time.Time `json:"rolled_back_at,omitempty"`
	History      []Record   `json:"history"`
}

// Document is the persisted registry: flag name to PersistedFlag.
type Document map[string]PersistedFlag

// Plan maps a rollout stage to the flags it activates.
type Plan map[int][]string

// DefaultPlan enables one engine per stage in pipeline order, then the
// snapshot cache once every engine is live.
func DefaultPlan() Plan {
	return Plan{
		1: {FlagSAE},
		2: {FlagERCE},
		3: {FlagBIRL},
		4: {FlagFAR},
		5: {FlagSnapshot},
	}
}

// Stages returns the plan's stages in ascending order.
func (p Plan) Stages() []int {
	out := make([]int, 0, len(p))
	for stage := range p {
		out = append(out, stage)
	}
	sort.Ints(out)
	return out
}

// Flags returns every flag the plan mentions, sorted and de-duplicated.
func (p Plan) Flags() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, names := range p {
		for _, name := range names {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
