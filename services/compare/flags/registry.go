// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package flags

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianCompare/pkg/logging"
)

// Reader is the read side of the registry that engine adapters depend on.
type Reader interface {
	Get(name string) bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logging.OrDiscard(logger) }
}

// WithKnownFlags registers flag names that should appear in Snapshot even
// before they are ever set.
func WithKnownFlags(names ...string) Option {
	return func(r *Registry) { r.known = append(r.known, names...) }
}

// WithClock overrides time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry is the process-wide flag registry.
type Registry struct {
	mu       sync.RWMutex
	store    Store
	records  []Record
	replayed map[string]*flagReplay
	known    []string
	nextSeq  int64

	warned sync.Map
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry loads the registry from store.
//
// Inputs:
//
//	ctx - Context for the initial load.
//	store - Persistence backend. Must not be nil.
//	opts - Optional logger, known flags, clock.
//
// Outputs:
//
//	*Registry - The loaded registry.
//	error - Non-nil if the store cannot be read.
func NewRegistry(ctx context.Context, store Store, opts ...Option) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrFlag)
	}
	r := &Registry{
		store:  store,
		logger: logging.Discard(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the store and replaces in-memory state.
func (r *Registry) Reload(ctx context.Context) error {
	doc, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load flags: %w", err)
	}
	records := fromDocument(doc)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = records
	r.replayed = replay(records)
	r.nextSeq = 1
	if n := len(records); n > 0 {
		r.nextSeq = records[n-1].Seq + 1
	}
	return nil
}

// Get reports whether the flag is enabled. It never fails: unknown flags are
// OFF and logged once as a warning.
func (r *Registry) Get(name string) bool {
	r.mu.RLock()
	f, ok := r.replayed[name]
	r.mu.RUnlock()

	if !ok {
		if _, seen := r.warned.LoadOrStore(name, struct{}{}); !seen {
			r.logger.Warn("flag never set, defaulting to off", slog.String("flag", name))
		}
		return false
	}
	return f.state.Enabled
}

// Set appends a set record for name and makes it current.
//
// Returns InvalidStageError when stage is negative or below the registry's
// high-water stage.
func (r *Registry) Set(ctx context.Context, name string, enabled bool, stage int) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkStageLocked(name, stage); err != nil {
		return err
	}
	rec := r.newRecordLocked(name, enabled, stage, KindSet)
	if err := r.commitLocked(ctx, rec); err != nil {
		return err
	}
	r.logger.Info("flag set",
		slog.String("flag", name),
		slog.Bool("enabled", enabled),
		slog.Int("stage", stage),
	)
	return nil
}

// ActivateStage enables every flag the plan assigns to stage.
func (r *Registry) ActivateStage(ctx context.Context, plan Plan, stage int) error {
	names, ok := plan[stage]
	if !ok || len(names) == 0 {
		return fmt.Errorf("%w: %d", ErrUnknownStage, stage)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkStageLocked("", stage); err != nil {
		return err
	}
	recs := make([]Record, 0, len(names))
	for _, name := range names {
		recs = append(recs, r.newRecordLocked(name, true, stage, KindSet))
	}
	if err := r.commitLocked(ctx, recs...); err != nil {
		return err
	}
	r.logger.Info("stage activated",
		slog.Int("stage", stage),
		slog.String("flags", strings.Join(names, ",")),
	)
	return nil
}

// Rollback reverts every flag whose effective activating stage is >= stage
// to the value it had before that stage. Rolling back a stage that is not
// in effect is a no-op.
func (r *Registry) Rollback(ctx context.Context, stage int) error {
	if stage < 0 {
		return &InvalidStageError{Stage: stage}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.replayed))
	for name := range r.replayed {
		names = append(names, name)
	}
	sort.Strings(names)

	var recs []Record
	for _, name := range names {
		f := r.replayed[name]
		if s, ok := f.maxStage(); !ok || s < stage {
			continue
		}
		restored := false
		for i := len(f.layers) - 1; i >= 0; i-- {
			if f.layers[i].stage < stage {
				restored = f.layers[i].enabled
				break
			}
		}
		recs = append(recs, r.newRecordLocked(name, restored, stage, KindRollback))
	}

	if len(recs) == 0 {
		r.logger.Debug("rollback is a no-op", slog.Int("stage", stage))
		return nil
	}
	if err := r.commitLocked(ctx, recs...); err != nil {
		return err
	}
	r.logger.Info("stage rolled back",
		slog.Int("stage", stage),
		slog.Int("flags_reverted", len(recs)),
	)
	return nil
}

// History returns the chronological records for name.
func (r *Registry) History(name string) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Record
	for _, rec := range r.records {
		if rec.Flag == name {
			out = append(out, rec)
		}
	}
	return out
}

// Snapshot returns the current state of every known or ever-set flag,
// sorted by name.
func (r *Registry) Snapshot() []FlagState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshotOf(r.replayed, r.known)
}

// StateAt reconstructs the flag states as they were at t by replaying the
// history up to t.
func (r *Registry) StateAt(t time.Time) []FlagState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshotOf(replay(recordsUntil(r.records, t)), r.known)
}

// Stage returns the current high-water stage (0 when nothing is active).
func (r *Registry) Stage() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return highWater(r.replayed)
}

func (r *Registry) checkStageLocked(name string, stage int) error {
	if stage < 0 {
		return &InvalidStageError{Flag: name, Stage: stage}
	}
	if hw := highWater(r.replayed); stage < hw {
		return &InvalidStageError{Flag: name, Stage: stage, HighWater: hw}
	}
	return nil
}

func (r *Registry) newRecordLocked(name string, enabled bool, stage int, kind RecordKind) Record {
	rec := Record{
		Seq:     r.nextSeq,
		Flag:    name,
		Enabled: enabled,
		Stage:   stage,
		Kind:    kind,
		At:      r.now().UTC(),
	}
	r.nextSeq++
	return rec
}

// commitLocked appends recs to the history, persists, and only then
// publishes the replayed state. On persistence failure nothing changes.
func (r *Registry) commitLocked(ctx context.Context, recs ...Record) error {
	next := make([]Record, 0, len(r.records)+len(recs))
	next = append(next, r.records...)
	next = append(next, recs...)

	if err := r.store.Save(ctx, toDocument(next, r.known)); err != nil {
		r.nextSeq -= int64(len(recs))
		return fmt.Errorf("persist flags: %w", err)
	}
	r.records = next
	r.replayed = replay(next)
	return nil
}

func snapshotOf(replayed map[string]*flagReplay, known []string) []FlagState {
	byName := make(map[string]FlagState, len(replayed)+len(known))
	for _, name := range known {
		byName[name] = FlagState{Name: name}
	}
	for name, f := range replayed {
		byName[name] = f.state
	}
	out := make([]FlagState, 0, len(byName))
	for _, st := range byName {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var _ Reader = (*Registry)(nil)
