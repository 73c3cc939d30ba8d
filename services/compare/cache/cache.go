// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache provides the content-addressed, write-once caches used by the
// compare pipeline: embeddings (SAE), pattern classifications (ERCE, BIRL,
// FAR) and whole-result snapshots.
//
// A fingerprint uniquely determines its payload. A second Put under the same
// fingerprint with an identical payload is a no-op; with a different payload
// it is rejected with CacheIntegrityError and never overwrites.
//
// Thread Safety: Cache and every Store implementation are safe for
// concurrent use.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianCompare/pkg/logging"
)

// Config describes one cache instance.
type Config struct {
	// Name is the namespace inside the shared store and the "cache" metric
	// attribute.
	Name string `yaml:"name" validate:"required,alphanum"`

	// TTL bounds entry lifetime. Zero means entries never expire.
	TTL time.Duration `yaml:"ttl" validate:"gte=0"`

	// TextBudget is the rune budget applied by Normalize before hashing.
	// Zero disables truncation.
	TextBudget int `yaml:"text_budget" validate:"gte=0"`
}

// EmbeddingConfig is the SAE embedding cache: 24h TTL, 2000-rune budget.
func EmbeddingConfig() Config {
	return Config{Name: "embedding", TTL: 24 * time.Hour, TextBudget: 2000}
}

// PatternConfig is the classification cache keyed by clause pair and
// ruleset version. Entries never expire because a ruleset change changes
// the key.
func PatternConfig() Config {
	return Config{Name: "pattern", TextBudget: 8000}
}

// SnapshotConfig is the unbounded whole-result cache.
func SnapshotConfig() Config {
	return Config{Name: "snapshot"}
}

// Stats are cumulative counters since the cache was created, plus the
// current number of stored entries.
type Stats struct {
	Hits                int64 `json:"hits"`
	Misses              int64 `json:"misses"`
	Size                int   `json:"size"`
	Evictions           int64 `json:"evictions"`
	IntegrityViolations int64 `json:"integrity_violations"`
}

// HitRatio returns hits/(hits+misses), or 0 before the first lookup.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	logger *slog.Logger
	now    func() time.Time
}

// WithLogger sets the logger used for integrity violations and evictions.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logging.OrDiscard(logger) }
}

// WithClock overrides time.Now for TTL decisions.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Cache is a typed view over one namespace of a Store. Payloads are stored
// as JSON; two payloads are identical when their encodings are byte-equal.
type Cache[T any] struct {
	cfg    Config
	store  Store
	logger *slog.Logger
	now    func() time.Time

	hits       atomic.Int64
	misses     atomic.Int64
	evictions  atomic.Int64
	violations atomic.Int64

	group singleflight.Group
}

// New creates a cache instance over store.
//
// Inputs:
//
//	cfg - Instance configuration. Name must be non-empty.
//	store - Backend shared with other instances. Must not be nil.
//	opts - Optional logger and clock.
//
// Outputs:
//
//	*Cache[T] - The cache.
//	error - Non-nil on invalid configuration.
func New[T any](cfg Config, store Store, opts ...Option) (*Cache[T], error) {
	if cfg.Name == "" {
		return nil, errors.New("cache name must not be empty")
	}
	if cfg.TTL < 0 || cfg.TextBudget < 0 {
		return nil, fmt.Errorf("cache %s: negative ttl or text budget", cfg.Name)
	}
	if store == nil {
		return nil, fmt.Errorf("cache %s: nil store", cfg.Name)
	}
	o := options{logger: logging.Discard(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[T]{
		cfg:    cfg,
		store:  store,
		logger: o.logger.With(slog.String("cache", cfg.Name)),
		now:    o.now,
	}, nil
}

// Name returns the instance name.
func (c *Cache[T]) Name() string { return c.cfg.Name }

// FingerprintText fingerprints text with this instance's rune budget.
func (c *Cache[T]) FingerprintText(text string) Fingerprint {
	return FingerprintText(text, c.cfg.TextBudget)
}

// Get returns the payload under fp. An expired entry is removed and
// reported as a miss.
//
// Outputs:
//
//	T - The payload; zero value on miss.
//	bool - True on hit.
//	error - Wraps ErrStore when the backend fails or holds an undecodable
//	payload; ErrInvalidFingerprint for malformed keys.
func (c *Cache[T]) Get(ctx context.Context, fp Fingerprint) (T, bool, error) {
	var zero T
	if !fp.Valid() {
		return zero, false, fmt.Errorf("%w: %q", ErrInvalidFingerprint, fp)
	}
	ctx, span := startCacheSpan(ctx, c.cfg.Name, "Get", fp)
	defer span.End()
	start := time.Now()

	value, hit, err := c.get(ctx, fp)
	if err != nil {
		span.RecordError(err)
		return zero, false, err
	}
	if hit {
		c.hits.Add(1)
		recordCacheHit(ctx, c.cfg.Name)
	} else {
		c.misses.Add(1)
		recordCacheMiss(ctx, c.cfg.Name)
	}
	recordCacheGetLatency(ctx, c.cfg.Name, time.Since(start), hit)
	return value, hit, nil
}

func (c *Cache[T]) get(ctx context.Context, fp Fingerprint) (T, bool, error) {
	var zero T
	entry, found, err := c.store.Load(ctx, c.cfg.Name, fp)
	if err != nil {
		return zero, false, storeErr("load", err)
	}
	if !found {
		return zero, false, nil
	}
	if entry.Expired(c.now()) {
		if err := c.evict(ctx, fp, "ttl"); err != nil {
			return zero, false, err
		}
		return zero, false, nil
	}
	var value T
	if err := json.Unmarshal(entry.Payload, &value); err != nil {
		return zero, false, storeErr("decode payload "+fp.Short(), err)
	}
	return value, true, nil
}

// Put stores value under fp.
//
// Description:
//
//	Storing the same payload again is a no-op. Storing a different payload
//	under an unexpired fingerprint is rejected with *CacheIntegrityError,
//	logged at error level, and the existing entry is kept.
func (c *Cache[T]) Put(ctx context.Context, fp Fingerprint, value T) error {
	if !fp.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidFingerprint, fp)
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", c.cfg.Name, err)
	}
	ctx, span := startCacheSpan(ctx, c.cfg.Name, "Put", fp)
	defer span.End()

	now := c.now().UTC()
	entry := Entry{Fingerprint: fp, Payload: payload, CreatedAt: now}
	if c.cfg.TTL > 0 {
		exp := now.Add(c.cfg.TTL)
		entry.ExpiresAt = &exp
	}

	existing, stored, err := c.store.PutIfAbsent(ctx, c.cfg.Name, entry)
	if err != nil {
		err = storeErr("put", err)
		span.RecordError(err)
		return err
	}
	if !stored && existing.Expired(now) {
		if err := c.evict(ctx, fp, "ttl"); err != nil {
			return err
		}
		existing, stored, err = c.store.PutIfAbsent(ctx, c.cfg.Name, entry)
		if err != nil {
			err = storeErr("put", err)
			span.RecordError(err)
			return err
		}
	}
	if stored || bytes.Equal(existing.Payload, payload) {
		return nil
	}

	c.violations.Add(1)
	recordIntegrityViolation(ctx, c.cfg.Name)
	ierr := &CacheIntegrityError{Cache: c.cfg.Name, Fingerprint: fp}
	span.RecordError(ierr)
	c.logger.Error("cache integrity violation, write dropped",
		slog.String("fingerprint", string(fp)),
		slog.Int("existing_bytes", len(existing.Payload)),
		slog.Int("rejected_bytes", len(payload)),
	)
	return ierr
}

// Invalidate removes the entry under fp. It reports whether an entry was
// removed.
func (c *Cache[T]) Invalidate(ctx context.Context, fp Fingerprint) (bool, error) {
	deleted, err := c.store.Delete(ctx, c.cfg.Name, fp)
	if err != nil {
		return false, storeErr("delete", err)
	}
	if deleted {
		c.evictions.Add(1)
		recordCacheEviction(ctx, c.cfg.Name, "invalidate")
	}
	return deleted, nil
}

func (c *Cache[T]) evict(ctx context.Context, fp Fingerprint, reason string) error {
	deleted, err := c.store.Delete(ctx, c.cfg.Name, fp)
	if err != nil {
		return storeErr("delete", err)
	}
	if deleted {
		c.evictions.Add(1)
		recordCacheEviction(ctx, c.cfg.Name, reason)
		c.logger.Debug("cache entry evicted",
			slog.String("fingerprint", fp.Short()),
			slog.String("reason", reason),
		)
	}
	return nil
}

// Metrics returns the cumulative counters and the current entry count.
func (c *Cache[T]) Metrics(ctx context.Context) (Stats, error) {
	size, err := c.store.Len(ctx, c.cfg.Name)
	if err != nil {
		return Stats{}, storeErr("len", err)
	}
	return Stats{
		Hits:                c.hits.Load(),
		Misses:              c.misses.Load(),
		Size:                size,
		Evictions:           c.evictions.Load(),
		IntegrityViolations: c.violations.Load(),
	}, nil
}

// GetOrCompute returns the cached payload under fp, or computes, stores and
// returns it. Concurrent misses on the same fingerprint share one compute.
//
// Outputs:
//
//	T - The payload.
//	bool - True when served from the cache.
//	error - The compute error unchanged, or a store error wrapping ErrStore.
//	An integrity violation on the store step is logged and counted; the
//	freshly computed value is still returned.
func (c *Cache[T]) GetOrCompute(ctx context.Context, fp Fingerprint, compute func(context.Context) (T, error)) (T, bool, error) {
	var zero T
	value, hit, err := c.Get(ctx, fp)
	if err != nil {
		return zero, false, err
	}
	if hit {
		return value, true, nil
	}

	v, err, _ := c.group.Do(string(fp), func() (interface{}, error) {
		computed, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.Put(ctx, fp, computed); err != nil && !errors.Is(err, ErrIntegrity) {
			return nil, err
		}
		return computed, nil
	})
	if err != nil {
		return zero, false, err
	}
	return v.(T), false, nil
}
