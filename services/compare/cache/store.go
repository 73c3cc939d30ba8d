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
)

// Entry is one stored cache row.
type Entry struct {
	Fingerprint Fingerprint `json:"fingerprint"`
	Payload     []byte      `json:"payload"`
	CreatedAt   time.Time   `json:"created_at"`
	ExpiresAt   *time.Time  `json:"expires_at,omitempty"`
}

// Expired reports whether the entry's TTL has passed at now.
func (e Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// Store is the persistence backend shared by cache instances. Each cache
// owns one namespace.
//
// Implementations must be safe for concurrent use. PutIfAbsent must be
// atomic: of two concurrent writers for the same key exactly one stores,
// and the other receives the stored entry.
type Store interface {
	// Load returns the entry under (namespace, fp).
	Load(ctx context.Context, namespace string, fp Fingerprint) (Entry, bool, error)

	// PutIfAbsent stores e unless an entry already exists, in which case it
	// returns the existing entry and stored=false.
	PutIfAbsent(ctx context.Context, namespace string, e Entry) (existing Entry, stored bool, err error)

	// Delete removes the entry. Deleting a missing entry is not an error.
	Delete(ctx context.Context, namespace string, fp Fingerprint) (bool, error)

	// Len returns the number of entries in the namespace.
	Len(ctx context.Context, namespace string) (int, error)

	// Close releases the backend.
	Close() error
}

// MemoryStore is an in-process Store guarded by an RWMutex.
type MemoryStore struct {
	mu     sync.RWMutex
	spaces map[string]map[Fingerprint]Entry
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{spaces: make(map[string]map[Fingerprint]Entry)}
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, namespace string, fp Fingerprint) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.spaces[namespace][fp]
	if !ok {
		return Entry{}, false, nil
	}
	return copyEntry(e), true, nil
}

// PutIfAbsent implements Store.
func (s *MemoryStore) PutIfAbsent(_ context.Context, namespace string, e Entry) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	space, ok := s.spaces[namespace]
	if !ok {
		space = make(map[Fingerprint]Entry)
		s.spaces[namespace] = space
	}
	if existing, ok := space[e.Fingerprint]; ok {
		return copyEntry(existing), false, nil
	}
	space[e.Fingerprint] = copyEntry(e)
	return Entry{}, true, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, namespace string, fp Fingerprint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.spaces[namespace][fp]; !ok {
		return false, nil
	}
	delete(s.spaces[namespace], fp)
	return true, nil
}

// Len implements Store.
func (s *MemoryStore) Len(_ context.Context, namespace string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.spaces[namespace]), nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

func copyEntry(e Entry) Entry {
	e.Payload = append([]byte(nil), e.Payload...)
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		e.ExpiresAt = &t
	}
	return e
}
