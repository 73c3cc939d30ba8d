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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	cbadger "github.com/AleutianAI/AleutianCompare/services/compare/storage/badger"
)

// maxConflictRetries bounds retries of a PutIfAbsent transaction that lost
// an optimistic-concurrency race.
const maxConflictRetries = 3

// BadgerStore keeps cache entries in an embedded BadgerDB under the key
// "<namespace>/<fingerprint>".
//
// Thread Safety: Safe for concurrent use.
type BadgerStore struct {
	db     *cbadger.DB
	ownsDB bool
}

// NewBadgerStore wraps an open database. The caller keeps ownership of db.
func NewBadgerStore(db *cbadger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// OpenBadgerStore opens a database from cfg and owns it; Close closes it.
func OpenBadgerStore(cfg cbadger.Config) (*BadgerStore, error) {
	db, err := cbadger.Open(cfg)
	if err != nil {
		return nil, storeErr("open badger", err)
	}
	return &BadgerStore{db: db, ownsDB: true}, nil
}

func badgerKey(namespace string, fp Fingerprint) []byte {
	return []byte(namespace + "/" + string(fp))
}

func badgerPrefix(namespace string) []byte {
	return []byte(namespace + "/")
}

// Load implements Store.
func (s *BadgerStore) Load(ctx context.Context, namespace string, fp Fingerprint) (Entry, bool, error) {
	var (
		e     Entry
		found bool
	)
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(namespace, fp))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	if err != nil {
		return Entry{}, false, storeErr("badger load", err)
	}
	return e, found, nil
}

// PutIfAbsent implements Store.
func (s *BadgerStore) PutIfAbsent(ctx context.Context, namespace string, e Entry) (Entry, bool, error) {
	val, err := json.Marshal(e)
	if err != nil {
		return Entry{}, false, fmt.Errorf("encode cache entry: %w", err)
	}
	key := badgerKey(namespace, e.Fingerprint)

	for attempt := 0; ; attempt++ {
		var (
			existing Entry
			stored   bool
		)
		err = s.db.Update(ctx, func(txn *badger.Txn) error {
			item, err := txn.Get(key)
			switch {
			case err == nil:
				return item.Value(func(v []byte) error {
					return json.Unmarshal(v, &existing)
				})
			case errors.Is(err, badger.ErrKeyNotFound):
				stored = true
				return txn.Set(key, val)
			default:
				return err
			}
		})
		if errors.Is(err, badger.ErrConflict) && attempt < maxConflictRetries {
			continue
		}
		if err != nil {
			return Entry{}, false, storeErr("badger put", err)
		}
		return existing, stored, nil
	}
}

// Delete implements Store.
func (s *BadgerStore) Delete(ctx context.Context, namespace string, fp Fingerprint) (bool, error) {
	var deleted bool
	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		key := badgerKey(namespace, fp)
		_, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		deleted = true
		return txn.Delete(key)
	})
	if err != nil {
		return false, storeErr("badger delete", err)
	}
	return deleted, nil
}

// Len implements Store.
func (s *BadgerStore) Len(ctx context.Context, namespace string) (int, error) {
	n := 0
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = badgerPrefix(namespace)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, storeErr("badger len", err)
	}
	return n, nil
}

// Close closes the database when the store opened it.
func (s *BadgerStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}
