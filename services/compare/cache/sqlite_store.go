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
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const cacheEntriesSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
    namespace   TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    payload     BLOB NOT NULL,
    created_at  TEXT NOT NULL,
    expires_at  TEXT,
    PRIMARY KEY (namespace, fingerprint)
);
`

// SQLStore keeps cache entries in the relational table cache_entries.
//
// Inserts use INSERT OR IGNORE so the primary key enforces write-once; the
// existing row is read back when the insert is ignored.
type SQLStore struct {
	db     *sql.DB
	ownsDB bool
}

// NewSQLStore creates the cache_entries table on db if needed. The caller
// keeps ownership of db.
func NewSQLStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	if _, err := db.ExecContext(ctx, cacheEntriesSchema); err != nil {
		return nil, storeErr("create cache_entries", err)
	}
	return &SQLStore{db: db}, nil
}

// OpenSQLiteStore opens (or creates) the SQLite database at dsn with the
// pure-Go modernc driver. Use ":memory:" for a private in-memory database.
func OpenSQLiteStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storeErr("open sqlite", err)
	}
	// ":memory:" databases are per connection.
	db.SetMaxOpenConns(1)
	s, err := NewSQLStore(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// Load implements Store.
func (s *SQLStore) Load(ctx context.Context, namespace string, fp Fingerprint) (Entry, bool, error) {
	e, err := s.load(ctx, namespace, fp)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, storeErr("sqlite load", err)
	}
	return e, true, nil
}

func (s *SQLStore) load(ctx context.Context, namespace string, fp Fingerprint) (Entry, error) {
	var (
		payload   []byte
		createdAt string
		expiresAt sql.NullString
	)
	row := s.db.QueryRowContext(ctx, `
		SELECT payload, created_at, expires_at
		FROM cache_entries
		WHERE namespace = ? AND fingerprint = ?`,
		namespace, string(fp),
	)
	if err := row.Scan(&payload, &createdAt, &expiresAt); err != nil {
		return Entry{}, err
	}
	e := Entry{Fingerprint: fp, Payload: payload}
	var err error
	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Entry{}, fmt.Errorf("parse created_at: %w", err)
	}
	if expiresAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, expiresAt.String)
		if err != nil {
			return Entry{}, fmt.Errorf("parse expires_at: %w", err)
		}
		e.ExpiresAt = &t
	}
	return e, nil
}

// PutIfAbsent implements Store.
func (s *SQLStore) PutIfAbsent(ctx context.Context, namespace string, e Entry) (Entry, bool, error) {
	var expires sql.NullString
	if e.ExpiresAt != nil {
		expires = sql.NullString{String: e.ExpiresAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO cache_entries
		(namespace, fingerprint, payload, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		namespace,
		string(e.Fingerprint),
		e.Payload,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
		expires,
	)
	if err != nil {
		return Entry{}, false, storeErr("sqlite insert", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Entry{}, false, storeErr("sqlite rows affected", err)
	}
	if n == 1 {
		return Entry{}, true, nil
	}
	existing, err := s.load(ctx, namespace, e.Fingerprint)
	if err != nil {
		return Entry{}, false, storeErr("sqlite reload", err)
	}
	return existing, false, nil
}

// Delete implements Store.
func (s *SQLStore) Delete(ctx context.Context, namespace string, fp Fingerprint) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE namespace = ? AND fingerprint = ?`,
		namespace, string(fp),
	)
	if err != nil {
		return false, storeErr("sqlite delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("sqlite rows affected", err)
	}
	return n > 0, nil
}

// Len implements Store.
func (s *SQLStore) Len(ctx context.Context, namespace string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cache_entries WHERE namespace = ?`, namespace,
	).Scan(&n)
	if err != nil {
		return 0, storeErr("sqlite count", err)
	}
	return n, nil
}

// Close closes the database when the store opened it.
func (s *SQLStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}
