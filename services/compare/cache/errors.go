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
	"errors"
	"fmt"
)

var (
	// ErrIntegrity is the sentinel behind CacheIntegrityError.
	ErrIntegrity = errors.New("cache integrity violation")

	// ErrStore marks a failure of the backing store itself (unreachable,
	// corrupt, closed). Engines treat it as structural, not transient.
	ErrStore = errors.New("cache store failure")

	// ErrInvalidFingerprint is returned for keys that are not
	// "sha256:<hex>".
	ErrInvalidFingerprint = errors.New("invalid fingerprint")

	// ErrUnknownBackend is returned by OpenStore for an unsupported backend.
	ErrUnknownBackend = errors.New("unknown cache backend")
)

// CacheIntegrityError reports a Put whose payload differs from the payload
// already stored under the same fingerprint. The write is dropped.
type CacheIntegrityError struct {
	Cache       string
	Fingerprint Fingerprint
}

func (e *CacheIntegrityError) Error() string {
	return fmt.Sprintf("%s: cache %s already holds a different payload for %s",
		ErrIntegrity, e.Cache, e.Fingerprint)
}

// Unwrap returns ErrIntegrity.
func (e *CacheIntegrityError) Unwrap() error { return ErrIntegrity }

// storeErr wraps a backend error with ErrStore. Errors already marked are
// returned unchanged.
func storeErr(op string, err error) error {
	if errors.Is(err, ErrStore) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}
