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
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// fingerprintPrefix names the hash algorithm inside every fingerprint.
const fingerprintPrefix = "sha256:"

// Fingerprint is the deterministic cache key of a normalized input,
// rendered as "sha256:<64 hex chars>".
type Fingerprint string

// String implements fmt.Stringer.
func (f Fingerprint) String() string { return string(f) }

// Valid reports whether f has the expected shape.
func (f Fingerprint) Valid() bool {
	s := string(f)
	if !strings.HasPrefix(s, fingerprintPrefix) || len(s) != len(fingerprintPrefix)+sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s[len(fingerprintPrefix):])
	return err == nil
}

// Short returns the first 12 hex characters, for log lines.
func (f Fingerprint) Short() string {
	s := strings.TrimPrefix(string(f), fingerprintPrefix)
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

// Normalize trims, lowercases and collapses runs of whitespace in text,
// then truncates it to budget runes. A budget <= 0 means no truncation.
//
// Two inputs that differ only in case, indentation or line wrapping
// normalize to the same string.
func Normalize(text string, budget int) string {
	var b strings.Builder
	b.Grow(len(text))
	pendingSpace := false
	runes := 0
	for _, r := range strings.TrimSpace(text) {
		if unicode.IsSpace(r) {
			pendingSpace = true
			continue
		}
		if pendingSpace {
			if budget > 0 && runes >= budget {
				break
			}
			b.WriteByte(' ')
			runes++
			pendingSpace = false
		}
		if budget > 0 && runes >= budget {
			break
		}
		b.WriteRune(unicode.ToLower(r))
		runes++
	}
	return strings.TrimRight(b.String(), " ")
}

// FingerprintText normalizes text with the given rune budget and hashes it.
func FingerprintText(text string, budget int) Fingerprint {
	return sum([]byte(Normalize(text, budget)))
}

// FingerprintObject hashes the canonical JSON encoding of v: object keys
// sorted, no insignificant whitespace, numbers kept verbatim. Callers are
// expected to normalize any free text inside v first.
func FingerprintObject(v any) (Fingerprint, error) {
	canon, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return sum(canon), nil
}

// CanonicalJSON encodes v so that semantically equal values always produce
// identical bytes, independent of struct field order or map iteration.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode fingerprint input: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode fingerprint input: %w", err)
	}
	// encoding/json writes map keys in sorted order.
	canon, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("re-encode fingerprint input: %w", err)
	}
	return canon, nil
}

func sum(b []byte) Fingerprint {
	h := sha256.Sum256(b)
	return Fingerprint(fingerprintPrefix + hex.EncodeToString(h[:]))
}
