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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		budget int
		want   string
	}{
		{"trims and lowercases", "  Indemnification CLAUSE ", 0, "indemnification clause"},
		{"collapses whitespace", "a\t\tb\n\n c", 0, "a b c"},
		{"truncates to rune budget", "abcdef", 3, "abc"},
		{"budget counts runes", "ÄÖÜäöü", 4, "äöüä"},
		{"no trailing space at cut", "ab cd", 3, "ab"},
		{"empty", "   ", 10, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in, tt.budget))
		})
	}
}

func TestFingerprintText_Deterministic(t *testing.T) {
	a := FingerprintText("The Supplier shall indemnify the Buyer.", 2000)
	b := FingerprintText("the supplier   shall\nindemnify the buyer.", 2000)
	c := FingerprintText("The Supplier shall not indemnify the Buyer.", 2000)

	assert.True(t, a.Valid())
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	// Known value pins the algorithm across releases and restarts.
	assert.Equal(t,
		Fingerprint("sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"),
		FingerprintText("HELLO", 0))
}

func TestFingerprintObject_IgnoresMapOrder(t *testing.T) {
	first := map[string]any{"b": 2, "a": []string{"x", "y"}, "c": map[string]int{"z": 1, "y": 2}}
	second := map[string]any{"c": map[string]int{"y": 2, "z": 1}, "a": []string{"x", "y"}, "b": 2}

	fp1, err := FingerprintObject(first)
	require.NoError(t, err)
	fp2, err := FingerprintObject(second)
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)

	type pair struct {
		B string `json:"b"`
		A string `json:"a"`
	}
	fp3, err := FingerprintObject(pair{A: "1", B: "2"})
	require.NoError(t, err)
	fp4, err := FingerprintObject(map[string]string{"a": "1", "b": "2"})
	require.NoError(t, err)
	assert.Equal(t, fp3, fp4)

	canon, err := CanonicalJSON(pair{A: "1", B: "2"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"1","b":"2"}`, string(canon))
}

func TestFingerprintObject_RejectsUnencodable(t *testing.T) {
	_, err := FingerprintObject(make(chan int))
	assert.Error(t, err)
}

func TestFingerprint_ValidAndShort(t *testing.T) {
	fp := FingerprintText("x", 0)
	assert.True(t, fp.Valid())
	assert.Len(t, fp.Short(), 12)

	for _, bad := range []Fingerprint{"", "sha256:", "md5:abcd", "sha256:zz" + fp[9:]} {
		assert.False(t, bad.Valid(), string(bad))
	}
}
