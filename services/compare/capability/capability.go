// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package capability defines the external analytical capabilities the
// compare engines consume (embedding and narrative generation) and the
// clients that provide them.
//
// Every client failure wraps ErrCapabilityUnavailable. Engines catch it at
// their boundary and fall back; it never aborts a pipeline run.
package capability

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// ErrCapabilityUnavailable marks a transient or configured-off external
// dependency.
var ErrCapabilityUnavailable = errors.New("capability unavailable")

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Generator produces narrative text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string, maxTokens int, temperature float32) (string, error)
}

// EmbedderFunc adapts a function to Embedder.
type EmbedderFunc func(ctx context.Context, text string) ([]float32, error)

// Embed implements Embedder.
func (f EmbedderFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string, maxTokens int, temperature float32) (string, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, prompt string, maxTokens int, temperature float32) (string, error) {
	return f(ctx, prompt, maxTokens, temperature)
}

// Unavailable is the client used when a capability is configured off. Every
// call fails with ErrCapabilityUnavailable without doing any I/O.
type Unavailable struct {
	Reason string
}

// Embed implements Embedder.
func (u Unavailable) Embed(context.Context, string) ([]float32, error) {
	return nil, u.err("embed")
}

// Generate implements Generator.
func (u Unavailable) Generate(context.Context, string, int, float32) (string, error) {
	return "", u.err("generate")
}

func (u Unavailable) err(op string) error {
	if u.Reason == "" {
		return fmt.Errorf("%w: %s", ErrCapabilityUnavailable, op)
	}
	return fmt.Errorf("%w: %s: %s", ErrCapabilityUnavailable, op, u.Reason)
}

// Unavailablef wraps cause as a capability failure.
func Unavailablef(cause error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if cause == nil {
		return fmt.Errorf("%w: %s", ErrCapabilityUnavailable, msg)
	}
	return fmt.Errorf("%w: %s: %w", ErrCapabilityUnavailable, msg, cause)
}

// Cosine returns the cosine similarity of a and b, clamped to [-1, 1].
// Vectors of different length, empty vectors and zero vectors yield 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	switch {
	case math.IsNaN(sim):
		return 0
	case sim > 1:
		return 1
	case sim < -1:
		return -1
	}
	return sim
}
