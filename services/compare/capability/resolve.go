// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package capability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianCompare/pkg/logging"
)

// Provider names.
const (
	ProviderNone   = "none"
	ProviderOpenAI = "openai"
	ProviderHTTP   = "http"
)

// Config selects the embedding and generation providers. Availability is
// decided once, by Resolve, at startup.
type Config struct {
	// Embedding is one of none, openai, http.
	Embedding string `yaml:"embedding" validate:"oneof=none openai http"`

	// Generation is one of none, openai.
	Generation string `yaml:"generation" validate:"oneof=none openai"`

	// EmbeddingURL is the base URL of the http embedding service.
	EmbeddingURL string `yaml:"embedding_url" validate:"required_if=Embedding http"`

	OpenAI OpenAIConfig `yaml:"openai"`

	// RequestsPerSecond limits calls per capability. Zero disables limiting.
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`

	// Burst is the limiter bucket size. Defaults to 1.
	Burst int `yaml:"burst" validate:"gte=0"`

	// HTTPTimeout bounds each provider request.
	HTTPTimeout time.Duration `yaml:"http_timeout"`
}

// Set is the resolved pair of clients handed to the engines.
type Set struct {
	Embedder  Embedder
	Generator Generator

	// EmbeddingAvailable and GenerationAvailable report the startup
	// decision for status output.
	EmbeddingAvailable  bool
	GenerationAvailable bool
}

// Resolve builds the capability clients described by cfg.
//
// A provider that cannot be constructed (missing API key, unknown name)
// resolves to Unavailable with a warning; it does not fail startup. The
// engines then fall back on every call, which the monitor reports.
func Resolve(cfg Config, logger *slog.Logger) Set {
	logger = logging.OrDiscard(logger)
	var set Set

	var openaiClient *OpenAIClient
	openaiFor := func() (*OpenAIClient, error) {
		if openaiClient != nil {
			return openaiClient, nil
		}
		c, err := NewOpenAIClient(cfg.OpenAI, logger)
		if err == nil {
			openaiClient = c
		}
		return c, err
	}

	switch cfg.Embedding {
	case ProviderOpenAI:
		if c, err := openaiFor(); err != nil {
			logger.Warn("embedding capability unavailable", slog.String("error", err.Error()))
			set.Embedder = Unavailable{Reason: err.Error()}
		} else {
			set.Embedder, set.EmbeddingAvailable = c, true
		}
	case ProviderHTTP:
		set.Embedder, set.EmbeddingAvailable = NewHTTPEmbedder(cfg.EmbeddingURL, cfg.HTTPTimeout), true
	default:
		set.Embedder = Unavailable{Reason: fmt.Sprintf("embedding provider %q", cfg.Embedding)}
	}

	switch cfg.Generation {
	case ProviderOpenAI:
		if c, err := openaiFor(); err != nil {
			logger.Warn("generation capability unavailable", slog.String("error", err.Error()))
			set.Generator = Unavailable{Reason: err.Error()}
		} else {
			set.Generator, set.GenerationAvailable = c, true
		}
	default:
		set.Generator = Unavailable{Reason: fmt.Sprintf("generation provider %q", cfg.Generation)}
	}

	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		if set.EmbeddingAvailable {
			set.Embedder = NewRateLimitedEmbedder(set.Embedder, rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst))
		}
		if set.GenerationAvailable {
			set.Generator = NewRateLimitedGenerator(set.Generator, rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst))
		}
	}

	logger.Info("capabilities resolved",
		slog.Bool("embedding", set.EmbeddingAvailable),
		slog.Bool("generation", set.GenerationAvailable),
	)
	return set
}

// RateLimitedEmbedder waits on a token bucket before each call. A wait that
// cannot finish before the context deadline fails as unavailable.
type RateLimitedEmbedder struct {
	next    Embedder
	limiter *rate.Limiter
}

// NewRateLimitedEmbedder wraps next.
func NewRateLimitedEmbedder(next Embedder, limiter *rate.Limiter) *RateLimitedEmbedder {
	return &RateLimitedEmbedder{next: next, limiter: limiter}
}

// Embed implements Embedder.
func (r *RateLimitedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, Unavailablef(err, "embed rate limit")
	}
	return r.next.Embed(ctx, text)
}

// RateLimitedGenerator waits on a token bucket before each call.
type RateLimitedGenerator struct {
	next    Generator
	limiter *rate.Limiter
}

// NewRateLimitedGenerator wraps next.
func NewRateLimitedGenerator(next Generator, limiter *rate.Limiter) *RateLimitedGenerator {
	return &RateLimitedGenerator{next: next, limiter: limiter}
}

// Generate implements Generator.
func (r *RateLimitedGenerator) Generate(ctx context.Context, prompt string, maxTokens int, temperature float32) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", Unavailablef(err, "generate rate limit")
	}
	return r.next.Generate(ctx, prompt, maxTokens, temperature)
}
