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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultHTTPTimeout bounds one embedding-service request. The stage
// timeout usually fires first.
const DefaultHTTPTimeout = 30 * time.Second

// HTTPEmbedder calls a self-hosted embedding service exposing
// POST {base}/batch_embed.
//
// Request:  {"texts": ["..."]}
// Response: {"model": "...", "vectors": [[...]], "dim": 384}
type HTTPEmbedder struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPEmbedder returns a client for baseURL (no trailing slash needed).
func NewHTTPEmbedder(baseURL string, timeout time.Duration) *HTTPEmbedder {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &HTTPEmbedder{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type batchEmbedRequest struct {
	Texts []string `json:"texts"`
}

type batchEmbedResponse struct {
	Model   string      `json:"model"`
	Vectors [][]float32 `json:"vectors"`
	Dim     int         `json:"dim"`
}

// Embed implements Embedder.
func (c *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, Unavailablef(nil, "embed: empty text")
	}
	body, err := json.Marshal(batchEmbedRequest{Texts: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/batch_embed", bytes.NewReader(body))
	if err != nil {
		return nil, Unavailablef(err, "build embed request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, Unavailablef(err, "embedding service request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, Unavailablef(nil, "embedding service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	var out batchEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, Unavailablef(err, "decode embedding response")
	}
	if len(out.Vectors) == 0 || len(out.Vectors[0]) == 0 {
		return nil, Unavailablef(nil, "embedding service returned no vectors")
	}
	return out.Vectors[0], nil
}

// Health checks GET {base}/health.
func (c *HTTPEmbedder) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return Unavailablef(err, "build health request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Unavailablef(err, "embedding service health")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Unavailablef(nil, "embedding service health status %d", resp.StatusCode)
	}
	return nil
}
