// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"github.com/AleutianAI/AleutianCompare/services/compare/datatypes"
	"github.com/AleutianAI/AleutianCompare/services/compare/flags"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status              string `json:"status"`
	Version             string `json:"version"`
	Stage               int    `json:"stage"`
	EmbeddingAvailable  bool   `json:"embedding_available"`
	GenerationAvailable bool   `json:"generation_available"`
}

// FlagsResponse is returned by GET /v3/flags.
type FlagsResponse struct {
	Stage int               `json:"stage"`
	Flags []flags.FlagState `json:"flags"`
}

// BatchRequest is the body of POST /v3/compare/batch.
type BatchRequest struct {
	Requests []*datatypes.ComparisonRequest `json:"requests" binding:"required,min=1"`

	// Parallelism caps concurrent runs. Zero uses the pipeline default.
	Parallelism int `json:"parallelism,omitempty" binding:"gte=0"`
}

// BatchItem is one batch outcome. Exactly one of Result and Error is set.
type BatchItem struct {
	Result *datatypes.ComparisonResult `json:"result,omitempty"`
	Error  *ErrorResponse              `json:"error,omitempty"`
}

// BatchResponse lists outcomes in request order.
type BatchResponse struct {
	Results []BatchItem `json:"results"`
}
